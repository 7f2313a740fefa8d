package desklink

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MessengerConfig configures a Messenger. UserID, Client, and Store are
// required. Token is used for the realtime handshake and falls back to the
// token persisted in the store.
type MessengerConfig struct {
	UserID  string
	Client  *Client
	Store   *Store
	Token   string
	Logger  *zap.Logger
	Conn    ConnConfig
	Offline CoordinatorOptions
	Rules   []TopologyRule
}

// Messenger is the high-level entry point for the communication client. It
// writes every outbound operation to the local store first, then either sends
// it immediately or queues it for replay, depending on connection state.
type Messenger struct {
	userID string
	client *Client
	store  *Store
	log    *zap.Logger

	dispatcher *Dispatcher
	conn       *ConnManager
	coord      *Coordinator
	topo       *TopologyBuilder
}

// NewMessenger wires up the dispatcher, connection manager, offline
// coordinator, and topology builder around a shared store.
func NewMessenger(cfg MessengerConfig) (*Messenger, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("messenger: user id is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("messenger: client is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("messenger: store is required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	token := cfg.Token
	if token == "" {
		token, _ = cfg.Store.Token()
	}
	cfg.Conn.Token = token

	d := NewDispatcher()
	m := &Messenger{
		userID:     cfg.UserID,
		client:     cfg.Client,
		store:      cfg.Store,
		log:        log,
		dispatcher: d,
		conn:       NewConnManager(cfg.Client.BaseURL(), cfg.Conn, cfg.Store, d, log),
		coord:      NewCoordinator(cfg.Store, cfg.Client, d, cfg.UserID, log, cfg.Offline),
	}
	m.topo = NewTopologyBuilder(m, cfg.Rules...)
	return m, nil
}

// On registers a handler and returns a token for Off.
func (m *Messenger) On(event Event, fn Handler) int { return m.dispatcher.On(event, fn) }

// Off removes a previously registered handler.
func (m *Messenger) Off(event Event, id int) { m.dispatcher.Off(event, id) }

// Connect opens the realtime connection. Queued actions drain automatically
// once the connection is established.
func (m *Messenger) Connect(ctx context.Context) error { return m.conn.Connect(ctx) }

// Disconnect closes the connection for good. No reconnects are attempted
// afterwards.
func (m *Messenger) Disconnect() error { return m.conn.Disconnect() }

// NetworkRestored resets the backoff schedule and reconnects immediately.
func (m *Messenger) NetworkRestored(ctx context.Context) error { return m.conn.NetworkRestored(ctx) }

// State reports the connection state.
func (m *Messenger) State() ConnState { return m.conn.State() }

// Online reports whether the realtime connection is established.
func (m *Messenger) Online() bool { return m.conn.State() == StateConnected }

// PendingCount reports the number of queued offline actions.
func (m *Messenger) PendingCount() int { return m.coord.PendingCount() }

// Checkpoint returns the user's sync checkpoint.
func (m *Messenger) Checkpoint() (*SyncCheckpoint, error) { return m.store.Checkpoint(m.userID) }

func (m *Messenger) enqueue(kind ActionKind, method, path string, body any, channelID, messageID string) error {
	var raw json.RawMessage
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s action: %w", kind, err)
		}
		raw = data
	}
	return m.coord.Enqueue(&PendingAction{
		Kind:      kind,
		Method:    method,
		Path:      path,
		Body:      raw,
		ChannelID: channelID,
		MessageID: messageID,
	})
}

// remoteCallError folds a remote call's transport error and envelope into a
// single error. The optimistic local write stands either way; retrying is the
// caller's decision.
func remoteCallError(op string, res *Result, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !res.OK {
		if res.Error != nil {
			return fmt.Errorf("%s: %w", op, res.Error)
		}
		return fmt.Errorf("%s: request rejected", op)
	}
	return nil
}

// ProvisionTopology creates every channel the user's organizational position
// requires and returns the full set.
func (m *Messenger) ProvisionTopology(ctx context.Context, u UserDescriptor) ([]*Channel, error) {
	if err := m.store.PutUser(&u); err != nil {
		m.log.Warn("user_cache_failed", zap.String("user", u.UserID), zap.Error(err))
	}
	return m.topo.Provision(ctx, u)
}

// ProvisionChannel upserts a single required channel and ensures the user is
// a member. Repeated calls for the same (scope, scopeKey) return the same
// channel.
func (m *Messenger) ProvisionChannel(ctx context.Context, spec ChannelSpec, u UserDescriptor) (*Channel, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	c := &Channel{
		ID:        uuid.NewString(),
		Name:      spec.Name,
		Scope:     spec.Scope,
		ScopeKey:  spec.ScopeKey,
		Members:   []string{u.UserID},
		Settings:  spec.Settings,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if spec.Admin {
		c.Admins = []string{u.UserID}
	}
	ch, created, err := m.store.UpsertChannel(c)
	if err != nil {
		return nil, fmt.Errorf("upsert channel %s/%s: %w", spec.Scope, spec.ScopeKey, err)
	}
	if created {
		if m.Online() {
			res, err := m.client.Channels.Create(ctx, ch)
			if rerr := remoteCallError("create channel", res, err); rerr != nil {
				return nil, rerr
			}
		} else if err := m.enqueue(ActionCreateChannel, "POST", "/api/chat/channels", ch, ch.ID, ""); err != nil {
			return nil, err
		}
		m.dispatcher.Emit(EventChannelCreated, ch)
		return ch, nil
	}
	if err := m.ensureMembership(ctx, ch, u.UserID, spec.Admin); err != nil {
		return nil, err
	}
	return ch, nil
}

func (m *Messenger) ensureMembership(ctx context.Context, ch *Channel, userID string, admin bool) error {
	changed := false
	if !ch.HasMember(userID) {
		ch.Members = append(ch.Members, userID)
		changed = true
	}
	if admin && !contains(ch.Admins, userID) {
		ch.Admins = append(ch.Admins, userID)
		changed = true
	}
	if !changed {
		return nil
	}
	ch.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	if err := m.store.PutChannel(ch); err != nil {
		return fmt.Errorf("persist membership: %w", err)
	}
	if m.Online() {
		res, err := m.client.Channels.Join(ctx, ch.ID, userID)
		return remoteCallError("join channel", res, err)
	}
	return m.enqueue(ActionJoinChannel, "POST", "/api/chat/channels/"+ch.ID+"/members",
		map[string]string{"userId": userID}, ch.ID, "")
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// CreateChannel creates an ad hoc channel outside the role topology, such as
// a private or per-document conversation.
func (m *Messenger) CreateChannel(ctx context.Context, c *Channel) (*Channel, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	c.CreatedAt, c.UpdatedAt = now, now
	if !c.HasMember(m.userID) {
		c.Members = append(c.Members, m.userID)
	}
	if err := m.store.PutChannel(c); err != nil {
		return nil, fmt.Errorf("persist channel: %w", err)
	}
	if m.Online() {
		res, err := m.client.Channels.Create(ctx, c)
		if rerr := remoteCallError("create channel", res, err); rerr != nil {
			return nil, rerr
		}
	} else if err := m.enqueue(ActionCreateChannel, "POST", "/api/chat/channels", c, c.ID, ""); err != nil {
		return nil, err
	}
	m.dispatcher.Emit(EventChannelCreated, c)
	return c, nil
}

// ListChannels returns the channels visible to the current user from the
// local store.
func (m *Messenger) ListChannels() ([]*Channel, error) {
	return m.store.ListChannels(m.userID)
}

// JoinChannel adds the current user to a channel.
func (m *Messenger) JoinChannel(ctx context.Context, channelID string) (*Channel, error) {
	ch, err := m.store.GetChannel(channelID)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, fmt.Errorf("channel %s not found", channelID)
	}
	if err := m.ensureMembership(ctx, ch, m.userID, false); err != nil {
		return nil, err
	}
	return ch, nil
}

// SendMessage composes a message, persists it locally, and sends it. When the
// connection is down, or the send fails mid-flight, the message stays queued
// and is replayed in order on reconnect.
func (m *Messenger) SendMessage(ctx context.Context, channelID, content string, kind MessageKind) (*Message, error) {
	if kind == "" {
		kind = KindText
	}
	seq, err := m.store.NextMessageSeq(channelID)
	if err != nil {
		return nil, fmt.Errorf("allocate message seq: %w", err)
	}
	msg := &Message{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		SenderID:  m.userID,
		Content:   content,
		Kind:      kind,
		Seq:       seq,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := m.store.PutMessage(msg); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}

	if m.Online() {
		res, err := m.client.Messages.Create(ctx, msg)
		if err == nil && res.OK {
			msg.Status = StatusSent
			msg.DeliveredAt = time.Now().UTC().Format(time.RFC3339Nano)
			if err := m.store.PutMessage(msg); err != nil {
				m.log.Warn("message_status_persist_failed", zap.String("message", msg.ID), zap.Error(err))
			}
			m.dispatcher.Emit(EventMessageSent, msg)
			return msg, nil
		}
		// The connection dropped under us. Queue instead of losing the
		// message.
		m.log.Warn("send_failed_queueing", zap.String("message", msg.ID), zap.Error(err))
	}
	if err := m.enqueue(ActionSendMessage, "POST", "/api/chat/channels/"+channelID+"/messages", msg, channelID, msg.ID); err != nil {
		return nil, err
	}
	m.dispatcher.Emit(EventMessageQueued, msg)
	return msg, nil
}

// EditMessage updates a message's content locally and remotely.
func (m *Messenger) EditMessage(ctx context.Context, channelID, messageID, content string) (*Message, error) {
	msg, err := m.store.GetMessage(messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("message %s not found", messageID)
	}
	msg.Content = content
	msg.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	if err := m.store.PutMessage(msg); err != nil {
		return nil, fmt.Errorf("persist edit: %w", err)
	}
	if m.Online() {
		res, err := m.client.Messages.Update(ctx, channelID, messageID, content)
		if rerr := remoteCallError("edit message", res, err); rerr != nil {
			return nil, rerr
		}
		return msg, nil
	}
	err = m.enqueue(ActionEditMessage, "PATCH",
		"/api/chat/channels/"+channelID+"/messages/"+messageID,
		map[string]string{"content": content}, channelID, messageID)
	return msg, err
}

// DeleteMessage removes a message locally and remotely.
func (m *Messenger) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if err := m.store.DeleteMessage(messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if m.Online() {
		res, err := m.client.Messages.Delete(ctx, channelID, messageID)
		return remoteCallError("delete message", res, err)
	}
	return m.enqueue(ActionDeleteMessage, "DELETE",
		"/api/chat/channels/"+channelID+"/messages/"+messageID, nil, channelID, messageID)
}

// ListMessages returns a channel's messages from the local store in send
// order.
func (m *Messenger) ListMessages(channelID string, limit, offset int) ([]*Message, error) {
	return m.store.ListMessages(channelID, limit, offset)
}

// MarkRead records that the current user has read a channel.
func (m *Messenger) MarkRead(ctx context.Context, channelID string) error {
	msgs, err := m.store.ListMessages(channelID, 0, 0)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		changed := false
		if !contains(msg.ReadBy, m.userID) {
			msg.ReadBy = append(msg.ReadBy, m.userID)
			changed = true
		}
		// Inbound messages reach the end of the delivery chain once the
		// local user has read them.
		if msg.SenderID != m.userID && msg.Status != StatusRead {
			msg.Status = StatusRead
			changed = true
		}
		if !changed {
			continue
		}
		if err := m.store.PutMessage(msg); err != nil {
			m.log.Warn("read_marker_persist_failed", zap.String("message", msg.ID), zap.Error(err))
		}
	}
	if m.Online() {
		res, err := m.client.Messages.MarkRead(ctx, channelID, m.userID)
		return remoteCallError("mark read", res, err)
	}
	return m.enqueue(ActionMarkRead, "POST", "/api/chat/channels/"+channelID+"/read",
		map[string]string{"userId": m.userID}, channelID, "")
}

// SendTyping broadcasts a typing indicator. It is a no-op while offline;
// typing state is ephemeral and never queued.
func (m *Messenger) SendTyping(ctx context.Context, channelID string, typing bool) error {
	if !m.Online() {
		return nil
	}
	return m.conn.SendTyping(ctx, channelID, m.userID, typing)
}

// UpdateStatus broadcasts a presence change. Like typing, presence is
// ephemeral and dropped while offline.
func (m *Messenger) UpdateStatus(ctx context.Context, status string) error {
	if !m.Online() {
		return nil
	}
	return m.conn.UpdateStatus(ctx, m.userID, status)
}

// CreateSignatureRequest starts a document signature workflow in a channel.
func (m *Messenger) CreateSignatureRequest(ctx context.Context, req *SignatureRequest) (*SignatureRequest, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = SignaturePending
	}
	req.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	if err := m.store.PutSignatureRequest(req); err != nil {
		return nil, fmt.Errorf("persist signature request: %w", err)
	}
	if m.Online() {
		res, err := m.client.Signatures.Create(ctx, req)
		if rerr := remoteCallError("create signature request", res, err); rerr != nil {
			return nil, rerr
		}
		return req, nil
	}
	err := m.enqueue(ActionCreateSignature, "POST", "/api/chat/signatures", req, req.ChannelID, "")
	return req, err
}

// CreatePoll opens a poll in a channel.
func (m *Messenger) CreatePoll(ctx context.Context, poll *Poll) (*Poll, error) {
	if poll.ID == "" {
		poll.ID = uuid.NewString()
	}
	if poll.Status == "" {
		poll.Status = PollActive
	}
	for i := range poll.Options {
		if poll.Options[i].ID == "" {
			poll.Options[i].ID = uuid.NewString()
		}
	}
	poll.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	if err := m.store.PutPoll(poll); err != nil {
		return nil, fmt.Errorf("persist poll: %w", err)
	}
	if m.Online() {
		res, err := m.client.Polls.Create(ctx, poll)
		if rerr := remoteCallError("create poll", res, err); rerr != nil {
			return nil, rerr
		}
		return poll, nil
	}
	err := m.enqueue(ActionCreatePoll, "POST", "/api/chat/polls", poll, poll.ChannelID, "")
	return poll, err
}

// VotePoll records the current user's vote for a poll option. Voting again
// for the same option is idempotent.
func (m *Messenger) VotePoll(ctx context.Context, pollID, optionID string) (*Poll, error) {
	poll, err := m.store.GetPoll(pollID)
	if err != nil {
		return nil, err
	}
	if poll == nil {
		return nil, fmt.Errorf("poll %s not found", pollID)
	}
	found := false
	for i := range poll.Options {
		if poll.Options[i].ID != optionID {
			continue
		}
		found = true
		if !contains(poll.Options[i].Votes, m.userID) {
			poll.Options[i].Votes = append(poll.Options[i].Votes, m.userID)
		}
	}
	if !found {
		return nil, fmt.Errorf("poll %s has no option %s", pollID, optionID)
	}
	if err := m.store.PutPoll(poll); err != nil {
		return nil, fmt.Errorf("persist vote: %w", err)
	}
	if m.Online() {
		res, err := m.client.Polls.Vote(ctx, pollID, optionID, m.userID)
		if rerr := remoteCallError("vote", res, err); rerr != nil {
			return nil, rerr
		}
		return poll, nil
	}
	err = m.enqueue(ActionVotePoll, "POST", "/api/chat/polls/"+pollID+"/votes",
		map[string]string{"optionId": optionID, "userId": m.userID}, poll.ChannelID, "")
	return poll, err
}

// SearchMessages searches message content. Online it queries the service;
// offline it falls back to a substring scan of the local store, so search
// keeps working in the field.
func (m *Messenger) SearchMessages(ctx context.Context, query string, limit int) ([]*Message, error) {
	if m.Online() {
		res, err := m.client.Search(ctx, query, limit)
		if err == nil && res.OK {
			var msgs []*Message
			if err := res.Decode(&msgs); err != nil {
				return nil, fmt.Errorf("decode search results: %w", err)
			}
			return msgs, nil
		}
		m.log.Warn("remote_search_failed", zap.String("query", query), zap.Error(err))
	}
	return m.store.SearchMessages(query, limit)
}

// GenerateSummary produces a digest of a channel's recent activity. Online it
// asks the service; offline it builds an extractive summary from the local
// store.
func (m *Messenger) GenerateSummary(ctx context.Context, channelID string) (string, error) {
	if m.Online() {
		res, err := m.client.Summarize(ctx, channelID)
		if err == nil && res.OK {
			var out struct {
				Summary string `json:"summary"`
			}
			if err := res.Decode(&out); err != nil {
				return "", fmt.Errorf("decode summary: %w", err)
			}
			return out.Summary, nil
		}
		m.log.Warn("remote_summary_failed", zap.String("channel", channelID), zap.Error(err))
	}
	return m.localSummary(channelID)
}

// localSummary is the offline fallback: participant count plus the longest
// recent messages, oldest first.
func (m *Messenger) localSummary(channelID string) (string, error) {
	msgs, err := m.store.ListMessages(channelID, 0, 0)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "No recent activity.", nil
	}
	if len(msgs) > 50 {
		msgs = msgs[len(msgs)-50:]
	}
	senders := make(map[string]bool)
	for _, msg := range msgs {
		senders[msg.SenderID] = true
	}
	picked := make([]*Message, len(msgs))
	copy(picked, msgs)
	sort.SliceStable(picked, func(i, j int) bool {
		return len(picked[i].Content) > len(picked[j].Content)
	})
	if len(picked) > 3 {
		picked = picked[:3]
	}
	sort.SliceStable(picked, func(i, j int) bool { return picked[i].Seq < picked[j].Seq })

	var b strings.Builder
	fmt.Fprintf(&b, "%d messages from %d participants.", len(msgs), len(senders))
	for _, msg := range picked {
		b.WriteString(" " + msg.SenderID + ": " + msg.Content)
	}
	return b.String(), nil
}

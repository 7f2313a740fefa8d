package desklink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// newOfflineMessenger builds a messenger whose client points at a dead
// endpoint and whose connection is never established.
func newOfflineMessenger(t *testing.T) (*Messenger, *Store) {
	t.Helper()
	s := newTestStore(t)
	m, err := NewMessenger(MessengerConfig{
		UserID: "u-1",
		Client: NewClient("tok", WithBaseURL("http://localhost:0")),
		Store:  s,
	})
	if err != nil {
		t.Fatalf("messenger: %v", err)
	}
	return m, s
}

// newOnlineMessenger runs a combined websocket/REST server and connects a
// messenger to it. The returned replayServer records REST calls and lets
// tests fail individual paths.
func newOnlineMessenger(t *testing.T) (*Messenger, *Store, *replayServer) {
	t.Helper()
	rs := &replayServer{fail: make(map[string]bool)}
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			c, err := websocket.Accept(w, r, nil)
			if err != nil {
				return
			}
			data, _ := json.Marshal(&Frame{Type: "authenticated"})
			if c.Write(r.Context(), websocket.MessageText, data) != nil {
				return
			}
			c.Read(r.Context()) // hold open
			return
		}

		rs.mu.Lock()
		rs.paths = append(rs.paths, r.URL.Path)
		failed := rs.fail[r.URL.Path]
		rs.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if failed {
			json.NewEncoder(w).Encode(map[string]any{
				"ok":    false,
				"error": map[string]string{"code": "unavailable", "message": "down"},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	t.Cleanup(rs.srv.Close)

	s := newTestStore(t)
	m, err := NewMessenger(MessengerConfig{
		UserID: "u-1",
		Client: NewClient("tok", WithBaseURL(rs.srv.URL)),
		Store:  s,
	})
	if err != nil {
		t.Fatalf("messenger: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { m.Disconnect() })
	return m, s, rs
}

// ============================================================================
// Construction
// ============================================================================

func TestNewMessengerValidation(t *testing.T) {
	s := newTestStore(t)
	client := NewClient("tok")

	if _, err := NewMessenger(MessengerConfig{Client: client, Store: s}); err == nil {
		t.Fatal("expected error for missing user id")
	}
	if _, err := NewMessenger(MessengerConfig{UserID: "u-1", Store: s}); err == nil {
		t.Fatal("expected error for missing client")
	}
	if _, err := NewMessenger(MessengerConfig{UserID: "u-1", Client: client}); err == nil {
		t.Fatal("expected error for missing store")
	}
}

// ============================================================================
// Sending
// ============================================================================

func TestSendMessageOffline(t *testing.T) {
	m, s := newOfflineMessenger(t)

	queued := make([]*Message, 0, 1)
	m.On(EventMessageQueued, func(_ Event, payload any) { queued = append(queued, payload.(*Message)) })

	msg, err := m.SendMessage(context.Background(), "ch-1", "draft while offline", KindText)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Status != StatusQueued {
		t.Fatalf("expected queued status, got %s", msg.Status)
	}
	if len(queued) != 1 || queued[0].ID != msg.ID {
		t.Fatalf("message-queued event missing: %+v", queued)
	}
	if m.PendingCount() != 1 {
		t.Fatalf("expected 1 pending action, got %d", m.PendingCount())
	}

	stored, err := s.GetMessage(msg.ID)
	if err != nil || stored == nil {
		t.Fatalf("optimistic message not persisted: %v", err)
	}
	msgs, _ := m.ListMessages("ch-1", 0, 0)
	if len(msgs) != 1 {
		t.Fatalf("queued message not listed: %d", len(msgs))
	}
}

func TestSendMessageOnline(t *testing.T) {
	m, s, _ := newOnlineMessenger(t)

	var sent *Message
	m.On(EventMessageSent, func(_ Event, payload any) { sent = payload.(*Message) })

	msg, err := m.SendMessage(context.Background(), "ch-1", "hello", KindText)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Status != StatusSent {
		t.Fatalf("expected sent status, got %s", msg.Status)
	}
	if msg.DeliveredAt == "" {
		t.Fatal("delivered timestamp missing")
	}
	if sent == nil || sent.ID != msg.ID {
		t.Fatalf("message-sent event missing")
	}
	if m.PendingCount() != 0 {
		t.Fatalf("nothing should be queued, got %d", m.PendingCount())
	}
	stored, _ := s.GetMessage(msg.ID)
	if stored.Status != StatusSent {
		t.Fatalf("stored status %s", stored.Status)
	}
}

func TestSendMessageFallsBackToQueueOnRejection(t *testing.T) {
	m, _, rs := newOnlineMessenger(t)
	rs.setFail("/api/chat/channels/ch-1/messages", true)

	msg, err := m.SendMessage(context.Background(), "ch-1", "burst then drop", KindText)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Status != StatusQueued {
		t.Fatalf("expected queued fallback, got %s", msg.Status)
	}
	if m.PendingCount() != 1 {
		t.Fatalf("expected 1 pending action, got %d", m.PendingCount())
	}
}

// Unlike sends, which fall back to the queue, other mutations performed while
// online report a server rejection to the caller.
func TestOnlineRejectionSurfaced(t *testing.T) {
	m, s, rs := newOnlineMessenger(t)

	msg, err := m.SendMessage(context.Background(), "ch-1", "v1", KindText)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	t.Run("edit", func(t *testing.T) {
		rs.setFail("/api/chat/channels/ch-1/messages/"+msg.ID, true)
		if _, err := m.EditMessage(context.Background(), "ch-1", msg.ID, "v2"); err == nil {
			t.Fatal("edit swallowed the rejection")
		}
		// The optimistic local edit stands; the caller decides what to do.
		stored, _ := s.GetMessage(msg.ID)
		if stored.Content != "v2" {
			t.Fatalf("local edit lost: %q", stored.Content)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := m.DeleteMessage(context.Background(), "ch-1", msg.ID); err == nil {
			t.Fatal("delete swallowed the rejection")
		}
	})

	t.Run("mark read", func(t *testing.T) {
		rs.setFail("/api/chat/channels/ch-1/read", true)
		if err := m.MarkRead(context.Background(), "ch-1"); err == nil {
			t.Fatal("mark read swallowed the rejection")
		}
	})

	t.Run("create channel", func(t *testing.T) {
		rs.setFail("/api/chat/channels", true)
		if _, err := m.CreateChannel(context.Background(), &Channel{Name: "minutes", Scope: ScopePrivate, ScopeKey: "p-1"}); err == nil {
			t.Fatal("create channel swallowed the rejection")
		}
	})

	t.Run("polls", func(t *testing.T) {
		rs.setFail("/api/chat/polls", true)
		if _, err := m.CreatePoll(context.Background(), &Poll{ChannelID: "ch-1", Question: "q", Options: []PollOption{{Label: "a"}}}); err == nil {
			t.Fatal("create poll swallowed the rejection")
		}
		rs.setFail("/api/chat/polls", false)
		poll, err := m.CreatePoll(context.Background(), &Poll{ChannelID: "ch-1", Question: "q", Options: []PollOption{{Label: "a"}}})
		if err != nil {
			t.Fatalf("create poll: %v", err)
		}
		rs.setFail("/api/chat/polls/"+poll.ID+"/votes", true)
		if _, err := m.VotePoll(context.Background(), poll.ID, poll.Options[0].ID); err == nil {
			t.Fatal("vote swallowed the rejection")
		}
	})

	t.Run("signature request", func(t *testing.T) {
		rs.setFail("/api/chat/signatures", true)
		if _, err := m.CreateSignatureRequest(context.Background(), &SignatureRequest{ChannelID: "ch-1", DocumentID: "doc-1"}); err == nil {
			t.Fatal("signature request swallowed the rejection")
		}
	})

	// Rejections while online are surfaced, never silently queued.
	if m.PendingCount() != 0 {
		t.Fatalf("expected empty queue, got %d", m.PendingCount())
	}
}

func TestEditAndDeleteOffline(t *testing.T) {
	m, s := newOfflineMessenger(t)

	msg, err := m.SendMessage(context.Background(), "ch-1", "v1", KindText)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	edited, err := m.EditMessage(context.Background(), "ch-1", msg.ID, "v2")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.Content != "v2" || edited.UpdatedAt == "" {
		t.Fatalf("edit not applied: %+v", edited)
	}

	if err := m.DeleteMessage(context.Background(), "ch-1", msg.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	stored, _ := s.GetMessage(msg.ID)
	if stored != nil {
		t.Fatal("message survived delete")
	}
	// send + edit + delete all queued for replay
	if m.PendingCount() != 3 {
		t.Fatalf("expected 3 pending actions, got %d", m.PendingCount())
	}
}

// ============================================================================
// Channels
// ============================================================================

func TestCreateChannelOffline(t *testing.T) {
	m, s := newOfflineMessenger(t)

	var created *Channel
	m.On(EventChannelCreated, func(_ Event, payload any) { created = payload.(*Channel) })

	ch, err := m.CreateChannel(context.Background(), &Channel{Name: "thesis draft", Scope: ScopeDocument, ScopeKey: "doc-9"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !ch.HasMember("u-1") {
		t.Fatal("creator not a member")
	}
	if created == nil || created.ID != ch.ID {
		t.Fatal("channel-created event missing")
	}
	stored, _ := s.GetChannel(ch.ID)
	if stored == nil {
		t.Fatal("channel not persisted")
	}
	if m.PendingCount() != 1 {
		t.Fatalf("create not queued: %d", m.PendingCount())
	}
}

func TestJoinChannelOffline(t *testing.T) {
	m, s := newOfflineMessenger(t)
	s.PutChannel(&Channel{ID: "ch-9", Name: "records", Scope: ScopeDepartment, ScopeKey: "records", Members: []string{"u-2"}})

	ch, err := m.JoinChannel(context.Background(), "ch-9")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !ch.HasMember("u-1") {
		t.Fatal("user not added")
	}
	if m.PendingCount() != 1 {
		t.Fatalf("join not queued: %d", m.PendingCount())
	}

	if _, err := m.JoinChannel(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}

// ============================================================================
// Read markers, polls, signatures
// ============================================================================

func TestMarkReadOffline(t *testing.T) {
	m, s := newOfflineMessenger(t)
	seq, _ := s.NextMessageSeq("ch-1")
	s.PutMessage(&Message{ID: "m-1", ChannelID: "ch-1", SenderID: "u-2", Content: "unread", Seq: seq})

	if err := m.MarkRead(context.Background(), "ch-1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	stored, _ := s.GetMessage("m-1")
	if len(stored.ReadBy) != 1 || stored.ReadBy[0] != "u-1" {
		t.Fatalf("read marker missing: %+v", stored.ReadBy)
	}
	if stored.Status != StatusRead {
		t.Fatalf("inbound message not marked read, status %s", stored.Status)
	}

	// The user's own messages carry the marker but keep their delivery
	// status.
	seq, _ = s.NextMessageSeq("ch-1")
	s.PutMessage(&Message{ID: "m-2", ChannelID: "ch-1", SenderID: "u-1", Content: "mine", Seq: seq, Status: StatusSent})

	// Marking again must not duplicate the marker.
	if err := m.MarkRead(context.Background(), "ch-1"); err != nil {
		t.Fatalf("second mark read: %v", err)
	}
	stored, _ = s.GetMessage("m-1")
	if len(stored.ReadBy) != 1 {
		t.Fatalf("duplicate read marker: %+v", stored.ReadBy)
	}
	own, _ := s.GetMessage("m-2")
	if own.Status != StatusSent {
		t.Fatalf("own message status changed to %s", own.Status)
	}
}

func TestVotePoll(t *testing.T) {
	m, s := newOfflineMessenger(t)
	poll, err := m.CreatePoll(context.Background(), &Poll{
		ChannelID: "ch-1",
		Question:  "New meeting slot?",
		Options:   []PollOption{{Label: "Monday"}, {Label: "Friday"}},
	})
	if err != nil {
		t.Fatalf("create poll: %v", err)
	}
	if poll.Status != PollActive {
		t.Fatalf("expected active poll, got %s", poll.Status)
	}

	voted, err := m.VotePoll(context.Background(), poll.ID, poll.Options[0].ID)
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if len(voted.Options[0].Votes) != 1 {
		t.Fatalf("vote not recorded: %+v", voted.Options[0])
	}

	// Idempotent revote.
	voted, err = m.VotePoll(context.Background(), poll.ID, poll.Options[0].ID)
	if err != nil {
		t.Fatalf("revote: %v", err)
	}
	if len(voted.Options[0].Votes) != 1 {
		t.Fatalf("duplicate vote: %+v", voted.Options[0])
	}

	if _, err := m.VotePoll(context.Background(), poll.ID, "bogus-option"); err == nil {
		t.Fatal("expected error for unknown option")
	}

	stored, _ := s.GetPoll(poll.ID)
	if len(stored.Options[0].Votes) != 1 {
		t.Fatalf("vote not persisted: %+v", stored.Options[0])
	}
}

func TestCreateSignatureRequestOffline(t *testing.T) {
	m, s := newOfflineMessenger(t)
	req, err := m.CreateSignatureRequest(context.Background(), &SignatureRequest{
		ChannelID:  "ch-1",
		DocumentID: "doc-1",
		Signers:    []string{"u-2", "u-3"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.Status != SignaturePending {
		t.Fatalf("expected pending, got %s", req.Status)
	}
	stored, _ := s.GetSignatureRequest(req.ID)
	if stored == nil {
		t.Fatal("signature request not persisted")
	}
	if m.PendingCount() != 1 {
		t.Fatalf("not queued: %d", m.PendingCount())
	}
}

// ============================================================================
// Search and summaries
// ============================================================================

func TestSearchMessagesOffline(t *testing.T) {
	m, s := newOfflineMessenger(t)
	seq, _ := s.NextMessageSeq("ch-1")
	s.PutMessage(&Message{ID: "m-1", ChannelID: "ch-1", Content: "Q3 budget review", Seq: seq})

	msgs, err := m.SearchMessages(context.Background(), "budget", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m-1" {
		t.Fatalf("unexpected results: %+v", msgs)
	}
}

func TestGenerateSummaryOffline(t *testing.T) {
	m, s := newOfflineMessenger(t)

	summary, err := m.GenerateSummary(context.Background(), "ch-empty")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary != "No recent activity." {
		t.Fatalf("unexpected empty-channel summary: %q", summary)
	}

	contents := []string{"short", "a much longer status report about the records migration", "ok"}
	for i, c := range contents {
		seq, _ := s.NextMessageSeq("ch-1")
		s.PutMessage(&Message{ID: "m-" + string(rune('a'+i)), ChannelID: "ch-1", SenderID: "u-2", Content: c, Seq: seq})
	}
	summary, err = m.GenerateSummary(context.Background(), "ch-1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !strings.Contains(summary, "3 messages") {
		t.Fatalf("message count missing: %q", summary)
	}
	if !strings.Contains(summary, "records migration") {
		t.Fatalf("longest message missing: %q", summary)
	}
}

package desklink

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// Key prefixes for the persisted namespaces. Stable so a process restart can
// rehydrate full offline state.
const (
	keyChannel   = "channel:"   // channel:<id> -> Channel
	keyChanScope = "chanscope:" // chanscope:<scope>:<scopeKey> -> channel id
	keyMessage   = "msg:"       // msg:<channelID>:<seq padded> -> Message
	keyMessageID = "msgid:"     // msgid:<messageID> -> full msg key
	keyQueue     = "queue:"     // queue:<seq padded> -> PendingAction
	keySync      = "sync:"      // sync:<userID> -> SyncCheckpoint
	keyUser      = "user:"      // user:<userID> -> UserDescriptor
	keyPoll      = "poll:"      // poll:<id> -> Poll
	keySignature = "sig:"       // sig:<id> -> SignatureRequest
	keyAuthToken = "auth:token"
	keyKeyPair   = "keys:self"
)

// Store is the durable local persistence layer. It exclusively owns the
// persisted copies of channels, messages, the pending-action log, and sync
// checkpoints; only the ConnManager and Coordinator write to
// it, everything else reads through the Messenger or listens on the
// Dispatcher.
type Store struct {
	db  *pebble.DB
	log *zap.Logger

	mu      sync.Mutex
	msgSeq  map[string]uint64 // per-channel, lazily loaded from the last key
	nextAct uint64
}

// OpenStore opens (or creates) the pebble database at path.
func OpenStore(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s := &Store{db: db, log: log, msgSeq: make(map[string]uint64)}
	s.nextAct, err = s.lastSeq(keyQueue)
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Info("store_opened", zap.String("path", path), zap.Uint64("queued_actions", s.nextAct))
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// lastSeq scans the final key under prefix and parses its trailing sequence.
func (s *Store) lastSeq(prefix string) (uint64, error) {
	iter, err := s.db.NewIter(prefixBounds(prefix))
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, nil
	}
	key := string(iter.Key())
	var seq uint64
	if _, err := fmt.Sscanf(key[strings.LastIndex(key, ":")+1:], "%d", &seq); err != nil {
		return 0, fmt.Errorf("malformed key %q: %w", key, err)
	}
	return seq, nil
}

func prefixBounds(prefix string) *pebble.IterOptions {
	upper := []byte(prefix)
	upper = append(upper[:len(upper):len(upper)], 0xff)
	return &pebble.IterOptions{LowerBound: []byte(prefix), UpperBound: upper}
}

func (s *Store) setJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.db.Set([]byte(key), data, pebble.Sync); err != nil {
		s.log.Error("store_write_failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

func (s *Store) getJSON(key string, v any) (bool, error) {
	data, closer, err := s.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// ============================================================================
// Channels
// ============================================================================

// PutChannel writes a channel record and its scope index entry.
func (s *Store) PutChannel(c *Channel) error {
	if err := s.setJSON(keyChannel+c.ID, c); err != nil {
		return err
	}
	idx := fmt.Sprintf("%s%s:%s", keyChanScope, c.Scope, c.ScopeKey)
	return s.db.Set([]byte(idx), []byte(c.ID), pebble.Sync)
}

// GetChannel returns the channel by id, or nil if absent.
func (s *Store) GetChannel(id string) (*Channel, error) {
	var c Channel
	ok, err := s.getJSON(keyChannel+id, &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

// ChannelByScope resolves a channel by its unique (scope, scopeKey) pair.
func (s *Store) ChannelByScope(scope ChannelScope, scopeKey string) (*Channel, error) {
	idx := fmt.Sprintf("%s%s:%s", keyChanScope, scope, scopeKey)
	data, closer, err := s.db.Get([]byte(idx))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id := string(data)
	closer.Close()
	return s.GetChannel(id)
}

// UpsertChannel inserts c unless a channel with the same (scope, scopeKey)
// already exists, in which case the existing channel is returned unchanged.
// The check-and-set is serialized so racing provisioning calls cannot create
// duplicates.
func (s *Store) UpsertChannel(c *Channel) (*Channel, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.ChannelByScope(c.Scope, c.ScopeKey)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	if err := s.PutChannel(c); err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// ListChannels returns all cached channels the user is a member of. An empty
// userID returns every channel.
func (s *Store) ListChannels(userID string) ([]*Channel, error) {
	iter, err := s.db.NewIter(prefixBounds(keyChannel))
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []*Channel
	for iter.First(); iter.Valid(); iter.Next() {
		var c Channel
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			s.log.Warn("channel_decode_failed", zap.String("key", string(iter.Key())), zap.Error(err))
			continue
		}
		if userID == "" || c.HasMember(userID) || c.Scope == ScopeGeneral {
			out = append(out, &c)
		}
	}
	return out, iter.Error()
}

// ============================================================================
// Messages
// ============================================================================

// NextMessageSeq returns the next client-assigned sequence for a channel.
func (s *Store) NextMessageSeq(channelID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.msgSeq[channelID]
	if !ok {
		last, err := s.lastSeq(keyMessage + channelID + ":")
		if err != nil {
			return 0, err
		}
		seq = last
	}
	seq++
	s.msgSeq[channelID] = seq
	return seq, nil
}

func messageKey(channelID string, seq uint64) string {
	return fmt.Sprintf("%s%s:%020d", keyMessage, channelID, seq)
}

// PutMessage persists a message under its channel/sequence key and indexes it
// by message id for lookup.
func (s *Store) PutMessage(m *Message) error {
	key := messageKey(m.ChannelID, m.Seq)
	if err := s.setJSON(key, m); err != nil {
		return err
	}
	return s.db.Set([]byte(keyMessageID+m.ID), []byte(key), pebble.Sync)
}

// GetMessage returns a message by id, or nil if absent.
func (s *Store) GetMessage(id string) (*Message, error) {
	data, closer, err := s.db.Get([]byte(keyMessageID + id))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	key := string(data)
	closer.Close()
	var m Message
	ok, err := s.getJSON(key, &m)
	if err != nil || !ok {
		return nil, err
	}
	return &m, nil
}

// DeleteMessage removes a message record and its id index.
func (s *Store) DeleteMessage(id string) error {
	data, closer, err := s.db.Get([]byte(keyMessageID + id))
	if err == pebble.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	key := string(data)
	closer.Close()
	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return err
	}
	return s.db.Delete([]byte(keyMessageID+id), pebble.Sync)
}

// ListMessages returns messages for a channel in sequence order. offset skips
// from the start; limit <= 0 means no limit.
func (s *Store) ListMessages(channelID string, limit, offset int) ([]*Message, error) {
	iter, err := s.db.NewIter(prefixBounds(keyMessage + channelID + ":"))
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []*Message
	skipped := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if skipped < offset {
			skipped++
			continue
		}
		var m Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			s.log.Warn("message_decode_failed", zap.String("key", string(iter.Key())), zap.Error(err))
			continue
		}
		out = append(out, &m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

// SearchMessages scans all cached messages for a case-insensitive substring
// match. This is the offline degradation path for search.
func (s *Store) SearchMessages(query string, limit int) ([]*Message, error) {
	q := strings.ToLower(query)
	iter, err := s.db.NewIter(prefixBounds(keyMessage))
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []*Message
	for iter.First(); iter.Valid(); iter.Next() {
		var m Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(m.Content), q) {
			out = append(out, &m)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, iter.Error()
}

// ============================================================================
// Pending-action log
// ============================================================================

func actionKey(seq uint64) string {
	return fmt.Sprintf("%s%020d", keyQueue, seq)
}

// AppendAction assigns the next log sequence to a and persists it.
func (s *Store) AppendAction(a *PendingAction) error {
	s.mu.Lock()
	s.nextAct++
	a.Seq = s.nextAct
	s.mu.Unlock()
	return s.setJSON(actionKey(a.Seq), a)
}

// PendingActions returns the action log strictly in append order.
func (s *Store) PendingActions() ([]*PendingAction, error) {
	iter, err := s.db.NewIter(prefixBounds(keyQueue))
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []*PendingAction
	for iter.First(); iter.Valid(); iter.Next() {
		var a PendingAction
		if err := json.Unmarshal(iter.Value(), &a); err != nil {
			s.log.Warn("action_decode_failed", zap.String("key", string(iter.Key())), zap.Error(err))
			continue
		}
		out = append(out, &a)
	}
	return out, iter.Error()
}

// UpdateAction rewrites an existing log entry (retry counter bookkeeping).
func (s *Store) UpdateAction(a *PendingAction) error {
	return s.setJSON(actionKey(a.Seq), a)
}

// RemoveAction deletes an acknowledged action from the log.
func (s *Store) RemoveAction(seq uint64) error {
	return s.db.Delete([]byte(actionKey(seq)), pebble.Sync)
}

// PendingCount returns the number of queued actions.
func (s *Store) PendingCount() (int, error) {
	iter, err := s.db.NewIter(prefixBounds(keyQueue))
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

// ============================================================================
// Sync checkpoint, auxiliary entities, credentials
// ============================================================================

// PutCheckpoint writes the per-identity sync checkpoint.
func (s *Store) PutCheckpoint(cp *SyncCheckpoint) error {
	return s.setJSON(keySync+cp.UserID, cp)
}

// Checkpoint returns the checkpoint for a user, or a zero pending one.
func (s *Store) Checkpoint(userID string) (*SyncCheckpoint, error) {
	var cp SyncCheckpoint
	ok, err := s.getJSON(keySync+userID, &cp)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &SyncCheckpoint{UserID: userID, Status: SyncPending}, nil
	}
	return &cp, nil
}

// PutUser caches a user descriptor.
func (s *Store) PutUser(u *UserDescriptor) error { return s.setJSON(keyUser+u.UserID, u) }

// GetUser returns a cached user descriptor, or nil.
func (s *Store) GetUser(userID string) (*UserDescriptor, error) {
	var u UserDescriptor
	ok, err := s.getJSON(keyUser+userID, &u)
	if err != nil || !ok {
		return nil, err
	}
	return &u, nil
}

// PutPoll caches a poll.
func (s *Store) PutPoll(p *Poll) error { return s.setJSON(keyPoll+p.ID, p) }

// GetPoll returns a cached poll, or nil.
func (s *Store) GetPoll(id string) (*Poll, error) {
	var p Poll
	ok, err := s.getJSON(keyPoll+id, &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

// PutSignatureRequest caches a signature request.
func (s *Store) PutSignatureRequest(r *SignatureRequest) error {
	return s.setJSON(keySignature+r.ID, r)
}

// GetSignatureRequest returns a cached signature request, or nil.
func (s *Store) GetSignatureRequest(id string) (*SignatureRequest, error) {
	var r SignatureRequest
	ok, err := s.getJSON(keySignature+id, &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}

// SetToken persists the bearer credential used for remote calls.
func (s *Store) SetToken(token string) error {
	return s.db.Set([]byte(keyAuthToken), []byte(token), pebble.Sync)
}

// Token returns the stored bearer credential, or "".
func (s *Store) Token() (string, error) {
	data, closer, err := s.db.Get([]byte(keyAuthToken))
	if err == pebble.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer closer.Close()
	return string(data), nil
}

package desklink

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// replayServer records replayed calls and lets individual paths be failed.
type replayServer struct {
	mu    sync.Mutex
	paths []string
	fail  map[string]bool
	srv   *httptest.Server
}

func newReplayServer(t *testing.T) *replayServer {
	t.Helper()
	rs := &replayServer{fail: make(map[string]bool)}
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		rs.paths = append(rs.paths, r.URL.Path)
		failed := rs.fail[r.URL.Path]
		rs.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if failed {
			json.NewEncoder(w).Encode(map[string]any{
				"ok":    false,
				"error": map[string]string{"code": "conflict", "message": "rejected"},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	t.Cleanup(rs.srv.Close)
	return rs
}

func (rs *replayServer) setFail(path string, failing bool) {
	rs.mu.Lock()
	rs.fail[path] = failing
	rs.mu.Unlock()
}

func (rs *replayServer) calls() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]string, len(rs.paths))
	copy(out, rs.paths)
	return out
}

func newTestCoordinator(t *testing.T, rs *replayServer) (*Coordinator, *Store, *Dispatcher) {
	t.Helper()
	s := newTestStore(t)
	d := NewDispatcher()
	client := NewClient("tok", WithBaseURL(rs.srv.URL))
	c := NewCoordinator(s, client, d, "u-1", nil, CoordinatorOptions{RetryLimit: 2, ReplayRate: 1000})
	return c, s, d
}

// ============================================================================
// Enqueue
// ============================================================================

func TestCoordinatorEnqueue(t *testing.T) {
	rs := newReplayServer(t)
	c, s, _ := newTestCoordinator(t, rs)

	for i := 0; i < 3; i++ {
		err := c.Enqueue(&PendingAction{
			Kind:   ActionSendMessage,
			Method: "POST",
			Path:   "/api/chat/channels/ch-1/messages",
			Body:   json.RawMessage(fmt.Sprintf(`{"id":"m-%d"}`, i)),
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	if got := c.PendingCount(); got != 3 {
		t.Fatalf("expected 3 pending, got %d", got)
	}
	cp, err := s.Checkpoint("u-1")
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if cp.Status != SyncPending || cp.PendingCount != 3 {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}
}

// ============================================================================
// Drain
// ============================================================================

func TestCoordinatorDrain(t *testing.T) {
	t.Run("replays in append order and marks synced", func(t *testing.T) {
		rs := newReplayServer(t)
		c, s, d := newTestCoordinator(t, rs)

		var started, drained int
		d.On(EventReplayStarted, func(_ Event, payload any) { started = payload.(int) })
		d.On(EventReplayDrained, func(_ Event, payload any) { drained = payload.(int) })

		for i := 0; i < 3; i++ {
			c.Enqueue(&PendingAction{Kind: ActionVotePoll, Method: "POST", Path: fmt.Sprintf("/api/chat/polls/p-%d/votes", i)})
		}
		if err := c.Drain(context.Background()); err != nil {
			t.Fatalf("drain: %v", err)
		}

		calls := rs.calls()
		if len(calls) != 3 {
			t.Fatalf("expected 3 replayed calls, got %v", calls)
		}
		for i, p := range calls {
			if p != fmt.Sprintf("/api/chat/polls/p-%d/votes", i) {
				t.Fatalf("order broken at %d: %s", i, p)
			}
		}
		if started != 3 || drained != 3 {
			t.Fatalf("replay events wrong: started=%d drained=%d", started, drained)
		}
		if c.PendingCount() != 0 {
			t.Fatalf("queue not empty: %d", c.PendingCount())
		}
		cp, _ := s.Checkpoint("u-1")
		if cp.Status != SyncSynced || cp.PendingCount != 0 || cp.LastSyncedAt == "" {
			t.Fatalf("unexpected checkpoint: %+v", cp)
		}
	})

	t.Run("halts on persistent failure without dropping", func(t *testing.T) {
		rs := newReplayServer(t)
		rs.fail["/b"] = true
		c, s, d := newTestCoordinator(t, rs)

		drained := false
		d.On(EventReplayDrained, func(Event, any) { drained = true })

		c.Enqueue(&PendingAction{Kind: ActionMarkRead, Method: "POST", Path: "/a"})
		c.Enqueue(&PendingAction{Kind: ActionMarkRead, Method: "POST", Path: "/b"})
		c.Enqueue(&PendingAction{Kind: ActionMarkRead, Method: "POST", Path: "/c"})

		if err := c.Drain(context.Background()); err != nil {
			t.Fatalf("drain: %v", err)
		}

		remaining, _ := s.PendingActions()
		if len(remaining) != 2 {
			t.Fatalf("expected 2 actions left, got %d", len(remaining))
		}
		if remaining[0].Path != "/b" || remaining[1].Path != "/c" {
			t.Fatalf("wrong actions left: %+v", remaining)
		}
		if remaining[0].Retries == 0 {
			t.Fatal("retry count not persisted on the halting action")
		}
		// /c must never have been attempted: ordering forbids skipping ahead.
		for _, p := range rs.calls() {
			if p == "/c" {
				t.Fatal("drain skipped ahead past a failing action")
			}
		}
		if drained {
			t.Fatal("replay-drained emitted for a halted drain")
		}
		cp, _ := s.Checkpoint("u-1")
		if cp.Status != SyncPending {
			t.Fatalf("expected pending status, got %s", cp.Status)
		}
	})

	t.Run("resumes after restart mid-drain", func(t *testing.T) {
		rs := newReplayServer(t)
		rs.fail["/b"] = true
		c, s, _ := newTestCoordinator(t, rs)

		c.Enqueue(&PendingAction{Kind: ActionMarkRead, Method: "POST", Path: "/a"})
		c.Enqueue(&PendingAction{Kind: ActionMarkRead, Method: "POST", Path: "/b"})
		c.Drain(context.Background())

		// Simulate the outage ending; a fresh drain must not repeat /a.
		rs.mu.Lock()
		rs.fail["/b"] = false
		rs.paths = nil
		rs.mu.Unlock()

		if err := c.Drain(context.Background()); err != nil {
			t.Fatalf("second drain: %v", err)
		}
		calls := rs.calls()
		if len(calls) != 1 || calls[0] != "/b" {
			t.Fatalf("expected only /b to replay, got %v", calls)
		}
		if c.PendingCount() != 0 {
			t.Fatalf("queue not empty: %d", c.PendingCount())
		}
		cp, _ := s.Checkpoint("u-1")
		if cp.Status != SyncSynced {
			t.Fatalf("expected synced, got %s", cp.Status)
		}
	})

	t.Run("empty queue still marks synced", func(t *testing.T) {
		rs := newReplayServer(t)
		c, s, _ := newTestCoordinator(t, rs)
		if err := c.Drain(context.Background()); err != nil {
			t.Fatalf("drain: %v", err)
		}
		cp, _ := s.Checkpoint("u-1")
		if cp.Status != SyncSynced {
			t.Fatalf("expected synced, got %s", cp.Status)
		}
	})
}

// ============================================================================
// Confirmation
// ============================================================================

func TestCoordinatorConfirmsSentMessages(t *testing.T) {
	rs := newReplayServer(t)
	c, s, d := newTestCoordinator(t, rs)

	var confirmed *Message
	d.On(EventMessageSent, func(_ Event, payload any) { confirmed = payload.(*Message) })

	seq, _ := s.NextMessageSeq("ch-1")
	msg := &Message{ID: "m-1", ChannelID: "ch-1", SenderID: "u-1", Content: "queued while offline", Seq: seq, Status: StatusQueued}
	if err := s.PutMessage(msg); err != nil {
		t.Fatalf("put: %v", err)
	}
	body, _ := json.Marshal(msg)
	c.Enqueue(&PendingAction{
		Kind:      ActionSendMessage,
		Method:    "POST",
		Path:      "/api/chat/channels/ch-1/messages",
		Body:      body,
		ChannelID: "ch-1",
		MessageID: "m-1",
	})

	if err := c.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	stored, _ := s.GetMessage("m-1")
	if stored.Status != StatusSent {
		t.Fatalf("expected sent status, got %s", stored.Status)
	}
	if stored.DeliveredAt == "" {
		t.Fatal("delivered timestamp missing")
	}
	if confirmed == nil || confirmed.ID != "m-1" {
		t.Fatalf("message-sent event missing: %+v", confirmed)
	}
}

// Drain runs automatically when the connected event fires.
func TestCoordinatorDrainsOnConnect(t *testing.T) {
	rs := newReplayServer(t)
	c, _, d := newTestCoordinator(t, rs)

	drained := make(chan struct{}, 1)
	d.On(EventReplayDrained, func(Event, any) { drained <- struct{}{} })

	c.Enqueue(&PendingAction{Kind: ActionMarkRead, Method: "POST", Path: "/a"})
	d.Emit(EventConnected, nil)

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not trigger a drain")
	}
}

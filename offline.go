package desklink

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// CoordinatorOptions configures the offline coordinator.
type CoordinatorOptions struct {
	// RetryLimit bounds how often a single action is retried within one
	// drain cycle before the drain halts and leaves it queued.
	RetryLimit int
	// ReplayRate paces the drain so UI-observable state updates
	// incrementally instead of atomically at the end of a long replay.
	// Zero means 20 actions/second.
	ReplayRate rate.Limit
}

// Coordinator guarantees that no user-initiated mutation is lost across a
// connectivity gap. Mutations issued while the connection manager is not
// connected are recorded as pending actions in the Store and replayed
// strictly in append order once connectivity returns. An action is removed
// from the log only after the remote acknowledged it, so a process restart
// mid-drain replays only unacknowledged actions.
type Coordinator struct {
	store      *Store
	client     *Client
	dispatcher *Dispatcher
	log        *zap.Logger
	userID     string
	retryLimit int
	limiter    *rate.Limiter

	mu       sync.Mutex
	draining bool
}

// NewCoordinator creates a coordinator and subscribes it to the connected
// event so every reconnect triggers a drain.
func NewCoordinator(store *Store, client *Client, d *Dispatcher, userID string, log *zap.Logger, opts CoordinatorOptions) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.RetryLimit == 0 {
		opts.RetryLimit = 3
	}
	if opts.ReplayRate == 0 {
		opts.ReplayRate = 20
	}
	c := &Coordinator{
		store:      store,
		client:     client,
		dispatcher: d,
		log:        log,
		userID:     userID,
		retryLimit: opts.RetryLimit,
		limiter:    rate.NewLimiter(opts.ReplayRate, 1),
	}
	d.On(EventConnected, func(Event, any) {
		go func() {
			if err := c.Drain(context.Background()); err != nil {
				c.log.Warn("replay_drain_failed", zap.Error(err))
			}
		}()
	})
	return c
}

// Enqueue records a mutation for later replay and bumps the checkpoint's
// pending count. The caller is responsible for the optimistic local apply.
func (c *Coordinator) Enqueue(a *PendingAction) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt == "" {
		a.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if err := c.store.AppendAction(a); err != nil {
		return err
	}
	c.log.Info("action_queued", zap.String("kind", string(a.Kind)), zap.Uint64("seq", a.Seq))

	cp, err := c.store.Checkpoint(c.userID)
	if err == nil {
		cp.PendingCount++
		cp.Status = SyncPending
		if perr := c.store.PutCheckpoint(cp); perr != nil {
			c.log.Warn("checkpoint_update_failed", zap.Error(perr))
		}
	}
	return nil
}

// PendingCount returns the number of queued actions.
func (c *Coordinator) PendingCount() int {
	n, err := c.store.PendingCount()
	if err != nil {
		return 0
	}
	return n
}

// Drain replays the pending-action log in append order. Each action is
// retried up to the configured limit; if it still fails, the drain halts with
// that action (and everything after it) left queued for the next connect
// cycle, since per-channel ordering forbids skipping ahead. After a complete
// drain the checkpoint is marked synced with zero pending work.
func (c *Coordinator) Drain(ctx context.Context) error {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return nil
	}
	c.draining = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.draining = false
		c.mu.Unlock()
	}()

	actions, err := c.store.PendingActions()
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		return c.markSynced()
	}

	c.dispatcher.Emit(EventReplayStarted, len(actions))
	if cp, err := c.store.Checkpoint(c.userID); err == nil {
		cp.Status = SyncSyncing
		c.store.PutCheckpoint(cp)
	}

	for _, a := range actions {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if !c.replayOne(ctx, a) {
			// Left queued. Record how many attempts this cycle burned so the
			// log reflects the action's history.
			if uerr := c.store.UpdateAction(a); uerr != nil {
				c.log.Warn("action_update_failed", zap.Uint64("seq", a.Seq), zap.Error(uerr))
			}
			cp, err := c.store.Checkpoint(c.userID)
			if err == nil {
				cp.PendingCount = c.PendingCount()
				cp.Status = SyncPending
				c.store.PutCheckpoint(cp)
			}
			c.log.Warn("drain_halted", zap.Uint64("seq", a.Seq), zap.String("kind", string(a.Kind)))
			return nil
		}
		// Ack persists before the next action is attempted: a restart here
		// replays only the remainder.
		if err := c.store.RemoveAction(a.Seq); err != nil {
			return err
		}
		c.confirm(a)
	}

	if err := c.markSynced(); err != nil {
		return err
	}
	c.dispatcher.Emit(EventReplayDrained, len(actions))
	c.log.Info("replay_drained", zap.Int("actions", len(actions)))
	return nil
}

// replayOne re-issues a recorded remote call, retrying transient failures.
func (c *Coordinator) replayOne(ctx context.Context, a *PendingAction) bool {
	for attempt := 0; attempt < c.retryLimit; attempt++ {
		res, err := c.client.DoRaw(ctx, a.Method, a.Path, a.Body)
		if err == nil && res.OK {
			return true
		}
		a.Retries++
		if err != nil {
			c.log.Warn("replay_attempt_failed", zap.Uint64("seq", a.Seq), zap.Error(err))
		} else if res.Error != nil {
			c.log.Warn("replay_rejected", zap.Uint64("seq", a.Seq), zap.String("code", res.Error.Code))
		}
	}
	return false
}

// confirm applies the local effect of a successfully replayed action.
func (c *Coordinator) confirm(a *PendingAction) {
	switch a.Kind {
	case ActionSendMessage:
		m, err := c.store.GetMessage(a.MessageID)
		if err != nil || m == nil {
			return
		}
		m.Status = StatusSent
		m.DeliveredAt = time.Now().UTC().Format(time.RFC3339Nano)
		if err := c.store.PutMessage(m); err != nil {
			c.log.Warn("message_confirm_failed", zap.String("msg_id", m.ID), zap.Error(err))
			return
		}
		c.dispatcher.Emit(EventMessageSent, m)
	case ActionCreateChannel:
		if ch, err := c.store.GetChannel(a.ChannelID); err == nil && ch != nil {
			c.dispatcher.Emit(EventChannelCreated, ch)
		}
	}
}

func (c *Coordinator) markSynced() error {
	cp, err := c.store.Checkpoint(c.userID)
	if err != nil {
		return err
	}
	cp.PendingCount = 0
	cp.Status = SyncSynced
	cp.LastSyncedAt = time.Now().UTC().Format(time.RFC3339Nano)
	return c.store.PutCheckpoint(cp)
}

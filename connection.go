package desklink

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ConnState is the connection lifecycle state.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateReconnecting ConnState = "reconnecting"
	StateOffline      ConnState = "offline"
)

// ConnConfig configures the connection manager.
type ConnConfig struct {
	Token             string
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxAttempts       int
	HeartbeatInterval time.Duration
	HTTPClient        *http.Client
}

func (c *ConnConfig) defaults() {
	if c.BaseDelay == 0 {
		c.BaseDelay = 1 * time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// reconnector tracks backoff arithmetic: delay = base * 2^attempt, capped at
// MaxDelay; exceeding MaxAttempts tips the manager into offline mode.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(cfg *ConnConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		maxAttempts: cfg.MaxAttempts,
	}
}

func (r *reconnector) exhausted() bool {
	return r.attempt >= r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	delay := r.baseDelay << uint(r.attempt)
	if delay > r.maxDelay || delay <= 0 {
		delay = r.maxDelay
	}
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ConnManager owns the single transport connection and its lifecycle. It is
// an owned object, not a package singleton, so tests can run isolated
// instances. Inbound frames are decoded and forwarded to the Dispatcher;
// the manager is (with the Coordinator) one of the only two writers of the
// Store.
type ConnManager struct {
	baseURL    string
	cfg        *ConnConfig
	store      *Store
	dispatcher *Dispatcher
	log        *zap.Logger

	mu          sync.Mutex
	state       ConnState
	conn        *websocket.Conn
	gen         uint64 // attempt generation; stale dial results are ignored
	intentional bool
	cancelFn    context.CancelFunc
	retryTimer  *time.Timer
	recon       *reconnector

	pingSeq      int
	pendingPings map[string]chan struct{}
	pendingMu    sync.Mutex
}

// NewConnManager creates a connection manager for the given endpoint. The
// manager starts in the connecting state; call Connect to dial.
func NewConnManager(baseURL string, cfg ConnConfig, store *Store, d *Dispatcher, log *zap.Logger) *ConnManager {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &ConnManager{
		baseURL:      strings.TrimRight(baseURL, "/"),
		cfg:          &cfg,
		store:        store,
		dispatcher:   d,
		log:          log,
		state:        StateConnecting,
		recon:        newReconnector(&cfg),
		pendingPings: make(map[string]chan struct{}),
	}
}

// State returns the current lifecycle state.
func (cm *ConnManager) State() ConnState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

func (cm *ConnManager) wsURL() string {
	u := strings.Replace(cm.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + cm.cfg.Token
}

// Connect dials the transport and performs the handshake. On success the
// state moves to connected, a connected event is emitted (which triggers
// checkpoint sync and queued-action replay in the Coordinator), and
// the read and heartbeat loops start.
func (cm *ConnManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.state == StateConnected {
		cm.mu.Unlock()
		return nil
	}
	cm.gen++
	myGen := cm.gen
	cm.state = StateConnecting
	cm.intentional = false
	cm.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, cm.wsURL(), &websocket.DialOptions{
		HTTPClient: cm.cfg.HTTPClient,
	})
	if err != nil {
		cm.mu.Lock()
		if cm.gen == myGen {
			cm.state = StateDisconnected
		}
		cm.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	// The server's first frame acknowledges the bearer credential.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		cm.mu.Lock()
		if cm.gen == myGen {
			cm.state = StateDisconnected
		}
		cm.mu.Unlock()
		return fmt.Errorf("read handshake: %w", err)
	}
	var hello Frame
	if err := json.Unmarshal(data, &hello); err != nil || hello.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		cm.mu.Lock()
		if cm.gen == myGen {
			cm.state = StateDisconnected
		}
		cm.mu.Unlock()
		return fmt.Errorf("expected authenticated frame, got %q", hello.Type)
	}

	cm.mu.Lock()
	if cm.gen != myGen {
		// A newer attempt (or an explicit disconnect) superseded this dial.
		cm.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return nil
	}
	cm.conn = conn
	cm.state = StateConnected
	cm.recon.reset()
	connCtx, cancel := context.WithCancel(context.Background())
	cm.cancelFn = cancel
	cm.mu.Unlock()

	cm.log.Info("transport_connected", zap.String("url", cm.baseURL))
	cm.dispatcher.Emit(EventConnected, nil)

	go cm.readLoop(connCtx, conn, myGen)
	go cm.heartbeatLoop(connCtx)
	return nil
}

// Disconnect is terminal: it closes the transport, schedules no reconnect,
// and leaves pending actions queued for a future explicit Connect.
func (cm *ConnManager) Disconnect() error {
	cm.mu.Lock()
	cm.intentional = true
	cm.gen++
	if cm.retryTimer != nil {
		cm.retryTimer.Stop()
		cm.retryTimer = nil
	}
	if cm.cancelFn != nil {
		cm.cancelFn()
		cm.cancelFn = nil
	}
	conn := cm.conn
	cm.conn = nil
	cm.state = StateDisconnected
	cm.mu.Unlock()

	cm.clearPendingPings()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// NetworkRestored forces a fresh connection attempt regardless of the
// backoff counter. It is the hook for a platform-level "network is back"
// signal while the manager sits in offline mode.
func (cm *ConnManager) NetworkRestored(ctx context.Context) error {
	cm.mu.Lock()
	cm.gen++ // cancel any in-flight attempt or pending retry timer
	if cm.retryTimer != nil {
		cm.retryTimer.Stop()
		cm.retryTimer = nil
	}
	cm.recon.reset()
	cm.state = StateConnecting
	cm.mu.Unlock()
	return cm.Connect(ctx)
}

func (cm *ConnManager) readLoop(ctx context.Context, conn *websocket.Conn, myGen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			cm.mu.Lock()
			intentional := cm.intentional
			stale := cm.gen != myGen
			if !stale {
				cm.state = StateDisconnected
				cm.conn = nil
			}
			cm.mu.Unlock()
			if intentional || stale {
				return
			}
			cm.log.Warn("transport_closed", zap.Error(err))
			cm.dispatcher.Emit(EventDisconnected, err.Error())
			cm.scheduleReconnect()
			return
		}
		cm.handleFrame(data)
	}
}

// handleFrame decodes one inbound frame. A malformed frame is discarded with
// a warning event; the connection is never torn down for one bad frame.
func (cm *ConnManager) handleFrame(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
		cm.log.Warn("frame_decode_failed", zap.ByteString("frame", data))
		cm.dispatcher.Emit(EventWarning, "malformed frame discarded")
		return
	}

	switch f.Type {
	case "pong":
		var p struct {
			RequestID string `json:"requestId"`
		}
		if json.Unmarshal(f.Data, &p) == nil && p.RequestID != "" {
			cm.resolvePing(p.RequestID)
		}

	case FrameMessageSent:
		var m Message
		if err := json.Unmarshal(f.Data, &m); err != nil {
			cm.dispatcher.Emit(EventWarning, "malformed message frame discarded")
			return
		}
		if m.Status == "" {
			m.Status = StatusDelivered
		}
		if cm.store != nil {
			if m.Seq == 0 {
				if seq, err := cm.store.NextMessageSeq(m.ChannelID); err == nil {
					m.Seq = seq
				}
			}
			if err := cm.store.PutMessage(&m); err != nil {
				// Best effort: a persistence failure must not block delivery.
				cm.log.Warn("inbound_message_persist_failed", zap.String("msg_id", m.ID), zap.Error(err))
			}
		}
		cm.dispatcher.Emit(EventMessageReceived, &m)

	case FrameUserTyping:
		var p TypingPayload
		if json.Unmarshal(f.Data, &p) == nil {
			cm.dispatcher.Emit(EventTyping, &p)
		}

	case FrameUserStatusChanged:
		var p StatusChangedPayload
		if json.Unmarshal(f.Data, &p) == nil {
			cm.dispatcher.Emit(EventStatusChanged, &p)
		}

	case FrameNotificationSent:
		var p NotificationPayload
		if json.Unmarshal(f.Data, &p) == nil {
			cm.dispatcher.Emit(EventNotification, &p)
		}

	default:
		// Unrecognized frame types are forwarded, not dropped silently.
		cm.dispatcher.Emit(EventPassthrough, &f)
	}
}

func (cm *ConnManager) scheduleReconnect() {
	cm.mu.Lock()
	if cm.recon.exhausted() {
		cm.state = StateOffline
		cm.mu.Unlock()
		cm.log.Warn("reconnect_attempts_exhausted")
		cm.dispatcher.Emit(EventOfflineMode, nil)
		return
	}
	delay := cm.recon.nextDelay()
	attempt := cm.recon.attempt
	cm.state = StateReconnecting
	myGen := cm.gen
	cm.retryTimer = time.AfterFunc(delay, func() {
		cm.mu.Lock()
		stale := cm.gen != myGen
		cm.mu.Unlock()
		if stale {
			return
		}
		cm.mu.Lock()
		cm.state = StateDisconnected // Connect requires a non-connected state
		cm.mu.Unlock()
		if err := cm.Connect(context.Background()); err != nil {
			cm.scheduleReconnect()
		}
	})
	cm.mu.Unlock()
	cm.log.Info("reconnect_scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
}

// ============================================================================
// Outbound commands
// ============================================================================

// SendFrame writes a frame on the live connection.
func (cm *ConnManager) SendFrame(ctx context.Context, f *Frame) error {
	cm.mu.Lock()
	conn := cm.conn
	cm.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	if f.Timestamp == 0 {
		f.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// SendTyping broadcasts a typing indicator for a channel.
func (cm *ConnManager) SendTyping(ctx context.Context, channelID, userID string, typing bool) error {
	data, _ := json.Marshal(TypingPayload{ChannelID: channelID, UserID: userID, IsTyping: typing})
	return cm.SendFrame(ctx, &Frame{Type: FrameUserTyping, ChannelID: channelID, UserID: userID, Data: data})
}

// UpdateStatus broadcasts the user's presence status.
func (cm *ConnManager) UpdateStatus(ctx context.Context, userID, status string) error {
	data, _ := json.Marshal(StatusChangedPayload{UserID: userID, Status: status})
	return cm.SendFrame(ctx, &Frame{Type: FrameUserStatusChanged, UserID: userID, Data: data})
}

// Ping sends a ping frame and waits for the matching pong.
func (cm *ConnManager) Ping(ctx context.Context) error {
	cm.pendingMu.Lock()
	cm.pingSeq++
	requestID := fmt.Sprintf("ping-%d", cm.pingSeq)
	ch := make(chan struct{}, 1)
	cm.pendingPings[requestID] = ch
	cm.pendingMu.Unlock()

	data, _ := json.Marshal(map[string]string{"requestId": requestID})
	if err := cm.SendFrame(ctx, &Frame{Type: "ping", Data: data}); err != nil {
		cm.dropPing(requestID)
		return err
	}

	select {
	case _, pong := <-ch:
		// A closed channel means the connection was torn down before the
		// pong arrived.
		if !pong {
			return fmt.Errorf("ping aborted: connection closed")
		}
		return nil
	case <-time.After(10 * time.Second):
		cm.dropPing(requestID)
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		cm.dropPing(requestID)
		return ctx.Err()
	}
}

func (cm *ConnManager) resolvePing(requestID string) {
	cm.pendingMu.Lock()
	ch, ok := cm.pendingPings[requestID]
	if ok {
		delete(cm.pendingPings, requestID)
	}
	cm.pendingMu.Unlock()
	if ok {
		ch <- struct{}{}
	}
}

func (cm *ConnManager) dropPing(requestID string) {
	cm.pendingMu.Lock()
	delete(cm.pendingPings, requestID)
	cm.pendingMu.Unlock()
}

func (cm *ConnManager) clearPendingPings() {
	cm.pendingMu.Lock()
	for k, ch := range cm.pendingPings {
		close(ch)
		delete(cm.pendingPings, k)
	}
	cm.pendingMu.Unlock()
}

func (cm *ConnManager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(cm.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cm.State() != StateConnected {
				return
			}
			if err := cm.Ping(ctx); err != nil {
				// A dead heartbeat forces a close; the read loop's error path
				// then drives the normal reconnect policy.
				cm.mu.Lock()
				conn := cm.conn
				cm.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

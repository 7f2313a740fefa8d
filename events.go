package desklink

import "sync"

// Event names observable by external collaborators. Feature code subscribes
// to these instead of listening on the transport directly.
type Event string

const (
	EventConnected       Event = "connected"
	EventDisconnected    Event = "disconnected"
	EventOfflineMode     Event = "offline-mode"
	EventMessageReceived Event = "message-received"
	EventMessageSent     Event = "message-sent"
	EventMessageQueued   Event = "message-queued"
	EventChannelCreated  Event = "channel-created"
	EventNotification    Event = "notification"
	EventTyping          Event = "typing"
	EventStatusChanged   Event = "status-changed"
	EventReplayStarted   Event = "replay-started"
	EventReplayDrained   Event = "replay-drained"
	EventPassthrough     Event = "passthrough"
	EventWarning         Event = "warning"
)

// Handler receives a dispatched event. Payload types per event are documented
// on the emitting component (e.g. EventMessageReceived carries *Message).
type Handler func(event Event, payload any)

type subscription struct {
	id int
	fn Handler
}

// Dispatcher is a typed in-process publish/subscribe hub. Delivery is
// synchronous and in registration order; the listener list is snapshotted at
// emit time, so a handler registered during an emission is not invoked for
// that same emission.
type Dispatcher struct {
	mu       sync.Mutex
	nextID   int
	handlers map[Event][]subscription
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Event][]subscription)}
}

// On registers a handler for an event and returns a token for Off.
func (d *Dispatcher) On(event Event, fn Handler) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.handlers[event] = append(d.handlers[event], subscription{id: d.nextID, fn: fn})
	return d.nextID
}

// Off removes a previously registered handler by its token.
func (d *Dispatcher) Off(event Event, id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.handlers[event]
	for i, s := range subs {
		if s.id == id {
			d.handlers[event] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit delivers payload to all current subscribers of event, synchronously,
// in registration order.
func (d *Dispatcher) Emit(event Event, payload any) {
	d.mu.Lock()
	subs := append([]subscription(nil), d.handlers[event]...)
	d.mu.Unlock()
	for _, s := range subs {
		s.fn(event, payload)
	}
}

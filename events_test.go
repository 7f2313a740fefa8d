package desklink

import "testing"

func TestDispatcherOrder(t *testing.T) {
	d := NewDispatcher()
	var got []int
	d.On(EventMessageReceived, func(Event, any) { got = append(got, 1) })
	d.On(EventMessageReceived, func(Event, any) { got = append(got, 2) })
	d.On(EventMessageReceived, func(Event, any) { got = append(got, 3) })

	d.Emit(EventMessageReceived, nil)

	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("handlers ran out of order: %v", got)
	}
}

func TestDispatcherOff(t *testing.T) {
	d := NewDispatcher()
	calls := 0
	id := d.On(EventTyping, func(Event, any) { calls++ })
	d.On(EventTyping, func(Event, any) { calls++ })

	d.Emit(EventTyping, nil)
	d.Off(EventTyping, id)
	d.Emit(EventTyping, nil)

	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDispatcherPayload(t *testing.T) {
	d := NewDispatcher()
	var received any
	d.On(EventMessageReceived, func(_ Event, payload any) { received = payload })

	msg := &Message{ID: "m-1", Content: "hello"}
	d.Emit(EventMessageReceived, msg)

	if received != msg {
		t.Fatalf("payload not delivered: %v", received)
	}
}

func TestDispatcherSnapshotAtEmit(t *testing.T) {
	d := NewDispatcher()
	lateCalled := false
	d.On(EventConnected, func(Event, any) {
		d.On(EventConnected, func(Event, any) { lateCalled = true })
	})

	d.Emit(EventConnected, nil)
	if lateCalled {
		t.Fatal("handler registered mid-emission was invoked for that emission")
	}

	d.Emit(EventConnected, nil)
	if !lateCalled {
		t.Fatal("late handler never invoked on subsequent emission")
	}
}

func TestDispatcherUnknownEventNoop(t *testing.T) {
	d := NewDispatcher()
	d.Emit(Event("never-registered"), nil)
}

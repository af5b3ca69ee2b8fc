package events

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func recv(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-s.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestBus_FiltersByType(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ticks := bus.Subscribe(Tick)
	all := bus.Subscribe()

	bus.Publish(Event{Type: Connected, ConnID: "c1"})
	bus.Publish(Event{Type: Tick, ConnID: "c1"})

	if e := recv(t, ticks); e.Type != Tick {
		t.Errorf("ticks got %s", e.Type)
	}
	if e := recv(t, all); e.Type != Connected {
		t.Errorf("all got %s first, want connected", e.Type)
	}
	if e := recv(t, all); e.Type != Tick {
		t.Errorf("all got %s second, want tick", e.Type)
	}

	select {
	case e := <-ticks.C():
		t.Errorf("ticks got unexpected %s", e.Type)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBus_SlowConsumerDoesNotBlockPublish(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	slow := bus.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			bus.Publish(Event{Type: Tick, Attempt: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on an idle subscriber")
	}

	for i := 0; i < 10000; i++ {
		if e := recv(t, slow); e.Attempt != i {
			t.Fatalf("event %d out of order: got %d", i, e.Attempt)
		}
	}
}

func TestBus_StampsTime(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	bus.now = func() time.Time { return fixed }

	s := bus.Subscribe()
	bus.Publish(Event{Type: Connected})
	if e := recv(t, s); !e.Time.Equal(fixed) {
		t.Errorf("Time = %v, want %v", e.Time, fixed)
	}
}

func TestBus_CloseEndsSubscriptions(t *testing.T) {
	bus := NewBus(nil)
	s1 := bus.Subscribe()
	s2 := bus.Subscribe(Tick)

	bus.Close()
	bus.Close()

	for _, s := range []*Subscription{s1, s2} {
		select {
		case _, ok := <-s.C():
			if ok {
				t.Error("expected closed channel")
			}
		case <-time.After(time.Second):
			t.Fatal("channel not closed")
		}
	}

	late := bus.Subscribe()
	if _, ok := <-late.C(); ok {
		t.Error("subscription on closed bus should be closed")
	}
	late.Close()
}

func TestBus_CloseDeliversQueuedEvents(t *testing.T) {
	bus := NewBus(nil)
	s := bus.Subscribe()

	bus.Publish(Event{Type: Disconnected, Final: true})
	bus.Publish(Event{Type: SessionRemoved})
	bus.Close()
	bus.Publish(Event{Type: Tick})

	if e := recv(t, s); e.Type != Disconnected {
		t.Errorf("first = %s, want disconnected", e.Type)
	}
	if e := recv(t, s); e.Type != SessionRemoved {
		t.Errorf("second = %s, want session_removed", e.Type)
	}
	select {
	case e, ok := <-s.C():
		if ok {
			t.Errorf("received %s after close", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after queue drained")
	}
}

func TestSubscription_Close(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	s := bus.Subscribe()
	if bus.Subscribers() != 1 {
		t.Fatalf("Subscribers() = %d, want 1", bus.Subscribers())
	}
	s.Close()
	s.Close()

	if bus.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d, want 0", bus.Subscribers())
	}
	bus.Publish(Event{Type: Tick})
	if _, ok := <-s.C(); ok {
		t.Error("received after Close")
	}
}

func TestEvent_MarshalDelayMillis(t *testing.T) {
	data, err := json.Marshal(Event{Type: ReconnectScheduled, Attempt: 1, Delay: 1500 * time.Millisecond})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(data), `"delay_ms":1500`) {
		t.Errorf("json = %s", data)
	}
}

func TestType_MarketData(t *testing.T) {
	if !Tick.MarketData() || !ContractUpdate.MarketData() {
		t.Error("tick and contract_update are market data")
	}
	if Connected.MarketData() || CircuitOpened.MarketData() {
		t.Error("lifecycle events are not market data")
	}
}

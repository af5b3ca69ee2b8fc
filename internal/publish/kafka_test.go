package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rickgao/brokerlink/internal/events"
)

type fakeProducer struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	calls  int
	err    error
	closed bool
}

func (p *fakeProducer) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func (p *fakeProducer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProducer) messages() []kafka.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]kafka.Message(nil), p.msgs...)
}

func TestMessage(t *testing.T) {
	at := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	msg, err := Message(events.Event{
		Type:      events.CircuitOpened,
		Time:      at,
		UserID:    "u1",
		BotID:     "bot1",
		Reason:    "circuit open, retry after 30s",
		SessionID: "s1",
	})
	if err != nil {
		t.Fatalf("Message: %v", err)
	}

	if string(msg.Key) != "u1" {
		t.Errorf("Key = %s, want u1", msg.Key)
	}
	if !msg.Time.Equal(at) {
		t.Errorf("Time = %v", msg.Time)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != "circuit_opened" {
		t.Errorf("Headers = %v", msg.Headers)
	}

	var body map[string]any
	if err := json.Unmarshal(msg.Value, &body); err != nil {
		t.Fatalf("value is not JSON: %v", err)
	}
	if body["bot_id"] != "bot1" {
		t.Errorf("bot_id = %v", body["bot_id"])
	}
}

func TestMessage_KeysByConnWithoutUser(t *testing.T) {
	msg, err := Message(events.Event{Type: events.Connected, ConnID: "conn-7"})
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if string(msg.Key) != "conn-7" {
		t.Errorf("Key = %s, want conn-7", msg.Key)
	}
}

func TestKafkaPublisher_Publishes(t *testing.T) {
	producer := &fakeProducer{}
	input := make(chan events.Event, 8)
	p := NewKafkaPublisher(Config{Topic: "events"}, producer, input, nil, nil)
	p.Start(context.Background())

	input <- events.Event{Type: events.Connected, ConnID: "c1", UserID: "u1"}
	input <- events.Event{Type: events.Authorized, ConnID: "c1", UserID: "u1"}
	input <- events.Event{Type: events.Connected, ConnID: "c2", UserID: "u2"}

	deadline := time.Now().Add(time.Second)
	for len(producer.messages()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	msgs := producer.messages()
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	if string(msgs[2].Key) != "u2" {
		t.Errorf("third key = %s, want u2", msgs[2].Key)
	}

	close(input)
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if !producer.closed {
		t.Error("producer not closed")
	}
	if got := p.Stats().Published; got != 3 {
		t.Errorf("Published = %d, want 3", got)
	}
}

func TestKafkaPublisher_PublishesEventsQueuedBeforeBusClose(t *testing.T) {
	producer := &fakeProducer{}
	bus := events.NewBus(nil)
	sub := bus.Subscribe()
	p := NewKafkaPublisher(Config{Topic: "events"}, producer, sub.C(), nil, nil)
	p.Start(context.Background())

	bus.Publish(events.Event{Type: events.Disconnected, UserID: "u1", Final: true})
	bus.Publish(events.Event{Type: events.SessionRemoved, UserID: "u1"})
	bus.Close()

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("publisher did not finish after the bus closed")
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if got := p.Stats().Published; got != 2 {
		t.Errorf("Published = %d, want 2", got)
	}
}

func TestKafkaPublisher_FailureIsCounted(t *testing.T) {
	producer := &fakeProducer{err: errors.New("leader not available")}
	input := make(chan events.Event, 1)
	p := NewKafkaPublisher(Config{Topic: "events"}, producer, input, nil, nil)
	p.Start(context.Background())

	input <- events.Event{Type: events.Disconnected, ConnID: "c1", Code: 1006}
	close(input)

	deadline := time.Now().Add(time.Second)
	for p.Stats().Failed == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := p.Stats().Failed; got != 1 {
		t.Errorf("Failed = %d, want 1", got)
	}
	p.Stop(context.Background())
}

func TestCollectStopsAtBatchSize(t *testing.T) {
	input := make(chan events.Event, 10)
	for range 5 {
		input <- events.Event{Type: events.Tick}
	}
	p := NewKafkaPublisher(Config{BatchSize: 3}, &fakeProducer{}, input, nil, nil)

	batch := p.collect(events.Event{Type: events.Tick})
	if len(batch) != 3 {
		t.Errorf("batch = %d, want 3", len(batch))
	}
	if len(input) != 3 {
		t.Errorf("left on input = %d, want 3", len(input))
	}
}

func TestNewWriter(t *testing.T) {
	w := NewWriter(Config{Brokers: []string{"localhost:9092"}, Topic: "events"})
	defer w.Close()

	if w.Topic != "events" {
		t.Errorf("Topic = %s", w.Topic)
	}
	if _, ok := w.Balancer.(*kafka.Hash); !ok {
		t.Errorf("Balancer = %T, want *kafka.Hash", w.Balancer)
	}
	if w.BatchSize != 100 {
		t.Errorf("BatchSize = %d, want default 100", w.BatchSize)
	}
}

// Package publish exports gateway events to Kafka.
//
// Events are JSON encoded and keyed by user id, so one user's events land on
// one partition in order. Events without a user are keyed by connection id.
package publish

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rickgao/brokerlink/internal/events"
	"github.com/rickgao/brokerlink/internal/metrics"
)

// Producer writes messages to a topic. *kafka.Writer implements it.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures a KafkaPublisher.
type Config struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	WriteTimeout time.Duration // Bound on one WriteMessages call
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 500 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// NewWriter builds a kafka.Writer for cfg. Messages are partitioned by key.
func NewWriter(cfg Config) *kafka.Writer {
	cfg = cfg.withDefaults()
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}
}

// Stats counts publisher activity.
type Stats struct {
	Published int64
	Failed    int64
}

// KafkaPublisher forwards events from a subscription to a Producer.
type KafkaPublisher struct {
	cfg      Config
	producer Producer
	input    <-chan events.Event
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	stats Stats

	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewKafkaPublisher creates a publisher reading from input until it closes.
func NewKafkaPublisher(cfg Config, producer Producer, input <-chan events.Event, m *metrics.Metrics, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{
		cfg:      cfg.withDefaults(),
		producer: producer,
		input:    input,
		logger:   logger.With("component", "kafka_publisher", "topic", cfg.Topic),
		metrics:  m,
		done:     make(chan struct{}),
	}
}

// Done is closed when the publisher stops consuming: after its input closed
// and the last batch was written, or after Stop.
func (p *KafkaPublisher) Done() <-chan struct{} {
	return p.done
}

// Start begins publishing.
func (p *KafkaPublisher) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run(ctx)
	p.logger.Info("kafka publisher started", "batch_size", p.cfg.BatchSize)
}

// Stop ends publishing, waits for the in-flight batch and closes the
// producer.
func (p *KafkaPublisher) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("kafka publisher stop timed out")
	}

	st := p.Stats()
	p.logger.Info("kafka publisher stopped", "published", st.Published, "failed", st.Failed)
	return p.producer.Close()
}

// Stats returns current counters.
func (p *KafkaPublisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *KafkaPublisher) run(ctx context.Context) {
	defer p.wg.Done()
	defer close(p.done)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-p.input:
			if !ok {
				return
			}
			batch := p.collect(e)
			p.publish(ctx, batch)
		}
	}
}

// collect returns first plus whatever else is immediately available, up to
// BatchSize events.
func (p *KafkaPublisher) collect(first events.Event) []events.Event {
	batch := []events.Event{first}
	for len(batch) < p.cfg.BatchSize {
		select {
		case e, ok := <-p.input:
			if !ok {
				return batch
			}
			batch = append(batch, e)
		default:
			return batch
		}
	}
	return batch
}

func (p *KafkaPublisher) publish(ctx context.Context, batch []events.Event) {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, e := range batch {
		msg, err := Message(e)
		if err != nil {
			p.logger.Warn("event not encodable", "type", e.Type, "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return
	}

	wctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()
	err := p.producer.WriteMessages(wctx, msgs...)
	p.metrics.EventsWritten("kafka", len(msgs), err)

	p.mu.Lock()
	if err != nil {
		p.stats.Failed += int64(len(msgs))
	} else {
		p.stats.Published += int64(len(msgs))
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Error("kafka write failed", "error", err, "count", len(msgs))
	}
}

// Message encodes e as a Kafka message.
func Message(e events.Event) (kafka.Message, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, err
	}
	key := e.UserID
	if key == "" {
		key = e.ConnID
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  e.Time,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}, nil
}

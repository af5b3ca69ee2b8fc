package writer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/brokerlink/internal/events"
	"github.com/rickgao/brokerlink/internal/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS gateway_events (
	id          BIGSERIAL PRIMARY KEY,
	event_type  TEXT        NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	user_id     TEXT,
	bot_id      TEXT,
	session_id  TEXT,
	conn_id     TEXT,
	code        INTEGER,
	reason      TEXT,
	attempt     INTEGER,
	delay_ms    BIGINT,
	final       BOOLEAN     NOT NULL DEFAULT FALSE,
	detail      JSONB       NOT NULL
);
CREATE INDEX IF NOT EXISTS gateway_events_user_idx ON gateway_events (user_id, occurred_at);
CREATE INDEX IF NOT EXISTS gateway_events_type_idx ON gateway_events (event_type, occurred_at);
`

const insertEvent = `
	INSERT INTO gateway_events (event_type, occurred_at, user_id, bot_id, session_id, conn_id,
		code, reason, attempt, delay_ms, final, detail)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`

// Execer runs a statement. *pgxpool.Pool implements it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// BatchSender sends a batch of statements. *pgxpool.Pool implements it.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// EnsureSchema creates the gateway_events table and its indexes.
func EnsureSchema(ctx context.Context, db Execer) error {
	_, err := db.Exec(ctx, schema)
	return err
}

// AuditedTypes are the event types an EventWriter persists.
func AuditedTypes() []events.Type {
	return []events.Type{
		events.Connected,
		events.Authorized,
		events.Disconnected,
		events.ReconnectScheduled,
		events.ReconnectFailed,
		events.CircuitOpened,
		events.CircuitClosed,
		events.SessionRegistered,
		events.SessionRemoved,
	}
}

// WriterConfig configures batching.
type WriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultWriterConfig returns 500-row batches flushed at least every second.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: time.Second,
	}
}

// WriterMetrics counts writer activity.
type WriterMetrics struct {
	Inserts int64
	Skipped int64 // Market data events ignored
	Errors  int64 // Failed flushes
	Flushes int64
}

type eventRow struct {
	Type       string
	OccurredAt time.Time
	UserID     *string
	BotID      *string
	SessionID  *string
	ConnID     *string
	Code       *int
	Reason     *string
	Attempt    *int
	DelayMs    *int64
	Final      bool
	Detail     []byte
}

// EventWriter consumes events and writes them to gateway_events.
type EventWriter struct {
	cfg     WriterConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	input <-chan events.Event
	db    BatchSender

	batch   []eventRow
	batchMu sync.Mutex
	stats   WriterMetrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewEventWriter creates an EventWriter reading from input until it closes.
func NewEventWriter(
	cfg WriterConfig,
	input <-chan events.Event,
	db BatchSender,
	m *metrics.Metrics,
	logger *slog.Logger,
) *EventWriter {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = d.FlushInterval
	}
	return &EventWriter{
		cfg:     cfg,
		logger:  logger.With("component", "event_writer"),
		metrics: m,
		input:   input,
		db:      db,
		batch:   make([]eventRow, 0, cfg.BatchSize),
		done:    make(chan struct{}),
	}
}

// Done is closed when the writer stops consuming: after its input closed and
// the last batch was flushed, or after Stop.
func (w *EventWriter) Done() <-chan struct{} {
	return w.done
}

// Start begins consuming events.
func (w *EventWriter) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.run(ctx)

	w.logger.Info("event writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
}

// Stop ends consumption and flushes what is buffered. ctx bounds the wait
// and the final flush.
func (w *EventWriter) Stop(ctx context.Context) {
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("event writer stop timed out")
	}

	w.drain(ctx)
	w.flush(ctx)
	w.logger.Info("event writer stopped", "inserts", w.Stats().Inserts)
}

// Stats returns current counters.
func (w *EventWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.stats
}

func (w *EventWriter) run(ctx context.Context) {
	defer w.wg.Done()
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.flush(ctx)
		case e, ok := <-w.input:
			if !ok {
				w.flush(ctx)
				return
			}
			w.handleEvent(ctx, e)
		}
	}
}

// drain takes whatever is already waiting on input without blocking.
func (w *EventWriter) drain(ctx context.Context) {
	for {
		select {
		case e, ok := <-w.input:
			if !ok {
				return
			}
			w.handleEvent(ctx, e)
		default:
			return
		}
	}
}

// handleEvent adds e to the batch, flushing when it fills.
func (w *EventWriter) handleEvent(ctx context.Context, e events.Event) {
	if e.Type.MarketData() {
		w.batchMu.Lock()
		w.stats.Skipped++
		w.batchMu.Unlock()
		return
	}

	row, err := transform(e)
	if err != nil {
		w.logger.Warn("event not encodable", "type", e.Type, "error", err)
		return
	}

	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	full := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if full {
		w.flush(ctx)
	}
}

// transform converts an event to a row. Empty fields become NULL.
func transform(e events.Event) (eventRow, error) {
	detail, err := json.Marshal(e)
	if err != nil {
		return eventRow{}, err
	}
	row := eventRow{
		Type:       string(e.Type),
		OccurredAt: e.Time,
		UserID:     nullString(e.UserID),
		BotID:      nullString(e.BotID),
		SessionID:  nullString(e.SessionID),
		ConnID:     nullString(e.ConnID),
		Reason:     nullString(e.Reason),
		Final:      e.Final,
		Detail:     detail,
	}
	if row.OccurredAt.IsZero() {
		row.OccurredAt = time.Now()
	}
	if e.Code != 0 {
		row.Code = &e.Code
	}
	if e.Attempt != 0 {
		row.Attempt = &e.Attempt
	}
	if e.Delay != 0 {
		ms := e.Delay.Milliseconds()
		row.DelayMs = &ms
	}
	return row, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// flush writes the current batch. A failed batch is dropped and counted.
func (w *EventWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}
	batch := w.batch
	w.batch = make([]eventRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	// The final flush runs after the writer's own context is cancelled.
	ctx = context.WithoutCancel(ctx)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	err := w.batchInsert(ctx, batch)
	w.metrics.EventsWritten("audit", len(batch), err)

	w.batchMu.Lock()
	if err != nil {
		w.stats.Errors++
	} else {
		w.stats.Inserts += int64(len(batch))
		w.stats.Flushes++
	}
	w.batchMu.Unlock()

	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		return
	}
	w.logger.Debug("flushed events", "count", len(batch), "duration", time.Since(start))
}

// batchInsert inserts rows in one round trip.
func (w *EventWriter) batchInsert(ctx context.Context, rows []eventRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertEvent,
			r.Type, r.OccurredAt, r.UserID, r.BotID, r.SessionID, r.ConnID,
			r.Code, r.Reason, r.Attempt, r.DelayMs, r.Final, r.Detail)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

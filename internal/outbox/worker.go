package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	outboxPublishTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_publish_total",
		Help: "Total number of successfully published outbox messages.",
	})
	outboxFailTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_fail_total",
		Help: "Total number of outbox publish failures after exhausting retries.",
	})
	outboxDeadLetterTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_dead_letter_total",
		Help: "Outbox rows parked after exhausting their delivery attempts.",
	})
	outboxLagSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_lag_seconds",
		Help: "Age of the oldest processed outbox event in seconds.",
	})
)

// Message is one outbox row on its way to the broker.
type Message struct {
	ID        int64     `db:"id"`
	Topic     string    `db:"topic"`
	EventType string    `db:"event_type"`
	Payload   []byte    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
	// TraceParent is filled by the worker from the publish span.
	TraceParent string `db:"-"`
}

// Sink delivers a message to a broker. Implementations must be safe to call
// again with the same message; consumers de-duplicate on booking event id.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// WorkerConfig defines tunables for the dispatcher worker.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// RetryMax bounds sends per row within one batch.
	RetryMax int
	// MaxAttempts bounds failed batches per row before it is dead-lettered
	// and stops blocking the rows behind it.
	MaxAttempts int
}

// Worker loads unpublished events from the database and publishes them.
type Worker struct {
	db     *sqlx.DB
	sink   Sink
	logger *zap.Logger
	cfg    WorkerConfig
	tracer trace.Tracer
}

// NewWorker constructs a dispatcher worker.
func NewWorker(db *sqlx.DB, sink Sink, logger *zap.Logger, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		db:     db,
		sink:   sink,
		logger: logger,
		cfg:    cfg,
		tracer: otel.Tracer("booking.outbox.worker"),
	}
}

// Run starts the polling loop until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.db == nil || w.sink == nil {
		return errors.New("outbox worker requires database and sink")
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := w.ProcessOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("outbox batch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessOnce publishes one batch and reports how many rows were marked.
// Rows stay locked for the whole batch so concurrent workers skip them.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	ctx, span := w.tracer.Start(ctx, "outbox.batch")
	defer span.End()

	tx, err := w.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var records []Message
	if err := tx.SelectContext(ctx, &records,
		`SELECT id, topic, event_type, payload, created_at FROM outbox WHERE published = false AND dead_lettered = false ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED`,
		w.cfg.BatchSize); err != nil {
		return 0, fmt.Errorf("select outbox: %w", err)
	}
	if len(records) == 0 {
		return 0, tx.Commit()
	}

	ids := make([]int64, 0, len(records))
	maxLag := 0.0
	var sendErr error
	for _, rec := range records {
		if sendErr = w.publishWithRetry(ctx, rec); sendErr != nil {
			// Later rows wait so per-booking order holds until this one is parked.
			if err := w.recordFailure(ctx, tx, rec, sendErr); err != nil {
				return 0, err
			}
			break
		}
		ids = append(ids, rec.ID)
		outboxPublishTotal.Inc()
		if lag := time.Since(rec.CreatedAt).Seconds(); lag > maxLag {
			maxLag = lag
		}
	}
	outboxLagSeconds.Set(maxLag)
	// Keep what already went out so a poison row does not cause the whole
	// batch to be re-sent forever.
	if len(ids) > 0 {
		query, args, err := sqlx.In(`UPDATE outbox SET published = true WHERE id IN (?)`, ids)
		if err != nil {
			return 0, fmt.Errorf("build mark query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return 0, fmt.Errorf("mark published: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit outbox: %w", err)
	}
	return len(ids), sendErr
}

func (w *Worker) recordFailure(ctx context.Context, tx *sqlx.Tx, rec Message, cause error) error {
	var dead bool
	err := tx.GetContext(ctx, &dead, `UPDATE outbox SET attempts = attempts + 1, last_error = $2,
dead_lettered = attempts + 1 >= $3 WHERE id = $1 RETURNING dead_lettered`,
		rec.ID, cause.Error(), w.cfg.MaxAttempts)
	if err != nil {
		return fmt.Errorf("record outbox failure: %w", err)
	}
	if dead {
		outboxDeadLetterTotal.Inc()
		w.logger.Error("outbox row dead-lettered", zap.Int64("outbox_id", rec.ID), zap.String("event_type", rec.EventType), zap.Error(cause))
	}
	return nil
}

func (w *Worker) publishWithRetry(ctx context.Context, rec Message) error {
	ctx, span := w.tracer.Start(ctx, "outbox.publish")
	defer span.End()
	if rec.Topic == "" {
		return errors.New("outbox record missing topic")
	}
	if sc := span.SpanContext(); sc.IsValid() {
		rec.TraceParent = fmt.Sprintf("00-%s-%s-01", sc.TraceID(), sc.SpanID())
	}
	var attempt int
	for {
		attempt++
		err := w.sink.Send(ctx, rec)
		if err == nil {
			return nil
		}
		w.logger.Warn("publish failed", zap.Error(err), zap.Int("attempt", attempt), zap.Int64("outbox_id", rec.ID))
		if attempt >= w.cfg.RetryMax {
			outboxFailTotal.Inc()
			return fmt.Errorf("publish outbox %d: %w", rec.ID, err)
		}
		backoff := time.Duration(attempt*attempt) * 100 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

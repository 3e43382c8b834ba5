package outbox_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	natscontainer "github.com/testcontainers/testcontainers-go/modules/nats"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/stationbook/internal/outbox"
	pkgoutbox "github.com/example/stationbook/pkg/outbox"
)

type recordingSink struct {
	mu      sync.Mutex
	sent    []outbox.Message
	failIDs map[int64]bool
}

func (r *recordingSink) Send(_ context.Context, msg outbox.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failIDs[msg.ID] {
		return errors.New("broker unavailable")
	}
	r.sent = append(r.sent, msg)
	return nil
}

var outboxColumns = []string{"id", "topic", "event_type", "payload", "created_at"}

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "pgx"), mock
}

func TestProcessOnceMarksPublished(t *testing.T) {
	db, mock := newMockDB(t)
	created := time.Now().Add(-time.Second)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, topic, event_type, payload, created_at FROM outbox").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows(outboxColumns).
			AddRow(1, "booking.events", "BookingReserved", []byte(`{"a":1}`), created).
			AddRow(2, "booking.events", "DepositPaid", []byte(`{"a":2}`), created))
	mock.ExpectExec(`UPDATE outbox SET published = true WHERE id IN \(\$1, \$2\)`).
		WithArgs(1, 2).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	sink := &recordingSink{}
	w := outbox.NewWorker(db, sink, zap.NewNop(), outbox.WorkerConfig{BatchSize: 10})
	n, err := w.ProcessOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, sink.sent, 2)
	require.Equal(t, "DepositPaid", sink.sent[1].EventType)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessOnceKeepsProgressOnFailure(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, topic, event_type, payload, created_at FROM outbox").
		WillReturnRows(sqlmock.NewRows(outboxColumns).
			AddRow(1, "booking.events", "BookingReserved", []byte(`{}`), time.Now()).
			AddRow(2, "booking.events", "BookingCancelled", []byte(`{}`), time.Now()))
	mock.ExpectQuery("UPDATE outbox SET attempts = attempts \\+ 1").
		WithArgs(2, "publish outbox 2: broker unavailable", 10).
		WillReturnRows(sqlmock.NewRows([]string{"dead_lettered"}).AddRow(false))
	mock.ExpectExec(`UPDATE outbox SET published = true WHERE id IN \(\$1\)`).
		WithArgs(1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	sink := &recordingSink{failIDs: map[int64]bool{2: true}}
	w := outbox.NewWorker(db, sink, zap.NewNop(), outbox.WorkerConfig{BatchSize: 10, RetryMax: 1})
	n, err := w.ProcessOnce(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessOnceDeadLettersExhaustedRow(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectQuery("FROM outbox WHERE published = false AND dead_lettered = false").
		WillReturnRows(sqlmock.NewRows(outboxColumns).
			AddRow(7, "booking.events", "BookingReserved", []byte(`{}`), time.Now()).
			AddRow(8, "booking.events", "DepositPaid", []byte(`{}`), time.Now()))
	mock.ExpectQuery("UPDATE outbox SET attempts = attempts \\+ 1").
		WithArgs(7, sqlmock.AnyArg(), 3).
		WillReturnRows(sqlmock.NewRows([]string{"dead_lettered"}).AddRow(true))
	mock.ExpectCommit()

	sink := &recordingSink{failIDs: map[int64]bool{7: true}}
	w := outbox.NewWorker(db, sink, zap.NewNop(), outbox.WorkerConfig{RetryMax: 1, MaxAttempts: 3})
	n, err := w.ProcessOnce(context.Background())
	require.Error(t, err)
	require.Zero(t, n)
	require.Empty(t, sink.sent)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessOnceEmptyBatch(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, topic, event_type, payload, created_at FROM outbox").
		WillReturnRows(sqlmock.NewRows(outboxColumns))
	mock.ExpectCommit()

	n, err := outbox.NewWorker(db, &recordingSink{}, nil, outbox.WorkerConfig{}).ProcessOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerPublishesOutboxEntries(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	ctx := context.Background()
	db := openDB(t, ctx, startPostgres(t, ctx))
	prepareOutboxTable(t, ctx, db)
	insertOutbox(t, ctx, db, "booking.events", []byte(`{"id":1}`))

	nc := connectNATS(t, ctx)
	msgCh := make(chan *nats.Msg, 1)
	_, err := nc.Subscribe("booking.events", func(msg *nats.Msg) {
		msgCh <- msg
	})
	require.NoError(t, err)

	worker := outbox.NewWorker(db, pkgoutbox.NewNATSSink(nc), zap.NewNop(), outbox.WorkerConfig{PollInterval: 100 * time.Millisecond, BatchSize: 10, RetryMax: 5})
	ctxWorker, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_ = worker.Run(ctxWorker)
	}()

	select {
	case <-time.After(10 * time.Second):
		t.Fatal("expected outbox message")
	case msg := <-msgCh:
		require.Equal(t, []byte(`{"id":1}`), msg.Data)
		require.Equal(t, "BookingReserved", msg.Header.Get("x-event-type"))
	}

	require.Eventually(t, func() bool { return isPublished(t, ctx, db, 1) }, 5*time.Second, 50*time.Millisecond)
	cancel()
}

func TestWorkerParksPoisonRowAndMovesOn(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	ctx := context.Background()
	db := openDB(t, ctx, startPostgres(t, ctx))
	prepareOutboxTable(t, ctx, db)
	insertOutbox(t, ctx, db, "booking.events", []byte(`{"poison":true}`))
	insertOutbox(t, ctx, db, "booking.events", []byte(`{"id":2}`))

	sink := &recordingSink{failIDs: map[int64]bool{1: true}}
	worker := outbox.NewWorker(db, sink, zap.NewNop(), outbox.WorkerConfig{BatchSize: 10, RetryMax: 1, MaxAttempts: 2})

	for i := 0; i < 2; i++ {
		n, err := worker.ProcessOnce(ctx)
		require.Error(t, err)
		require.Zero(t, n)
	}
	n, err := worker.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, isPublished(t, ctx, db, 2))

	var row struct {
		Attempts     int    `db:"attempts"`
		DeadLettered bool   `db:"dead_lettered"`
		LastError    string `db:"last_error"`
	}
	require.NoError(t, db.GetContext(ctx, &row, `SELECT attempts, dead_lettered, last_error FROM outbox WHERE id = 1`))
	require.Equal(t, 2, row.Attempts)
	require.True(t, row.DeadLettered)
	require.Contains(t, row.LastError, "broker unavailable")
	require.False(t, isPublished(t, ctx, db, 1))
}

func TestWorkerRetriesOnFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	ctx := context.Background()
	db := openDB(t, ctx, startPostgres(t, ctx))
	prepareOutboxTable(t, ctx, db)
	insertOutbox(t, ctx, db, "booking.events", []byte(`{"retry":true}`))

	nc := connectNATS(t, ctx)
	msgCh := make(chan *nats.Msg, 1)
	_, err := nc.Subscribe("booking.events", func(msg *nats.Msg) {
		msgCh <- msg
	})
	require.NoError(t, err)

	sink := &flakySink{base: pkgoutbox.NewNATSSink(nc)}
	sink.failFor.Store(3)
	worker := outbox.NewWorker(db, sink, zap.NewNop(), outbox.WorkerConfig{PollInterval: 100 * time.Millisecond, BatchSize: 5, RetryMax: 5})

	ctxWorker, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_ = worker.Run(ctxWorker)
	}()

	select {
	case <-time.After(15 * time.Second):
		t.Fatal("expected retry publish")
	case msg := <-msgCh:
		require.Equal(t, []byte(`{"retry":true}`), msg.Data)
	}

	require.Eventually(t, func() bool { return isPublished(t, ctx, db, 1) }, 5*time.Second, 50*time.Millisecond)
	cancel()
}

type flakySink struct {
	base    outbox.Sink
	failFor atomic.Int32
}

func (f *flakySink) Send(ctx context.Context, msg outbox.Message) error {
	if f.failFor.Load() > 0 {
		f.failFor.Add(-1)
		return errors.New("simulated nats outage")
	}
	return f.base.Send(ctx, msg)
}

func startPostgres(t *testing.T, ctx context.Context) *postgrescontainer.PostgresContainer {
	pg, err := postgrescontainer.Run(ctx, "postgres:16", postgrescontainer.WithDatabase("stationbook"), postgrescontainer.WithUsername("postgres"), postgrescontainer.WithPassword("postgres"), testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2)))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pg.Terminate(ctx))
	})
	return pg
}

func openDB(t *testing.T, ctx context.Context, pg *postgrescontainer.PostgresContainer) *sqlx.DB {
	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sqlx.Open("pgx", dsn)
	require.NoError(t, err)
	require.NoError(t, db.PingContext(ctx))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func prepareOutboxTable(t *testing.T, ctx context.Context, db *sqlx.DB) {
	ddl := `CREATE TABLE IF NOT EXISTS outbox (
id BIGSERIAL PRIMARY KEY,
topic TEXT NOT NULL,
event_type TEXT NOT NULL DEFAULT '',
payload BYTEA NOT NULL,
published BOOLEAN NOT NULL DEFAULT FALSE,
attempts INT NOT NULL DEFAULT 0,
last_error TEXT NOT NULL DEFAULT '',
dead_lettered BOOLEAN NOT NULL DEFAULT FALSE,
created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	_, err := db.ExecContext(ctx, ddl)
	require.NoError(t, err)
}

func insertOutbox(t *testing.T, ctx context.Context, db *sqlx.DB, topic string, payload []byte) {
	_, err := db.ExecContext(ctx, `INSERT INTO outbox (topic, event_type, payload, published) VALUES ($1, 'BookingReserved', $2, false)`, topic, payload)
	require.NoError(t, err)
}

func isPublished(t *testing.T, ctx context.Context, db *sqlx.DB, id int64) bool {
	var published bool
	require.NoError(t, db.GetContext(ctx, &published, `SELECT published FROM outbox WHERE id = $1`, id))
	return published
}

func connectNATS(t *testing.T, ctx context.Context) *nats.Conn {
	container, err := natscontainer.Run(ctx, "nats:2")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})
	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Drain() })
	return nc
}

package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/example/stationbook/internal/booking/domain"
)

func newMockRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresRepository(sqlx.NewDb(db, "pgx"), &fixedClock{t: base}), mock
}

var windowColumns = []string{"start_at", "end_at", "window_start", "window_end"}

func TestPostgresInsertIfNoOverlap(t *testing.T) {
	repo, mock := newMockRepo(t)
	b := newBooking("S1", base.Add(18*time.Hour), base.Add(21*time.Hour))
	event := &domain.BookingEvent{BookingID: b.ID, Type: domain.EventBookingReserved, CreatedAt: base}

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs("S1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT start_at, end_at, window_start, window_end FROM bookings").
		WithArgs("S1", b.WindowEnd, b.WindowStart).
		WillReturnRows(sqlmock.NewRows(windowColumns))
	mock.ExpectExec("INSERT INTO bookings").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox").WithArgs(EventsTopic, string(domain.EventBookingReserved), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	got, err := repo.InsertIfNoOverlap(context.Background(), b, event)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertReportsBlockingWindow(t *testing.T) {
	repo, mock := newMockRepo(t)
	b := newBooking("S1", base.Add(18*time.Hour), base.Add(21*time.Hour))
	blockStart, blockEnd := base.Add(19*time.Hour), base.Add(20*time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM bookings").WillReturnRows(sqlmock.NewRows(windowColumns).
		AddRow(blockStart, blockEnd, blockStart.Add(-30*time.Minute), blockEnd.Add(30*time.Minute)))
	mock.ExpectRollback()

	_, err := repo.InsertIfNoOverlap(context.Background(), b, nil)
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, domain.Window{Start: blockStart, End: blockEnd}, conflict.Window)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertMapsExclusionViolation(t *testing.T) {
	repo, mock := newMockRepo(t)
	b := newBooking("S1", base.Add(18*time.Hour), base.Add(21*time.Hour))

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM bookings").WillReturnRows(sqlmock.NewRows(windowColumns))
	mock.ExpectExec("INSERT INTO bookings").WillReturnError(&pgconn.PgError{Code: pgExclusionViolation})
	mock.ExpectQuery("FROM bookings").WillReturnRows(sqlmock.NewRows(windowColumns).
		AddRow(b.StartAt, b.EndAt, b.WindowStart, b.WindowEnd))
	mock.ExpectRollback()

	_, err := repo.InsertIfNoOverlap(context.Background(), b, nil)
	require.True(t, domain.IsConflict(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresApplyTransition(t *testing.T) {
	repo, mock := newMockRepo(t)
	b := newBooking("S1", base.Add(18*time.Hour), base.Add(21*time.Hour))
	b.Version = 3
	b.Status = domain.StatusDepositPaid

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE bookings SET status").
		WithArgs(string(domain.StatusDepositPaid), sqlmock.AnyArg(), base, int64(4), b.ID, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE webhook_events SET outcome").
		WithArgs("evt_123", string(domain.OutcomeApplied), domain.ReasonDepositPaid, b.ID, base).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := repo.ApplyTransition(context.Background(), domain.Transition{
		Booking:         b,
		ExpectedVersion: 3,
		Event:           &domain.BookingEvent{BookingID: b.ID, Type: domain.EventDepositPaid},
		EventID:         "evt_123",
		Reason:          domain.ReasonDepositPaid,
	})
	require.NoError(t, err)
	require.Equal(t, int64(4), got.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresApplyTransitionVersionConflict(t *testing.T) {
	repo, mock := newMockRepo(t)
	b := newBooking("S1", base.Add(18*time.Hour), base.Add(21*time.Hour))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE bookings SET status").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs(b.ID).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := repo.ApplyTransition(context.Background(), domain.Transition{Booking: b, ExpectedVersion: 1})
	require.ErrorIs(t, err, domain.ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetByIDNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	b := newBooking("S1", base, base.Add(time.Hour))
	mock.ExpectQuery("FROM bookings WHERE id").WithArgs(b.ID).WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetByID(context.Background(), b.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedgerBegin(t *testing.T) {
	ledgerCols := []string{"event_id", "event_type", "payload_hash", "outcome", "reason", "booking_id", "attempts", "received_at", "updated_at"}
	rec := domain.WebhookEventRecord{EventID: "evt_123", EventType: "deposit.succeeded", PayloadHash: "h"}

	t.Run("fresh event is claimed", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec("INSERT INTO webhook_events").
			WithArgs("evt_123", "deposit.succeeded", "h", string(domain.OutcomeProcessing), base).
			WillReturnResult(sqlmock.NewResult(0, 1))

		got, owned, err := repo.Begin(context.Background(), rec, time.Minute)
		require.NoError(t, err)
		require.True(t, owned)
		require.Equal(t, 1, got.Attempts)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("finished event is returned", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec("INSERT INTO webhook_events").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("UPDATE webhook_events SET outcome").
			WithArgs("evt_123", string(domain.OutcomeProcessing), base, base.Add(-time.Minute)).
			WillReturnRows(sqlmock.NewRows(ledgerCols))
		mock.ExpectQuery("FROM webhook_events WHERE event_id").WithArgs("evt_123").
			WillReturnRows(sqlmock.NewRows(ledgerCols).
				AddRow("evt_123", "deposit.succeeded", "h", "APPLIED", "deposit_paid", nil, 1, base, base))

		got, owned, err := repo.Begin(context.Background(), rec, time.Minute)
		require.NoError(t, err)
		require.False(t, owned)
		require.Equal(t, domain.OutcomeApplied, got.Outcome)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed event is reclaimed", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec("INSERT INTO webhook_events").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("UPDATE webhook_events SET outcome").
			WillReturnRows(sqlmock.NewRows(ledgerCols).
				AddRow("evt_123", "deposit.succeeded", "h", "PROCESSING", "internal_error", nil, 2, base, base))

		got, owned, err := repo.Begin(context.Background(), rec, time.Minute)
		require.NoError(t, err)
		require.True(t, owned)
		require.Equal(t, 2, got.Attempts)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown insert result is an error", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec("INSERT INTO webhook_events").
			WillReturnResult(sqlmock.NewErrorResult(errors.New("driver lost result")))

		_, owned, err := repo.Begin(context.Background(), rec, time.Minute)
		require.ErrorContains(t, err, "driver lost result")
		require.False(t, owned)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

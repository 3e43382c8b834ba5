package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/example/stationbook/internal/booking/domain"
)

// EventsTopic is the outbox topic for booking lifecycle events.
const EventsTopic = "booking.events"

const (
	pgExclusionViolation = "23P01"
	pgUniqueViolation    = "23505"
)

const activeStatusList = `('PENDING_DEPOSIT', 'DEPOSIT_PAID', 'CONFIRMED')`

const overlapQuery = `SELECT start_at, end_at, window_start, window_end FROM bookings
WHERE station_id = $1 AND status IN ` + activeStatusList + ` AND window_start < $2 AND window_end > $3
ORDER BY window_start LIMIT 1`

const bookingColumns = `id, station_id, quote_id, start_at, end_at, buffer_minutes, window_start, window_end,
venue_address, venue_lat, venue_lon, distance_miles, travel_fee_cents, deposit_cents, status,
payment_failed_at, created_at, updated_at, version`

const ledgerColumns = `event_id, event_type, payload_hash, outcome, reason, booking_id, attempts, received_at, updated_at`

type bookingRow struct {
	ID              uuid.UUID    `db:"id"`
	StationID       string       `db:"station_id"`
	QuoteID         uuid.UUID    `db:"quote_id"`
	StartAt         time.Time    `db:"start_at"`
	EndAt           time.Time    `db:"end_at"`
	BufferMinutes   int          `db:"buffer_minutes"`
	WindowStart     time.Time    `db:"window_start"`
	WindowEnd       time.Time    `db:"window_end"`
	VenueAddress    string       `db:"venue_address"`
	VenueLat        float64      `db:"venue_lat"`
	VenueLon        float64      `db:"venue_lon"`
	DistanceMiles   float64      `db:"distance_miles"`
	TravelFeeCents  int64        `db:"travel_fee_cents"`
	DepositCents    int64        `db:"deposit_cents"`
	Status          string       `db:"status"`
	PaymentFailedAt sql.NullTime `db:"payment_failed_at"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
	Version         int64        `db:"version"`
}

func toRow(b domain.Booking) bookingRow {
	row := bookingRow{
		ID:             b.ID,
		StationID:      b.StationID,
		QuoteID:        b.QuoteID,
		StartAt:        b.StartAt,
		EndAt:          b.EndAt,
		BufferMinutes:  b.BufferMinutes,
		WindowStart:    b.WindowStart,
		WindowEnd:      b.WindowEnd,
		VenueAddress:   b.VenueAddress,
		VenueLat:       b.VenueLat,
		VenueLon:       b.VenueLon,
		DistanceMiles:  b.DistanceMiles,
		TravelFeeCents: b.TravelFeeCents,
		DepositCents:   b.DepositCents,
		Status:         string(b.Status),
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
		Version:        b.Version,
	}
	if b.PaymentFailedAt != nil {
		row.PaymentFailedAt = sql.NullTime{Time: *b.PaymentFailedAt, Valid: true}
	}
	return row
}

func (r bookingRow) toDomain() domain.Booking {
	b := domain.Booking{
		ID:             r.ID,
		StationID:      r.StationID,
		QuoteID:        r.QuoteID,
		StartAt:        r.StartAt.UTC(),
		EndAt:          r.EndAt.UTC(),
		BufferMinutes:  r.BufferMinutes,
		WindowStart:    r.WindowStart.UTC(),
		WindowEnd:      r.WindowEnd.UTC(),
		VenueAddress:   r.VenueAddress,
		VenueLat:       r.VenueLat,
		VenueLon:       r.VenueLon,
		DistanceMiles:  r.DistanceMiles,
		TravelFeeCents: r.TravelFeeCents,
		DepositCents:   r.DepositCents,
		Status:         domain.BookingStatus(r.Status),
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
		Version:        r.Version,
	}
	if r.PaymentFailedAt.Valid {
		t := r.PaymentFailedAt.Time.UTC()
		b.PaymentFailedAt = &t
	}
	return b
}

type windowRow struct {
	StartAt     time.Time `db:"start_at"`
	EndAt       time.Time `db:"end_at"`
	WindowStart time.Time `db:"window_start"`
	WindowEnd   time.Time `db:"window_end"`
}

func (w windowRow) conflict() *domain.ConflictError {
	return &domain.ConflictError{
		Window:         domain.Window{Start: w.StartAt.UTC(), End: w.EndAt.UTC()},
		BufferedWindow: domain.Window{Start: w.WindowStart.UTC(), End: w.WindowEnd.UTC()},
	}
}

type ledgerRow struct {
	EventID     string        `db:"event_id"`
	EventType   string        `db:"event_type"`
	PayloadHash string        `db:"payload_hash"`
	Outcome     string        `db:"outcome"`
	Reason      string        `db:"reason"`
	BookingID   uuid.NullUUID `db:"booking_id"`
	Attempts    int           `db:"attempts"`
	ReceivedAt  time.Time     `db:"received_at"`
	UpdatedAt   time.Time     `db:"updated_at"`
}

func (r ledgerRow) toDomain() domain.WebhookEventRecord {
	rec := domain.WebhookEventRecord{
		EventID:     r.EventID,
		EventType:   r.EventType,
		PayloadHash: r.PayloadHash,
		Outcome:     domain.Outcome(r.Outcome),
		Reason:      r.Reason,
		Attempts:    r.Attempts,
		ReceivedAt:  r.ReceivedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
	if r.BookingID.Valid {
		id := r.BookingID.UUID
		rec.BookingID = &id
	}
	return rec
}

// PostgresRepository implements domain.Store and domain.Ledger. Booking
// events are written to the outbox table in the same transaction as the
// booking change they describe.
type PostgresRepository struct {
	db    *sqlx.DB
	clock domain.Clock
}

func NewPostgresRepository(db *sqlx.DB, clock domain.Clock) *PostgresRepository {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &PostgresRepository{db: db, clock: clock}
}

func (p *PostgresRepository) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// InsertIfNoOverlap serializes writers per station with a transaction-scoped
// advisory lock, then checks for an overlapping active window. The exclusion
// constraint on bookings rejects anything that slips past the check.
func (p *PostgresRepository) InsertIfNoOverlap(ctx context.Context, booking domain.Booking, event *domain.BookingEvent) (domain.Booking, error) {
	if booking.Version == 0 {
		booking.Version = 1
	}
	err := p.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, booking.StationID); err != nil {
			return fmt.Errorf("lock station: %w", err)
		}
		var blocking windowRow
		err := tx.GetContext(ctx, &blocking, overlapQuery, booking.StationID, booking.WindowEnd, booking.WindowStart)
		switch {
		case err == nil:
			return blocking.conflict()
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("select overlap: %w", err)
		}
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO bookings (`+bookingColumns+`) VALUES (
:id, :station_id, :quote_id, :start_at, :end_at, :buffer_minutes, :window_start, :window_end,
:venue_address, :venue_lat, :venue_lon, :distance_miles, :travel_fee_cents, :deposit_cents, :status,
:payment_failed_at, :created_at, :updated_at, :version)`, toRow(booking)); err != nil {
			return p.mapInsertError(ctx, booking, err)
		}
		return insertOutbox(ctx, tx, event)
	})
	if err != nil {
		return domain.Booking{}, err
	}
	return booking, nil
}

func (p *PostgresRepository) mapInsertError(ctx context.Context, booking domain.Booking, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("insert booking: %w", err)
	}
	switch pgErr.Code {
	case pgExclusionViolation, pgUniqueViolation:
		var blocking windowRow
		lookupErr := p.db.GetContext(ctx, &blocking, overlapQuery, booking.StationID, booking.WindowEnd, booking.WindowStart)
		if lookupErr != nil {
			return &domain.ConflictError{Window: booking.EventWindow(), BufferedWindow: booking.BufferedWindow()}
		}
		return blocking.conflict()
	default:
		return fmt.Errorf("insert booking: %w", err)
	}
}

func insertOutbox(ctx context.Context, tx *sqlx.Tx, event *domain.BookingEvent) error {
	if event == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO outbox (topic, event_type, payload) VALUES ($1, $2, $3)`, EventsTopic, string(event.Type), payload); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

// FindBlocking runs the overlap query without locking.
func (p *PostgresRepository) FindBlocking(ctx context.Context, stationID string, w domain.Window) (*domain.ConflictError, error) {
	var blocking windowRow
	err := p.db.GetContext(ctx, &blocking, overlapQuery, stationID, w.End, w.Start)
	switch {
	case err == nil:
		return blocking.conflict(), nil
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	default:
		return nil, fmt.Errorf("find blocking: %w", err)
	}
}

func (p *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	var row bookingRow
	if err := p.db.GetContext(ctx, &row, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Booking{}, domain.ErrNotFound
		}
		return domain.Booking{}, fmt.Errorf("get booking: %w", err)
	}
	return row.toDomain(), nil
}

func (p *PostgresRepository) GetByQuoteID(ctx context.Context, quoteID uuid.UUID) (domain.Booking, error) {
	var row bookingRow
	if err := p.db.GetContext(ctx, &row, `SELECT `+bookingColumns+` FROM bookings WHERE quote_id = $1`, quoteID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Booking{}, domain.ErrNotFound
		}
		return domain.Booking{}, fmt.Errorf("get booking by quote: %w", err)
	}
	return row.toDomain(), nil
}

// ApplyTransition performs a compare-and-set on version. The outbox row and
// the ledger outcome commit with the booking change or not at all.
func (p *PostgresRepository) ApplyTransition(ctx context.Context, t domain.Transition) (domain.Booking, error) {
	updated := t.Booking
	updated.Version = t.ExpectedVersion + 1
	updated.UpdatedAt = p.clock.Now()
	row := toRow(updated)
	err := p.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE bookings SET status = $1, payment_failed_at = $2, updated_at = $3, version = $4
WHERE id = $5 AND version = $6`, row.Status, row.PaymentFailedAt, row.UpdatedAt, row.Version, row.ID, t.ExpectedVersion)
		if err != nil {
			return fmt.Errorf("update booking: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update booking: %w", err)
		}
		if n == 0 {
			var exists bool
			if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM bookings WHERE id = $1)`, row.ID); err != nil {
				return fmt.Errorf("check booking: %w", err)
			}
			if !exists {
				return domain.ErrNotFound
			}
			return domain.ErrVersionConflict
		}
		if err := insertOutbox(ctx, tx, t.Event); err != nil {
			return err
		}
		if t.EventID == "" {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE webhook_events SET outcome = $2, reason = $3, booking_id = $4, updated_at = $5
WHERE event_id = $1`, t.EventID, string(domain.OutcomeApplied), t.Reason, row.ID, row.UpdatedAt); err != nil {
			return fmt.Errorf("finish webhook event: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Booking{}, err
	}
	return updated, nil
}

func (p *PostgresRepository) ListSweepCandidates(ctx context.Context, q domain.SweepQuery) ([]domain.Booking, error) {
	var rows []bookingRow
	err := p.db.SelectContext(ctx, &rows, `SELECT `+bookingColumns+` FROM bookings
WHERE (status = 'PENDING_DEPOSIT' AND (payment_failed_at <= $2 OR created_at <= $3 OR start_at <= $1))
   OR (status IN ('CONFIRMED', 'DEPOSIT_PAID') AND end_at <= $1)
ORDER BY created_at LIMIT $4`, q.Now, q.PaymentFailedBefore, q.CreatedBefore, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("list sweep candidates: %w", err)
	}
	out := make([]domain.Booking, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// Begin claims an event ID. A fresh ID is inserted; a Failed record or a
// Processing record whose lease lapsed is taken over.
func (p *PostgresRepository) Begin(ctx context.Context, rec domain.WebhookEventRecord, lease time.Duration) (domain.WebhookEventRecord, bool, error) {
	now := p.clock.Now()
	res, err := p.db.ExecContext(ctx, `INSERT INTO webhook_events (`+ledgerColumns+`)
VALUES ($1, $2, $3, $4, '', NULL, 1, $5, $5) ON CONFLICT (event_id) DO NOTHING`,
		rec.EventID, rec.EventType, rec.PayloadHash, string(domain.OutcomeProcessing), now)
	if err != nil {
		return domain.WebhookEventRecord{}, false, fmt.Errorf("insert webhook event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.WebhookEventRecord{}, false, fmt.Errorf("insert webhook event: %w", err)
	}
	if n == 1 {
		rec.Outcome = domain.OutcomeProcessing
		rec.Attempts = 1
		rec.ReceivedAt = now
		rec.UpdatedAt = now
		return rec, true, nil
	}

	var row ledgerRow
	err = p.db.GetContext(ctx, &row, `UPDATE webhook_events SET outcome = $2, attempts = attempts + 1, updated_at = $3
WHERE event_id = $1 AND (outcome = 'FAILED' OR (outcome = 'PROCESSING' AND updated_at <= $4))
RETURNING `+ledgerColumns, rec.EventID, string(domain.OutcomeProcessing), now, now.Add(-lease))
	switch {
	case err == nil:
		return row.toDomain(), true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return domain.WebhookEventRecord{}, false, fmt.Errorf("reclaim webhook event: %w", err)
	}

	existing, ok, err := p.Get(ctx, rec.EventID)
	if err != nil {
		return domain.WebhookEventRecord{}, false, err
	}
	if !ok {
		return domain.WebhookEventRecord{}, false, fmt.Errorf("webhook event %s vanished", rec.EventID)
	}
	return existing, false, nil
}

// Finish records an outcome unless a final one is already stored.
func (p *PostgresRepository) Finish(ctx context.Context, eventID string, outcome domain.Outcome, reason string, bookingID *uuid.UUID) error {
	var booking uuid.NullUUID
	if bookingID != nil {
		booking = uuid.NullUUID{UUID: *bookingID, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_events SET outcome = $2, reason = $3, booking_id = COALESCE($4, booking_id), updated_at = $5
WHERE event_id = $1 AND outcome NOT IN ('APPLIED', 'IGNORED')`, eventID, string(outcome), reason, booking, p.clock.Now())
	if err != nil {
		return fmt.Errorf("finish webhook event: %w", err)
	}
	return nil
}

func (p *PostgresRepository) Get(ctx context.Context, eventID string) (domain.WebhookEventRecord, bool, error) {
	var row ledgerRow
	if err := p.db.GetContext(ctx, &row, `SELECT `+ledgerColumns+` FROM webhook_events WHERE event_id = $1`, eventID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WebhookEventRecord{}, false, nil
		}
		return domain.WebhookEventRecord{}, false, fmt.Errorf("get webhook event: %w", err)
	}
	return row.toDomain(), true, nil
}

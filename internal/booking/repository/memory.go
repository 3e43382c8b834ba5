package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/stationbook/internal/booking/domain"
)

// MemoryRepository provides an in-memory booking store and webhook ledger
// suitable for tests and local demos.
//
// Reservations for one station are serialized by that station's mutex; mu
// only guards map access and is never held across a station's scan+insert
// by itself, so different stations reserve in parallel.
type MemoryRepository struct {
	stationsMu sync.Mutex
	stations   map[string]*sync.Mutex

	mu        sync.RWMutex
	bookings  map[uuid.UUID]domain.Booking
	byStation map[string][]uuid.UUID
	events    []domain.BookingEvent
	ledger    map[string]domain.WebhookEventRecord

	clock domain.Clock
}

// NewMemoryRepository constructs an empty memory repository.
func NewMemoryRepository(clock domain.Clock) *MemoryRepository {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &MemoryRepository{
		stations:  make(map[string]*sync.Mutex),
		bookings:  make(map[uuid.UUID]domain.Booking),
		byStation: make(map[string][]uuid.UUID),
		ledger:    make(map[string]domain.WebhookEventRecord),
		clock:     clock,
	}
}

func (m *MemoryRepository) stationLock(stationID string) *sync.Mutex {
	m.stationsMu.Lock()
	defer m.stationsMu.Unlock()
	l, ok := m.stations[stationID]
	if !ok {
		l = &sync.Mutex{}
		m.stations[stationID] = l
	}
	return l
}

// InsertIfNoOverlap stores the booking unless an active booking on the same
// station blocks an overlapping window.
func (m *MemoryRepository) InsertIfNoOverlap(_ context.Context, booking domain.Booking, event *domain.BookingEvent) (domain.Booking, error) {
	lock := m.stationLock(booking.StationID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	conflict := m.blocking(booking.StationID, booking.BufferedWindow())
	m.mu.RUnlock()
	if conflict != nil {
		return domain.Booking{}, conflict
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if booking.Version == 0 {
		booking.Version = 1
	}
	m.bookings[booking.ID] = booking
	m.byStation[booking.StationID] = append(m.byStation[booking.StationID], booking.ID)
	if event != nil {
		m.events = append(m.events, *event)
	}
	return booking, nil
}

// FindBlocking reports the first active window overlapping w.
func (m *MemoryRepository) FindBlocking(_ context.Context, stationID string, w domain.Window) (*domain.ConflictError, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blocking(stationID, w), nil
}

// blocking must be called with mu held.
func (m *MemoryRepository) blocking(stationID string, w domain.Window) *domain.ConflictError {
	var found *domain.Booking
	for _, id := range m.byStation[stationID] {
		existing := m.bookings[id]
		if !existing.Status.Active() || !existing.BufferedWindow().Overlaps(w) {
			continue
		}
		if found == nil || existing.WindowStart.Before(found.WindowStart) {
			b := existing
			found = &b
		}
	}
	if found == nil {
		return nil
	}
	return &domain.ConflictError{Window: found.EventWindow(), BufferedWindow: found.BufferedWindow()}
}

// GetByID retrieves a booking.
func (m *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return domain.Booking{}, domain.ErrNotFound
	}
	return b, nil
}

// GetByQuoteID finds the booking created from a quote.
func (m *MemoryRepository) GetByQuoteID(_ context.Context, quoteID uuid.UUID) (domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.bookings {
		if b.QuoteID == quoteID {
			return b, nil
		}
	}
	return domain.Booking{}, domain.ErrNotFound
}

// ApplyTransition replaces the booking when the stored version matches and
// finishes the ledger record in the same critical section.
func (m *MemoryRepository) ApplyTransition(_ context.Context, t domain.Transition) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.bookings[t.Booking.ID]
	if !ok {
		return domain.Booking{}, domain.ErrNotFound
	}
	if existing.Version != t.ExpectedVersion {
		return domain.Booking{}, domain.ErrVersionConflict
	}
	if !existing.Status.CanTransitionTo(t.Booking.Status) {
		return domain.Booking{}, domain.ErrInvalidTransition
	}
	updated := t.Booking
	updated.Version = existing.Version + 1
	updated.UpdatedAt = m.clock.Now()
	m.bookings[updated.ID] = updated
	if t.Event != nil {
		m.events = append(m.events, *t.Event)
	}
	if t.EventID != "" {
		if rec, ok := m.ledger[t.EventID]; ok {
			rec.Outcome = domain.OutcomeApplied
			rec.Reason = t.Reason
			id := updated.ID
			rec.BookingID = &id
			rec.UpdatedAt = updated.UpdatedAt
			m.ledger[t.EventID] = rec
		}
	}
	return updated, nil
}

// ListSweepCandidates returns bookings due for the expiry sweep, oldest first.
func (m *MemoryRepository) ListSweepCandidates(_ context.Context, q domain.SweepQuery) ([]domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Booking
	for _, b := range m.bookings {
		if q.Due(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Events returns stored events (for tests).
func (m *MemoryRepository) Events() []domain.BookingEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.BookingEvent(nil), m.events...)
}

// Begin claims an event ID for processing.
func (m *MemoryRepository) Begin(_ context.Context, rec domain.WebhookEventRecord, lease time.Duration) (domain.WebhookEventRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	existing, ok := m.ledger[rec.EventID]
	if !ok {
		rec.Outcome = domain.OutcomeProcessing
		rec.Attempts = 1
		rec.ReceivedAt = now
		rec.UpdatedAt = now
		m.ledger[rec.EventID] = rec
		return rec, true, nil
	}
	if existing.Outcome.Final() {
		return existing, false, nil
	}
	abandoned := existing.Outcome == domain.OutcomeProcessing && !now.Before(existing.UpdatedAt.Add(lease))
	if existing.Outcome == domain.OutcomeFailed || abandoned {
		existing.Outcome = domain.OutcomeProcessing
		existing.Attempts++
		existing.UpdatedAt = now
		m.ledger[rec.EventID] = existing
		return existing, true, nil
	}
	return existing, false, nil
}

// Finish records an outcome. Final outcomes are never overwritten.
func (m *MemoryRepository) Finish(_ context.Context, eventID string, outcome domain.Outcome, reason string, bookingID *uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.ledger[eventID]
	if !ok {
		return domain.ErrNotFound
	}
	if rec.Outcome.Final() {
		return nil
	}
	rec.Outcome = outcome
	rec.Reason = reason
	if bookingID != nil {
		id := *bookingID
		rec.BookingID = &id
	}
	rec.UpdatedAt = m.clock.Now()
	m.ledger[eventID] = rec
	return nil
}

// Get returns a ledger record.
func (m *MemoryRepository) Get(_ context.Context, eventID string) (domain.WebhookEventRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.ledger[eventID]
	return rec, ok, nil
}

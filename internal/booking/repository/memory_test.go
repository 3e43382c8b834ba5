package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/stationbook/internal/booking/domain"
)

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var base = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func newBooking(station string, start, end time.Time) domain.Booking {
	return domain.Booking{
		ID:        uuid.New(),
		StationID: station,
		QuoteID:   uuid.New(),
		StartAt:   start,
		EndAt:     end,
		Status:    domain.StatusPendingDeposit,
		CreatedAt: base,
		UpdatedAt: base,
	}.WithBuffer(30 * time.Minute)
}

func TestInsertIfNoOverlapExactlyOneWins(t *testing.T) {
	repo := NewMemoryRepository(nil)
	start := base.Add(18 * time.Hour)
	end := base.Add(21 * time.Hour)

	const callers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.InsertIfNoOverlap(context.Background(), newBooking("S1", start, end), nil)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if domain.IsConflict(err) {
				conflicts++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	require.Equal(t, callers-1, conflicts)
}

func TestInsertIfNoOverlapRespectsBuffer(t *testing.T) {
	repo := NewMemoryRepository(nil)
	ctx := context.Background()
	first := newBooking("S1", base.Add(18*time.Hour), base.Add(21*time.Hour))
	_, err := repo.InsertIfNoOverlap(ctx, first, nil)
	require.NoError(t, err)

	// 21:15 start pulls its buffer back to 20:45, inside first's 21:30 buffer.
	_, err = repo.InsertIfNoOverlap(ctx, newBooking("S1", base.Add(21*time.Hour+15*time.Minute), base.Add(23*time.Hour)), nil)
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, first.EventWindow(), conflict.Window)
	require.Equal(t, first.BufferedWindow(), conflict.BufferedWindow)

	// Buffered windows that only touch are fine.
	_, err = repo.InsertIfNoOverlap(ctx, newBooking("S1", base.Add(22*time.Hour), base.Add(23*time.Hour)), nil)
	require.NoError(t, err)

	// Other stations are independent.
	_, err = repo.InsertIfNoOverlap(ctx, newBooking("S2", base.Add(18*time.Hour), base.Add(21*time.Hour)), nil)
	require.NoError(t, err)
}

func TestCancelledBookingReleasesWindow(t *testing.T) {
	repo := NewMemoryRepository(nil)
	ctx := context.Background()
	b, err := repo.InsertIfNoOverlap(ctx, newBooking("S1", base.Add(18*time.Hour), base.Add(21*time.Hour)), nil)
	require.NoError(t, err)

	cancelled := b
	cancelled.Status = domain.StatusCancelled
	_, err = repo.ApplyTransition(ctx, domain.Transition{Booking: cancelled, ExpectedVersion: b.Version})
	require.NoError(t, err)

	_, err = repo.InsertIfNoOverlap(ctx, newBooking("S1", base.Add(18*time.Hour), base.Add(21*time.Hour)), nil)
	require.NoError(t, err)
}

func TestApplyTransitionVersionCheck(t *testing.T) {
	clock := &fixedClock{t: base}
	repo := NewMemoryRepository(clock)
	ctx := context.Background()
	b, err := repo.InsertIfNoOverlap(ctx, newBooking("S1", base.Add(18*time.Hour), base.Add(21*time.Hour)), nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), b.Version)

	next := b
	next.Status = domain.StatusDepositPaid
	event := &domain.BookingEvent{BookingID: b.ID, Type: domain.EventDepositPaid, CreatedAt: base}
	updated, err := repo.ApplyTransition(ctx, domain.Transition{Booking: next, ExpectedVersion: 1, Event: event})
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.Version)

	_, err = repo.ApplyTransition(ctx, domain.Transition{Booking: next, ExpectedVersion: 1})
	require.ErrorIs(t, err, domain.ErrVersionConflict)

	back := updated
	back.Status = domain.StatusPendingDeposit
	_, err = repo.ApplyTransition(ctx, domain.Transition{Booking: back, ExpectedVersion: 2})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = repo.ApplyTransition(ctx, domain.Transition{Booking: newBooking("S1", base, base.Add(time.Hour)), ExpectedVersion: 1})
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.Len(t, repo.Events(), 1)
}

func TestLedgerBeginFinish(t *testing.T) {
	clock := &fixedClock{t: base}
	repo := NewMemoryRepository(clock)
	ctx := context.Background()
	rec := domain.WebhookEventRecord{EventID: "evt_123", EventType: "deposit.succeeded", PayloadHash: "abc"}

	got, owned, err := repo.Begin(ctx, rec, 2*time.Minute)
	require.NoError(t, err)
	require.True(t, owned)
	require.Equal(t, domain.OutcomeProcessing, got.Outcome)
	require.Equal(t, 1, got.Attempts)

	_, owned, err = repo.Begin(ctx, rec, 2*time.Minute)
	require.NoError(t, err)
	require.False(t, owned, "in-flight event must not be claimed twice")

	clock.Advance(2 * time.Minute)
	got, owned, err = repo.Begin(ctx, rec, 2*time.Minute)
	require.NoError(t, err)
	require.True(t, owned, "lapsed lease is reclaimed")
	require.Equal(t, 2, got.Attempts)

	require.NoError(t, repo.Finish(ctx, "evt_123", domain.OutcomeFailed, domain.ReasonInternal, nil))
	_, owned, err = repo.Begin(ctx, rec, 2*time.Minute)
	require.NoError(t, err)
	require.True(t, owned, "failed events are retried")

	id := uuid.New()
	require.NoError(t, repo.Finish(ctx, "evt_123", domain.OutcomeIgnored, domain.ReasonStaleOrWrongState, &id))
	require.NoError(t, repo.Finish(ctx, "evt_123", domain.OutcomeFailed, domain.ReasonInternal, nil))

	stored, ok, err := repo.Get(ctx, "evt_123")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.OutcomeIgnored, stored.Outcome)
	require.Equal(t, &id, stored.BookingID)

	_, owned, err = repo.Begin(ctx, rec, 2*time.Minute)
	require.NoError(t, err)
	require.False(t, owned)

	require.ErrorIs(t, repo.Finish(ctx, "evt_missing", domain.OutcomeApplied, "", nil), domain.ErrNotFound)
}

func TestApplyTransitionFinishesLedger(t *testing.T) {
	repo := NewMemoryRepository(nil)
	ctx := context.Background()
	b, err := repo.InsertIfNoOverlap(ctx, newBooking("S1", base.Add(18*time.Hour), base.Add(21*time.Hour)), nil)
	require.NoError(t, err)
	_, owned, err := repo.Begin(ctx, domain.WebhookEventRecord{EventID: "evt_1"}, time.Minute)
	require.NoError(t, err)
	require.True(t, owned)

	next := b
	next.Status = domain.StatusDepositPaid
	_, err = repo.ApplyTransition(ctx, domain.Transition{Booking: next, ExpectedVersion: b.Version, EventID: "evt_1", Reason: domain.ReasonDepositPaid})
	require.NoError(t, err)

	rec, ok, err := repo.Get(ctx, "evt_1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.OutcomeApplied, rec.Outcome)
	require.Equal(t, domain.ReasonDepositPaid, rec.Reason)
	require.Equal(t, b.ID, *rec.BookingID)
}

func TestListSweepCandidates(t *testing.T) {
	repo := NewMemoryRepository(nil)
	ctx := context.Background()
	now := base.Add(5 * time.Hour)
	query := domain.SweepQuery{
		Now:                 now,
		PaymentFailedBefore: now.Add(-24 * time.Hour),
		CreatedBefore:       now.Add(-72 * time.Hour),
		Limit:               10,
	}

	notDue, err := repo.InsertIfNoOverlap(ctx, newBooking("S1", base.Add(18*time.Hour), base.Add(21*time.Hour)), nil)
	require.NoError(t, err)

	failed := newBooking("S2", base.Add(30*time.Hour), base.Add(32*time.Hour))
	failedAt := now.Add(-25 * time.Hour)
	failed.PaymentFailedAt = &failedAt
	_, err = repo.InsertIfNoOverlap(ctx, failed, nil)
	require.NoError(t, err)

	done := newBooking("S1", base.Add(2*time.Hour), base.Add(4*time.Hour))
	done.Status = domain.StatusConfirmed
	_, err = repo.InsertIfNoOverlap(ctx, done, nil)
	require.NoError(t, err)

	later := newBooking("S3", base.Add(48*time.Hour), base.Add(50*time.Hour))
	later.Status = domain.StatusConfirmed
	_, err = repo.InsertIfNoOverlap(ctx, later, nil)
	require.NoError(t, err)

	depositOnly := newBooking("S4", base.Add(time.Hour), base.Add(3*time.Hour))
	depositOnly.Status = domain.StatusDepositPaid
	_, err = repo.InsertIfNoOverlap(ctx, depositOnly, nil)
	require.NoError(t, err)

	got, err := repo.ListSweepCandidates(ctx, query)
	require.NoError(t, err)
	ids := map[uuid.UUID]bool{}
	for _, b := range got {
		ids[b.ID] = true
	}
	require.Len(t, got, 3)
	require.True(t, ids[failed.ID])
	require.True(t, ids[done.ID])
	require.True(t, ids[depositOnly.ID])
	require.False(t, ids[notDue.ID])

	query.Limit = 1
	got, err = repo.ListSweepCandidates(ctx, query)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestFindBlockingReportsEarliestWindow(t *testing.T) {
	repo := NewMemoryRepository(nil)
	ctx := context.Background()
	late, err := repo.InsertIfNoOverlap(ctx, newBooking("S1", base.Add(20*time.Hour), base.Add(22*time.Hour)), nil)
	require.NoError(t, err)
	early, err := repo.InsertIfNoOverlap(ctx, newBooking("S1", base.Add(10*time.Hour), base.Add(12*time.Hour)), nil)
	require.NoError(t, err)

	conflict, err := repo.FindBlocking(ctx, "S1", domain.Window{Start: base.Add(11 * time.Hour), End: base.Add(21 * time.Hour)})
	require.NoError(t, err)
	require.NotNil(t, conflict)
	require.Equal(t, early.EventWindow(), conflict.Window)

	conflict, err = repo.FindBlocking(ctx, "S1", late.BufferedWindow())
	require.NoError(t, err)
	require.Equal(t, late.EventWindow(), conflict.Window)

	conflict, err = repo.FindBlocking(ctx, "S1", domain.Window{Start: base.Add(14 * time.Hour), End: base.Add(18 * time.Hour)})
	require.NoError(t, err)
	require.Nil(t, conflict)
}

func TestGetByQuoteID(t *testing.T) {
	repo := NewMemoryRepository(nil)
	ctx := context.Background()
	b, err := repo.InsertIfNoOverlap(ctx, newBooking("S1", base.Add(18*time.Hour), base.Add(21*time.Hour)), nil)
	require.NoError(t, err)

	got, err := repo.GetByQuoteID(ctx, b.QuoteID)
	require.NoError(t, err)
	require.Equal(t, b.ID, got.ID)

	_, err = repo.GetByQuoteID(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

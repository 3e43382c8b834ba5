package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/stationbook/internal/booking/domain"
	"github.com/example/stationbook/internal/booking/service"
)

func reserve(t *testing.T, f *fixture, start, end time.Time) domain.Booking {
	t.Helper()
	req := quoteRequest("client")
	req.Start, req.End = start, end
	q, err := f.svc.Quote(context.Background(), req)
	require.NoError(t, err)
	b, err := f.svc.Confirm(context.Background(), "client", q.ID)
	require.NoError(t, err)
	return b
}

func TestSweeperCancelsAfterPaymentGrace(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	b := reserve(t, f, eventStart, eventEnd)

	failedAt := f.clock.Now()
	failed := b
	failed.PaymentFailedAt = &failedAt
	_, err := f.repo.ApplyTransition(ctx, domain.Transition{Booking: failed, ExpectedVersion: b.Version})
	require.NoError(t, err)

	sweeper := service.NewSweeper(f.svc, service.SweeperConfig{PaymentGrace: 24 * time.Hour, DepositDeadline: 72 * time.Hour}, nil)

	f.clock.Advance(23 * time.Hour)
	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.Advance(time.Hour)
	n, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := f.svc.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, got.Status)
	require.Contains(t, f.publisher.types(), domain.EventBookingCancelled)
}

func TestSweeperCancelsUnpaidAfterDeadline(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	b := reserve(t, f, eventStart, eventEnd)
	sweeper := service.NewSweeper(f.svc, service.SweeperConfig{PaymentGrace: 24 * time.Hour, DepositDeadline: 72 * time.Hour}, nil)

	f.clock.Advance(72 * time.Hour)
	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := f.svc.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, got.Status)
}

func TestSweeperCompletesFinishedEvents(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	b := reserve(t, f, eventStart, eventEnd)

	confirmed := b
	confirmed.Status = domain.StatusConfirmed
	_, err := f.repo.ApplyTransition(ctx, domain.Transition{Booking: confirmed, ExpectedVersion: b.Version})
	require.NoError(t, err)

	sweeper := service.NewSweeper(f.svc, service.SweeperConfig{}, nil)
	f.clock.Advance(eventEnd.Sub(f.clock.Now()) - time.Minute)
	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.Advance(time.Minute)
	n, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := f.svc.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, got.Status)
}

func TestSweeperCompletesDepositPaidAfterEvent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	b := reserve(t, f, eventStart, eventEnd)

	paid := b
	paid.Status = domain.StatusDepositPaid
	_, err := f.repo.ApplyTransition(ctx, domain.Transition{Booking: paid, ExpectedVersion: b.Version})
	require.NoError(t, err)

	sweeper := service.NewSweeper(f.svc, service.SweeperConfig{}, nil)
	f.clock.Advance(eventStart.Sub(f.clock.Now()))
	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "deposit-paid bookings are never cancelled at start")

	f.clock.Advance(eventEnd.Sub(eventStart))
	n, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := f.svc.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, got.Status)
	require.Contains(t, f.publisher.types(), domain.EventBookingCompleted)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	sweeper := service.NewSweeper(f.svc, service.SweeperConfig{Interval: 5 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

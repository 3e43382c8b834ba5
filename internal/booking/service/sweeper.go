package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/stationbook/internal/booking/domain"
)

// SweeperConfig defines the expiry policy and polling cadence.
type SweeperConfig struct {
	Interval        time.Duration
	BatchSize       int
	PaymentGrace    time.Duration
	DepositDeadline time.Duration
}

// Sweeper cancels pending bookings whose payment failed past the grace period
// or whose deposit never arrived, and completes confirmed bookings once their
// event has ended. A deposit-paid booking whose balance was never reported is
// completed too and flagged with ReasonBalanceUnsettled for follow-up. Charge
// failures are only recorded by webhooks; the cancellation happens here.
type Sweeper struct {
	svc    *Service
	cfg    SweeperConfig
	logger *zap.Logger
}

func NewSweeper(svc *Service, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PaymentGrace <= 0 {
		cfg.PaymentGrace = 24 * time.Hour
	}
	if cfg.DepositDeadline <= 0 {
		cfg.DepositDeadline = 72 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{svc: svc, cfg: cfg, logger: logger}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOnce processes one batch and returns the number of bookings changed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.svc.clock.Now()
	candidates, err := s.svc.store.ListSweepCandidates(ctx, domain.SweepQuery{
		Now:                 now,
		PaymentFailedBefore: now.Add(-s.cfg.PaymentGrace),
		CreatedBefore:       now.Add(-s.cfg.DepositDeadline),
		Limit:               s.cfg.BatchSize,
	})
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, b := range candidates {
		next, event, reason := s.plan(b, now)
		if event == nil {
			continue
		}
		_, err := s.svc.store.ApplyTransition(ctx, domain.Transition{Booking: next, ExpectedVersion: b.Version, Event: event})
		switch {
		case err == nil:
			changed++
			sweptTotal.WithLabelValues(reason).Inc()
			s.svc.publish(ctx, *event)
			if reason == domain.ReasonBalanceUnsettled {
				s.logger.Warn("booking completed without balance payment", zap.String("booking_id", b.ID.String()))
			} else {
				s.logger.Info("booking swept", zap.String("booking_id", b.ID.String()), zap.String("status", string(next.Status)), zap.String("reason", reason))
			}
		case errors.Is(err, domain.ErrVersionConflict), errors.Is(err, domain.ErrInvalidTransition):
			// A webhook moved the booking first; the next tick re-evaluates it.
			s.logger.Debug("sweep lost race", zap.String("booking_id", b.ID.String()))
		default:
			return changed, err
		}
	}
	return changed, nil
}

func (s *Sweeper) plan(b domain.Booking, now time.Time) (domain.Booking, *domain.BookingEvent, string) {
	var reason string
	switch b.Status {
	case domain.StatusPendingDeposit:
		switch {
		case b.PaymentFailedAt != nil && !now.Before(b.PaymentFailedAt.Add(s.cfg.PaymentGrace)):
			reason = domain.ReasonPaymentGraceLapsed
		case !now.Before(b.CreatedAt.Add(s.cfg.DepositDeadline)), !now.Before(b.StartAt):
			reason = domain.ReasonDepositDeadline
		default:
			return b, nil, ""
		}
		b.Status = domain.StatusCancelled
		return b, s.svc.event(b, domain.EventBookingCancelled, reason), reason
	case domain.StatusConfirmed:
		if now.Before(b.EndAt) {
			return b, nil, ""
		}
		b.Status = domain.StatusCompleted
		return b, s.svc.event(b, domain.EventBookingCompleted, domain.ReasonEventFinished), domain.ReasonEventFinished
	case domain.StatusDepositPaid:
		if now.Before(b.EndAt) {
			return b, nil, ""
		}
		b.Status = domain.StatusCompleted
		return b, s.svc.event(b, domain.EventBookingCompleted, domain.ReasonBalanceUnsettled), domain.ReasonBalanceUnsettled
	default:
		return b, nil, ""
	}
}

package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/stationbook/internal/booking/domain"
)

type ResultOutcome string

const (
	Applied  ResultOutcome = "applied"
	Ignored  ResultOutcome = "ignored"
	Rejected ResultOutcome = "rejected"
	Failed   ResultOutcome = "failed"
)

// Result is what the processor reports back for one delivery.
type Result struct {
	Outcome   ResultOutcome `json:"outcome"`
	Reason    string        `json:"reason"`
	EventID   string        `json:"event_id,omitempty"`
	BookingID *uuid.UUID    `json:"booking_id,omitempty"`
	Status    string        `json:"status,omitempty"`
}

// Config tunes the processor.
type Config struct {
	// Lease is how long a PROCESSING ledger record blocks redelivery.
	Lease time.Duration
	// MaxAttempts bounds re-read and re-decide rounds on version conflicts.
	MaxAttempts int
}

// Processor applies payment provider events to bookings exactly once per
// provider event ID.
type Processor struct {
	store    domain.Store
	ledger   domain.Ledger
	verifier *Verifier
	events   domain.EventPublisher
	clock    domain.Clock
	logger   *zap.Logger
	cfg      Config
	tracer   trace.Tracer
}

func NewProcessor(store domain.Store, ledger domain.Ledger, verifier *Verifier, events domain.EventPublisher, clock domain.Clock, logger *zap.Logger, cfg Config) *Processor {
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		store:    store,
		ledger:   ledger,
		verifier: verifier,
		events:   events,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
		tracer:   otel.Tracer("booking.webhook"),
	}
}

// Handle verifies, de-duplicates and applies one raw delivery.
func (p *Processor) Handle(ctx context.Context, payload []byte, signature string) Result {
	started := time.Now()
	ctx, span := p.tracer.Start(ctx, "webhook.handle")
	defer span.End()

	res := p.handle(ctx, payload, signature)
	span.SetAttributes(
		attribute.String("event_id", res.EventID),
		attribute.String("outcome", string(res.Outcome)),
		attribute.String("reason", res.Reason))
	if res.Outcome == Failed {
		span.SetStatus(codes.Error, res.Reason)
	}
	webhookResults.WithLabelValues(string(res.Outcome), res.Reason).Inc()
	webhookLatency.WithLabelValues(string(res.Outcome)).Observe(time.Since(started).Seconds())
	return res
}

func (p *Processor) handle(ctx context.Context, payload []byte, signature string) Result {
	if err := p.verifier.Verify(payload, signature, p.clock.Now()); err != nil {
		p.logger.Warn("webhook signature rejected", zap.Error(err))
		return Result{Outcome: Rejected, Reason: domain.ReasonInvalidSignature}
	}
	evt, err := ParseEvent(payload)
	if err != nil {
		p.logger.Warn("webhook payload rejected", zap.Error(err))
		return Result{Outcome: Rejected, Reason: domain.ReasonMalformedPayload}
	}
	var bookingID uuid.UUID
	if domain.SupportedPaymentEvent(evt.Type) {
		if bookingID, err = evt.bookingID(); err != nil {
			p.logger.Warn("webhook payload rejected", zap.String("event_id", evt.ID), zap.Error(err))
			return Result{Outcome: Rejected, Reason: domain.ReasonMalformedPayload, EventID: evt.ID}
		}
	}
	log := p.logger.With(zap.String("event_id", evt.ID), zap.String("event_type", string(evt.Type)))

	hash := payloadHash(payload)
	rec, owned, err := p.ledger.Begin(ctx, domain.WebhookEventRecord{
		EventID:     evt.ID,
		EventType:   string(evt.Type),
		PayloadHash: hash,
	}, p.cfg.Lease)
	if err != nil {
		log.Error("ledger begin failed", zap.Error(err))
		return Result{Outcome: Failed, Reason: domain.ReasonInternal, EventID: evt.ID}
	}
	if !owned {
		if rec.Outcome.Final() {
			log.Debug("duplicate delivery", zap.String("previous_outcome", string(rec.Outcome)))
			return Result{Outcome: Ignored, Reason: domain.ReasonAlreadyProcessed, EventID: evt.ID, BookingID: rec.BookingID}
		}
		log.Info("delivery already in flight")
		return Result{Outcome: Failed, Reason: domain.ReasonInFlight, EventID: evt.ID}
	}
	if rec.PayloadHash != "" && rec.PayloadHash != hash {
		log.Warn("redelivered event payload differs from first delivery")
	}

	if !domain.SupportedPaymentEvent(evt.Type) {
		return p.ignore(ctx, log, evt.ID, domain.ReasonUnsupportedEvent, nil)
	}
	return p.apply(ctx, log, evt, bookingID)
}

func (p *Processor) apply(ctx context.Context, log *zap.Logger, evt Event, bookingID uuid.UUID) Result {
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		current, err := p.store.GetByID(ctx, bookingID)
		if errors.Is(err, domain.ErrNotFound) {
			return p.ignore(ctx, log, evt.ID, domain.ReasonBookingNotFound, nil)
		}
		if err != nil {
			return p.fail(ctx, log, evt.ID, err)
		}

		decision := domain.Decide(current.Status, evt.Type)
		if !decision.Apply {
			return p.ignore(ctx, log, evt.ID, decision.Reason, &current.ID)
		}

		next := current
		next.Status = decision.Next
		if decision.MarkFailed && next.PaymentFailedAt == nil {
			failedAt := p.clock.Now()
			next.PaymentFailedAt = &failedAt
		}
		event := &domain.BookingEvent{
			BookingID: current.ID,
			Type:      decision.Event,
			Payload: map[string]any{
				"provider_event_id": evt.ID,
				"from_status":       string(current.Status),
				"status":            string(next.Status),
				"amount_cents":      evt.Data.AmountCents,
			},
			CreatedAt: p.clock.Now(),
		}

		updated, err := p.store.ApplyTransition(ctx, domain.Transition{
			Booking:         next,
			ExpectedVersion: current.Version,
			Event:           event,
			EventID:         evt.ID,
			Reason:          decision.Reason,
		})
		switch {
		case err == nil:
			if p.events != nil {
				if pubErr := p.events.Publish(ctx, *event); pubErr != nil {
					log.Warn("publish booking event", zap.Error(pubErr))
				}
			}
			log.Info("webhook applied",
				zap.String("booking_id", updated.ID.String()),
				zap.String("from", string(current.Status)),
				zap.String("to", string(updated.Status)))
			return Result{Outcome: Applied, Reason: decision.Reason, EventID: evt.ID, BookingID: &updated.ID, Status: string(updated.Status)}
		case errors.Is(err, domain.ErrVersionConflict):
			versionConflicts.Inc()
			log.Debug("booking changed concurrently, re-deciding", zap.Int("attempt", attempt))
			continue
		case errors.Is(err, domain.ErrInvalidTransition):
			return p.ignore(ctx, log, evt.ID, domain.ReasonStaleOrWrongState, &current.ID)
		default:
			return p.fail(ctx, log, evt.ID, err)
		}
	}
	return p.fail(ctx, log, evt.ID, domain.ErrVersionConflict)
}

func (p *Processor) ignore(ctx context.Context, log *zap.Logger, eventID, reason string, bookingID *uuid.UUID) Result {
	if err := p.ledger.Finish(ctx, eventID, domain.OutcomeIgnored, reason, bookingID); err != nil {
		return p.fail(ctx, log, eventID, err)
	}
	log.Debug("webhook ignored", zap.String("reason", reason))
	return Result{Outcome: Ignored, Reason: reason, EventID: eventID, BookingID: bookingID}
}

// fail marks the ledger record retryable. The provider redelivers on non-2xx.
func (p *Processor) fail(ctx context.Context, log *zap.Logger, eventID string, cause error) Result {
	log.Error("webhook processing failed", zap.Error(cause))
	if err := p.ledger.Finish(context.WithoutCancel(ctx), eventID, domain.OutcomeFailed, domain.ReasonInternal, nil); err != nil {
		log.Error("ledger finish failed", zap.Error(err))
	}
	return Result{Outcome: Failed, Reason: domain.ReasonInternal, EventID: eventID}
}

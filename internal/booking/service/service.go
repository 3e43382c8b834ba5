package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/stationbook/internal/booking/domain"
	"github.com/example/stationbook/internal/geo"
	"github.com/example/stationbook/internal/ratelimit"
)

// Limiter admits requests per client fingerprint and route class.
type Limiter interface {
	Check(ctx context.Context, fingerprint, routeClass string) error
}

// DistanceSource resolves station-relative venue distances.
type DistanceSource interface {
	DistanceTo(ctx context.Context, address, stationID string) (geo.Distance, error)
}

// FeeCalculator prices a distance in cents.
type FeeCalculator interface {
	FeeFor(distanceMiles float64) int64
}

// Config holds booking policy knobs.
type Config struct {
	QuoteTTL         time.Duration
	Buffer           time.Duration
	DepositCents     int64
	MaxEventDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.QuoteTTL <= 0 {
		c.QuoteTTL = 10 * time.Minute
	}
	if c.Buffer < 0 {
		c.Buffer = 0
	}
	if c.MaxEventDuration <= 0 {
		c.MaxEventDuration = 12 * time.Hour
	}
	return c
}

// Service coordinates quoting and reservations.
type Service struct {
	store     domain.Store
	quotes    domain.QuoteStore
	stations  domain.Stations
	limiter   Limiter
	distances DistanceSource
	fees      FeeCalculator
	events    domain.EventPublisher
	clock     domain.Clock
	logger    *zap.Logger
	cfg       Config
	tracer    trace.Tracer
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Store     domain.Store
	Quotes    domain.QuoteStore
	Stations  domain.Stations
	Limiter   Limiter
	Distances DistanceSource
	Fees      FeeCalculator
	// Events receives booking events directly. Leave nil when the store
	// writes them to an outbox.
	Events domain.EventPublisher
	Clock  domain.Clock
	Logger *zap.Logger
}

// New constructs a Service.
func New(deps Deps, cfg Config) *Service {
	if deps.Clock == nil {
		deps.Clock = domain.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{
		store:     deps.Store,
		quotes:    deps.Quotes,
		stations:  deps.Stations,
		limiter:   deps.Limiter,
		distances: deps.Distances,
		fees:      deps.Fees,
		events:    deps.Events,
		clock:     deps.Clock,
		logger:    deps.Logger,
		cfg:       cfg.withDefaults(),
		tracer:    otel.Tracer("booking.service"),
	}
}

// QuoteRequest asks for a travel fee estimate.
type QuoteRequest struct {
	Fingerprint string
	Address     string
	StationID   string
	Start       time.Time
	End         time.Time
}

func (s *Service) admit(ctx context.Context, fingerprint, route string) error {
	if s.limiter == nil {
		return nil
	}
	err := s.limiter.Check(ctx, fingerprint, route)
	var limited *ratelimit.LimitedError
	if errors.As(err, &limited) {
		return limited
	}
	return err
}

func (s *Service) validateEvent(start, end time.Time) error {
	now := s.clock.Now()
	switch {
	case start.IsZero() || end.IsZero():
		return domain.ValidationError{Field: "start", Msg: "start and end are required"}
	case !start.Before(end):
		return domain.ValidationError{Field: "end", Msg: "end must be after start"}
	case !start.After(now):
		return domain.ValidationError{Field: "start", Msg: "start must be in the future"}
	case end.Sub(start) > s.cfg.MaxEventDuration:
		return domain.ValidationError{Field: "end", Msg: fmt.Sprintf("events may last at most %s", s.cfg.MaxEventDuration)}
	}
	return nil
}

// Quote prices a venue for a station and time window. It holds no slot; a
// window that is already taken is reported as a conflict so the client can
// pick another time before confirming.
func (s *Service) Quote(ctx context.Context, req QuoteRequest) (domain.Quote, error) {
	if err := s.admit(ctx, req.Fingerprint, ratelimit.RouteQuote); err != nil {
		quotesTotal.WithLabelValues("rate_limited").Inc()
		return domain.Quote{}, err
	}
	ctx, span := s.tracer.Start(ctx, "booking.quote", trace.WithAttributes(attribute.String("station_id", req.StationID)))
	defer span.End()

	req.Address = strings.TrimSpace(req.Address)
	if req.Address == "" {
		return domain.Quote{}, domain.ValidationError{Field: "address", Msg: "address is required"}
	}
	start, end := req.Start.UTC(), req.End.UTC()
	if err := s.validateEvent(start, end); err != nil {
		return domain.Quote{}, err
	}
	station, ok := s.stations.Get(req.StationID)
	if !ok {
		return domain.Quote{}, domain.ErrUnknownStation
	}

	probe := domain.Booking{StartAt: start, EndAt: end}.WithBuffer(s.cfg.Buffer)
	if conflict, err := s.store.FindBlocking(ctx, station.ID, probe.BufferedWindow()); err != nil {
		s.logger.Warn("availability probe failed", zap.String("station_id", station.ID), zap.Error(err))
	} else if conflict != nil {
		quotesTotal.WithLabelValues("conflict").Inc()
		return domain.Quote{}, conflict
	}

	dist, err := s.distances.DistanceTo(ctx, req.Address, station.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "distance lookup failed")
		quotesTotal.WithLabelValues("geo_" + string(geo.KindOf(err))).Inc()
		if errors.Is(err, geo.ErrUnknownStation) {
			return domain.Quote{}, domain.ErrUnknownStation
		}
		return domain.Quote{}, err
	}
	if station.MaxRadiusMiles > 0 && dist.Miles > station.MaxRadiusMiles {
		quotesTotal.WithLabelValues("out_of_area").Inc()
		return domain.Quote{}, domain.ErrOutOfServiceArea
	}

	now := s.clock.Now()
	q := domain.Quote{
		ID:             uuid.New(),
		Fingerprint:    req.Fingerprint,
		StationID:      station.ID,
		Address:        req.Address,
		VenueLat:       dist.Venue.Lat,
		VenueLon:       dist.Venue.Lon,
		DistanceMiles:  dist.Miles,
		TravelFeeCents: s.fees.FeeFor(dist.Miles),
		DepositCents:   s.cfg.DepositCents,
		StartAt:        start,
		EndAt:          end,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.QuoteTTL),
	}
	if err := s.quotes.Save(ctx, q); err != nil {
		return domain.Quote{}, fmt.Errorf("save quote: %w", err)
	}
	quotesTotal.WithLabelValues("ok").Inc()
	return q, nil
}

// Confirm turns an unexpired quote into a PENDING_DEPOSIT booking. Confirming
// the same quote again returns the booking it already produced.
func (s *Service) Confirm(ctx context.Context, fingerprint string, quoteID uuid.UUID) (domain.Booking, error) {
	if err := s.admit(ctx, fingerprint, ratelimit.RouteConfirm); err != nil {
		reservationsTotal.WithLabelValues("rate_limited").Inc()
		return domain.Booking{}, err
	}
	ctx, span := s.tracer.Start(ctx, "booking.confirm", trace.WithAttributes(attribute.String("quote_id", quoteID.String())))
	defer span.End()

	q, err := s.quotes.Get(ctx, quoteID)
	if err != nil {
		return domain.Booking{}, err
	}
	// Only the client that requested the quote may confirm it. Others see the
	// same error as for an unknown ID.
	if q.Fingerprint != "" && q.Fingerprint != fingerprint {
		reservationsTotal.WithLabelValues("foreign_quote").Inc()
		return domain.Booking{}, domain.ErrQuoteNotFound
	}
	if q.BookingID != nil {
		return s.store.GetByID(ctx, *q.BookingID)
	}
	now := s.clock.Now()
	if q.Expired(now) {
		reservationsTotal.WithLabelValues("quote_expired").Inc()
		return domain.Booking{}, domain.ErrQuoteExpired
	}

	booking := domain.Booking{
		ID:             uuid.New(),
		StationID:      q.StationID,
		QuoteID:        q.ID,
		StartAt:        q.StartAt,
		EndAt:          q.EndAt,
		VenueAddress:   q.Address,
		VenueLat:       q.VenueLat,
		VenueLon:       q.VenueLon,
		DistanceMiles:  q.DistanceMiles,
		TravelFeeCents: q.TravelFeeCents,
		DepositCents:   q.DepositCents,
		Status:         domain.StatusPendingDeposit,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}.WithBuffer(s.cfg.Buffer)
	event := &domain.BookingEvent{
		BookingID: booking.ID,
		Type:      domain.EventBookingReserved,
		Payload: map[string]any{
			"station_id":       booking.StationID,
			"start_at":         booking.StartAt,
			"end_at":           booking.EndAt,
			"travel_fee_cents": booking.TravelFeeCents,
			"deposit_cents":    booking.DepositCents,
		},
		CreatedAt: now,
	}

	started := time.Now()
	created, err := s.store.InsertIfNoOverlap(ctx, booking, event)
	reserveLatency.Observe(time.Since(started).Seconds())
	if err != nil {
		if domain.IsConflict(err) {
			// A concurrent confirm of the same quote may have won.
			if existing, lookupErr := s.store.GetByQuoteID(ctx, q.ID); lookupErr == nil {
				return existing, nil
			}
			reservationsTotal.WithLabelValues("conflict").Inc()
			span.SetAttributes(attribute.Bool("conflict", true))
			return domain.Booking{}, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "reserve failed")
		reservationsTotal.WithLabelValues("error").Inc()
		return domain.Booking{}, fmt.Errorf("reserve slot: %w", err)
	}
	reservationsTotal.WithLabelValues("ok").Inc()

	if err := s.quotes.MarkConsumed(ctx, q.ID, created.ID); err != nil {
		s.logger.Warn("mark quote consumed", zap.String("quote_id", q.ID.String()), zap.Error(err))
	}
	s.publish(ctx, *event)
	s.logger.Info("booking reserved",
		zap.String("booking_id", created.ID.String()),
		zap.String("station_id", created.StationID),
		zap.Time("start_at", created.StartAt))
	return created, nil
}

// GetBooking retrieves a booking by identifier.
func (s *Service) GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	return s.store.GetByID(ctx, id)
}

// Cancel terminalizes a booking from any non-terminal state and releases its
// window.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (domain.Booking, error) {
	if reason == "" {
		reason = domain.ReasonCancelled
	}
	return s.transition(ctx, id, func(b domain.Booking) (domain.Booking, *domain.BookingEvent, error) {
		if b.Status.Terminal() {
			return b, nil, domain.ErrInvalidTransition
		}
		b.Status = domain.StatusCancelled
		return b, s.event(b, domain.EventBookingCancelled, reason), nil
	})
}

const maxTransitionAttempts = 3

// transition re-reads and re-applies mutate when the version moved underneath.
func (s *Service) transition(ctx context.Context, id uuid.UUID, mutate func(domain.Booking) (domain.Booking, *domain.BookingEvent, error)) (domain.Booking, error) {
	var lastErr error
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		current, err := s.store.GetByID(ctx, id)
		if err != nil {
			return domain.Booking{}, err
		}
		next, event, err := mutate(current)
		if err != nil {
			return domain.Booking{}, err
		}
		updated, err := s.store.ApplyTransition(ctx, domain.Transition{
			Booking:         next,
			ExpectedVersion: current.Version,
			Event:           event,
		})
		if errors.Is(err, domain.ErrVersionConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return domain.Booking{}, err
		}
		if event != nil {
			s.publish(ctx, *event)
		}
		return updated, nil
	}
	return domain.Booking{}, lastErr
}

func (s *Service) event(b domain.Booking, typ domain.BookingEventType, reason string) *domain.BookingEvent {
	return &domain.BookingEvent{
		BookingID: b.ID,
		Type:      typ,
		Payload:   map[string]any{"status": string(b.Status), "reason": reason},
		CreatedAt: s.clock.Now(),
	}
}

func (s *Service) publish(ctx context.Context, event domain.BookingEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("publish booking event", zap.String("type", string(event.Type)), zap.Error(err))
	}
}

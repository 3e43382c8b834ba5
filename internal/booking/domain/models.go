package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type BookingStatus string

const (
	StatusPendingDeposit BookingStatus = "PENDING_DEPOSIT"
	StatusDepositPaid    BookingStatus = "DEPOSIT_PAID"
	StatusConfirmed      BookingStatus = "CONFIRMED"
	StatusCompleted      BookingStatus = "COMPLETED"
	StatusCancelled      BookingStatus = "CANCELLED"
	StatusRefunded       BookingStatus = "REFUNDED"
)

// ActiveStatuses hold a station window.
var ActiveStatuses = []BookingStatus{StatusPendingDeposit, StatusDepositPaid, StatusConfirmed}

// Active reports whether a booking in this status occupies its window.
func (s BookingStatus) Active() bool {
	switch s {
	case StatusPendingDeposit, StatusDepositPaid, StatusConfirmed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible.
func (s BookingStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRefunded:
		return true
	default:
		return false
	}
}

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether the two windows share any instant. Touching
// windows do not overlap.
func (w Window) Overlaps(other Window) bool {
	return w.Start.Before(other.End) && other.Start.Before(w.End)
}

type Booking struct {
	ID              uuid.UUID     `json:"id"`
	StationID       string        `json:"station_id"`
	QuoteID         uuid.UUID     `json:"quote_id"`
	StartAt         time.Time     `json:"start_at"`
	EndAt           time.Time     `json:"end_at"`
	BufferMinutes   int           `json:"buffer_minutes"`
	WindowStart     time.Time     `json:"window_start"`
	WindowEnd       time.Time     `json:"window_end"`
	VenueAddress    string        `json:"venue_address"`
	VenueLat        float64       `json:"venue_lat"`
	VenueLon        float64       `json:"venue_lon"`
	DistanceMiles   float64       `json:"distance_miles"`
	TravelFeeCents  int64         `json:"travel_fee_cents"`
	DepositCents    int64         `json:"deposit_cents"`
	Status          BookingStatus `json:"status"`
	PaymentFailedAt *time.Time    `json:"payment_failed_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	Version         int64         `json:"version"`
}

// EventWindow is the booked event time without buffer.
func (b Booking) EventWindow() Window {
	return Window{Start: b.StartAt, End: b.EndAt}
}

// BufferedWindow is the slot the booking blocks on its station.
func (b Booking) BufferedWindow() Window {
	return Window{Start: b.WindowStart, End: b.WindowEnd}
}

// WithBuffer sets the buffered window from the event times.
func (b Booking) WithBuffer(buffer time.Duration) Booking {
	b.BufferMinutes = int(buffer / time.Minute)
	b.WindowStart = b.StartAt.Add(-buffer)
	b.WindowEnd = b.EndAt.Add(buffer)
	return b
}

// Station is a mobile kitchen with a home base and service radius.
type Station struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Lat            float64 `json:"lat"`
	Lon            float64 `json:"lon"`
	MaxRadiusMiles float64 `json:"max_radius_miles"`
}

// Quote is a non-binding fee estimate. It never holds a slot.
type Quote struct {
	ID             uuid.UUID  `json:"id"`
	Fingerprint    string     `json:"fingerprint"`
	StationID      string     `json:"station_id"`
	Address        string     `json:"address"`
	VenueLat       float64    `json:"venue_lat"`
	VenueLon       float64    `json:"venue_lon"`
	DistanceMiles  float64    `json:"distance_miles"`
	TravelFeeCents int64      `json:"travel_fee_cents"`
	DepositCents   int64      `json:"deposit_cents"`
	StartAt        time.Time  `json:"start_at"`
	EndAt          time.Time  `json:"end_at"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	BookingID      *uuid.UUID `json:"booking_id,omitempty"`
}

// Expired reports whether the quote can no longer be confirmed at now.
func (q Quote) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}

type BookingEventType string

const (
	EventBookingReserved  BookingEventType = "BookingReserved"
	EventDepositPaid      BookingEventType = "DepositPaid"
	EventBookingConfirmed BookingEventType = "BookingConfirmed"
	EventPaymentFailed    BookingEventType = "PaymentFailed"
	EventBookingCancelled BookingEventType = "BookingCancelled"
	EventBookingRefunded  BookingEventType = "BookingRefunded"
	EventBookingCompleted BookingEventType = "BookingCompleted"
)

type BookingEvent struct {
	ID        int64            `json:"id,omitempty"`
	BookingID uuid.UUID        `json:"booking_id"`
	Type      BookingEventType `json:"type"`
	Payload   map[string]any   `json:"payload,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Transition is a version-checked booking write. When EventID is set the
// matching ledger record is finished as Applied in the same atomic step.
type Transition struct {
	Booking         Booking
	ExpectedVersion int64
	Event           *BookingEvent
	EventID         string
	Reason          string
}

// SweepQuery selects bookings the expiry sweep must act on: pending bookings
// whose payment failed before PaymentFailedBefore, that were created before
// CreatedBefore or whose event already started, and confirmed or deposit-paid
// bookings whose event ended by Now.
type SweepQuery struct {
	Now                 time.Time
	PaymentFailedBefore time.Time
	CreatedBefore       time.Time
	Limit               int
}

// Due reports whether b matches the query.
func (q SweepQuery) Due(b Booking) bool {
	switch b.Status {
	case StatusPendingDeposit:
		if b.PaymentFailedAt != nil && !b.PaymentFailedAt.After(q.PaymentFailedBefore) {
			return true
		}
		return !b.CreatedAt.After(q.CreatedBefore) || !b.StartAt.After(q.Now)
	case StatusConfirmed, StatusDepositPaid:
		return !b.EndAt.After(q.Now)
	default:
		return false
	}
}

// Store owns bookings. Both writes are atomic relative to concurrent callers.
type Store interface {
	InsertIfNoOverlap(ctx context.Context, booking Booking, event *BookingEvent) (Booking, error)
	// FindBlocking returns the active booking window overlapping w, or nil.
	// It is advisory only; InsertIfNoOverlap is the arbiter.
	FindBlocking(ctx context.Context, stationID string, w Window) (*ConflictError, error)
	GetByID(ctx context.Context, id uuid.UUID) (Booking, error)
	GetByQuoteID(ctx context.Context, quoteID uuid.UUID) (Booking, error)
	ApplyTransition(ctx context.Context, t Transition) (Booking, error)
	ListSweepCandidates(ctx context.Context, q SweepQuery) ([]Booking, error)
}

// Ledger is the webhook idempotency ledger.
type Ledger interface {
	// Begin claims an event ID. It returns the stored record and true when the
	// caller owns processing, or the existing record and false otherwise.
	Begin(ctx context.Context, rec WebhookEventRecord, lease time.Duration) (WebhookEventRecord, bool, error)
	Finish(ctx context.Context, eventID string, outcome Outcome, reason string, bookingID *uuid.UUID) error
	Get(ctx context.Context, eventID string) (WebhookEventRecord, bool, error)
}

// QuoteStore keeps short-lived quotes.
type QuoteStore interface {
	Save(ctx context.Context, q Quote) error
	Get(ctx context.Context, id uuid.UUID) (Quote, error)
	MarkConsumed(ctx context.Context, id uuid.UUID, bookingID uuid.UUID) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event BookingEvent) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

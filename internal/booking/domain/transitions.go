package domain

import (
	"time"

	"github.com/google/uuid"
)

type PaymentEventType string

const (
	PaymentDepositSucceeded PaymentEventType = "deposit.succeeded"
	PaymentBalancePaid      PaymentEventType = "balance.paid"
	PaymentChargeFailed     PaymentEventType = "charge.failed"
	PaymentRefundIssued     PaymentEventType = "refund.issued"
)

type Outcome string

const (
	OutcomeProcessing Outcome = "PROCESSING"
	OutcomeApplied    Outcome = "APPLIED"
	OutcomeIgnored    Outcome = "IGNORED"
	OutcomeFailed     Outcome = "FAILED"
)

// Final outcomes are never reprocessed.
func (o Outcome) Final() bool {
	return o == OutcomeApplied || o == OutcomeIgnored
}

const (
	ReasonAlreadyProcessed   = "already_processed"
	ReasonStaleOrWrongState  = "stale_or_wrong_state"
	ReasonUnsupportedEvent   = "unsupported_event"
	ReasonBookingNotFound    = "booking_not_found"
	ReasonInvalidSignature   = "invalid_signature"
	ReasonMalformedPayload   = "malformed_payload"
	ReasonInFlight           = "in_flight"
	ReasonInternal           = "internal_error"
	ReasonDepositPaid        = "deposit_paid"
	ReasonBalancePaid        = "balance_paid"
	ReasonPaymentFailed      = "payment_failed"
	ReasonRefunded           = "refunded"
	ReasonCancelled          = "cancelled"
	ReasonPaymentGraceLapsed = "payment_grace_lapsed"
	ReasonDepositDeadline    = "deposit_deadline_passed"
	ReasonEventFinished      = "event_finished"
	ReasonBalanceUnsettled   = "event_finished_balance_unsettled"
)

type WebhookEventRecord struct {
	EventID     string     `db:"event_id" json:"event_id"`
	EventType   string     `db:"event_type" json:"event_type"`
	PayloadHash string     `db:"payload_hash" json:"payload_hash"`
	Outcome     Outcome    `db:"outcome" json:"outcome"`
	Reason      string     `db:"reason" json:"reason"`
	BookingID   *uuid.UUID `db:"booking_id" json:"booking_id,omitempty"`
	Attempts    int        `db:"attempts" json:"attempts"`
	ReceivedAt  time.Time  `db:"received_at" json:"received_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// Decision is the result of looking up a (status, event) pair.
type Decision struct {
	Apply bool
	// Next equals the current status for applied events that only record data.
	Next          BookingStatus
	MarkFailed    bool
	Event         BookingEventType
	Reason        string
	ReleaseWindow bool
}

type transitionKey struct {
	from  BookingStatus
	event PaymentEventType
}

var paymentTransitions = map[transitionKey]Decision{
	{StatusPendingDeposit, PaymentDepositSucceeded}: {Apply: true, Next: StatusDepositPaid, Event: EventDepositPaid, Reason: ReasonDepositPaid},
	{StatusDepositPaid, PaymentBalancePaid}:         {Apply: true, Next: StatusConfirmed, Event: EventBookingConfirmed, Reason: ReasonBalancePaid},
	// balance settled before the deposit event arrived
	{StatusPendingDeposit, PaymentBalancePaid}:  {Apply: true, Next: StatusConfirmed, Event: EventBookingConfirmed, Reason: ReasonBalancePaid},
	{StatusPendingDeposit, PaymentChargeFailed}: {Apply: true, Next: StatusPendingDeposit, MarkFailed: true, Event: EventPaymentFailed, Reason: ReasonPaymentFailed},
	{StatusDepositPaid, PaymentRefundIssued}:    {Apply: true, Next: StatusRefunded, Event: EventBookingRefunded, Reason: ReasonRefunded, ReleaseWindow: true},
	{StatusConfirmed, PaymentRefundIssued}:      {Apply: true, Next: StatusRefunded, Event: EventBookingRefunded, Reason: ReasonRefunded, ReleaseWindow: true},
}

// SupportedPaymentEvent reports whether the processor understands the type.
func SupportedPaymentEvent(t PaymentEventType) bool {
	switch t {
	case PaymentDepositSucceeded, PaymentBalancePaid, PaymentChargeFailed, PaymentRefundIssued:
		return true
	default:
		return false
	}
}

// Decide maps the current booking status and a payment event to the next
// status. Pairs missing from the table are ignored so a booking never moves
// backward.
func Decide(current BookingStatus, event PaymentEventType) Decision {
	if !SupportedPaymentEvent(event) {
		return Decision{Reason: ReasonUnsupportedEvent}
	}
	if d, ok := paymentTransitions[transitionKey{from: current, event: event}]; ok {
		return d
	}
	return Decision{Next: current, Reason: ReasonStaleOrWrongState}
}

var statusRank = map[BookingStatus]int{
	StatusPendingDeposit: 0,
	StatusDepositPaid:    1,
	StatusConfirmed:      2,
	StatusCompleted:      3,
	StatusCancelled:      3,
	StatusRefunded:       3,
}

// Precedes reports whether s comes strictly before next in the lifecycle.
func (s BookingStatus) Precedes(next BookingStatus) bool {
	return statusRank[s] < statusRank[next]
}

var allowedTransitions = map[BookingStatus][]BookingStatus{
	StatusPendingDeposit: {StatusDepositPaid, StatusConfirmed, StatusCancelled, StatusRefunded},
	StatusDepositPaid:    {StatusConfirmed, StatusCompleted, StatusCancelled, StatusRefunded},
	StatusConfirmed:      {StatusCompleted, StatusCancelled, StatusRefunded},
}

// CanTransitionTo guards every status write, including non-webhook paths.
func (s BookingStatus) CanTransitionTo(next BookingStatus) bool {
	if s == next {
		return !s.Terminal()
	}
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

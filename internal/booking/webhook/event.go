package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/stationbook/internal/booking/domain"
)

var ErrMalformedPayload = errors.New("malformed webhook payload")

// Event is the provider's payment notification.
type Event struct {
	ID      string                  `json:"id"`
	Type    domain.PaymentEventType `json:"type"`
	Created int64                   `json:"created"`
	Data    EventData               `json:"data"`
}

type EventData struct {
	BookingID   string `json:"booking_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

// CreatedAt returns the provider timestamp, zero when absent.
func (e Event) CreatedAt() time.Time {
	if e.Created <= 0 {
		return time.Time{}
	}
	return time.Unix(e.Created, 0).UTC()
}

// ParseEvent decodes and validates a raw payload. The booking ID is parsed
// later so that unsupported event types without one are still ledgered.
func ParseEvent(raw []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	evt.ID = strings.TrimSpace(evt.ID)
	if evt.ID == "" {
		return Event{}, fmt.Errorf("%w: missing id", ErrMalformedPayload)
	}
	if evt.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedPayload)
	}
	return evt, nil
}

func (e Event) bookingID() (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(e.Data.BookingID))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: booking_id: %v", ErrMalformedPayload, err)
	}
	return id, nil
}

func payloadHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

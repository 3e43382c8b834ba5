package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/stationbook/internal/auth"
	"github.com/example/stationbook/internal/booking/domain"
	"github.com/example/stationbook/internal/booking/service"
	"github.com/example/stationbook/internal/booking/webhook"
	"github.com/example/stationbook/internal/geo"
	apimw "github.com/example/stationbook/internal/http/middleware"
	"github.com/example/stationbook/internal/ratelimit"
)

const maxWebhookBody = 1 << 20

// HTTP exposes quoting, booking and payment webhook endpoints.
type HTTP struct {
	svc       *service.Service
	webhooks  *webhook.Processor
	jwtSecret string
	proxies   apimw.TrustedProxies
	validate  *validator.Validate
	logger    *zap.Logger
}

// NewHTTP constructs a handler. jwtSecret may be empty, in which case all
// callers are anonymous and cancellation is unavailable. Forwarding headers
// count toward the client identity only when the peer is in proxies.
func NewHTTP(svc *service.Service, webhooks *webhook.Processor, jwtSecret string, proxies apimw.TrustedProxies, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{
		svc:       svc,
		webhooks:  webhooks,
		jwtSecret: jwtSecret,
		proxies:   proxies,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger,
	}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Logger, middleware.Recoverer)
	r.Post("/v1/webhooks/payments", h.paymentWebhook)
	r.Group(func(r chi.Router) {
		r.Use(auth.Optional(h.jwtSecret), apimw.Fingerprint(h.proxies))
		r.Post("/v1/quotes", h.createQuote)
		r.Post("/v1/bookings", h.confirmBooking)
		r.Get("/v1/bookings/{id}", h.getBooking)
	})
	r.With(auth.Middleware(h.jwtSecret, auth.RoleAdmin)).Post("/v1/bookings/{id}/cancel", h.cancelBooking)
	return r
}

type quoteRequest struct {
	Address   string    `json:"address" validate:"required,max=512"`
	StationID string    `json:"station_id" validate:"required,max=64"`
	Start     time.Time `json:"start" validate:"required"`
	End       time.Time `json:"end" validate:"required"`
}

type quoteResponse struct {
	QuoteID            uuid.UUID `json:"quote_id"`
	StationID          string    `json:"station_id"`
	FeeAmountCents     int64     `json:"fee_amount_cents"`
	DistanceMiles      float64   `json:"distance_miles"`
	DepositAmountCents int64     `json:"deposit_amount_cents"`
	Start              time.Time `json:"start"`
	End                time.Time `json:"end"`
	ExpiresAt          time.Time `json:"expires_at"`
}

func (h *HTTP) createQuote(w http.ResponseWriter, r *http.Request) {
	var payload quoteRequest
	if !h.decode(w, r, &payload) {
		return
	}
	q, err := h.svc.Quote(r.Context(), service.QuoteRequest{
		Fingerprint: apimw.FingerprintFromContext(r.Context()),
		Address:     payload.Address,
		StationID:   payload.StationID,
		Start:       payload.Start,
		End:         payload.End,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{
		QuoteID:            q.ID,
		StationID:          q.StationID,
		FeeAmountCents:     q.TravelFeeCents,
		DistanceMiles:      q.DistanceMiles,
		DepositAmountCents: q.DepositCents,
		Start:              q.StartAt,
		End:                q.EndAt,
		ExpiresAt:          q.ExpiresAt,
	})
}

type confirmRequest struct {
	QuoteID string `json:"quote_id" validate:"required,uuid"`
}

type bookingResponse struct {
	BookingID          uuid.UUID            `json:"booking_id"`
	Status             domain.BookingStatus `json:"status"`
	StationID          string               `json:"station_id"`
	Start              time.Time            `json:"start"`
	End                time.Time            `json:"end"`
	BufferedWindow     domain.Window        `json:"buffered_window"`
	FeeAmountCents     int64                `json:"fee_amount_cents"`
	DepositAmountCents int64                `json:"deposit_amount_cents"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

func toBookingResponse(b domain.Booking) bookingResponse {
	return bookingResponse{
		BookingID:          b.ID,
		Status:             b.Status,
		StationID:          b.StationID,
		Start:              b.StartAt,
		End:                b.EndAt,
		BufferedWindow:     b.BufferedWindow(),
		FeeAmountCents:     b.TravelFeeCents,
		DepositAmountCents: b.DepositCents,
		CreatedAt:          b.CreatedAt,
		UpdatedAt:          b.UpdatedAt,
	}
}

func (h *HTTP) confirmBooking(w http.ResponseWriter, r *http.Request) {
	var payload confirmRequest
	if !h.decode(w, r, &payload) {
		return
	}
	quoteID := uuid.MustParse(payload.QuoteID)
	booking, err := h.svc.Confirm(r.Context(), apimw.FingerprintFromContext(r.Context()), quoteID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookingResponse(booking))
}

func (h *HTTP) getBooking(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_id"})
		return
	}
	booking, err := h.svc.GetBooking(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(booking))
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=200"`
}

func (h *HTTP) cancelBooking(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_id"})
		return
	}
	var payload cancelRequest
	if r.ContentLength != 0 && !h.decode(w, r, &payload) {
		return
	}
	booking, err := h.svc.Cancel(r.Context(), id, payload.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		h.logger.Info("booking cancelled by operator",
			zap.String("booking_id", id.String()),
			zap.String("subject", claims.Subject))
	}
	writeJSON(w, http.StatusOK, toBookingResponse(booking))
}

// paymentWebhook must see the exact bytes the provider signed, so the body
// is read raw and never re-encoded before verification.
func (h *HTTP) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, webhook.Result{Outcome: webhook.Rejected, Reason: domain.ReasonMalformedPayload})
		return
	}
	res := h.webhooks.Handle(r.Context(), body, r.Header.Get(webhook.SignatureHeader))
	writeJSON(w, webhookStatus(res), res)
}

func webhookStatus(res webhook.Result) int {
	switch res.Outcome {
	case webhook.Applied, webhook.Ignored:
		return http.StatusOK
	case webhook.Rejected:
		if res.Reason == domain.ReasonInvalidSignature {
			return http.StatusUnauthorized
		}
		return http.StatusBadRequest
	default:
		if res.Reason == domain.ReasonInFlight {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
}

type fieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

type errorBody struct {
	Error             string         `json:"error"`
	Message           string         `json:"message,omitempty"`
	Fields            []fieldError   `json:"fields,omitempty"`
	RetryAfterSeconds int            `json:"retry_after_seconds,omitempty"`
	ConflictingWindow *domain.Window `json:"conflicting_window,omitempty"`
	BufferedWindow    *domain.Window `json:"buffered_window,omitempty"`
}

// decode reads a JSON body and runs struct validation, answering 400 itself
// when either fails.
func (h *HTTP) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_json", Message: err.Error()})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		body := errorBody{Error: "invalid_request"}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				body.Fields = append(body.Fields, fieldError{Field: fe.Field(), Rule: fe.Tag()})
			}
		}
		writeJSON(w, http.StatusBadRequest, body)
		return false
	}
	return true
}

// writeError maps service errors to HTTP responses.
func (h *HTTP) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		limited    *ratelimit.LimitedError
		conflict   *domain.ConflictError
		validation domain.ValidationError
	)
	switch {
	case errors.As(err, &limited):
		secs := limited.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited", RetryAfterSeconds: secs})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, errorBody{
			Error:             "slot_conflict",
			ConflictingWindow: &conflict.Window,
			BufferedWindow:    &conflict.BufferedWindow,
		})
	case errors.As(err, &validation):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error:   "validation_failed",
			Message: validation.Msg,
			Fields:  []fieldError{{Field: validation.Field, Rule: "invalid"}},
		})
	case geo.KindOf(err) == geo.KindUnavailable:
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "geo_unavailable"})
	case geo.KindOf(err) == geo.KindQuotaExceeded:
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "geo_quota_exceeded"})
	case geo.KindOf(err) == geo.KindNotFound:
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "address_not_found"})
	case errors.Is(err, domain.ErrUnknownStation):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "unknown_station"})
	case errors.Is(err, domain.ErrOutOfServiceArea):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "out_of_service_area"})
	case errors.Is(err, domain.ErrQuoteNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "quote_not_found"})
	case errors.Is(err, domain.ErrQuoteExpired):
		writeJSON(w, http.StatusGone, errorBody{Error: "quote_expired"})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "booking_not_found"})
	case errors.Is(err, domain.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorBody{Error: "invalid_transition"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "timeout"})
	default:
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

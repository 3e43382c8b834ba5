package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("booking not found")
	ErrVersionConflict   = errors.New("booking version conflict")
	ErrInvalidTransition = errors.New("invalid booking state transition")
	ErrQuoteNotFound     = errors.New("quote not found")
	ErrQuoteExpired      = errors.New("quote expired")
	ErrUnknownStation    = errors.New("unknown station")
	ErrOutOfServiceArea  = errors.New("venue outside station service area")
	ErrEventInFlight     = errors.New("webhook event already in flight")
)

// ConflictError is returned when a requested slot overlaps an active booking.
// It carries the blocking window only, never the other booking's identity.
type ConflictError struct {
	Window         Window
	BufferedWindow Window
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("slot conflict with %s-%s",
		e.Window.Start.Format("2006-01-02T15:04Z07:00"),
		e.Window.End.Format("2006-01-02T15:04Z07:00"))
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

type ValidationError struct {
	Field string
	Msg   string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func IsValidation(err error) bool {
	var target ValidationError
	return errors.As(err, &target)
}

package geo

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindUnavailable   ErrorKind = "unavailable"
	KindQuotaExceeded ErrorKind = "quota_exceeded"
	KindNotFound      ErrorKind = "address_not_found"
)

// GeoError is the only error DistanceTo returns besides context errors and
// ErrUnknownStation.
type GeoError struct {
	Kind ErrorKind
	Err  error
}

func (e *GeoError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("geo %s", e.Kind)
	}
	return fmt.Sprintf("geo %s: %v", e.Kind, e.Err)
}

func (e *GeoError) Unwrap() error { return e.Err }

// Provider signals. Providers wrap these so the cache can classify failures.
var (
	ErrQuotaExceeded   = errors.New("provider quota exceeded")
	ErrAddressNotFound = errors.New("address not found")
	ErrUnknownStation  = errors.New("unknown station")
)

// KindOf returns the GeoError kind of err, or "" when err is not a GeoError.
func KindOf(err error) ErrorKind {
	var ge *GeoError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

package metering

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyMeteringPoint is returned when the metering point is empty.
	ErrEmptyMeteringPoint = errors.New("metering: empty metering point")
	// ErrEmptyOBISCode is returned when the OBIS code is empty.
	ErrEmptyOBISCode = errors.New("metering: empty obis code")
	// ErrInvalidSeriesKind is returned when the series kind is unsupported.
	ErrInvalidSeriesKind = errors.New("metering: invalid series kind")
	// ErrInvalidWindow is returned when a fetch window is inverted or zero.
	ErrInvalidWindow = errors.New("metering: invalid fetch window")
)

// FetchError wraps a provider failure and records whether retrying could
// help. Permanent errors (bad credentials, unknown metering point) suppress
// automatic retries until an operator intervenes.
type FetchError struct {
	Op        string
	Permanent bool
	Err       error
}

func (e *FetchError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("metering: %s fetch error (%s): %v", kind, e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewTransientFetchError wraps err as retryable.
func NewTransientFetchError(op string, err error) *FetchError {
	return &FetchError{Op: op, Permanent: false, Err: err}
}

// NewPermanentFetchError wraps err as non-retryable.
func NewPermanentFetchError(op string, err error) *FetchError {
	return &FetchError{Op: op, Permanent: true, Err: err}
}

// IsPermanentFetch reports whether err is a permanent fetch failure.
func IsPermanentFetch(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Permanent
}

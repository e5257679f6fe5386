package aggregation

import (
	"errors"
	"fmt"
	"time"

	metering "leneda-bridge/internal/metering/domain"
)

var (
	// ErrEmptySeriesID is returned when the series id is empty.
	ErrEmptySeriesID = errors.New("aggregation: empty series id")
	// ErrInvalidHourStart is returned when an hour start is zero or not on
	// an hour boundary.
	ErrInvalidHourStart = errors.New("aggregation: invalid hour start")
	// ErrInvalidKind is returned when the series kind is unsupported.
	ErrInvalidKind = errors.New("aggregation: invalid series kind")
	// ErrBucketClosed guards writes against a frozen bucket.
	ErrBucketClosed = errors.New("aggregation: bucket closed")
)

// MisalignedSampleError describes a sample whose timestamp does not sit on
// the series' native sampling grid. Per-sample and non-fatal: the sample is
// dropped and the run continues.
type MisalignedSampleError struct {
	SeriesID    metering.SeriesID
	Timestamp   time.Time
	Granularity time.Duration
}

func (e *MisalignedSampleError) Error() string {
	return fmt.Sprintf("aggregation: sample %s not aligned to %s grid (series %s)",
		e.Timestamp.Format(time.RFC3339), e.Granularity, e.SeriesID)
}

// NonMonotonicCumulativeSumError reports a cumulative energy chain that
// would decrease or disagree with frozen history. Fatal for the series run:
// nothing is persisted and the watermark stays put.
type NonMonotonicCumulativeSumError struct {
	SeriesID  metering.SeriesID
	HourStart time.Time
	Previous  float64
	Next      float64
}

func (e *NonMonotonicCumulativeSumError) Error() string {
	return fmt.Sprintf("aggregation: non-monotonic cumulative sum at %s (series %s): %.6f -> %.6f",
		e.HourStart.Format(time.RFC3339), e.SeriesID, e.Previous, e.Next)
}

// PersistError wraps a statistics store failure. Transient from the
// scheduler's point of view: the run is retried from the unchanged
// watermark.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("aggregation: persist %s: %v", e.Op, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

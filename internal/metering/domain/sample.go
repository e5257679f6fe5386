package metering

import "time"

// Sample is one normalized reading from the provider. Timestamp is the
// start of the sampling interval.
type Sample struct {
	Timestamp time.Time
	Value     float64
	Unit      string
	Quality   string
}

// QualityActual marks a measured (not estimated) reading.
const QualityActual = "Actual"

// Aligned reports whether the sample timestamp sits on a granularity
// boundary relative to the hour.
func (s Sample) Aligned(granularity time.Duration) bool {
	if granularity <= 0 {
		return false
	}
	if s.Timestamp.Second() != 0 || s.Timestamp.Nanosecond() != 0 {
		return false
	}
	offset := time.Duration(s.Timestamp.Minute()) * time.Minute
	return offset%granularity == 0
}

// HourStart returns the start of the hour containing the sample.
func (s Sample) HourStart() time.Time {
	return s.Timestamp.Truncate(time.Hour)
}

// Slot returns the sample's index inside its hour for a granularity,
// e.g. minute 30 at 15-minute granularity is slot 2.
func (s Sample) Slot(granularity time.Duration) int {
	if granularity <= 0 {
		return 0
	}
	return int((time.Duration(s.Timestamp.Minute()) * time.Minute) / granularity)
}

package aggregation

import (
	"time"

	metering "leneda-bridge/internal/metering/domain"
)

// Bucket is one hour of reduced statistics for a series.
// Invariants:
// 1) SampleCount never decreases; Min/Max only widen; Sum only accumulates.
// 2) SlotMask records which native-granularity slots inside the hour have
//    been merged, so re-merging the same sample is a no-op across runs.
// 3) Once Closed, the bucket is frozen.
type Bucket struct {
	SeriesID  metering.SeriesID
	Kind      metering.SeriesKind
	HourStart time.Time
	Unit      string

	SampleCount int
	SlotMask    uint8

	Min  float64
	Max  float64
	Mean float64
	Sum  float64

	// CumulativeSum chains hourly sums across energy buckets. Provisional
	// while the bucket is open, frozen on close.
	CumulativeSum float64

	Closed bool
}

// NewBucket constructs an empty open bucket.
func NewBucket(seriesID metering.SeriesID, kind metering.SeriesKind, hourStart time.Time, unit string) (*Bucket, error) {
	if seriesID == "" {
		return nil, ErrEmptySeriesID
	}
	if !kind.IsValid() {
		return nil, ErrInvalidKind
	}
	if hourStart.IsZero() || !hourStart.Equal(hourStart.Truncate(time.Hour)) {
		return nil, ErrInvalidHourStart
	}
	return &Bucket{
		SeriesID:  seriesID,
		Kind:      kind,
		HourStart: hourStart,
		Unit:      unit,
	}, nil
}

// HourEnd returns the exclusive end of the bucket window.
func (b *Bucket) HourEnd() time.Time { return b.HourStart.Add(time.Hour) }

// HasSlot reports whether the slot has already been merged.
func (b *Bucket) HasSlot(slot int) bool {
	if slot < 0 || slot > 7 {
		return false
	}
	return b.SlotMask&(1<<uint(slot)) != 0
}

// Absorb merges one sample into the bucket. Duplicate slots and writes to a
// closed bucket are rejected by the caller beforehand; this method assumes
// a fresh slot.
func (b *Bucket) Absorb(sample metering.Sample, slot int) error {
	if b.Closed {
		return ErrBucketClosed
	}
	if b.HasSlot(slot) {
		return ErrBucketClosed
	}

	if b.SampleCount == 0 {
		b.Min = sample.Value
		b.Max = sample.Value
	} else {
		if sample.Value < b.Min {
			b.Min = sample.Value
		}
		if sample.Value > b.Max {
			b.Max = sample.Value
		}
	}
	b.Sum += sample.Value
	b.SampleCount++
	b.Mean = b.Sum / float64(b.SampleCount)
	b.SlotMask |= 1 << uint(slot)
	if b.Unit == "" {
		b.Unit = sample.Unit
	}
	return nil
}

// Close freezes the bucket.
func (b *Bucket) Close() {
	b.Closed = true
}

// clone returns a copy so prior state stays untouched during aggregation.
func (b Bucket) clone() *Bucket {
	copied := b
	return &copied
}

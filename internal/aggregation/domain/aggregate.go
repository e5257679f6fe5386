package aggregation

import (
	"sort"
	"time"

	metering "leneda-bridge/internal/metering/domain"
)

// PriorState is the persisted context an aggregation pass reconciles
// against: the watermark, every bucket at or after the fetch window start,
// and the cumulative sum of the last closed energy bucket before it.
type PriorState struct {
	Watermark      time.Time
	Buckets        []Bucket
	CumulativeBase float64
}

// DropReason classifies why a sample was not merged.
type DropReason string

const (
	// DropMisaligned marks timestamps off the native sampling grid.
	DropMisaligned DropReason = "misaligned"
	// DropLateForClosed marks samples for hours already frozen.
	DropLateForClosed DropReason = "late_for_closed"
	// DropDuplicateSlot marks samples whose slot was merged in an earlier run.
	DropDuplicateSlot DropReason = "duplicate_slot"
)

// DroppedSample records one absorbed sample with its reason. Err carries
// typed detail where one exists.
type DroppedSample struct {
	Sample metering.Sample
	Reason DropReason
	Err    error
}

// Result is the outcome of one aggregation pass: the minimal set of new or
// changed buckets in hour order, the advanced watermark, and what was
// dropped along the way.
type Result struct {
	Buckets    []Bucket
	Watermark  time.Time
	Dropped    []DroppedSample
	Duplicates int
}

// DroppedByReason counts drops per reason.
func (r Result) DroppedByReason() map[DropReason]int {
	counts := make(map[DropReason]int)
	for _, d := range r.Dropped {
		counts[d.Reason]++
	}
	return counts
}

// Aggregate reduces raw samples into hour buckets and reconciles them with
// prior persisted state. Pure: prior is never mutated, and the same inputs
// always produce the same result. Re-aggregating samples that were already
// merged is a no-op thanks to the per-bucket slot mask.
func Aggregate(series metering.Series, prior PriorState, samples []metering.Sample, margin time.Duration) (Result, error) {
	if series.ID == "" {
		return Result{}, ErrEmptySeriesID
	}
	if !series.Kind.IsValid() {
		return Result{}, ErrInvalidKind
	}
	if margin < 0 {
		margin = 0
	}
	granularity := series.Kind.Granularity()

	// Dedup by timestamp; the later sample in fetch order wins, so provider
	// corrections inside one fetch replace instead of accumulate.
	deduped := make(map[int64]metering.Sample, len(samples))
	order := make([]int64, 0, len(samples))
	duplicates := 0
	for _, sample := range samples {
		key := sample.Timestamp.Unix()
		if _, seen := deduped[key]; seen {
			duplicates++
		} else {
			order = append(order, key)
		}
		deduped[key] = sample
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	working := make(map[int64]*Bucket, len(prior.Buckets))
	hours := make([]int64, 0, len(prior.Buckets))
	for _, bucket := range prior.Buckets {
		key := bucket.HourStart.Unix()
		if _, ok := working[key]; !ok {
			hours = append(hours, key)
		}
		working[key] = bucket.clone()
	}

	changed := make(map[int64]bool)
	result := Result{Duplicates: duplicates}
	var latestObserved time.Time

	for _, key := range order {
		sample := deduped[key]
		if !sample.Aligned(granularity) {
			result.Dropped = append(result.Dropped, DroppedSample{
				Sample: sample,
				Reason: DropMisaligned,
				Err: &MisalignedSampleError{
					SeriesID:    series.ID,
					Timestamp:   sample.Timestamp,
					Granularity: granularity,
				},
			})
			continue
		}
		if sample.Timestamp.After(latestObserved) {
			latestObserved = sample.Timestamp
		}

		hour := sample.HourStart()
		// Hours at or before the watermark are frozen by contiguity even
		// when the hour itself never produced a bucket.
		if !prior.Watermark.IsZero() && !hour.After(prior.Watermark) {
			result.Dropped = append(result.Dropped, DroppedSample{Sample: sample, Reason: DropLateForClosed})
			continue
		}

		hourKey := hour.Unix()
		bucket, ok := working[hourKey]
		if !ok {
			fresh, err := NewBucket(series.ID, series.Kind, hour, sample.Unit)
			if err != nil {
				return Result{}, err
			}
			working[hourKey] = fresh
			hours = append(hours, hourKey)
			bucket = fresh
		}
		if bucket.Closed {
			result.Dropped = append(result.Dropped, DroppedSample{Sample: sample, Reason: DropLateForClosed})
			continue
		}
		slot := sample.Slot(granularity)
		if bucket.HasSlot(slot) {
			result.Dropped = append(result.Dropped, DroppedSample{Sample: sample, Reason: DropDuplicateSlot})
			continue
		}
		if err := bucket.Absorb(sample, slot); err != nil {
			return Result{}, err
		}
		changed[hourKey] = true
	}

	sort.Slice(hours, func(i, j int) bool { return hours[i] < hours[j] })

	// Energy hours chain strictly in increasing order. Closed buckets are
	// fixed anchors; open buckets are recomputed from the chain.
	if series.Kind == metering.KindEnergyConsumption {
		chain := prior.CumulativeBase
		for _, hourKey := range hours {
			bucket := working[hourKey]
			if bucket.Sum < 0 {
				return Result{}, &NonMonotonicCumulativeSumError{
					SeriesID:  series.ID,
					HourStart: bucket.HourStart,
					Previous:  chain,
					Next:      chain + bucket.Sum,
				}
			}
			if bucket.Closed {
				if bucket.CumulativeSum < chain {
					return Result{}, &NonMonotonicCumulativeSumError{
						SeriesID:  series.ID,
						HourStart: bucket.HourStart,
						Previous:  chain,
						Next:      bucket.CumulativeSum,
					}
				}
				chain = bucket.CumulativeSum
				continue
			}
			next := chain + bucket.Sum
			if bucket.CumulativeSum != next {
				bucket.CumulativeSum = next
				changed[hourKey] = true
			}
			chain = next
		}
	}

	// Closure: an hour freezes once the provider has been observed past its
	// end plus the late-arrival margin. Energy hours additionally wait for
	// their predecessor so the cumulative chain never freezes out of order;
	// walking ascending lets closures cascade within one pass.
	if !latestObserved.IsZero() {
		for _, hourKey := range hours {
			bucket := working[hourKey]
			if bucket.Closed {
				continue
			}
			if bucket.HourEnd().Add(margin).After(latestObserved) {
				continue
			}
			if series.Kind == metering.KindEnergyConsumption &&
				!energyChainClosed(working, prior.Watermark, hours[0], bucket) {
				continue
			}
			bucket.Close()
			changed[hourKey] = true
		}
	}

	// Watermark: advance hour by hour over contiguous closed buckets, never
	// backward and never across an open or missing hour.
	result.Watermark = prior.Watermark
	var cursor time.Time
	if prior.Watermark.IsZero() {
		if len(hours) > 0 {
			cursor = time.Unix(hours[0], 0).UTC()
		}
	} else {
		cursor = prior.Watermark.Add(time.Hour)
	}
	for !cursor.IsZero() {
		bucket, ok := working[cursor.Unix()]
		if !ok || !bucket.Closed {
			break
		}
		result.Watermark = bucket.HourStart
		cursor = cursor.Add(time.Hour)
	}

	for _, hourKey := range hours {
		if changed[hourKey] {
			result.Buckets = append(result.Buckets, *working[hourKey])
		}
	}
	return result, nil
}

// energyChainClosed reports whether the bucket's predecessor hour is
// frozen, or the bucket legitimately starts the chain.
func energyChainClosed(working map[int64]*Bucket, watermark time.Time, earliestHour int64, bucket *Bucket) bool {
	predKey := bucket.HourStart.Add(-time.Hour).Unix()
	if pred, ok := working[predKey]; ok {
		return pred.Closed
	}
	if !watermark.IsZero() {
		return false
	}
	return bucket.HourStart.Unix() == earliestHour
}

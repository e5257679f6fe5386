package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	aggregation "leneda-bridge/internal/aggregation/domain"
	metering "leneda-bridge/internal/metering/domain"
)

// StatisticsRepository is an in-memory store for demo/testing. It applies
// the same write guards as the Postgres store: closed rows never change
// and watermarks never move backward.
type StatisticsRepository struct {
	mu         sync.RWMutex
	buckets    map[metering.SeriesID]map[int64]aggregation.Bucket
	watermarks map[metering.SeriesID]time.Time
}

// NewStatisticsRepository constructs a repository.
func NewStatisticsRepository() *StatisticsRepository {
	return &StatisticsRepository{
		buckets:    make(map[metering.SeriesID]map[int64]aggregation.Bucket),
		watermarks: make(map[metering.SeriesID]time.Time),
	}
}

// Watermark returns the stored watermark for a series.
func (r *StatisticsRepository) Watermark(ctx context.Context, seriesID metering.SeriesID) (time.Time, bool, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	watermark, ok := r.watermarks[seriesID]
	return watermark, ok, nil
}

// PriorState loads the reconciliation context for a run.
func (r *StatisticsRepository) PriorState(ctx context.Context, seriesID metering.SeriesID, windowStart time.Time) (aggregation.PriorState, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()

	state := aggregation.PriorState{Watermark: r.watermarks[seriesID]}

	var baseHour time.Time
	for _, bucket := range r.buckets[seriesID] {
		if bucket.HourStart.Before(windowStart) {
			if bucket.Closed && bucket.HourStart.After(baseHour) {
				baseHour = bucket.HourStart
				state.CumulativeBase = bucket.CumulativeSum
			}
			continue
		}
		state.Buckets = append(state.Buckets, bucket)
	}
	sort.Slice(state.Buckets, func(i, j int) bool {
		return state.Buckets[i].HourStart.Before(state.Buckets[j].HourStart)
	})
	return state, nil
}

// Merge upserts changed buckets and advances the watermark.
func (r *StatisticsRepository) Merge(ctx context.Context, seriesID metering.SeriesID, buckets []aggregation.Bucket, watermark time.Time) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.buckets[seriesID]
	if !ok {
		stored = make(map[int64]aggregation.Bucket, len(buckets))
		r.buckets[seriesID] = stored
	}
	for _, bucket := range buckets {
		key := bucket.HourStart.Unix()
		if existing, exists := stored[key]; exists && existing.Closed {
			continue
		}
		stored[key] = bucket
	}

	if !watermark.IsZero() && watermark.After(r.watermarks[seriesID]) {
		r.watermarks[seriesID] = watermark
	}
	return nil
}

// ListRange returns the buckets of a series within [from, to) in hour order.
func (r *StatisticsRepository) ListRange(ctx context.Context, seriesID metering.SeriesID, from, to time.Time) ([]aggregation.Bucket, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()

	var buckets []aggregation.Bucket
	for _, bucket := range r.buckets[seriesID] {
		if bucket.HourStart.Before(from) || !bucket.HourStart.Before(to) {
			continue
		}
		buckets = append(buckets, bucket)
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].HourStart.Before(buckets[j].HourStart)
	})
	return buckets, nil
}

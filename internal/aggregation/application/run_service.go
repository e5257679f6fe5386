package application

import (
	"context"
	"errors"
	"log"
	"time"

	"leneda-bridge/internal/aggregation/application/events"
	aggregation "leneda-bridge/internal/aggregation/domain"
	"leneda-bridge/internal/eventing"
	metering "leneda-bridge/internal/metering/domain"
	"leneda-bridge/internal/observability/metrics"
)

const (
	// defaultRewind is how far behind now every window reaches at minimum,
	// so provider-side corrections to recent hours are picked up.
	defaultRewind = 48 * time.Hour
	// defaultInitialLookback bounds the first window of a series without
	// a configured start of history.
	defaultInitialLookback = 180 * 24 * time.Hour
	// defaultLateArrivalMargin applies when a series does not set one.
	defaultLateArrivalMargin = time.Hour
)

// SampleFetcher retrieves raw provider samples for a series window.
type SampleFetcher interface {
	Fetch(ctx context.Context, series metering.Series, from, to time.Time) ([]metering.Sample, error)
}

// StatisticsStore persists hour buckets and series watermarks.
type StatisticsStore interface {
	Watermark(ctx context.Context, seriesID metering.SeriesID) (time.Time, bool, error)
	PriorState(ctx context.Context, seriesID metering.SeriesID, windowStart time.Time) (aggregation.PriorState, error)
	Merge(ctx context.Context, seriesID metering.SeriesID, buckets []aggregation.Bucket, watermark time.Time) error
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// RunReport summarizes one completed series run.
type RunReport struct {
	SeriesID       metering.SeriesID
	WindowStart    time.Time
	WindowEnd      time.Time
	Samples        int
	Duplicates     int
	ChangedBuckets int
	ClosedBuckets  int
	Dropped        map[aggregation.DropReason]int
	Watermark      time.Time
	Duration       time.Duration
}

// RunService executes one fetch, aggregate, persist cycle per series.
// Callers must guarantee that runs for the same series never overlap.
type RunService struct {
	fetcher SampleFetcher
	store   StatisticsStore
	bus     eventing.EventBus
	clock   Clock
	logger  *log.Logger

	rewind          time.Duration
	initialLookback time.Duration
	lateMargin      time.Duration
}

// RunOption customizes a RunService.
type RunOption func(*RunService)

// WithRewind overrides the minimum re-fetch horizon.
func WithRewind(d time.Duration) RunOption {
	return func(s *RunService) {
		if d > 0 {
			s.rewind = d
		}
	}
}

// WithInitialLookback overrides the first-run window for series without
// a start of history.
func WithInitialLookback(d time.Duration) RunOption {
	return func(s *RunService) {
		if d > 0 {
			s.initialLookback = d
		}
	}
}

// WithLateArrivalMargin overrides the fallback closure margin.
func WithLateArrivalMargin(d time.Duration) RunOption {
	return func(s *RunService) {
		if d >= 0 {
			s.lateMargin = d
		}
	}
}

// WithRunClock overrides the clock, for tests.
func WithRunClock(clock Clock) RunOption {
	return func(s *RunService) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewRunService builds a RunService.
func NewRunService(fetcher SampleFetcher, store StatisticsStore, bus eventing.EventBus, logger *log.Logger, opts ...RunOption) (*RunService, error) {
	if fetcher == nil {
		return nil, errors.New("aggregation: nil sample fetcher")
	}
	if store == nil {
		return nil, errors.New("aggregation: nil statistics store")
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &RunService{
		fetcher:         fetcher,
		store:           store,
		bus:             bus,
		clock:           systemClock{},
		logger:          logger,
		rewind:          defaultRewind,
		initialLookback: defaultInitialLookback,
		lateMargin:      defaultLateArrivalMargin,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run executes one aggregation cycle: plan the window from the persisted
// watermark, fetch raw samples, reduce them against prior state, and
// persist buckets and watermark atomically. Nothing is persisted when any
// step fails, so an aborted run can simply be retried.
func (s *RunService) Run(ctx context.Context, series metering.Series) (RunReport, error) {
	started := s.clock.Now()

	watermark, found, err := s.store.Watermark(ctx, series.ID)
	if err != nil {
		return RunReport{}, s.fail(series, started, &aggregation.PersistError{Op: "load watermark", Err: err})
	}

	from, to := s.planWindow(series, watermark, found, started)
	report := RunReport{SeriesID: series.ID, WindowStart: from, WindowEnd: to}

	prior, err := s.store.PriorState(ctx, series.ID, from)
	if err != nil {
		return report, s.fail(series, started, &aggregation.PersistError{Op: "load prior state", Err: err})
	}

	samples, err := s.fetcher.Fetch(ctx, series, from, to)
	if err != nil {
		return report, s.fail(series, started, err)
	}
	report.Samples = len(samples)

	margin := series.LateArrivalMargin
	if margin <= 0 {
		margin = s.lateMargin
	}
	result, err := aggregation.Aggregate(series, prior, samples, margin)
	if err != nil {
		return report, s.fail(series, started, err)
	}

	report.Duplicates = result.Duplicates
	report.ChangedBuckets = len(result.Buckets)
	report.Dropped = result.DroppedByReason()
	report.Watermark = result.Watermark
	closed := newlyClosed(result.Buckets, prior)
	report.ClosedBuckets = len(closed)

	if len(result.Buckets) > 0 || result.Watermark.After(prior.Watermark) {
		if err := s.store.Merge(ctx, series.ID, result.Buckets, result.Watermark); err != nil {
			return report, s.fail(series, started, &aggregation.PersistError{Op: "merge", Err: err})
		}
	}

	report.Duration = s.clock.Now().Sub(started)
	s.observe(series, report)
	s.logger.Printf("run: series=%s window=%s..%s samples=%d dup=%d changed=%d closed=%d dropped=%d watermark=%s",
		series.ID,
		from.Format(time.RFC3339), to.Format(time.RFC3339),
		report.Samples, report.Duplicates, report.ChangedBuckets, report.ClosedBuckets,
		len(result.Dropped), formatWatermark(report.Watermark))

	s.publish(ctx, series, report, result, closed)
	return report, nil
}

// planWindow derives the fetch window: from the watermark (or the start of
// history on first run), pulled back to at least the rewind horizon, up to
// now. The start is hour-aligned so it matches bucket boundaries.
func (s *RunService) planWindow(series metering.Series, watermark time.Time, found bool, now time.Time) (time.Time, time.Time) {
	var from time.Time
	if found && !watermark.IsZero() {
		from = watermark
		if rewound := now.Add(-s.rewind); rewound.Before(from) {
			from = rewound
		}
	} else {
		from = series.StartOfHistory
		if from.IsZero() {
			from = now.Add(-s.initialLookback)
		}
	}
	return from.UTC().Truncate(time.Hour), now
}

func (s *RunService) fail(series metering.Series, started time.Time, err error) error {
	metrics.ObserveRun(string(series.ID), metrics.ResultError, s.clock.Now().Sub(started))
	return err
}

func (s *RunService) observe(series metering.Series, report RunReport) {
	id := string(series.ID)
	metrics.ObserveRun(id, metrics.ResultSuccess, report.Duration)
	metrics.AddSamplesFetched(id, report.Samples)
	for reason, count := range report.Dropped {
		metrics.AddSamplesDropped(id, string(reason), count)
	}
	metrics.AddBucketsUpserted(id, report.ChangedBuckets)
	metrics.AddBucketsClosed(id, report.ClosedBuckets)
	if !report.Watermark.IsZero() {
		// Data is current through the end of the watermark hour.
		metrics.SetWatermarkLag(id, s.clock.Now().Sub(report.Watermark.Add(time.Hour)))
	}
}

func (s *RunService) publish(ctx context.Context, series metering.Series, report RunReport, result aggregation.Result, closed []aggregation.Bucket) {
	if s.bus == nil {
		return
	}
	occurred := s.clock.Now()

	if err := s.bus.Publish(ctx, events.RunCompleted{
		SeriesID:      series.ID,
		MeteringPoint: series.MeteringPoint,
		OBISCode:      series.OBISCode,
		Kind:          series.Kind,
		WindowStart:   report.WindowStart,
		WindowEnd:     report.WindowEnd,
		Samples:       report.Samples,
		Buckets:       result.Buckets,
		Watermark:     result.Watermark,
		OccurredAt:    occurred,
	}); err != nil {
		s.logger.Printf("run: publish run completed: %v", err)
	}

	if len(closed) == 0 {
		return
	}
	if err := s.bus.Publish(ctx, events.BucketsClosed{
		SeriesID:      series.ID,
		MeteringPoint: series.MeteringPoint,
		OBISCode:      series.OBISCode,
		Kind:          series.Kind,
		Buckets:       closed,
		Watermark:     result.Watermark,
		OccurredAt:    occurred,
	}); err != nil {
		s.logger.Printf("run: publish buckets closed: %v", err)
	}
}

// newlyClosed picks the buckets that froze in this run.
func newlyClosed(changed []aggregation.Bucket, prior aggregation.PriorState) []aggregation.Bucket {
	priorClosed := make(map[int64]bool, len(prior.Buckets))
	for _, bucket := range prior.Buckets {
		if bucket.Closed {
			priorClosed[bucket.HourStart.Unix()] = true
		}
	}
	var closed []aggregation.Bucket
	for _, bucket := range changed {
		if bucket.Closed && !priorClosed[bucket.HourStart.Unix()] {
			closed = append(closed, bucket)
		}
	}
	return closed
}

func formatWatermark(watermark time.Time) string {
	if watermark.IsZero() {
		return "none"
	}
	return watermark.Format(time.RFC3339)
}

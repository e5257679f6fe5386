package integration_test

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	aggapp "leneda-bridge/internal/aggregation/application"
	"leneda-bridge/internal/aggregation/application/events"
	aggregation "leneda-bridge/internal/aggregation/domain"
	"leneda-bridge/internal/aggregation/infrastructure/memory"
	"leneda-bridge/internal/eventing"
	metering "leneda-bridge/internal/metering/domain"
)

func TestPowerPipeline_ReRunsAreIdempotent(t *testing.T) {
	ctx := context.Background()

	day := time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)
	hour09 := day.Add(9 * time.Hour)
	hour10 := day.Add(10 * time.Hour)
	hour11 := day.Add(11 * time.Hour)
	hour12 := day.Add(12 * time.Hour)

	series := newPipelineSeries(t, metering.KindPowerDemand, hour09)

	store := memory.NewStatisticsRepository()
	bus := eventing.NewInMemoryBus()
	recorder := newEventRecorder(bus)
	fetcher := &queuedFetcher{}
	clock := &stepClock{now: day.Add(12*time.Hour + 10*time.Minute)}

	service := newPipelineService(t, fetcher, store, bus, clock)

	// First poll: three hours of quarter-hour readings. Only hour 09 is
	// old enough (hour end plus margin behind the newest reading) to
	// freeze.
	fetcher.push(concat(
		powerSamples(hour09, 1, 2, 3, 4),
		powerSamples(hour10, 2, 2, 2, 2),
		powerSamples(hour11, 5, 5, 5, 5),
	))
	report, err := service.Run(ctx, series)
	if err != nil {
		t.Fatalf("run 1: %v", err)
	}
	if report.Samples != 12 || report.ChangedBuckets != 3 || report.ClosedBuckets != 1 {
		t.Fatalf("run 1 report: samples=%d changed=%d closed=%d", report.Samples, report.ChangedBuckets, report.ClosedBuckets)
	}
	if !report.Watermark.Equal(hour09) {
		t.Fatalf("run 1 watermark: got=%s want=%s", report.Watermark, hour09)
	}

	// Second poll: overlapping re-fetch plus a late correction for the
	// frozen hour and a fresh partial hour. The overlap lands on occupied
	// slots, the correction is rejected, hour 10 freezes.
	clock.Set(day.Add(13*time.Hour + 30*time.Minute))
	fetcher.push(concat(
		[]metering.Sample{{Timestamp: hour09.Add(15 * time.Minute), Value: 99, Unit: "kW", Quality: metering.QualityActual}},
		powerSamples(hour10, 2, 2, 2, 2),
		powerSamples(hour11, 5, 5, 5, 5),
		powerSamples(hour12, 3, 3),
	))
	report, err = service.Run(ctx, series)
	if err != nil {
		t.Fatalf("run 2: %v", err)
	}
	if report.Samples != 11 || report.ChangedBuckets != 2 || report.ClosedBuckets != 1 {
		t.Fatalf("run 2 report: samples=%d changed=%d closed=%d", report.Samples, report.ChangedBuckets, report.ClosedBuckets)
	}
	if !report.Watermark.Equal(hour10) {
		t.Fatalf("run 2 watermark: got=%s want=%s", report.Watermark, hour10)
	}
	if report.Dropped[aggregation.DropLateForClosed] != 1 {
		t.Fatalf("run 2 late drops: got=%d want=1", report.Dropped[aggregation.DropLateForClosed])
	}
	if report.Dropped[aggregation.DropDuplicateSlot] != 8 {
		t.Fatalf("run 2 duplicate drops: got=%d want=8", report.Dropped[aggregation.DropDuplicateSlot])
	}

	// Third poll replays everything already merged: a pure no-op.
	clock.Set(day.Add(13*time.Hour + 40*time.Minute))
	fetcher.push(concat(
		powerSamples(hour09, 1, 2, 3, 4),
		powerSamples(hour10, 2, 2, 2, 2),
		powerSamples(hour11, 5, 5, 5, 5),
		powerSamples(hour12, 3, 3),
	))
	report, err = service.Run(ctx, series)
	if err != nil {
		t.Fatalf("run 3: %v", err)
	}
	if report.ChangedBuckets != 0 || report.ClosedBuckets != 0 {
		t.Fatalf("run 3 should change nothing: changed=%d closed=%d", report.ChangedBuckets, report.ClosedBuckets)
	}
	if !report.Watermark.Equal(hour10) {
		t.Fatalf("run 3 watermark: got=%s want=%s", report.Watermark, hour10)
	}
	if report.Dropped[aggregation.DropLateForClosed] != 8 {
		t.Fatalf("run 3 late drops: got=%d want=8", report.Dropped[aggregation.DropLateForClosed])
	}
	if report.Dropped[aggregation.DropDuplicateSlot] != 6 {
		t.Fatalf("run 3 duplicate drops: got=%d want=6", report.Dropped[aggregation.DropDuplicateSlot])
	}

	// Fetch windows resume from the persisted watermark.
	windows := fetcher.Windows()
	if len(windows) != 3 {
		t.Fatalf("expected 3 fetch windows, got %d", len(windows))
	}
	if !windows[0][0].Equal(hour09) || !windows[1][0].Equal(hour09) || !windows[2][0].Equal(hour10) {
		t.Fatalf("window starts: got=%s,%s,%s", windows[0][0], windows[1][0], windows[2][0])
	}

	buckets, err := store.ListRange(ctx, series.ID, hour09, hour12.Add(time.Hour))
	if err != nil {
		t.Fatalf("list range: %v", err)
	}
	if len(buckets) != 4 {
		t.Fatalf("expected 4 buckets, got %d", len(buckets))
	}
	assertPowerBucket(t, buckets[0], hour09, 4, 1, 4, 2.5, true)
	assertPowerBucket(t, buckets[1], hour10, 4, 2, 2, 2, true)
	assertPowerBucket(t, buckets[2], hour11, 4, 5, 5, 5, false)
	assertPowerBucket(t, buckets[3], hour12, 2, 3, 3, 3, false)
	if buckets[0].SlotMask != 0x0F {
		t.Fatalf("hour 09 slot mask: got=%#x want=0x0f", buckets[0].SlotMask)
	}
	if buckets[3].SlotMask != 0x03 {
		t.Fatalf("hour 12 slot mask: got=%#x want=0x03", buckets[3].SlotMask)
	}

	watermark, found, err := store.Watermark(ctx, series.ID)
	if err != nil || !found {
		t.Fatalf("stored watermark: found=%v err=%v", found, err)
	}
	if !watermark.Equal(hour10) {
		t.Fatalf("stored watermark: got=%s want=%s", watermark, hour10)
	}

	if got := recorder.RunCount(); got != 3 {
		t.Fatalf("expected 3 run events, got %d", got)
	}
	closures := recorder.Closures()
	if len(closures) != 2 {
		t.Fatalf("expected 2 closure events, got %d", len(closures))
	}
	if len(closures[0].Buckets) != 1 || !closures[0].Buckets[0].HourStart.Equal(hour09) {
		t.Fatalf("first closure: %+v", closures[0].Buckets)
	}
	if len(closures[1].Buckets) != 1 || !closures[1].Buckets[0].HourStart.Equal(hour10) {
		t.Fatalf("second closure: %+v", closures[1].Buckets)
	}
	if !closures[1].Watermark.Equal(hour10) {
		t.Fatalf("second closure watermark: got=%s want=%s", closures[1].Watermark, hour10)
	}
}

func TestEnergyPipeline_CumulativeChainAcrossRuns(t *testing.T) {
	ctx := context.Background()

	day := time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)
	hour06 := day.Add(6 * time.Hour)
	hour07 := day.Add(7 * time.Hour)
	hour08 := day.Add(8 * time.Hour)
	hour09 := day.Add(9 * time.Hour)
	hour10 := day.Add(10 * time.Hour)

	series := newPipelineSeries(t, metering.KindEnergyConsumption, hour06)

	store := memory.NewStatisticsRepository()
	bus := eventing.NewInMemoryBus()
	recorder := newEventRecorder(bus)
	fetcher := &queuedFetcher{}
	clock := &stepClock{now: day.Add(9*time.Hour + 30*time.Minute)}

	service := newPipelineService(t, fetcher, store, bus, clock)

	fetcher.push([]metering.Sample{
		energySample(hour06, 5),
		energySample(hour07, 7),
		energySample(hour08, 4),
	})
	report, err := service.Run(ctx, series)
	if err != nil {
		t.Fatalf("run 1: %v", err)
	}
	if report.ChangedBuckets != 3 || report.ClosedBuckets != 1 {
		t.Fatalf("run 1 report: changed=%d closed=%d", report.ChangedBuckets, report.ClosedBuckets)
	}
	if !report.Watermark.Equal(hour06) {
		t.Fatalf("run 1 watermark: got=%s want=%s", report.Watermark, hour06)
	}

	// Next poll extends the series. Observing hour 10 pushes hours 07 and
	// 08 past their margin; closure cascades in chain order and the
	// watermark follows the contiguous closed prefix.
	clock.Set(day.Add(11*time.Hour + 30*time.Minute))
	fetcher.push([]metering.Sample{
		energySample(hour09, 3),
		energySample(hour10, 2),
	})
	report, err = service.Run(ctx, series)
	if err != nil {
		t.Fatalf("run 2: %v", err)
	}
	if report.ChangedBuckets != 4 || report.ClosedBuckets != 2 {
		t.Fatalf("run 2 report: changed=%d closed=%d", report.ChangedBuckets, report.ClosedBuckets)
	}
	if !report.Watermark.Equal(hour08) {
		t.Fatalf("run 2 watermark: got=%s want=%s", report.Watermark, hour08)
	}

	buckets, err := store.ListRange(ctx, series.ID, hour06, hour10.Add(time.Hour))
	if err != nil {
		t.Fatalf("list range: %v", err)
	}
	if len(buckets) != 5 {
		t.Fatalf("expected 5 buckets, got %d", len(buckets))
	}
	wantCumulative := []float64{5, 12, 16, 19, 21}
	wantClosed := []bool{true, true, true, false, false}
	for i, bucket := range buckets {
		if bucket.CumulativeSum != wantCumulative[i] {
			t.Fatalf("bucket %s cumulative: got=%v want=%v", bucket.HourStart, bucket.CumulativeSum, wantCumulative[i])
		}
		if bucket.Closed != wantClosed[i] {
			t.Fatalf("bucket %s closed: got=%v want=%v", bucket.HourStart, bucket.Closed, wantClosed[i])
		}
		if bucket.SampleCount != 1 {
			t.Fatalf("bucket %s sample count: got=%d want=1", bucket.HourStart, bucket.SampleCount)
		}
	}

	closures := recorder.Closures()
	if len(closures) != 2 {
		t.Fatalf("expected 2 closure events, got %d", len(closures))
	}
	if len(closures[1].Buckets) != 2 {
		t.Fatalf("second closure should carry hours 07 and 08, got %d buckets", len(closures[1].Buckets))
	}
}

func newPipelineSeries(t *testing.T, kind metering.SeriesKind, startOfHistory time.Time) metering.Series {
	t.Helper()

	series, err := metering.NewSeries("", "LU0000000000000000000000000042", metering.OBISElectricityConsumption, kind)
	if err != nil {
		t.Fatalf("new series: %v", err)
	}
	series.StartOfHistory = startOfHistory
	series.LateArrivalMargin = time.Hour
	return series
}

func newPipelineService(t *testing.T, fetcher aggapp.SampleFetcher, store aggapp.StatisticsStore, bus eventing.EventBus, clock aggapp.Clock) *aggapp.RunService {
	t.Helper()

	service, err := aggapp.NewRunService(
		fetcher,
		store,
		bus,
		log.New(io.Discard, "", 0),
		aggapp.WithRunClock(clock),
		aggapp.WithRewind(time.Hour),
	)
	if err != nil {
		t.Fatalf("new run service: %v", err)
	}
	return service
}

// queuedFetcher hands out one scripted batch per Run call and records the
// requested windows.
type queuedFetcher struct {
	mu      sync.Mutex
	batches [][]metering.Sample
	windows [][2]time.Time
}

func (f *queuedFetcher) push(batch []metering.Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
}

func (f *queuedFetcher) Fetch(ctx context.Context, series metering.Series, from, to time.Time) ([]metering.Sample, error) {
	_ = ctx
	_ = series
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows = append(f.windows, [2]time.Time{from, to})
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *queuedFetcher) Windows() [][2]time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]time.Time(nil), f.windows...)
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

type eventRecorder struct {
	mu       sync.Mutex
	runs     []events.RunCompleted
	closures []events.BucketsClosed
}

func newEventRecorder(bus eventing.EventBus) *eventRecorder {
	recorder := &eventRecorder{}
	eventing.SubscribeTyped(bus, "test.runs", nil, func(ctx context.Context, event events.RunCompleted) error {
		_ = ctx
		recorder.mu.Lock()
		defer recorder.mu.Unlock()
		recorder.runs = append(recorder.runs, event)
		return nil
	})
	eventing.SubscribeTyped(bus, "test.closures", nil, func(ctx context.Context, event events.BucketsClosed) error {
		_ = ctx
		recorder.mu.Lock()
		defer recorder.mu.Unlock()
		recorder.closures = append(recorder.closures, event)
		return nil
	})
	return recorder
}

func (r *eventRecorder) RunCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func (r *eventRecorder) Closures() []events.BucketsClosed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.BucketsClosed(nil), r.closures...)
}

func powerSamples(hour time.Time, values ...float64) []metering.Sample {
	samples := make([]metering.Sample, 0, len(values))
	for i, value := range values {
		samples = append(samples, metering.Sample{
			Timestamp: hour.Add(time.Duration(i) * 15 * time.Minute),
			Value:     value,
			Unit:      "kW",
			Quality:   metering.QualityActual,
		})
	}
	return samples
}

func energySample(hour time.Time, value float64) metering.Sample {
	return metering.Sample{Timestamp: hour, Value: value, Unit: "kWh", Quality: metering.QualityActual}
}

func concat(batches ...[]metering.Sample) []metering.Sample {
	var all []metering.Sample
	for _, batch := range batches {
		all = append(all, batch...)
	}
	return all
}

func assertPowerBucket(t *testing.T, bucket aggregation.Bucket, hour time.Time, count int, min, max, mean float64, closed bool) {
	t.Helper()

	if !bucket.HourStart.Equal(hour) {
		t.Fatalf("bucket hour: got=%s want=%s", bucket.HourStart, hour)
	}
	if bucket.SampleCount != count {
		t.Fatalf("bucket %s sample count: got=%d want=%d", hour, bucket.SampleCount, count)
	}
	if bucket.Min != min || bucket.Max != max || bucket.Mean != mean {
		t.Fatalf("bucket %s stats: got min=%v max=%v mean=%v want min=%v max=%v mean=%v",
			hour, bucket.Min, bucket.Max, bucket.Mean, min, max, mean)
	}
	if bucket.Closed != closed {
		t.Fatalf("bucket %s closed: got=%v want=%v", hour, bucket.Closed, closed)
	}
}

package integration_test

import (
	"context"
	"database/sql"
	"io"
	"log"
	"os"
	"testing"
	"time"

	aggapp "leneda-bridge/internal/aggregation/application"
	aggregation "leneda-bridge/internal/aggregation/domain"
	aggpostgres "leneda-bridge/internal/aggregation/infrastructure/postgres"
	metering "leneda-bridge/internal/metering/domain"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestHourlyStatisticsClosedLoop_Postgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if !tableExists(db, "hourly_statistics") || !tableExists(db, "series_watermarks") {
		t.Skip("missing tables; create them from the statistics repository schema")
	}

	ctx := context.Background()

	day := time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)
	hour09 := day.Add(9 * time.Hour)
	hour10 := day.Add(10 * time.Hour)
	hour11 := day.Add(11 * time.Hour)
	hour12 := day.Add(12 * time.Hour)

	series, err := metering.NewSeries("itest-power-closed-loop", "LU0000000000000000000000000099", metering.OBISElectricityConsumption, metering.KindPowerDemand)
	if err != nil {
		t.Fatalf("new series: %v", err)
	}
	series.StartOfHistory = hour09
	series.LateArrivalMargin = time.Hour

	_, _ = db.ExecContext(ctx, "DELETE FROM hourly_statistics WHERE series_id = $1", string(series.ID))
	_, _ = db.ExecContext(ctx, "DELETE FROM series_watermarks WHERE series_id = $1", string(series.ID))

	store := aggpostgres.NewStatisticsRepository(db)
	fetcher := &queuedFetcher{}
	clock := &stepClock{now: day.Add(12*time.Hour + 10*time.Minute)}

	service, err := aggapp.NewRunService(
		fetcher,
		store,
		nil,
		log.New(io.Discard, "", 0),
		aggapp.WithRunClock(clock),
		aggapp.WithRewind(time.Hour),
	)
	if err != nil {
		t.Fatalf("new run service: %v", err)
	}

	fetcher.push(concat(
		powerSamples(hour09, 1, 2, 3, 4),
		powerSamples(hour10, 2, 2, 2, 2),
		powerSamples(hour11, 5, 5),
	))
	report, err := service.Run(ctx, series)
	if err != nil {
		t.Fatalf("run 1: %v", err)
	}
	if report.ChangedBuckets != 3 || report.ClosedBuckets != 1 {
		t.Fatalf("run 1 report: changed=%d closed=%d", report.ChangedBuckets, report.ClosedBuckets)
	}
	if !report.Watermark.Equal(hour09) {
		t.Fatalf("run 1 watermark: got=%s want=%s", report.Watermark, hour09)
	}

	buckets, err := store.ListRange(ctx, series.ID, hour09, hour12)
	if err != nil {
		t.Fatalf("list range: %v", err)
	}
	if len(buckets) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(buckets))
	}
	assertPowerBucket(t, buckets[0], hour09, 4, 1, 4, 2.5, true)
	assertPowerBucket(t, buckets[1], hour10, 4, 2, 2, 2, false)
	assertPowerBucket(t, buckets[2], hour11, 2, 5, 5, 5, false)

	// A merge against the frozen row must bounce off the closed guard.
	mutated := buckets[0]
	mutated.SampleCount = 99
	mutated.Max = 99
	mutated.Closed = false
	if err := store.Merge(ctx, series.ID, []aggregation.Bucket{mutated}, hour09); err != nil {
		t.Fatalf("merge mutated closed row: %v", err)
	}
	buckets, err = store.ListRange(ctx, series.ID, hour09, hour10)
	if err != nil {
		t.Fatalf("re-read closed row: %v", err)
	}
	if len(buckets) != 1 {
		t.Fatalf("expected 1 row, got %d", len(buckets))
	}
	assertPowerBucket(t, buckets[0], hour09, 4, 1, 4, 2.5, true)

	// The watermark guard rejects regressions.
	if err := store.Merge(ctx, series.ID, nil, hour09.Add(-time.Hour)); err != nil {
		t.Fatalf("merge stale watermark: %v", err)
	}
	watermark, found, err := store.Watermark(ctx, series.ID)
	if err != nil || !found {
		t.Fatalf("watermark after stale merge: found=%v err=%v", found, err)
	}
	if !watermark.Equal(hour09) {
		t.Fatalf("watermark moved backward: got=%s want=%s", watermark, hour09)
	}

	// Second run: a late correction for the frozen hour is dropped, the
	// overlap is absorbed by slot masks, hour 10 freezes and the watermark
	// advances.
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
	if report.ClosedBuckets != 1 {
		t.Fatalf("run 2 closed: got=%d want=1", report.ClosedBuckets)
	}
	if !report.Watermark.Equal(hour10) {
		t.Fatalf("run 2 watermark: got=%s want=%s", report.Watermark, hour10)
	}
	if report.Dropped[aggregation.DropLateForClosed] != 1 {
		t.Fatalf("run 2 late drops: got=%d want=1", report.Dropped[aggregation.DropLateForClosed])
	}

	buckets, err = store.ListRange(ctx, series.ID, hour09, hour12.Add(time.Hour))
	if err != nil {
		t.Fatalf("final list range: %v", err)
	}
	if len(buckets) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(buckets))
	}
	assertPowerBucket(t, buckets[0], hour09, 4, 1, 4, 2.5, true)
	assertPowerBucket(t, buckets[1], hour10, 4, 2, 2, 2, true)
	assertPowerBucket(t, buckets[2], hour11, 4, 5, 5, 5, false)
	assertPowerBucket(t, buckets[3], hour12, 2, 3, 3, 3, false)

	state, err := store.PriorState(ctx, series.ID, hour11)
	if err != nil {
		t.Fatalf("prior state: %v", err)
	}
	if !state.Watermark.Equal(hour10) {
		t.Fatalf("prior state watermark: got=%s want=%s", state.Watermark, hour10)
	}
	if len(state.Buckets) != 2 {
		t.Fatalf("prior state buckets: got=%d want=2", len(state.Buckets))
	}
	if !state.Buckets[0].HourStart.Equal(hour11) || !state.Buckets[1].HourStart.Equal(hour12) {
		t.Fatalf("prior state hours: got=%s,%s", state.Buckets[0].HourStart, state.Buckets[1].HourStart)
	}
}

func tableExists(db *sql.DB, table string) bool {
	var exists bool
	err := db.QueryRow(`
SELECT EXISTS (
	SELECT 1
	FROM information_schema.tables
	WHERE table_schema = 'public' AND table_name = $1
)`, table).Scan(&exists)
	if err != nil {
		return false
	}
	return exists
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	aggregation "leneda-bridge/internal/aggregation/domain"
	metering "leneda-bridge/internal/metering/domain"
)

const (
	defaultStatisticsTable = "hourly_statistics"
	defaultWatermarksTable = "series_watermarks"
)

// StatisticsRepository is the Postgres store for hour buckets and series
// watermarks.
//
// Expected schema:
//
//	CREATE TABLE hourly_statistics (
//		series_id      TEXT        NOT NULL,
//		kind           TEXT        NOT NULL,
//		hour_start     TIMESTAMPTZ NOT NULL,
//		unit           TEXT        NOT NULL DEFAULT '',
//		sample_count   INTEGER     NOT NULL,
//		slot_mask      SMALLINT    NOT NULL,
//		min_value      DOUBLE PRECISION NOT NULL,
//		max_value      DOUBLE PRECISION NOT NULL,
//		mean_value     DOUBLE PRECISION NOT NULL,
//		sum_value      DOUBLE PRECISION NOT NULL,
//		cumulative_sum DOUBLE PRECISION NOT NULL,
//		closed         BOOLEAN     NOT NULL DEFAULT FALSE,
//		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//		PRIMARY KEY (series_id, hour_start)
//	);
//
//	CREATE TABLE series_watermarks (
//		series_id  TEXT        PRIMARY KEY,
//		watermark  TIMESTAMPTZ NOT NULL,
//		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type StatisticsRepository struct {
	db              *sql.DB
	statisticsTable string
	watermarksTable string
}

// RepositoryOption configures the repository.
type RepositoryOption func(*StatisticsRepository)

// WithStatisticsTable overrides the default statistics table name.
func WithStatisticsTable(table string) RepositoryOption {
	return func(repo *StatisticsRepository) {
		if table != "" {
			repo.statisticsTable = table
		}
	}
}

// WithWatermarksTable overrides the default watermarks table name.
func WithWatermarksTable(table string) RepositoryOption {
	return func(repo *StatisticsRepository) {
		if table != "" {
			repo.watermarksTable = table
		}
	}
}

// NewStatisticsRepository creates a repository using the default table names.
func NewStatisticsRepository(db *sql.DB, opts ...RepositoryOption) *StatisticsRepository {
	repo := &StatisticsRepository{
		db:              db,
		statisticsTable: defaultStatisticsTable,
		watermarksTable: defaultWatermarksTable,
	}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Watermark returns the persisted watermark for a series.
func (r *StatisticsRepository) Watermark(ctx context.Context, seriesID metering.SeriesID) (time.Time, bool, error) {
	if r == nil || r.db == nil {
		return time.Time{}, false, errors.New("statistics repo: nil db")
	}
	query := fmt.Sprintf(`SELECT watermark FROM %s WHERE series_id = $1`, r.watermarksTable)

	var watermark time.Time
	err := r.db.QueryRowContext(ctx, query, string(seriesID)).Scan(&watermark)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return watermark.UTC(), true, nil
}

// PriorState loads the reconciliation context for a run: the watermark,
// every bucket at or after windowStart, and the cumulative sum of the last
// closed bucket before it.
func (r *StatisticsRepository) PriorState(ctx context.Context, seriesID metering.SeriesID, windowStart time.Time) (aggregation.PriorState, error) {
	if r == nil || r.db == nil {
		return aggregation.PriorState{}, errors.New("statistics repo: nil db")
	}

	watermark, _, err := r.Watermark(ctx, seriesID)
	if err != nil {
		return aggregation.PriorState{}, err
	}
	state := aggregation.PriorState{Watermark: watermark}

	query := fmt.Sprintf(`
SELECT
	series_id,
	kind,
	hour_start,
	unit,
	sample_count,
	slot_mask,
	min_value,
	max_value,
	mean_value,
	sum_value,
	cumulative_sum,
	closed
FROM %s
WHERE series_id = $1
	AND hour_start >= $2
ORDER BY hour_start ASC`, r.statisticsTable)

	rows, err := r.db.QueryContext(ctx, query, string(seriesID), windowStart)
	if err != nil {
		return aggregation.PriorState{}, err
	}
	defer rows.Close()

	for rows.Next() {
		bucket, err := scanBucket(rows)
		if err != nil {
			return aggregation.PriorState{}, err
		}
		state.Buckets = append(state.Buckets, bucket)
	}
	if err := rows.Err(); err != nil {
		return aggregation.PriorState{}, err
	}

	baseQuery := fmt.Sprintf(`
SELECT cumulative_sum
FROM %s
WHERE series_id = $1
	AND hour_start < $2
	AND closed = TRUE
ORDER BY hour_start DESC
LIMIT 1`, r.statisticsTable)

	var base float64
	err = r.db.QueryRowContext(ctx, baseQuery, string(seriesID), windowStart).Scan(&base)
	if err != nil && err != sql.ErrNoRows {
		return aggregation.PriorState{}, err
	}
	state.CumulativeBase = base
	return state, nil
}

// Merge upserts the changed buckets and advances the watermark in one
// transaction. Closed rows are never overwritten and the watermark never
// moves backward; both guards live in the SQL so no interleaving can
// violate them.
func (r *StatisticsRepository) Merge(ctx context.Context, seriesID metering.SeriesID, buckets []aggregation.Bucket, watermark time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("statistics repo: nil db")
	}
	if len(buckets) == 0 && watermark.IsZero() {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	upsert := fmt.Sprintf(`
INSERT INTO %s (
	series_id,
	kind,
	hour_start,
	unit,
	sample_count,
	slot_mask,
	min_value,
	max_value,
	mean_value,
	sum_value,
	cumulative_sum,
	closed,
	updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW()
)
ON CONFLICT (series_id, hour_start)
DO UPDATE SET
	kind = EXCLUDED.kind,
	unit = EXCLUDED.unit,
	sample_count = EXCLUDED.sample_count,
	slot_mask = EXCLUDED.slot_mask,
	min_value = EXCLUDED.min_value,
	max_value = EXCLUDED.max_value,
	mean_value = EXCLUDED.mean_value,
	sum_value = EXCLUDED.sum_value,
	cumulative_sum = EXCLUDED.cumulative_sum,
	closed = EXCLUDED.closed,
	updated_at = NOW()
WHERE %s.closed = FALSE`, r.statisticsTable, r.statisticsTable)

	for _, bucket := range buckets {
		_, err := tx.ExecContext(
			ctx,
			upsert,
			string(bucket.SeriesID),
			string(bucket.Kind),
			bucket.HourStart,
			bucket.Unit,
			bucket.SampleCount,
			int16(bucket.SlotMask),
			bucket.Min,
			bucket.Max,
			bucket.Mean,
			bucket.Sum,
			bucket.CumulativeSum,
			bucket.Closed,
		)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if !watermark.IsZero() {
		advance := fmt.Sprintf(`
INSERT INTO %s (series_id, watermark, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (series_id)
DO UPDATE SET
	watermark = EXCLUDED.watermark,
	updated_at = NOW()
WHERE %s.watermark < EXCLUDED.watermark`, r.watermarksTable, r.watermarksTable)

		if _, err := tx.ExecContext(ctx, advance, string(seriesID), watermark); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// ListRange returns the buckets of a series within [from, to) in hour order.
func (r *StatisticsRepository) ListRange(ctx context.Context, seriesID metering.SeriesID, from, to time.Time) ([]aggregation.Bucket, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("statistics repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT
	series_id,
	kind,
	hour_start,
	unit,
	sample_count,
	slot_mask,
	min_value,
	max_value,
	mean_value,
	sum_value,
	cumulative_sum,
	closed
FROM %s
WHERE series_id = $1
	AND hour_start >= $2
	AND hour_start < $3
ORDER BY hour_start ASC`, r.statisticsTable)

	rows, err := r.db.QueryContext(ctx, query, string(seriesID), from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buckets []aggregation.Bucket
	for rows.Next() {
		bucket, err := scanBucket(rows)
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, bucket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return buckets, nil
}

func scanBucket(scanner interface{ Scan(dest ...any) error }) (aggregation.Bucket, error) {
	var (
		seriesID      string
		kind          string
		hourStart     time.Time
		unit          string
		sampleCount   int
		slotMask      int16
		minValue      float64
		maxValue      float64
		meanValue     float64
		sumValue      float64
		cumulativeSum float64
		closed        bool
	)

	if err := scanner.Scan(
		&seriesID,
		&kind,
		&hourStart,
		&unit,
		&sampleCount,
		&slotMask,
		&minValue,
		&maxValue,
		&meanValue,
		&sumValue,
		&cumulativeSum,
		&closed,
	); err != nil {
		return aggregation.Bucket{}, err
	}

	return aggregation.Bucket{
		SeriesID:      metering.SeriesID(seriesID),
		Kind:          metering.SeriesKind(kind),
		HourStart:     hourStart.UTC(),
		Unit:          unit,
		SampleCount:   sampleCount,
		SlotMask:      uint8(slotMask),
		Min:           minValue,
		Max:           maxValue,
		Mean:          meanValue,
		Sum:           sumValue,
		CumulativeSum: cumulativeSum,
		Closed:        closed,
	}, nil
}

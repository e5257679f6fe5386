package events

import (
	"time"

	aggregation "leneda-bridge/internal/aggregation/domain"
	metering "leneda-bridge/internal/metering/domain"
)

// RunCompleted is raised after a series run persisted its results.
// Buckets carries the new or changed hour buckets in ascending hour
// order; Watermark is the series watermark after the run.
type RunCompleted struct {
	SeriesID      metering.SeriesID
	MeteringPoint string
	OBISCode      metering.OBISCode
	Kind          metering.SeriesKind
	WindowStart   time.Time
	WindowEnd     time.Time
	Samples       int
	Buckets       []aggregation.Bucket
	Watermark     time.Time
	OccurredAt    time.Time
}

// BucketsClosed is raised when a run froze one or more hour buckets.
// Closed buckets never change again, so consumers may treat them as
// final (export targets, downstream rollups).
type BucketsClosed struct {
	SeriesID      metering.SeriesID
	MeteringPoint string
	OBISCode      metering.OBISCode
	Kind          metering.SeriesKind
	Buckets       []aggregation.Bucket
	Watermark     time.Time
	OccurredAt    time.Time
}

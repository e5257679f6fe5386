package influx

import (
	"context"
	"errors"
	"fmt"
	"log"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"leneda-bridge/internal/aggregation/application/events"
	aggregation "leneda-bridge/internal/aggregation/domain"
	metering "leneda-bridge/internal/metering/domain"
)

// Mirror forwards frozen hour buckets to InfluxDB so dashboards can graph
// them without touching Postgres. Only closed buckets are mirrored; they
// never change, so the mirror needs no delete or rewrite path.
type Mirror struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	logger   *log.Logger
}

// NewMirror connects a mirror to an InfluxDB v2 org/bucket.
func NewMirror(url, token, org, bucket string, logger *log.Logger) (*Mirror, error) {
	if url == "" {
		return nil, errors.New("influx: empty url")
	}
	if token == "" {
		return nil, errors.New("influx: empty token")
	}
	if logger == nil {
		logger = log.Default()
	}
	client := influxdb2.NewClient(url, token)
	return &Mirror{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		logger:   logger,
	}, nil
}

// Ping verifies connectivity. Callers treat failures as advisory; the
// mirror keeps accepting events and surfaces write errors per batch.
func (m *Mirror) Ping(ctx context.Context) error {
	health, err := m.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("influx: health check: %w", err)
	}
	if health.Status != "pass" {
		return fmt.Errorf("influx: unhealthy: %s", health.Status)
	}
	return nil
}

// HandleBucketsClosed writes one point per frozen bucket, stamped at the
// bucket hour start.
func (m *Mirror) HandleBucketsClosed(ctx context.Context, evt events.BucketsClosed) error {
	for _, bucket := range evt.Buckets {
		point := write.NewPoint(
			measurementFor(bucket.Kind),
			map[string]string{
				"series":         string(bucket.SeriesID),
				"metering_point": evt.MeteringPoint,
				"obis_code":      string(evt.OBISCode),
			},
			fieldsFor(bucket),
			bucket.HourStart,
		)
		if err := m.writeAPI.WritePoint(ctx, point); err != nil {
			return fmt.Errorf("influx: write %s %s: %w", bucket.SeriesID, bucket.HourStart.Format("2006-01-02T15"), err)
		}
	}
	m.logger.Printf("influx: mirrored %d closed buckets series=%s", len(evt.Buckets), evt.SeriesID)
	return nil
}

// Close releases the underlying client.
func (m *Mirror) Close() {
	m.client.Close()
}

func measurementFor(kind metering.SeriesKind) string {
	if kind == metering.KindEnergyConsumption {
		return "energy_hourly"
	}
	return "power_hourly"
}

func fieldsFor(bucket aggregation.Bucket) map[string]interface{} {
	if bucket.Kind == metering.KindEnergyConsumption {
		return map[string]interface{}{
			"sum":            bucket.Sum,
			"mean":           bucket.Mean,
			"cumulative_sum": bucket.CumulativeSum,
			"sample_count":   bucket.SampleCount,
		}
	}
	return map[string]interface{}{
		"min":          bucket.Min,
		"max":          bucket.Max,
		"mean":         bucket.Mean,
		"sample_count": bucket.SampleCount,
	}
}

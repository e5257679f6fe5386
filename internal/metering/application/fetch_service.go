package application

import (
	"context"
	"errors"
	"log"
	"time"

	"leneda-bridge/internal/leneda"
	metering "leneda-bridge/internal/metering/domain"
)

const (
	// defaultMaxChunk is the widest window the provider accepts per request.
	defaultMaxChunk = 30 * 24 * time.Hour
	// defaultClockSkew bounds how far past now a requested window may reach.
	defaultClockSkew = 5 * time.Minute
)

// TimeSeriesSource is the provider gateway the fetch service consumes.
type TimeSeriesSource interface {
	GetTimeSeries(ctx context.Context, meteringPoint string, obis metering.OBISCode, from, to time.Time) (leneda.TimeSeries, error)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// FetchService reads raw samples for a series window. Windows wider than
// the provider limit are fetched in chunks and concatenated in order; the
// result keeps provider ordering and duplicates (the aggregator dedups).
type FetchService struct {
	source TimeSeriesSource
	chunk  time.Duration
	skew   time.Duration
	clock  Clock
	logger *log.Logger
}

// FetchOption configures the fetch service.
type FetchOption func(*FetchService)

// WithMaxChunk overrides the per-request window limit.
func WithMaxChunk(chunk time.Duration) FetchOption {
	return func(s *FetchService) {
		if chunk > 0 {
			s.chunk = chunk
		}
	}
}

// WithClockSkew overrides the allowance for windows reaching past now.
func WithClockSkew(skew time.Duration) FetchOption {
	return func(s *FetchService) {
		if skew >= 0 {
			s.skew = skew
		}
	}
}

// WithClock overrides the clock.
func WithClock(clock Clock) FetchOption {
	return func(s *FetchService) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewFetchService constructs a fetch service.
func NewFetchService(source TimeSeriesSource, logger *log.Logger, opts ...FetchOption) (*FetchService, error) {
	if source == nil {
		return nil, errors.New("fetch: nil source")
	}
	s := &FetchService{
		source: source,
		chunk:  defaultMaxChunk,
		skew:   defaultClockSkew,
		clock:  systemClock{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Fetch returns all samples for the series in [from, to]. The returned
// slice is finite and ordered as delivered; a failed chunk fails the whole
// fetch so callers retry the full window.
func (s *FetchService) Fetch(ctx context.Context, series metering.Series, from, to time.Time) ([]metering.Sample, error) {
	if from.IsZero() || to.IsZero() || !to.After(from) {
		return nil, metering.NewPermanentFetchError("window", metering.ErrInvalidWindow)
	}
	now := s.clock.Now()
	if to.After(now.Add(s.skew)) {
		to = now.Add(s.skew)
	}
	if !to.After(from) {
		return nil, metering.NewPermanentFetchError("window", metering.ErrInvalidWindow)
	}

	var samples []metering.Sample
	for cursor := from; cursor.Before(to); {
		windowEnd := cursor.Add(s.chunk)
		if windowEnd.After(to) {
			windowEnd = to
		}

		ts, err := s.source.GetTimeSeries(ctx, series.MeteringPoint, series.OBISCode, cursor, windowEnd)
		if err != nil {
			return nil, err
		}

		unit := ts.Unit
		if unit == "" {
			unit = series.Kind.Unit()
		}
		for _, item := range ts.Items {
			samples = append(samples, metering.Sample{
				Timestamp: item.StartedAt,
				Value:     item.Value,
				Unit:      unit,
				Quality:   item.Type,
			})
		}
		if s.logger != nil {
			s.logger.Printf("fetch: series=%s window=%s..%s items=%d",
				series.ID, cursor.Format(time.RFC3339), windowEnd.Format(time.RFC3339), len(ts.Items))
		}
		cursor = windowEnd
	}
	return samples, nil
}

package application

import (
	"context"
	"errors"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	aggapp "leneda-bridge/internal/aggregation/application"
	aggregation "leneda-bridge/internal/aggregation/domain"
	metering "leneda-bridge/internal/metering/domain"
	"leneda-bridge/internal/observability/metrics"
	"leneda-bridge/internal/scheduler/notify"
)

const (
	defaultPollInterval = 2 * time.Hour
	defaultMaxAttempts  = 5
	defaultBaseBackoff  = 5 * time.Second
	defaultMaxBackoff   = 5 * time.Minute
)

// ErrUnknownSeries is returned for operations on series the scheduler does
// not watch.
var ErrUnknownSeries = errors.New("scheduler: unknown series")

// ErrSeriesNeedsAttention is returned when a run is requested for a series
// latched on a fatal error.
var ErrSeriesNeedsAttention = errors.New("scheduler: series needs attention")

// Runner executes one aggregation run for a series.
type Runner interface {
	Run(ctx context.Context, series metering.Series) (aggapp.RunReport, error)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Scheduler polls every watched series on its own interval. Each series is
// driven by a single goroutine, so two runs for the same series can never
// overlap; distinct series run concurrently.
type Scheduler struct {
	runner   Runner
	status   *StatusRegistry
	notifier notify.Notifier
	clock    Clock
	logger   *log.Logger

	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	states map[metering.SeriesID]*seriesState
	order  []metering.SeriesID
	wg     sync.WaitGroup
}

type seriesState struct {
	series  metering.Series
	trigger chan struct{}
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithMaxAttempts bounds transient retries within one cycle.
func WithMaxAttempts(attempts int) Option {
	return func(s *Scheduler) {
		if attempts > 0 {
			s.maxAttempts = attempts
		}
	}
}

// WithBackoff overrides the retry backoff bounds.
func WithBackoff(base, max time.Duration) Option {
	return func(s *Scheduler) {
		if base > 0 {
			s.baseBackoff = base
		}
		if max > 0 {
			s.maxBackoff = max
		}
	}
}

// WithSchedulerClock overrides the clock, for tests.
func WithSchedulerClock(clock Clock) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewScheduler constructs a Scheduler for the given series.
func NewScheduler(runner Runner, status *StatusRegistry, notifier notify.Notifier, series []metering.Series, logger *log.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	s := &Scheduler{
		runner:      runner,
		status:      status,
		notifier:    notifier,
		clock:       systemClock{},
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
		maxBackoff:  defaultMaxBackoff,
		states:      make(map[metering.SeriesID]*seriesState, len(series)),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, sr := range series {
		if _, ok := s.states[sr.ID]; ok {
			continue
		}
		s.states[sr.ID] = &seriesState{
			series:  sr,
			trigger: make(chan struct{}, 1),
		}
		s.order = append(s.order, sr.ID)
	}
	return s
}

// Start launches one polling loop per series and returns. Loops stop when
// ctx is cancelled; Wait blocks until they have drained.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.runner == nil {
		return
	}
	for _, id := range s.order {
		state := s.states[id]
		s.wg.Add(1)
		go s.loop(ctx, state)
	}
	s.logger.Printf("scheduler: started %d series loops", len(s.order))
}

// Wait blocks until all series loops have exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// TriggerRun requests an immediate run outside the polling cadence. The
// run executes asynchronously on the series loop.
func (s *Scheduler) TriggerRun(seriesID metering.SeriesID) error {
	state, ok := s.states[seriesID]
	if !ok {
		return ErrUnknownSeries
	}
	if s.status != nil && s.status.NeedsAttention(seriesID) {
		return ErrSeriesNeedsAttention
	}
	select {
	case state.trigger <- struct{}{}:
	default:
		// A trigger is already pending.
	}
	return nil
}

// ClearAttention releases a latched series and schedules a fresh run.
func (s *Scheduler) ClearAttention(seriesID metering.SeriesID) error {
	state, ok := s.states[seriesID]
	if !ok {
		return ErrUnknownSeries
	}
	if s.status != nil {
		s.status.ClearAttention(seriesID)
	}
	metrics.SetNeedsAttention(string(seriesID), false)
	s.logger.Printf("scheduler: series=%s attention cleared", seriesID)
	select {
	case state.trigger <- struct{}{}:
	default:
	}
	return nil
}

// Series lists the watched series in configuration order.
func (s *Scheduler) Series() []metering.Series {
	result := make([]metering.Series, 0, len(s.order))
	for _, id := range s.order {
		result = append(result, s.states[id].series)
	}
	return result
}

func (s *Scheduler) loop(ctx context.Context, state *seriesState) {
	defer s.wg.Done()

	interval := state.series.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-state.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		s.runSeries(ctx, state.series)
		timer.Reset(interval)
	}
}

// runSeries executes one cycle with bounded retries. Transient failures
// back off and retry; fatal ones latch the series until an operator
// intervenes. Giving up after maxAttempts is not fatal: the next tick
// starts a fresh cycle.
func (s *Scheduler) runSeries(ctx context.Context, series metering.Series) {
	id := series.ID
	if s.status != nil && s.status.NeedsAttention(id) {
		s.logger.Printf("scheduler: series=%s latched, skipping run", id)
		return
	}

	for attempt := 0; ; attempt++ {
		_, err := s.runner.Run(ctx, series)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if s.status != nil {
			s.status.RecordFailure(id, s.clock.Now(), err)
		}
		if isFatal(err) {
			s.latch(ctx, series, err)
			return
		}
		if attempt+1 >= s.maxAttempts {
			s.logger.Printf("scheduler: series=%s giving up after %d attempts: %v", id, attempt+1, err)
			return
		}
		backoff := s.backoff(attempt)
		metrics.IncFetchRetry(string(id))
		s.logger.Printf("scheduler: series=%s attempt=%d retrying in %s: %v", id, attempt+1, backoff.Round(time.Millisecond), err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (s *Scheduler) latch(ctx context.Context, series metering.Series, cause error) {
	if s.status != nil {
		s.status.LatchAttention(series.ID, cause.Error())
	}
	metrics.SetNeedsAttention(string(series.ID), true)
	s.logger.Printf("scheduler: series=%s needs attention: %v", series.ID, cause)

	if s.notifier == nil {
		return
	}
	msg := notify.AttentionMessage{
		SeriesID:      string(series.ID),
		MeteringPoint: series.MeteringPoint,
		OBISCode:      string(series.OBISCode),
		Kind:          string(series.Kind),
		Reason:        cause.Error(),
	}
	if s.status != nil {
		if status, ok := s.status.Get(series.ID); ok && status.Watermark != nil {
			msg.Watermark = status.Watermark.Format(time.RFC3339)
		}
	}
	if err := s.notifier.Notify(ctx, msg); err != nil {
		s.logger.Printf("scheduler: series=%s attention notify failed: %v", series.ID, err)
	}
}

func (s *Scheduler) backoff(attempt int) time.Duration {
	base := float64(s.baseBackoff)
	backoff := base * math.Pow(2, float64(attempt))
	if max := float64(s.maxBackoff); backoff > max {
		backoff = max
	}
	jitter := rand.Float64() * 0.1 * backoff
	return time.Duration(backoff + jitter)
}

// isFatal separates errors no retry can fix from transient ones. Provider
// rejections (bad credentials, unknown metering point) and corrupted
// cumulative chains halt the series; everything else retries.
func isFatal(err error) bool {
	var nonMonotonic *aggregation.NonMonotonicCumulativeSumError
	if errors.As(err, &nonMonotonic) {
		return true
	}
	return metering.IsPermanentFetch(err)
}

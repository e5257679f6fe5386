package application

import (
	"sync"
	"time"

	"leneda-bridge/internal/aggregation/application/events"
	metering "leneda-bridge/internal/metering/domain"
)

// SeriesStatus is the operator-facing state of one watched series.
type SeriesStatus struct {
	SeriesID            metering.SeriesID `json:"series_id"`
	MeteringPoint       string            `json:"metering_point"`
	OBISCode            string            `json:"obis_code"`
	Kind                string            `json:"kind"`
	Watermark           *time.Time        `json:"watermark,omitempty"`
	LastRunAt           *time.Time        `json:"last_run_at,omitempty"`
	LastSuccessAt       *time.Time        `json:"last_success_at,omitempty"`
	LastError           string            `json:"last_error,omitempty"`
	LastSamples         int               `json:"last_samples"`
	LastChangedBuckets  int               `json:"last_changed_buckets"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	NeedsAttention      bool              `json:"needs_attention"`
	AttentionReason     string            `json:"attention_reason,omitempty"`
}

// StatusRegistry tracks per-series run state in memory. Success data
// arrives via RunCompleted events, failure data from the scheduler.
type StatusRegistry struct {
	mu     sync.RWMutex
	status map[metering.SeriesID]*SeriesStatus
	order  []metering.SeriesID
}

// NewStatusRegistry seeds a registry with the configured series.
func NewStatusRegistry(series []metering.Series) *StatusRegistry {
	registry := &StatusRegistry{
		status: make(map[metering.SeriesID]*SeriesStatus, len(series)),
		order:  make([]metering.SeriesID, 0, len(series)),
	}
	for _, s := range series {
		registry.status[s.ID] = &SeriesStatus{
			SeriesID:      s.ID,
			MeteringPoint: s.MeteringPoint,
			OBISCode:      string(s.OBISCode),
			Kind:          string(s.Kind),
		}
		registry.order = append(registry.order, s.ID)
	}
	return registry
}

// RecordRun applies a completed run to the registry.
func (r *StatusRegistry) RecordRun(evt events.RunCompleted) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.status[evt.SeriesID]
	if !ok {
		return
	}
	occurred := evt.OccurredAt
	status.LastRunAt = &occurred
	status.LastSuccessAt = &occurred
	status.LastError = ""
	status.LastSamples = evt.Samples
	status.LastChangedBuckets = len(evt.Buckets)
	status.ConsecutiveFailures = 0
	if !evt.Watermark.IsZero() {
		watermark := evt.Watermark
		status.Watermark = &watermark
	}
}

// RecordFailure notes a failed run attempt.
func (r *StatusRegistry) RecordFailure(seriesID metering.SeriesID, at time.Time, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.status[seriesID]
	if !ok {
		return
	}
	status.LastRunAt = &at
	status.LastError = err.Error()
	status.ConsecutiveFailures++
}

// LatchAttention halts a series until an operator clears it.
func (r *StatusRegistry) LatchAttention(seriesID metering.SeriesID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.status[seriesID]
	if !ok {
		return
	}
	status.NeedsAttention = true
	status.AttentionReason = reason
}

// ClearAttention releases a latched series.
func (r *StatusRegistry) ClearAttention(seriesID metering.SeriesID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.status[seriesID]
	if !ok {
		return false
	}
	status.NeedsAttention = false
	status.AttentionReason = ""
	status.ConsecutiveFailures = 0
	return true
}

// NeedsAttention reports whether a series is latched.
func (r *StatusRegistry) NeedsAttention(seriesID metering.SeriesID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status, ok := r.status[seriesID]
	return ok && status.NeedsAttention
}

// Get returns a copy of one series status.
func (r *StatusRegistry) Get(seriesID metering.SeriesID) (SeriesStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status, ok := r.status[seriesID]
	if !ok {
		return SeriesStatus{}, false
	}
	return *status, true
}

// List returns all series statuses in configuration order.
func (r *StatusRegistry) List() []SeriesStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]SeriesStatus, 0, len(r.order))
	for _, id := range r.order {
		if status, ok := r.status[id]; ok {
			result = append(result, *status)
		}
	}
	return result
}

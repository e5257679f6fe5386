package metering

import (
	"fmt"
	"strings"
	"time"
)

// SeriesKind selects the statistical treatment for a series.
type SeriesKind string

const (
	// KindPowerDemand is 15-minute average power readings (kW).
	KindPowerDemand SeriesKind = "POWER_DEMAND"
	// KindEnergyConsumption is hourly energy readings (kWh).
	KindEnergyConsumption SeriesKind = "ENERGY_CONSUMPTION"
)

// IsValid checks if the kind is one of the supported values.
func (k SeriesKind) IsValid() bool {
	switch k {
	case KindPowerDemand, KindEnergyConsumption:
		return true
	default:
		return false
	}
}

// Granularity returns the native sampling interval of the kind.
func (k SeriesKind) Granularity() time.Duration {
	switch k {
	case KindPowerDemand:
		return 15 * time.Minute
	case KindEnergyConsumption:
		return time.Hour
	default:
		return 0
	}
}

// Unit returns the canonical unit for the kind.
func (k SeriesKind) Unit() string {
	switch k {
	case KindPowerDemand:
		return "kW"
	case KindEnergyConsumption:
		return "kWh"
	default:
		return ""
	}
}

// SeriesID identifies a series.
type SeriesID string

// Series binds a metering point and OBIS code to a statistical treatment.
// Invariants:
// 1) Kind is fixed for the lifetime of the series.
// 2) A different OBIS code is a different series (the default id embeds it).
type Series struct {
	ID            SeriesID
	MeteringPoint string
	OBISCode      OBISCode
	Kind          SeriesKind

	PollInterval      time.Duration
	LateArrivalMargin time.Duration
	StartOfHistory    time.Time
}

// NewSeries constructs a validated series. An empty id is derived from the
// metering point, OBIS code and kind.
func NewSeries(id SeriesID, meteringPoint string, obis OBISCode, kind SeriesKind) (Series, error) {
	if meteringPoint == "" {
		return Series{}, ErrEmptyMeteringPoint
	}
	if obis == "" {
		return Series{}, ErrEmptyOBISCode
	}
	if !kind.IsValid() {
		return Series{}, ErrInvalidSeriesKind
	}
	if id == "" {
		id = DeriveSeriesID(meteringPoint, obis, kind)
	}
	return Series{
		ID:            id,
		MeteringPoint: meteringPoint,
		OBISCode:      obis,
		Kind:          kind,
	}, nil
}

// DeriveSeriesID builds the default series id.
func DeriveSeriesID(meteringPoint string, obis OBISCode, kind SeriesKind) SeriesID {
	suffix := "power"
	if kind == KindEnergyConsumption {
		suffix = "energy"
	}
	return SeriesID(fmt.Sprintf("%s_%s_%s", strings.ToLower(meteringPoint), obis, suffix))
}

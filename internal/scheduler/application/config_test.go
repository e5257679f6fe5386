package application

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	metering "leneda-bridge/internal/metering/domain"
)

const testConfigYAML = `
defaults:
  poll_interval: 1h
  late_arrival_margin: 45m
  initial_lookback_days: 30
  max_attempts: 3
webhook_url: https://hooks.example.test/leneda
series:
  - id: home_power
    metering_point: LU0000010
    obis_code: 1-1:1.29.0
    kind: power
  - metering_point: LU0000010
    obis_code: 1-1:1.29.0
    kind: energy
    poll_interval: 30m
    late_arrival_margin: 2h
    start_of_history: 2025-06-01
`

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "series.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_FromFile(t *testing.T) {
	t.Setenv("SERIES_CONFIG", writeConfigFile(t, testConfigYAML))
	t.Setenv("LENEDA_METERING_POINTS", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.WebhookURL != "https://hooks.example.test/leneda" {
		t.Fatalf("unexpected webhook url %q", cfg.WebhookURL)
	}
	if cfg.MaxAttempts() != 3 {
		t.Fatalf("expected 3 max attempts, got %d", cfg.MaxAttempts())
	}
	if got := cfg.InitialLookback(); got != 30*24*time.Hour {
		t.Fatalf("expected 30d lookback, got %s", got)
	}

	series, err := cfg.BuildSeries()
	if err != nil {
		t.Fatalf("build series: %v", err)
	}
	if len(series) != 2 {
		t.Fatalf("expected 2 series, got %d", len(series))
	}

	power := series[0]
	if power.ID != "home_power" || power.Kind != metering.KindPowerDemand {
		t.Fatalf("unexpected power series: %+v", power)
	}
	if power.PollInterval != time.Hour {
		t.Fatalf("expected default poll interval 1h, got %s", power.PollInterval)
	}
	if power.LateArrivalMargin != 45*time.Minute {
		t.Fatalf("expected default margin 45m, got %s", power.LateArrivalMargin)
	}

	energy := series[1]
	if energy.ID == "" {
		t.Fatal("expected derived id for energy series")
	}
	if energy.Kind != metering.KindEnergyConsumption {
		t.Fatalf("unexpected energy kind %s", energy.Kind)
	}
	if energy.PollInterval != 30*time.Minute {
		t.Fatalf("expected 30m override, got %s", energy.PollInterval)
	}
	if energy.LateArrivalMargin != 2*time.Hour {
		t.Fatalf("expected 2h override, got %s", energy.LateArrivalMargin)
	}
	want := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	if !energy.StartOfHistory.Equal(want) {
		t.Fatalf("expected start of history %s, got %s", want, energy.StartOfHistory)
	}
}

func TestLoadConfig_EnvFallbackSeries(t *testing.T) {
	t.Setenv("SERIES_CONFIG", "")
	t.Setenv("LENEDA_METERING_POINTS", "LU0000010, LU0000020")
	t.Setenv("LENEDA_OBIS_CODE", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	series, err := cfg.BuildSeries()
	if err != nil {
		t.Fatalf("build series: %v", err)
	}
	if len(series) != 4 {
		t.Fatalf("expected 4 series (power+energy per point), got %d", len(series))
	}
	for _, s := range series {
		if s.OBISCode != metering.OBISElectricityConsumption {
			t.Fatalf("expected consumption code, got %s", s.OBISCode)
		}
	}
}

func TestBuildSeries_RejectsDuplicates(t *testing.T) {
	cfg := Config{
		Series: []SeriesConfig{
			{ID: "dup", MeteringPoint: "LU1", OBISCode: "1-1:1.29.0", Kind: "power"},
			{ID: "dup", MeteringPoint: "LU2", OBISCode: "1-1:1.29.0", Kind: "power"},
		},
	}
	if _, err := cfg.BuildSeries(); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestBuildSeries_RejectsUnknownKind(t *testing.T) {
	cfg := Config{
		Series: []SeriesConfig{
			{MeteringPoint: "LU1", OBISCode: "1-1:1.29.0", Kind: "weekly"},
		},
	}
	if _, err := cfg.BuildSeries(); err == nil {
		t.Fatal("expected unknown kind error")
	}
}

func TestBuildSeries_RejectsEmpty(t *testing.T) {
	if _, err := (Config{}).BuildSeries(); err == nil {
		t.Fatal("expected error for empty series list")
	}
}

func TestBuildSeries_RejectsBadDuration(t *testing.T) {
	cfg := Config{
		Series: []SeriesConfig{
			{MeteringPoint: "LU1", OBISCode: "1-1:1.29.0", Kind: "power", PollInterval: "soon"},
		},
	}
	if _, err := cfg.BuildSeries(); err == nil {
		t.Fatal("expected duration parse error")
	}
}

func TestParseStartOfHistory_RFC3339(t *testing.T) {
	got, err := parseStartOfHistory("2025-06-01T12:30:00Z")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

package application

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	metering "leneda-bridge/internal/metering/domain"
)

// SeriesConfig describes one watched series in the config file. Durations
// use Go notation ("2h", "90m"); start_of_history accepts RFC3339 or a
// plain date.
type SeriesConfig struct {
	ID                string `yaml:"id"`
	MeteringPoint     string `yaml:"metering_point"`
	OBISCode          string `yaml:"obis_code"`
	Kind              string `yaml:"kind"`
	PollInterval      string `yaml:"poll_interval"`
	LateArrivalMargin string `yaml:"late_arrival_margin"`
	StartOfHistory    string `yaml:"start_of_history"`
}

// Defaults apply to series that do not override them.
type Defaults struct {
	PollInterval        string `yaml:"poll_interval"`
	LateArrivalMargin   string `yaml:"late_arrival_margin"`
	InitialLookbackDays int    `yaml:"initial_lookback_days"`
	MaxAttempts         int    `yaml:"max_attempts"`
}

// Config defines the polling configuration.
type Config struct {
	Defaults   Defaults       `yaml:"defaults"`
	Series     []SeriesConfig `yaml:"series"`
	WebhookURL string         `yaml:"webhook_url"`
}

// LoadConfig loads config from yaml or env. Without a SERIES_CONFIG file,
// LENEDA_METERING_POINTS seeds one power and one energy series per
// metering point on the consumption code.
func LoadConfig() (Config, error) {
	cfg := Config{
		WebhookURL: os.Getenv("ATTENTION_WEBHOOK_URL"),
	}

	if path := os.Getenv("SERIES_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if cfg.Defaults.PollInterval == "" {
		cfg.Defaults.PollInterval = getenvDefault("POLL_INTERVAL", "2h")
	}
	if cfg.Defaults.LateArrivalMargin == "" {
		cfg.Defaults.LateArrivalMargin = getenvDefault("LATE_ARRIVAL_MARGIN", "1h")
	}
	if cfg.Defaults.InitialLookbackDays == 0 {
		cfg.Defaults.InitialLookbackDays = getenvIntDefault("INITIAL_LOOKBACK_DAYS", 180)
	}
	if cfg.Defaults.MaxAttempts == 0 {
		cfg.Defaults.MaxAttempts = getenvIntDefault("RUN_MAX_ATTEMPTS", 5)
	}
	if cfg.WebhookURL == "" {
		cfg.WebhookURL = os.Getenv("ATTENTION_WEBHOOK_URL")
	}

	if len(cfg.Series) == 0 {
		for _, meteringPoint := range splitCSV(os.Getenv("LENEDA_METERING_POINTS")) {
			obis := getenvDefault("LENEDA_OBIS_CODE", string(metering.OBISElectricityConsumption))
			cfg.Series = append(cfg.Series,
				SeriesConfig{MeteringPoint: meteringPoint, OBISCode: obis, Kind: "power"},
				SeriesConfig{MeteringPoint: meteringPoint, OBISCode: obis, Kind: "energy"},
			)
		}
	}
	return cfg, nil
}

// BuildSeries validates the config and converts it to domain series.
func (c Config) BuildSeries() ([]metering.Series, error) {
	if len(c.Series) == 0 {
		return nil, errors.New("scheduler: no series configured")
	}
	defaultPoll, err := parseDuration(c.Defaults.PollInterval, 2*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("scheduler: defaults.poll_interval: %w", err)
	}
	defaultMargin, err := parseDuration(c.Defaults.LateArrivalMargin, time.Hour)
	if err != nil {
		return nil, fmt.Errorf("scheduler: defaults.late_arrival_margin: %w", err)
	}

	seen := make(map[metering.SeriesID]bool, len(c.Series))
	result := make([]metering.Series, 0, len(c.Series))
	for i, sc := range c.Series {
		kind, err := parseKind(sc.Kind)
		if err != nil {
			return nil, fmt.Errorf("scheduler: series[%d]: %w", i, err)
		}
		series, err := metering.NewSeries(metering.SeriesID(sc.ID), sc.MeteringPoint, metering.OBISCode(sc.OBISCode), kind)
		if err != nil {
			return nil, fmt.Errorf("scheduler: series[%d]: %w", i, err)
		}
		if seen[series.ID] {
			return nil, fmt.Errorf("scheduler: duplicate series id %q", series.ID)
		}
		seen[series.ID] = true

		series.PollInterval, err = parseDuration(sc.PollInterval, defaultPoll)
		if err != nil {
			return nil, fmt.Errorf("scheduler: series[%d].poll_interval: %w", i, err)
		}
		series.LateArrivalMargin, err = parseDuration(sc.LateArrivalMargin, defaultMargin)
		if err != nil {
			return nil, fmt.Errorf("scheduler: series[%d].late_arrival_margin: %w", i, err)
		}
		series.StartOfHistory, err = parseStartOfHistory(sc.StartOfHistory)
		if err != nil {
			return nil, fmt.Errorf("scheduler: series[%d].start_of_history: %w", i, err)
		}
		result = append(result, series)
	}
	return result, nil
}

// InitialLookback returns the first-run window for series without a start
// of history.
func (c Config) InitialLookback() time.Duration {
	days := c.Defaults.InitialLookbackDays
	if days <= 0 {
		days = 180
	}
	return time.Duration(days) * 24 * time.Hour
}

// MaxAttempts returns the per-cycle attempt budget.
func (c Config) MaxAttempts() int {
	if c.Defaults.MaxAttempts <= 0 {
		return 5
	}
	return c.Defaults.MaxAttempts
}

func parseKind(value string) (metering.SeriesKind, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "POWER", "POWER_DEMAND":
		return metering.KindPowerDemand, nil
	case "ENERGY", "ENERGY_CONSUMPTION":
		return metering.KindEnergyConsumption, nil
	default:
		return "", fmt.Errorf("unknown kind %q", value)
	}
}

func parseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if parsed <= 0 {
		return fallback, nil
	}
	return parsed, nil
}

func parseStartOfHistory(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed.UTC(), nil
	}
	parsed, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	var result []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}

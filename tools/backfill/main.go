// backfill runs one aggregation pass per configured series, loading
// history from each series' start (or -from) up to now. Series that
// already carry a watermark resume from it, so reruns are safe.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	aggapp "leneda-bridge/internal/aggregation/application"
	aggpostgres "leneda-bridge/internal/aggregation/infrastructure/postgres"
	"leneda-bridge/internal/leneda"
	meteringapp "leneda-bridge/internal/metering/application"
	metering "leneda-bridge/internal/metering/domain"
	schedapp "leneda-bridge/internal/scheduler/application"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type config struct {
	dbURL    string
	seriesID string
	from     string
	timeout  time.Duration
}

func main() {
	cfg := parseFlags()

	db, err := sql.Open("pgx", cfg.dbURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db open:", err)
		os.Exit(2)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		fmt.Fprintln(os.Stderr, "db ping:", err)
		os.Exit(2)
	}

	schedCfg, err := schedapp.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "series config:", err)
		os.Exit(2)
	}
	series, err := schedCfg.BuildSeries()
	if err != nil {
		fmt.Fprintln(os.Stderr, "series config:", err)
		os.Exit(2)
	}
	series, err = selectSeries(series, cfg.seriesID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if cfg.from != "" {
		start, err := parseTime(cfg.from)
		if err != nil {
			fmt.Fprintln(os.Stderr, "from:", err)
			os.Exit(2)
		}
		for i := range series {
			series[i].StartOfHistory = start
		}
	}

	client, err := leneda.NewClient(
		os.Getenv("LENEDA_BASE_URL"),
		os.Getenv("LENEDA_API_KEY"),
		os.Getenv("LENEDA_ENERGY_ID"),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, "leneda client:", err)
		os.Exit(2)
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)
	fetcher, err := meteringapp.NewFetchService(client, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fetch service:", err)
		os.Exit(2)
	}
	store := aggpostgres.NewStatisticsRepository(db)
	runService, err := aggapp.NewRunService(fetcher, store, nil, logger,
		aggapp.WithInitialLookback(schedCfg.InitialLookback()))
	if err != nil {
		fmt.Fprintln(os.Stderr, "run service:", err)
		os.Exit(2)
	}

	failed := 0
	for _, s := range series {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
		report, err := runService.Run(ctx, s)
		cancel()
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "series %s: %v\n", s.ID, err)
			continue
		}
		fmt.Printf("series %s: window %s..%s samples=%d changed=%d closed=%d watermark=%s (%s)\n",
			report.SeriesID,
			report.WindowStart.Format(time.RFC3339),
			report.WindowEnd.Format(time.RFC3339),
			report.Samples,
			report.ChangedBuckets,
			report.ClosedBuckets,
			formatWatermark(report.Watermark),
			report.Duration.Round(time.Millisecond),
		)
	}

	fmt.Printf("backfill complete: %d series, %d failed\n", len(series), failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func parseFlags() config {
	var cfg config
	flag.StringVar(&cfg.dbURL, "db", getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")), "Postgres DSN")
	flag.StringVar(&cfg.seriesID, "series", "", "comma-separated series ids (default all)")
	flag.StringVar(&cfg.from, "from", "", "history start override, RFC3339 or YYYY-MM-DD")
	flag.DurationVar(&cfg.timeout, "timeout", 10*time.Minute, "per-series run timeout")
	flag.Parse()

	if cfg.dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL or -db is required")
		os.Exit(2)
	}
	return cfg
}

func selectSeries(all []metering.Series, filter string) ([]metering.Series, error) {
	if filter == "" {
		return all, nil
	}
	wanted := make(map[metering.SeriesID]bool)
	for _, id := range strings.Split(filter, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			wanted[metering.SeriesID(id)] = true
		}
	}
	var selected []metering.Series
	for _, s := range all {
		if wanted[s.ID] {
			selected = append(selected, s)
			delete(wanted, s.ID)
		}
	}
	if len(wanted) > 0 {
		var missing []string
		for id := range wanted {
			missing = append(missing, string(id))
		}
		return nil, fmt.Errorf("unknown series: %s", strings.Join(missing, ", "))
	}
	return selected, nil
}

func parseTime(value string) (time.Time, error) {
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed.UTC(), nil
	}
	parsed, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}

func formatWatermark(watermark time.Time) string {
	if watermark.IsZero() {
		return "none"
	}
	return watermark.Format(time.RFC3339)
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

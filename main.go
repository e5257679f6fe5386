package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	aggapp "leneda-bridge/internal/aggregation/application"
	"leneda-bridge/internal/aggregation/application/events"
	"leneda-bridge/internal/aggregation/infrastructure/influx"
	aggpostgres "leneda-bridge/internal/aggregation/infrastructure/postgres"
	apihttp "leneda-bridge/internal/api/http"
	"leneda-bridge/internal/audit"
	"leneda-bridge/internal/auth"
	"leneda-bridge/internal/eventing"
	"leneda-bridge/internal/leneda"
	meteringapp "leneda-bridge/internal/metering/application"
	"leneda-bridge/internal/observability/metrics"
	schedapp "leneda-bridge/internal/scheduler/application"
	"leneda-bridge/internal/scheduler/notify"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init(db, logger)
	auditRepo := audit.NewRepository(db)

	schedCfg, err := schedapp.LoadConfig()
	if err != nil {
		logger.Fatalf("series config error: %v", err)
	}
	series, err := schedCfg.BuildSeries()
	if err != nil {
		logger.Fatalf("series config error: %v", err)
	}
	if len(series) == 0 {
		logger.Fatal("no series configured; set SERIES_CONFIG or LENEDA_METERING_POINTS")
	}

	client, err := leneda.NewClient(cfg.LenedaBaseURL, cfg.LenedaAPIKey, cfg.LenedaEnergyID)
	if err != nil {
		logger.Fatalf("leneda client error: %v", err)
	}
	fetcher, err := meteringapp.NewFetchService(client, logger)
	if err != nil {
		logger.Fatalf("fetch service error: %v", err)
	}

	store := aggpostgres.NewStatisticsRepository(db)
	bus := eventing.NewInMemoryBus()

	runService, err := aggapp.NewRunService(fetcher, store, bus, logger,
		aggapp.WithInitialLookback(schedCfg.InitialLookback()))
	if err != nil {
		logger.Fatalf("run service error: %v", err)
	}

	registry := schedapp.NewStatusRegistry(series)
	eventing.SubscribeTyped(bus, "scheduler.status", logger, func(_ context.Context, evt events.RunCompleted) error {
		registry.RecordRun(evt)
		return nil
	})
	eventing.SubscribeTyped(bus, "run.log", logger, func(_ context.Context, evt events.BucketsClosed) error {
		logger.Printf("buckets closed: series=%s count=%d watermark=%s", evt.SeriesID, len(evt.Buckets), evt.Watermark.Format(time.RFC3339))
		return nil
	})

	if cfg.InfluxURL != "" {
		mirror, err := influx.NewMirror(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket, logger)
		if err != nil {
			logger.Fatalf("influx mirror error: %v", err)
		}
		defer mirror.Close()
		if err := mirror.Ping(context.Background()); err != nil {
			logger.Printf("influx mirror ping failed: %v", err)
		}
		eventing.SubscribeTyped(bus, "influx.mirror", logger, mirror.HandleBucketsClosed)
	}

	// ATTENTION_WEBHOOK_URL takes a comma-separated list so alerts can hit
	// more than one channel.
	var notifier notify.Notifier
	if schedCfg.WebhookURL != "" {
		var channels []notify.Notifier
		for _, url := range strings.Split(schedCfg.WebhookURL, ",") {
			if url = strings.TrimSpace(url); url != "" {
				channels = append(channels, notify.NewWebhookNotifier(url))
			}
		}
		notifier = notify.NewMultiNotifier(channels...)
	}

	scheduler := schedapp.NewScheduler(runService, registry, notifier, series, logger,
		schedapp.WithMaxAttempts(schedCfg.MaxAttempts()))
	scheduler.Start(context.Background())

	seriesHandler, err := apihttp.NewSeriesHandler(registry, scheduler, auditRepo)
	if err != nil {
		logger.Fatalf("series handler error: %v", err)
	}
	reportsHandler, err := apihttp.NewReportsHandler(series, store)
	if err != nil {
		logger.Fatalf("reports handler error: %v", err)
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/series", seriesHandler)
	mux.Handle("/api/v1/series/", seriesHandler)
	mux.Handle("/api/v1/obis-codes", apihttp.NewOBISCodesHandler())
	mux.Handle("/api/v1/reports/", reportsHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}
	logger.Printf("http listening on %s", cfg.HTTPAddr)
	logger.Fatal(server.ListenAndServe())
}

type config struct {
	DatabaseURL    string
	HTTPAddr       string
	JWTSecret      string
	LenedaBaseURL  string
	LenedaAPIKey   string
	LenedaEnergyID string
	InfluxURL      string
	InfluxToken    string
	InfluxOrg      string
	InfluxBucket   string
}

func loadConfig() config {
	cfg := config{
		DatabaseURL:    getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:       getenvDefault("HTTP_ADDR", ":8080"),
		JWTSecret:      getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		LenedaBaseURL:  getenvDefault("LENEDA_BASE_URL", ""),
		LenedaAPIKey:   getenvDefault("LENEDA_API_KEY", ""),
		LenedaEnergyID: getenvDefault("LENEDA_ENERGY_ID", ""),
		InfluxURL:      getenvDefault("INFLUX_URL", ""),
		InfluxToken:    getenvDefault("INFLUX_TOKEN", ""),
		InfluxOrg:      getenvDefault("INFLUX_ORG", ""),
		InfluxBucket:   getenvDefault("INFLUX_BUCKET", "leneda"),
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}
	if cfg.LenedaAPIKey == "" {
		log.Fatal("LENEDA_API_KEY is required")
	}
	if cfg.LenedaEnergyID == "" {
		log.Fatal("LENEDA_ENERGY_ID is required")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

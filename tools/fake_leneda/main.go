// fake_leneda emulates the Leneda metering API for local development.
// It serves deterministic synthetic readings so the bridge can be run
// without provider credentials. Knobs via env:
//
//	FAKE_LENEDA_ADDR        listen address (default :18081)
//	FAKE_LENEDA_LATENCY_MS  artificial response delay
//	FAKE_LENEDA_FAIL_RATE   probability [0,1) of answering 500
//	FAKE_LENEDA_API_KEY     when set, requests must present it
//	FAKE_LENEDA_INTERVAL    PT15M (default, kW) or PT1H (kWh)
package main

import (
	"encoding/binary"
	"encoding/json"
	"hash/fnv"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const timeParamLayout = "2006-01-02T15:04:05Z"

type fakeLeneda struct {
	start         time.Time
	latency       time.Duration
	failRate      float64
	apiKey        string
	interval      time.Duration
	intervalLabel string
	unit          string

	mu         sync.Mutex
	byPoint    map[string]int64
	totalCalls int64
	failures   int64
}

func main() {
	addr := getenvDefault("FAKE_LENEDA_ADDR", ":18081")
	latencyMs := getenvIntDefault("FAKE_LENEDA_LATENCY_MS", 0)
	failRate := getenvFloatDefault("FAKE_LENEDA_FAIL_RATE", 0)

	srv := &fakeLeneda{
		start:         time.Now().UTC(),
		latency:       time.Duration(latencyMs) * time.Millisecond,
		failRate:      failRate,
		apiKey:        getenvDefault("FAKE_LENEDA_API_KEY", ""),
		interval:      15 * time.Minute,
		intervalLabel: "PT15M",
		unit:          "kW",
		byPoint:       make(map[string]int64),
	}
	if getenvDefault("FAKE_LENEDA_INTERVAL", "PT15M") == "PT1H" {
		srv.interval = time.Hour
		srv.intervalLabel = "PT1H"
		srv.unit = "kWh"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.HandleFunc("/metrics", srv.handleMetrics)
	mux.HandleFunc("/metering-points/", srv.handleTimeSeries)

	log.Printf("fake Leneda server listening on %s (interval %s)", addr, srv.intervalLabel)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal(err)
	}
}

func (s *fakeLeneda) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *fakeLeneda) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, map[string]any{
		"started_at": s.start.Format(time.RFC3339),
		"total":      s.totalCalls,
		"failures":   s.failures,
		"by_point":   s.byPoint,
	})
}

func (s *fakeLeneda) handleTimeSeries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	if s.apiKey != "" && r.Header.Get("X-API-KEY") != s.apiKey {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/metering-points/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "time-series" {
		http.NotFound(w, r)
		return
	}
	meteringPoint := parts[0]

	query := r.URL.Query()
	obisCode := query.Get("obisCode")
	if obisCode == "" {
		http.Error(w, "obisCode is required", http.StatusBadRequest)
		return
	}
	from, err := parseTimeParam(query.Get("startDateTime"))
	if err != nil {
		http.Error(w, "startDateTime invalid", http.StatusBadRequest)
		return
	}
	to, err := parseTimeParam(query.Get("endDateTime"))
	if err != nil {
		http.Error(w, "endDateTime invalid", http.StatusBadRequest)
		return
	}
	if !to.After(from) {
		http.Error(w, "endDateTime must be after startDateTime", http.StatusBadRequest)
		return
	}

	if s.latency > 0 {
		time.Sleep(s.latency)
	}
	if s.failRate > 0 && rand.Float64() < s.failRate {
		s.recordCall(meteringPoint, true)
		http.Error(w, "fake leneda unavailable", http.StatusInternalServerError)
		return
	}
	s.recordCall(meteringPoint, false)

	type item struct {
		Value     float64 `json:"value"`
		StartedAt string  `json:"startedAt"`
		Type      string  `json:"type"`
		Version   int     `json:"version"`
	}
	items := make([]item, 0, 64)
	cursor := from.UTC().Truncate(s.interval)
	if cursor.Before(from) {
		cursor = cursor.Add(s.interval)
	}
	now := time.Now().UTC()
	for !cursor.After(to) && cursor.Before(now) {
		items = append(items, item{
			Value:     synthValue(meteringPoint, cursor),
			StartedAt: cursor.Format(time.RFC3339),
			Type:      "Actual",
			Version:   1,
		})
		cursor = cursor.Add(s.interval)
	}

	writeJSON(w, map[string]any{
		"meteringPointCode": meteringPoint,
		"obisCode":          obisCode,
		"intervalLength":    s.intervalLabel,
		"unit":              s.unit,
		"items":             items,
	})
}

// synthValue produces a smooth daily curve with deterministic per-point
// noise, so repeated fetches of the same window return identical data.
func synthValue(meteringPoint string, at time.Time) float64 {
	hourOfDay := float64(at.Hour()) + float64(at.Minute())/60
	base := 2.0 + 1.5*math.Sin(2*math.Pi*(hourOfDay-6)/24)

	h := fnv.New64a()
	_, _ = h.Write([]byte(meteringPoint))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(at.Unix()))
	_, _ = h.Write(ts[:])
	noise := float64(h.Sum64()%1000) / 1000 * 0.5

	return math.Round((base+noise)*1000) / 1000
}

func (s *fakeLeneda) recordCall(meteringPoint string, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalCalls++
	s.byPoint[meteringPoint]++
	if failed {
		s.failures++
	}
}

func parseTimeParam(value string) (time.Time, error) {
	if parsed, err := time.Parse(timeParamLayout, value); err == nil {
		return parsed.UTC(), nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
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

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	aggregation "leneda-bridge/internal/aggregation/domain"
	aggregationinterfaces "leneda-bridge/internal/aggregation/interfaces"
	"leneda-bridge/internal/audit"
	"leneda-bridge/internal/auth"
	metering "leneda-bridge/internal/metering/domain"
	"leneda-bridge/internal/observability/metrics"
	schedapp "leneda-bridge/internal/scheduler/application"
)

const timeLayout = time.RFC3339

// SeriesHandler serves series status and scheduler control endpoints.
type SeriesHandler struct {
	registry    *schedapp.StatusRegistry
	scheduler   *schedapp.Scheduler
	auditLogger audit.Logger
}

// NewSeriesHandler constructs a SeriesHandler. The audit logger may be nil.
func NewSeriesHandler(registry *schedapp.StatusRegistry, scheduler *schedapp.Scheduler, auditLogger audit.Logger) (*SeriesHandler, error) {
	if registry == nil || scheduler == nil {
		return nil, errors.New("series handler: nil dependency")
	}
	return &SeriesHandler{registry: registry, scheduler: scheduler, auditLogger: auditLogger}, nil
}

// ServeHTTP routes /api/v1/series and subroutes.
func (h *SeriesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/v1/series":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleList(w, r)
		return
	case strings.HasPrefix(r.URL.Path, "/api/v1/series/"):
		h.handleSeriesPath(w, r)
		return
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *SeriesHandler) handleList(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.registry.List())
}

func (h *SeriesHandler) handleSeriesPath(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/series/")
	parts := strings.Split(path, "/")
	seriesID := metering.SeriesID(parts[0])
	if seriesID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleGet(w, seriesID)
		return
	}
	if len(parts) == 2 {
		switch parts[1] {
		case "run":
			if r.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			h.handleRun(w, r, seriesID)
			return
		case "attention":
			if r.Method != http.MethodDelete {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			h.handleClearAttention(w, r, seriesID)
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

func (h *SeriesHandler) handleGet(w http.ResponseWriter, seriesID metering.SeriesID) {
	status, ok := h.registry.Get(seriesID)
	if !ok {
		http.Error(w, "series not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (h *SeriesHandler) handleRun(w http.ResponseWriter, r *http.Request, seriesID metering.SeriesID) {
	err := h.scheduler.TriggerRun(seriesID)
	switch {
	case errors.Is(err, schedapp.ErrUnknownSeries):
		http.Error(w, "series not found", http.StatusNotFound)
		return
	case errors.Is(err, schedapp.ErrSeriesNeedsAttention):
		http.Error(w, "series needs attention; clear it first", http.StatusConflict)
		return
	case err != nil:
		http.Error(w, "trigger run error", http.StatusInternalServerError)
		return
	}
	h.logAudit(r, "series.run_trigger", seriesID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"series_id": seriesID,
		"status":    "scheduled",
	})
}

func (h *SeriesHandler) handleClearAttention(w http.ResponseWriter, r *http.Request, seriesID metering.SeriesID) {
	if err := h.scheduler.ClearAttention(seriesID); err != nil {
		if errors.Is(err, schedapp.ErrUnknownSeries) {
			http.Error(w, "series not found", http.StatusNotFound)
			return
		}
		http.Error(w, "clear attention error", http.StatusInternalServerError)
		return
	}
	h.logAudit(r, "series.attention_clear", seriesID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *SeriesHandler) logAudit(r *http.Request, action string, seriesID metering.SeriesID) {
	if h.auditLogger == nil {
		return
	}
	_ = h.auditLogger.Log(r.Context(), audit.Entry{
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: "series",
		ResourceID:   string(seriesID),
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
}

// OBISCodesHandler serves the registry of known OBIS codes.
type OBISCodesHandler struct{}

// NewOBISCodesHandler constructs an OBISCodesHandler.
func NewOBISCodesHandler() *OBISCodesHandler {
	return &OBISCodesHandler{}
}

type obisRow struct {
	Code           string `json:"code"`
	Description    string `json:"description"`
	Service        string `json:"service"`
	Unit           string `json:"unit"`
	AggregatedUnit string `json:"aggregated_unit"`
}

// ServeHTTP handles GET /api/v1/obis-codes.
func (h *OBISCodesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	codes := metering.KnownOBISCodes()
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })

	rows := make([]obisRow, 0, len(codes))
	for _, code := range codes {
		info, ok := metering.Describe(code)
		if !ok {
			continue
		}
		rows = append(rows, obisRow{
			Code:           string(info.Code),
			Description:    info.Description,
			Service:        info.Service,
			Unit:           info.Unit,
			AggregatedUnit: info.AggregatedUnit,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

// BucketLister reads aggregated hour buckets for report windows.
type BucketLister interface {
	ListRange(ctx context.Context, seriesID metering.SeriesID, from, to time.Time) ([]aggregation.Bucket, error)
}

// ReportsHandler serves hour bucket reports in json, csv, xlsx or pdf.
type ReportsHandler struct {
	series map[metering.SeriesID]metering.Series
	store  BucketLister
}

// NewReportsHandler constructs a ReportsHandler.
func NewReportsHandler(series []metering.Series, store BucketLister) (*ReportsHandler, error) {
	if store == nil {
		return nil, errors.New("reports handler: nil store")
	}
	byID := make(map[metering.SeriesID]metering.Series, len(series))
	for _, s := range series {
		byID[s.ID] = s
	}
	return &ReportsHandler{series: byID, store: store}, nil
}

type bucketRow struct {
	HourStart     time.Time `json:"hour_start"`
	Unit          string    `json:"unit"`
	SampleCount   int       `json:"sample_count"`
	SlotMask      uint8     `json:"slot_mask"`
	Min           float64   `json:"min"`
	Max           float64   `json:"max"`
	Mean          float64   `json:"mean"`
	Sum           float64   `json:"sum"`
	CumulativeSum float64   `json:"cumulative_sum"`
	Closed        bool      `json:"closed"`
}

type reportResponse struct {
	SeriesID      string      `json:"series_id"`
	MeteringPoint string      `json:"metering_point"`
	OBISCode      string      `json:"obis_code"`
	Kind          string      `json:"kind"`
	From          time.Time   `json:"from"`
	To            time.Time   `json:"to"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Hours         []bucketRow `json:"hours"`
}

// ServeHTTP handles GET /api/v1/reports/{series_id}.
func (h *ReportsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v1/reports/")
	parts := strings.Split(path, "/")
	if len(parts) != 1 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	series, ok := h.series[metering.SeriesID(parts[0])]
	if !ok {
		http.Error(w, "series not found", http.StatusNotFound)
		return
	}

	from, err := parseTimeQuery(r, "from")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseTimeQuery(r, "to")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !to.After(from) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	switch format {
	case "json", "csv", "xlsx", "pdf":
	default:
		http.Error(w, "format must be json, csv, xlsx or pdf", http.StatusBadRequest)
		return
	}

	started := time.Now()
	buckets, err := h.store.ListRange(r.Context(), series.ID, from, to)
	if err != nil {
		metrics.ObserveReportExport(format, metrics.ResultError, time.Since(started))
		http.Error(w, "query statistics error", http.StatusInternalServerError)
		return
	}

	report := aggregationinterfaces.SeriesReport{
		Series:      series,
		From:        from,
		To:          to,
		Buckets:     buckets,
		GeneratedAt: time.Now().UTC(),
	}

	var (
		payload     []byte
		contentType string
	)
	switch format {
	case "json":
		h.writeJSON(w, report)
		metrics.ObserveReportExport(format, metrics.ResultSuccess, time.Since(started))
		return
	case "csv":
		payload, err = aggregationinterfaces.BuildSeriesReportCSV(report)
		contentType = "text/csv; charset=utf-8"
	case "xlsx":
		payload, err = aggregationinterfaces.BuildSeriesReportXLSX(report)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case "pdf":
		payload, err = aggregationinterfaces.BuildSeriesReportPDF(report)
		contentType = "application/pdf"
	}
	if err != nil {
		metrics.ObserveReportExport(format, metrics.ResultError, time.Since(started))
		http.Error(w, "render report error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(payload)
	metrics.ObserveReportExport(format, metrics.ResultSuccess, time.Since(started))
}

func (h *ReportsHandler) writeJSON(w http.ResponseWriter, report aggregationinterfaces.SeriesReport) {
	rows := make([]bucketRow, 0, len(report.Buckets))
	for _, bucket := range report.Buckets {
		rows = append(rows, bucketRow{
			HourStart:     bucket.HourStart,
			Unit:          bucket.Unit,
			SampleCount:   bucket.SampleCount,
			SlotMask:      bucket.SlotMask,
			Min:           bucket.Min,
			Max:           bucket.Max,
			Mean:          bucket.Mean,
			Sum:           bucket.Sum,
			CumulativeSum: bucket.CumulativeSum,
			Closed:        bucket.Closed,
		})
	}
	resp := reportResponse{
		SeriesID:      string(report.Series.ID),
		MeteringPoint: report.Series.MeteringPoint,
		OBISCode:      string(report.Series.OBISCode),
		Kind:          string(report.Series.Kind),
		From:          report.From,
		To:            report.To,
		GeneratedAt:   report.GeneratedAt,
		Hours:         rows,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func parseTimeQuery(r *http.Request, key string) (time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return time.Time{}, errors.New(key + " is required")
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}

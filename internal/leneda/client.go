package leneda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	metering "leneda-bridge/internal/metering/domain"
)

// DefaultBaseURL is the production Leneda API endpoint.
const DefaultBaseURL = "https://api.leneda.eu/api"

// timeParamLayout is the timestamp format the API expects in query params.
const timeParamLayout = "2006-01-02T15:04:05Z"

// Client is a minimal Leneda REST client. Credentials are account-level:
// the API key and energy id authenticate every request, the metering point
// and OBIS code select the series.
type Client struct {
	baseURL  string
	apiKey   string
	energyID string
	client   *http.Client
}

// NewClient constructs a Leneda client.
func NewClient(baseURL, apiKey, energyID string) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if apiKey == "" {
		return nil, errors.New("leneda: empty api key")
	}
	if energyID == "" {
		return nil, errors.New("leneda: empty energy id")
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		energyID: energyID,
		client:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// TimeSeries is one decoded time-series response.
type TimeSeries struct {
	MeteringPoint  string
	OBISCode       metering.OBISCode
	IntervalLength string
	Unit           string
	Items          []Item
}

// Item is one raw reading. StartedAt is the interval start.
type Item struct {
	StartedAt time.Time
	Value     float64
	Type      string
	Version   int
}

// GetTimeSeries fetches raw readings for a metering point and OBIS code
// inside [from, to]. The window must not exceed the provider's limit; the
// fetch service chunks larger windows before calling here.
func (c *Client) GetTimeSeries(ctx context.Context, meteringPoint string, obis metering.OBISCode, from, to time.Time) (TimeSeries, error) {
	if meteringPoint == "" {
		return TimeSeries{}, metering.NewPermanentFetchError("time-series", metering.ErrEmptyMeteringPoint)
	}
	if obis == "" {
		return TimeSeries{}, metering.NewPermanentFetchError("time-series", metering.ErrEmptyOBISCode)
	}
	if !to.After(from) {
		return TimeSeries{}, metering.NewPermanentFetchError("time-series", metering.ErrInvalidWindow)
	}

	query := url.Values{}
	query.Set("obisCode", string(obis))
	query.Set("startDateTime", from.UTC().Format(timeParamLayout))
	query.Set("endDateTime", to.UTC().Format(timeParamLayout))
	path := fmt.Sprintf("/metering-points/%s/time-series", url.PathEscape(meteringPoint))

	var resp timeSeriesResponse
	if err := c.getJSON(ctx, path, query, &resp); err != nil {
		return TimeSeries{}, err
	}

	result := TimeSeries{
		MeteringPoint:  resp.MeteringPointCode,
		OBISCode:       metering.OBISCode(resp.OBISCode),
		IntervalLength: resp.IntervalLength,
		Unit:           resp.Unit,
		Items:          make([]Item, 0, len(resp.Items)),
	}
	if result.MeteringPoint == "" {
		result.MeteringPoint = meteringPoint
	}
	if result.OBISCode == "" {
		result.OBISCode = obis
	}
	for _, item := range resp.Items {
		startedAt, err := time.Parse(time.RFC3339, item.StartedAt)
		if err != nil {
			return TimeSeries{}, metering.NewPermanentFetchError("time-series",
				fmt.Errorf("leneda: bad startedAt %q: %w", item.StartedAt, err))
		}
		result.Items = append(result.Items, Item{
			StartedAt: startedAt.UTC(),
			Value:     item.Value,
			Type:      item.Type,
			Version:   item.Version,
		})
	}
	return result, nil
}

// Probe performs a one-interval request to validate credentials and access
// to a metering point. Used at setup time.
func (c *Client) Probe(ctx context.Context, meteringPoint string, obis metering.OBISCode) error {
	to := time.Now().UTC().Truncate(time.Hour)
	from := to.Add(-time.Hour)
	_, err := c.GetTimeSeries(ctx, meteringPoint, obis, from, to)
	return err
}

type timeSeriesResponse struct {
	MeteringPointCode string           `json:"meteringPointCode"`
	OBISCode          string           `json:"obisCode"`
	IntervalLength    string           `json:"intervalLength"`
	Unit              string           `json:"unit"`
	Items             []timeSeriesItem `json:"items"`
}

type timeSeriesItem struct {
	Value     float64 `json:"value"`
	StartedAt string  `json:"startedAt"`
	Type      string  `json:"type"`
	Version   int     `json:"version"`
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return metering.NewPermanentFetchError("request", err)
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("X-ENERGY-ID", c.energyID)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return metering.NewTransientFetchError("request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return metering.NewTransientFetchError("decode", err)
	}
	return nil
}

// classifyStatus maps HTTP status codes onto the fetch error taxonomy.
// Auth and addressing problems cannot be fixed by retrying.
func classifyStatus(status int) error {
	err := fmt.Errorf("leneda: http %d", status)
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return metering.NewPermanentFetchError("request", err)
	default:
		return metering.NewTransientFetchError("request", err)
	}
}

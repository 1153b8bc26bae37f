// Package client provides an HTTP client for the aiobs ingestion API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aiobs/aiobs/internal/analytics"
	"github.com/aiobs/aiobs/internal/health"
	"github.com/aiobs/aiobs/internal/telemetry"
)

// Client is an HTTP client for the aiobs API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Config configures the client.
type Config struct {
	// BaseURL is the base URL of the API server.
	BaseURL string

	// Timeout is the request timeout.
	Timeout time.Duration

	// MaxIdleConns controls the maximum number of idle (keep-alive) connections
	// across all hosts. Zero means no limit.
	MaxIdleConns int

	// MaxConnsPerHost limits the total number of connections per host.
	// Zero means no limit.
	MaxConnsPerHost int

	// IdleConnTimeout is the maximum amount of time an idle (keep-alive)
	// connection will remain idle before closing itself.
	IdleConnTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:         "http://localhost:8000",
		Timeout:         30 * time.Second,
		MaxIdleConns:    100,
		MaxConnsPerHost: 100,
		IdleConnTimeout: 90 * time.Second,
	}
}

// New creates a new API client.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = def.MaxIdleConns
	}
	if cfg.MaxConnsPerHost == 0 {
		cfg.MaxConnsPerHost = def.MaxConnsPerHost
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = def.IdleConnTimeout
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost / 5, // 20% per host
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

// Query selects one partition and an optional created_at window.
type Query struct {
	AppID     string
	ModelName string
	Since     time.Time
	Until     time.Time
	Limit     int
}

func (q Query) values() url.Values {
	v := url.Values{}
	if q.AppID != "" {
		v.Set("app_id", q.AppID)
	}
	if q.ModelName != "" {
		v.Set("model_name", q.ModelName)
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339Nano))
	}
	if !q.Until.IsZero() {
		v.Set("until", q.Until.UTC().Format(time.RFC3339Nano))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// Records is the result of a record query.
type Records struct {
	Records   []*telemetry.Record `json:"records"`
	Count     int                 `json:"count"`
	Truncated bool                `json:"truncated"`
}

// Stats is the result of a stats request.
type Stats struct {
	TotalRecords int64                               `json:"total_records"`
	Backend      string                              `json:"backend,omitempty"`
	AppID        string                              `json:"app_id,omitempty"`
	ModelName    string                              `json:"model_name,omitempty"`
	Latency      *analytics.LatencySummary           `json:"latency,omitempty"`
	Breakdown    map[string]analytics.LatencySummary `json:"breakdown,omitempty"`
}

// HealthResponse represents the liveness response.
type HealthResponse struct {
	Status string `json:"status"`
}

// APIError represents an API error response.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	parts := make([]string, 0, len(e.Details))
	for k, v := range e.Details {
		parts = append(parts, k+": "+v)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(parts, "; "))
}

// Log submits one telemetry record and returns the receipt.
func (c *Client) Log(ctx context.Context, sub *telemetry.Submission) (*telemetry.Receipt, error) {
	var resp telemetry.Receipt
	if err := c.post(ctx, "/log", sub, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueryByApp returns records for one application.
func (c *Client) QueryByApp(ctx context.Context, appID string, q Query) (*Records, error) {
	q.AppID, q.ModelName = appID, ""
	return c.records(ctx, q)
}

// QueryByModel returns records for one model.
func (c *Client) QueryByModel(ctx context.Context, modelName string, q Query) (*Records, error) {
	q.AppID, q.ModelName = "", modelName
	return c.records(ctx, q)
}

func (c *Client) records(ctx context.Context, q Query) (*Records, error) {
	var resp Records
	if err := c.get(ctx, "/v1/records?"+q.values().Encode(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stats returns the record count and, when q names a partition, its
// latency summary.
func (c *Client) Stats(ctx context.Context, q Query) (*Stats, error) {
	path := "/v1/stats"
	if v := q.values(); len(v) > 0 {
		path += "?" + v.Encode()
	}
	var resp Stats
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks if the API is alive.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DetailedHealth returns the dependency report. A 503 still carries a
// report, which is returned together with the error.
func (c *Client) DetailedHealth(ctx context.Context) (*health.Report, error) {
	var resp health.Report
	err := c.get(ctx, "/v1/health", &resp)
	if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusServiceUnavailable && resp.Status != "" {
		return &resp, err
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Version returns the server build information.
func (c *Client) Version(ctx context.Context) (*health.BuildInfo, error) {
	var resp health.BuildInfo
	if err := c.get(ctx, "/v1/version", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// get performs a GET request.
func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	return c.do(req, result)
}

// post performs a POST request.
func (c *Client) post(ctx context.Context, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return c.do(req, result)
}

// do executes a request. Error responses decode into *APIError; a 503 body
// that is not an error document is still decoded into result.
func (c *Client) do(req *http.Request, result any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Code == "" {
			if result != nil {
				_ = json.Unmarshal(body, result)
			}
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return apiErr
	}

	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}

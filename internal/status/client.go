package status

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

	"github.com/goodtune/nudgeproxy/internal/bus"
	"github.com/goodtune/nudgeproxy/internal/storage"
)

// Client talks to a running status server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the status server at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the status server location.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Stats fetches the lifetime counters.
func (c *Client) Stats(ctx context.Context) (bus.Stats, error) {
	var stats bus.Stats
	err := c.do(ctx, http.MethodGet, "/api/stats", nil, &stats)
	return stats, err
}

// Reset clears the counters.
func (c *Client) Reset(ctx context.Context) error {
	var ack bus.Ack
	if err := c.do(ctx, http.MethodPost, "/api/reset", nil, &ack); err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("reset was not acknowledged")
	}
	return nil
}

// AnnoyanceMode reports whether annoyance mode is on.
func (c *Client) AnnoyanceMode(ctx context.Context) (bool, error) {
	var state bus.AnnoyanceState
	err := c.do(ctx, http.MethodGet, "/api/annoyance", nil, &state)
	return state.Enabled, err
}

// SetAnnoyanceMode switches annoyance mode and returns the stored value.
func (c *Client) SetAnnoyanceMode(ctx context.Context, enabled bool) (bool, error) {
	var ack bus.Ack
	if err := c.do(ctx, http.MethodPost, "/api/annoyance", map[string]bool{"enabled": enabled}, &ack); err != nil {
		return false, err
	}
	if ack.Enabled == nil {
		return enabled, nil
	}
	return *ack.Enabled, nil
}

// Daily fetches the per-day breakdown.
func (c *Client) Daily(ctx context.Context) (bus.Daily, error) {
	var daily bus.Daily
	err := c.do(ctx, http.MethodGet, "/api/daily", nil, &daily)
	return daily, err
}

// Insights fetches the status page summary.
func (c *Client) Insights(ctx context.Context) (InsightsResponse, error) {
	var insights InsightsResponse
	err := c.do(ctx, http.MethodGet, "/api/insights", nil, &insights)
	return insights, err
}

// Detections queries the detection log.
func (c *Client) Detections(ctx context.Context, filter storage.DetectionFilter) ([]storage.Detection, error) {
	q := url.Values{}
	if filter.Host != "" {
		q.Set("host", filter.Host)
	}
	if filter.Source != "" {
		q.Set("source", filter.Source)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	if filter.StartTime != nil {
		q.Set("since", filter.StartTime.Format(time.RFC3339))
	}

	path := "/api/detections"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var items []storage.Detection
	err := c.do(ctx, http.MethodGet, path, nil, &items)
	return items, err
}

// Detect reports a page-layer detection for rawURL.
func (c *Client) Detect(ctx context.Context, rawURL string) (bool, error) {
	var resp DetectResponse
	err := c.do(ctx, http.MethodPost, "/api/detect", DetectRequest{URL: rawURL, Source: storage.SourcePage}, &resp)
	return resp.Accepted, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var apiErr ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Message != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, apiErr.Message, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

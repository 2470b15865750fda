// Package client is the Go SDK for the epochdist agent API.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Distribute a content change
//	responses, err := c.Submit(ctx, client.Request{Type: "add", Paths: []string{"/content/a"}})
//
//	// Inspect the agent
//	st, err := c.Status(ctx)
//
//	// Move stuck items back from the error queue
//	n, err := c.Replay(ctx, "default", 100)
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Check errors.As(err, &client.APIError{}) to inspect the HTTP
// status and server message.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the agent responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("epochdist: server returned %d: %s", e.StatusCode, e.Message)
}

// IsBadRequest reports whether the error is a 400 from the server.
func IsBadRequest(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusBadRequest
}

// IsNotFound reports whether the error is a 404, e.g. for a queue the agent
// does not use.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsUnauthorized reports whether the error is a 401 from the server.
func IsUnauthorized(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusUnauthorized
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
// Use this to configure TLS, proxies, or request tracing.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the epochdist API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client that connects to the agent at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("http://dist.example.com", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Public types ─────────────────────────────────────────────────────────────

// Request asks the agent to distribute a content change.
// Type is one of "add", "delete", "pull", "test".
type Request struct {
	Type       string            `json:"type"`
	Paths      []string          `json:"paths"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Response reports the outcome of a request for one destination queue.
// State is one of "ACCEPTED", "DISTRIBUTED", "DROPPED".
type Response struct {
	PackageID string `json:"package_id,omitempty"`
	Queue     string `json:"queue,omitempty"`
	State     string `json:"state"`
	Message   string `json:"message,omitempty"`
}

// Accepted reports whether the package was queued.
func (r Response) Accepted() bool { return r.State == "ACCEPTED" }

// QueueStatus is the status of one agent queue.
// State is one of "IDLE", "RUNNING", "BLOCKED", "PAUSED".
type QueueStatus struct {
	Name       string
	ItemsCount int
	State      string
	Passive    bool
}

// Status is the aggregate agent status.
type Status struct {
	Agent  string
	State  string
	Queues []QueueStatus
}

// Item is a queued package as listed by Items and DLQ.
type Item struct {
	ID          string
	Type        string
	Paths       []string
	RequestType string
	Origin      string // origin queue, set for error queue items
	Properties  map[string]string
	State       string
	Attempts    int
	Entered     time.Time
}

// HealthInfo is returned by Health.
type HealthInfo struct {
	Status   string        `json:"status"`
	Agent    string        `json:"agent"`
	Instance string        `json:"instance"`
	State    string        `json:"state"`
	Queues   int           `json:"queues"`
	Uptime   time.Duration `json:"-"`
}

// ─── Requests ─────────────────────────────────────────────────────────────────

// Submit sends a request to the agent and returns one response per
// destination queue. A refused request yields a single DROPPED response.
func (c *Client) Submit(ctx context.Context, req Request) ([]Response, error) {
	var resp struct {
		Responses []Response `json:"responses"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/requests", req, &resp); err != nil {
		return nil, err
	}
	return resp.Responses, nil
}

// ─── Queues ───────────────────────────────────────────────────────────────────

// Status returns the agent state and the status of every queue.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var resp struct {
		Agent  string `json:"agent"`
		State  string `json:"state"`
		Queues []struct {
			Name   string `json:"name"`
			Status struct {
				ItemsCount int    `json:"items_count"`
				State      string `json:"state"`
			} `json:"status"`
			Passive bool `json:"passive"`
		} `json:"queues"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/queues", nil, &resp); err != nil {
		return nil, err
	}
	st := &Status{Agent: resp.Agent, State: resp.State}
	for _, q := range resp.Queues {
		st.Queues = append(st.Queues, QueueStatus{
			Name:       q.Name,
			ItemsCount: q.Status.ItemsCount,
			State:      q.Status.State,
			Passive:    q.Passive,
		})
	}
	return st, nil
}

// Items lists up to limit items of the named queue starting at offset.
func (c *Client) Items(ctx context.Context, queue string, offset, limit int) ([]*Item, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	var resp struct {
		Items []wireItem `json:"items"`
	}
	path := "/v1/queues/" + url.PathEscape(queue) + "/items?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return toItems(resp.Items), nil
}

// ─── Error queues ─────────────────────────────────────────────────────────────

// DLQ returns up to limit items from the error queue of origin without
// removing them.
func (c *Client) DLQ(ctx context.Context, origin string, limit int) ([]*Item, error) {
	var resp struct {
		Items []wireItem `json:"items"`
	}
	path := fmt.Sprintf("/v1/queues/%s/dlq?limit=%d", url.PathEscape(origin), limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return toItems(resp.Items), nil
}

// Replay moves up to limit items from the error queue of origin back to
// origin and returns how many were moved.
func (c *Client) Replay(ctx context.Context, origin string, limit int) (int, error) {
	var resp struct {
		Replayed int `json:"replayed"`
	}
	path := fmt.Sprintf("/v1/queues/%s/dlq/replay?limit=%d", url.PathEscape(origin), limit)
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Replayed, nil
}

// ─── Agent control ────────────────────────────────────────────────────────────

// Pause stops queue processing. Requests are still accepted.
func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/agent/pause", nil, nil)
}

// Resume restarts queue processing.
func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/agent/resume", nil, nil)
}

// Health returns the agent's health info.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var raw struct {
		HealthInfo
		UptimeMs int64 `json:"uptime_ms"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &raw); err != nil {
		return nil, err
	}
	info := raw.HealthInfo
	info.Uptime = time.Duration(raw.UptimeMs) * time.Millisecond
	return &info, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("epochdist: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("epochdist: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("epochdist: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("epochdist: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("epochdist: decode response: %w", err)
		}
	}
	return nil
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type wireItem struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Info struct {
		Paths       []string          `json:"paths"`
		RequestType string            `json:"request_type"`
		Queue       string            `json:"queue"`
		Properties  map[string]string `json:"properties"`
	} `json:"info"`
	State    string `json:"state"`
	Attempts int    `json:"attempts"`
	Entered  int64  `json:"entered"` // unix ms
}

func toItems(ws []wireItem) []*Item {
	out := make([]*Item, 0, len(ws))
	for _, w := range ws {
		it := &Item{
			ID:          w.ID,
			Type:        w.Type,
			Paths:       w.Info.Paths,
			RequestType: w.Info.RequestType,
			Origin:      w.Info.Queue,
			Properties:  w.Info.Properties,
			State:       w.State,
			Attempts:    w.Attempts,
		}
		if w.Entered > 0 {
			it.Entered = time.UnixMilli(w.Entered)
		}
		out = append(out, it)
	}
	return out
}

package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/snehjoshi/epochdist/internal/agent"
	"github.com/snehjoshi/epochdist/internal/config"
	"github.com/snehjoshi/epochdist/internal/dispatch"
	"github.com/snehjoshi/epochdist/internal/distpkg"
	"github.com/snehjoshi/epochdist/internal/dlq"
	"github.com/snehjoshi/epochdist/internal/metrics"
	"github.com/snehjoshi/epochdist/internal/queue"
	transphttp "github.com/snehjoshi/epochdist/internal/transport/http"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// failingImporter rejects every package.
type failingImporter struct{}

func (failingImporter) Import(context.Context, distpkg.Package) error {
	return errors.New("target unavailable")
}

type testServer struct {
	handler  http.Handler
	agent    *agent.Agent
	provider *queue.MemoryProvider
}

func newTestServer(t *testing.T, mutate func(*config.Config), opts ...agent.Option) *testServer {
	t.Helper()
	return newStrategyServer(t, dispatch.NewSingleQueue(""), mutate, opts...)
}

func newStrategyServer(t *testing.T, strategy dispatch.Strategy, mutate func(*config.Config), opts ...agent.Option) *testServer {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	reg := distpkg.NewRegistry(distpkg.NewMemoryStore())
	all := append([]agent.Option{
		agent.WithName("test"),
		agent.WithExporter(&agent.RegistryExporter{Registry: reg}),
	}, opts...)
	provider := queue.NewMemoryProvider()
	a, err := agent.New(provider, strategy, reg, all...)
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	dm := dlq.NewManager(a.Provider(), dlq.WithPackages(reg))

	srv := transphttp.New(a, dm, cfg, metrics.New(), transphttp.WithInstanceID("01HZX3J7Y5Q2K8W9V4T6R0M1NB"))
	return &testServer{handler: srv.Handler(), agent: a, provider: provider}
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &reqBody)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v, body: %s", err, rr.Body.String())
	}
}

func submitAdd(t *testing.T, h http.Handler, paths ...string) []agent.Response {
	t.Helper()
	rr := doRequest(t, h, "POST", "/v1/requests", map[string]any{"type": "add", "paths": paths})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("submit: want 202, got %d, body: %s", rr.Code, rr.Body)
	}
	var resp struct {
		Responses []agent.Response `json:"responses"`
	}
	decodeResp(t, rr, &resp)
	return resp.Responses
}

// ─── Health ───────────────────────────────────────────────────────────────────

func TestHTTP_Health(t *testing.T) {
	s := newTestServer(t, nil)
	rr := doRequest(t, s.handler, "GET", "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health: want 200, got %d, body: %s", rr.Code, rr.Body)
	}
	var resp map[string]any
	decodeResp(t, rr, &resp)
	if resp["status"] != "ok" || resp["agent"] != "test" || resp["state"] != "IDLE" || resp["instance"] != "01HZX3J7Y5Q2K8W9V4T6R0M1NB" {
		t.Errorf("unexpected health: %v", resp)
	}
}

// ─── Requests ─────────────────────────────────────────────────────────────────

func TestHTTP_SubmitRequest(t *testing.T) {
	s := newTestServer(t, nil)
	got := submitAdd(t, s.handler, "/content/a")

	if len(got) != 1 {
		t.Fatalf("want 1 response, got %+v", got)
	}
	if got[0].State != agent.StateAccepted || got[0].Queue != "default" || got[0].PackageID == "" {
		t.Errorf("unexpected response: %+v", got[0])
	}
}

func TestHTTP_SubmitRequest_Refused(t *testing.T) {
	s := newTestServer(t, nil, agent.WithAllowedRoots("/content"))
	rr := doRequest(t, s.handler, "POST", "/v1/requests", map[string]any{"type": "add", "paths": []string{"/etc/passwd"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("refused request: want 200, got %d", rr.Code)
	}
	var resp struct {
		Responses []agent.Response `json:"responses"`
	}
	decodeResp(t, rr, &resp)
	if len(resp.Responses) != 1 || resp.Responses[0].State != agent.StateDropped {
		t.Errorf("want one DROPPED response, got %+v", resp.Responses)
	}
}

func TestHTTP_SubmitRequest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{"unknown type", map[string]any{"type": "move", "paths": []string{"/a"}}},
		{"relative path", map[string]any{"type": "add", "paths": []string{"a"}}},
		{"unknown field", map[string]any{"type": "add", "paths": []string{"/a"}, "priority": 1}},
		{"empty property key", map[string]any{"type": "add", "paths": []string{"/a"}, "properties": map[string]string{"": "x"}}},
	}
	s := newTestServer(t, nil)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := doRequest(t, s.handler, "POST", "/v1/requests", tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("want 400, got %d, body: %s", rr.Code, rr.Body)
			}
		})
	}
}

// ─── Queues ───────────────────────────────────────────────────────────────────

func TestHTTP_ListQueues(t *testing.T) {
	s := newTestServer(t, nil)
	submitAdd(t, s.handler, "/content/a")
	submitAdd(t, s.handler, "/content/b")

	rr := doRequest(t, s.handler, "GET", "/v1/queues", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list queues: want 200, got %d", rr.Code)
	}
	var resp struct {
		State  string `json:"state"`
		Queues []struct {
			Name   string `json:"name"`
			Status struct {
				ItemsCount int    `json:"items_count"`
				State      string `json:"state"`
			} `json:"status"`
		} `json:"queues"`
	}
	decodeResp(t, rr, &resp)
	if resp.State != "RUNNING" {
		t.Errorf("agent state: want RUNNING, got %s", resp.State)
	}
	if len(resp.Queues) != 1 || resp.Queues[0].Name != "default" || resp.Queues[0].Status.ItemsCount != 2 {
		t.Errorf("unexpected queues: %+v", resp.Queues)
	}
}

func TestHTTP_ListItems(t *testing.T) {
	s := newTestServer(t, nil)
	first := submitAdd(t, s.handler, "/content/a")[0].PackageID
	second := submitAdd(t, s.handler, "/content/b")[0].PackageID

	rr := doRequest(t, s.handler, "GET", "/v1/queues/default/items?limit=10", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("items: want 200, got %d", rr.Code)
	}
	var resp struct {
		Items []struct {
			ID    string `json:"id"`
			State string `json:"state"`
		} `json:"items"`
	}
	decodeResp(t, rr, &resp)

	var ids []string
	for _, it := range resp.Items {
		ids = append(ids, it.ID)
		if it.State != "QUEUED" {
			t.Errorf("item %s: want QUEUED, got %s", it.ID, it.State)
		}
	}
	if diff := cmp.Diff([]string{first, second}, ids); diff != "" {
		t.Errorf("items (-want +got):\n%s", diff)
	}

	rr = doRequest(t, s.handler, "GET", "/v1/queues/default/items?offset=1", nil)
	decodeResp(t, rr, &resp)
	if len(resp.Items) != 1 || resp.Items[0].ID != second {
		t.Errorf("offset=1: want [%s], got %+v", second, resp.Items)
	}
}

func TestHTTP_UnknownQueueIsNotFound(t *testing.T) {
	s := newTestServer(t, nil)
	before := s.provider.Names()

	for _, tc := range []struct{ method, path string }{
		{"GET", "/v1/queues/bogus1/items"},
		{"GET", "/v1/queues/bogus2/dlq"},
		{"POST", "/v1/queues/bogus3/dlq/replay"},
		{"GET", "/v1/queues/" + strings.Repeat("q", 129) + "/items"},
	} {
		rr := doRequest(t, s.handler, tc.method, tc.path, nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s %s: want 404, got %d", tc.method, tc.path, rr.Code)
		}
	}

	after := s.provider.Names()
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("requests must not create queues (-before +after):\n%s", diff)
	}
}

func TestHTTP_DLQ_PassiveQueueIsNotFound(t *testing.T) {
	m, _ := dispatch.NewMultipleQueue([]string{"q1", "q2"})
	s := newStrategyServer(t, m, nil, agent.WithPassiveQueues("q2"))

	if rr := doRequest(t, s.handler, "GET", "/v1/queues/q2/items", nil); rr.Code != http.StatusOK {
		t.Errorf("items of a passive queue: want 200, got %d", rr.Code)
	}
	if rr := doRequest(t, s.handler, "POST", "/v1/queues/q2/dlq/replay", nil); rr.Code != http.StatusNotFound {
		t.Errorf("replay into an unprocessed queue: want 404, got %d", rr.Code)
	}
}

func TestHTTP_PriorityPathQueues(t *testing.T) {
	s := newStrategyServer(t, dispatch.NewPriorityPath([]string{"/content/a"}), nil,
		agent.WithImporter(failingImporter{}),
		agent.WithRetry(agent.RetryConfig{Attempts: 1, Policy: agent.RetryError}))

	resp := submitAdd(t, s.handler, "/content/a/x")
	if len(resp) != 1 || resp[0].Queue != "/content/a" {
		t.Fatalf("want the package routed to /content/a, got %+v", resp)
	}
	id := resp[0].PackageID

	var items struct {
		Queue string `json:"queue"`
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	rr := doRequest(t, s.handler, "GET", "/v1/queues/%2Fcontent%2Fa/items", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("items: want 200, got %d, body: %s", rr.Code, rr.Body)
	}
	decodeResp(t, rr, &items)
	if items.Queue != "/content/a" || len(items.Items) != 1 || items.Items[0].ID != id {
		t.Errorf("unexpected items: %+v", items)
	}

	if _, err := s.agent.ProcessHead(context.Background(), "/content/a"); err != nil {
		t.Fatalf("ProcessHead: %v", err)
	}
	rr = doRequest(t, s.handler, "GET", "/v1/queues/%2Fcontent%2Fa/dlq", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("dlq: want 200, got %d, body: %s", rr.Code, rr.Body)
	}
	rr = doRequest(t, s.handler, "POST", "/v1/queues/%2Fcontent%2Fa/dlq/replay", nil)
	var replay struct {
		Replayed int `json:"replayed"`
	}
	decodeResp(t, rr, &replay)
	if rr.Code != http.StatusOK || replay.Replayed != 1 {
		t.Errorf("replay: want 200 with 1 item, got %d with %d", rr.Code, replay.Replayed)
	}
}

// ─── DLQ ─────────────────────────────────────────────────────────────────────

func TestHTTP_DLQ_PeekAndReplay(t *testing.T) {
	s := newTestServer(t, nil,
		agent.WithImporter(failingImporter{}),
		agent.WithRetry(agent.RetryConfig{Attempts: 1, Policy: agent.RetryError}))
	id := submitAdd(t, s.handler, "/content/a")[0].PackageID

	if _, err := s.agent.ProcessHead(context.Background(), "default"); err != nil {
		t.Fatalf("ProcessHead: %v", err)
	}

	rr := doRequest(t, s.handler, "GET", "/v1/queues/default/dlq", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("dlq: want 200, got %d", rr.Code)
	}
	var peek struct {
		Origin string `json:"origin"`
		Items  []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	decodeResp(t, rr, &peek)
	if peek.Origin != "default" || len(peek.Items) != 1 || peek.Items[0].ID != id {
		t.Fatalf("unexpected dlq: %+v", peek)
	}

	rr = doRequest(t, s.handler, "POST", "/v1/queues/default/dlq/replay", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("replay: want 200, got %d, body: %s", rr.Code, rr.Body)
	}
	var replay struct {
		Replayed int `json:"replayed"`
	}
	decodeResp(t, rr, &replay)
	if replay.Replayed != 1 {
		t.Errorf("replayed: want 1, got %d", replay.Replayed)
	}

	q, _ := s.agent.Queue("default")
	if e, _ := q.Entry(id); e == nil {
		t.Error("replayed item must be back in the origin queue")
	}
}

// ─── Agent control ────────────────────────────────────────────────────────────

func TestHTTP_PauseResume(t *testing.T) {
	s := newTestServer(t, nil)

	rr := doRequest(t, s.handler, "POST", "/v1/agent/pause", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("pause: want 204, got %d", rr.Code)
	}
	if !s.agent.Paused() {
		t.Fatal("agent must be paused")
	}

	rr = doRequest(t, s.handler, "GET", "/v1/queues", nil)
	var resp struct {
		State string `json:"state"`
	}
	decodeResp(t, rr, &resp)
	if resp.State != "PAUSED" {
		t.Errorf("state: want PAUSED, got %s", resp.State)
	}

	rr = doRequest(t, s.handler, "POST", "/v1/agent/resume", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("resume: want 204, got %d", rr.Code)
	}
	if s.agent.Paused() {
		t.Error("agent must be resumed")
	}
}

// ─── Middleware ───────────────────────────────────────────────────────────────

func TestHTTP_Auth(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Auth = config.AuthConfig{Enabled: true, APIKey: "s3cret"}
	})

	rr := doRequest(t, s.handler, "GET", "/v1/queues", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("without key: want 401, got %d", rr.Code)
	}

	req := httptest.NewRequest("GET", "/v1/queues", nil)
	req.Header.Set("X-Api-Key", "s3cret")
	rr = httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("with key: want 200, got %d", rr.Code)
	}
}

func TestHTTP_RateLimit(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Server.RateLimitRPS = 0.001
		c.Server.RateLimitBurst = 1
	})

	if rr := doRequest(t, s.handler, "GET", "/health", nil); rr.Code != http.StatusOK {
		t.Fatalf("first request: want 200, got %d", rr.Code)
	}
	if rr := doRequest(t, s.handler, "GET", "/health", nil); rr.Code != http.StatusTooManyRequests {
		t.Errorf("second request: want 429, got %d", rr.Code)
	}
}

func TestHTTP_Auth_BearerAndOpenHealth(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Auth = config.AuthConfig{Enabled: true, APIKey: "s3cret"}
	})

	if rr := doRequest(t, s.handler, "GET", "/health", nil); rr.Code != http.StatusOK {
		t.Errorf("health without key: want 200, got %d", rr.Code)
	}

	for _, tc := range []struct {
		header string
		want   int
	}{
		{"Bearer s3cret", http.StatusOK},
		{"Bearer wrong", http.StatusUnauthorized},
		{"Basic s3cret", http.StatusUnauthorized},
	} {
		req := httptest.NewRequest("GET", "/v1/queues", nil)
		req.Header.Set("Authorization", tc.header)
		rr := httptest.NewRecorder()
		s.handler.ServeHTTP(rr, req)
		if rr.Code != tc.want {
			t.Errorf("Authorization %q: want %d, got %d", tc.header, tc.want, rr.Code)
		}
	}
}

func TestHTTP_RateLimit_PerForwardedClient(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Server.RateLimitRPS = 0.001
		c.Server.RateLimitBurst = 1
	})

	get := func(xff string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/health", nil)
		req.Header.Set("X-Forwarded-For", xff)
		rr := httptest.NewRecorder()
		s.handler.ServeHTTP(rr, req)
		return rr
	}

	if rr := get("203.0.113.7, 10.0.0.1"); rr.Code != http.StatusOK {
		t.Fatalf("first client: want 200, got %d", rr.Code)
	}
	rr := get("203.0.113.7")
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("first client again: want 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("429 must carry Retry-After")
	}
	if rr := get("198.51.100.2"); rr.Code != http.StatusOK {
		t.Errorf("second client has its own bucket: want 200, got %d", rr.Code)
	}
}

func TestHTTP_Metrics(t *testing.T) {
	s := newTestServer(t, nil)
	rr := doRequest(t, s.handler, "GET", "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: want 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("metrics content type: %s", rr.Header().Get("Content-Type"))
	}
}

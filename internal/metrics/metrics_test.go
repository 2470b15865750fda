package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/snehjoshi/epochdist/internal/metrics"
)

func TestRegistry_Counters(t *testing.T) {
	reg := metrics.New()

	reg.Dispatched.WithLabelValues("default", "QUEUED").Inc()
	reg.Dispatched.WithLabelValues("default", "QUEUED").Inc()
	reg.StatusCache.WithLabelValues(metrics.CacheHit).Add(3)

	if got := testutil.ToFloat64(reg.Dispatched.WithLabelValues("default", "QUEUED")); got != 2 {
		t.Errorf("Dispatched = %v, want 2", got)
	}
	if got := testutil.ToFloat64(reg.StatusCache.WithLabelValues(metrics.CacheHit)); got != 3 {
		t.Errorf("StatusCache hit = %v, want 3", got)
	}
}

// ─── Prometheus output format ─────────────────────────────────────────────────

func scrape(t *testing.T, reg *metrics.Registry) string {
	t.Helper()
	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestHandler_RendersFamilies(t *testing.T) {
	reg := metrics.New()
	reg.StuckItems.WithLabelValues("default", "error").Inc()
	reg.Processed.WithLabelValues("q1", metrics.ResultDelivered).Inc()

	out := scrape(t, reg)
	for _, want := range []string{
		"# TYPE epochdist_stuck_items_total counter",
		`epochdist_stuck_items_total{policy="error",queue="default"} 1`,
		`epochdist_processed_total{queue="q1",result="delivered"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

func TestHandler_RegistriesAreIndependent(t *testing.T) {
	a, b := metrics.New(), metrics.New()
	a.Dispatched.WithLabelValues("default", "QUEUED").Inc()

	if strings.Contains(scrape(t, b), "epochdist_dispatched_total{") {
		t.Error("second registry must not see the first registry's samples")
	}
}

// Package metrics holds the Prometheus collectors exported by epochdist.
//
// Every component takes an optional *Registry; a nil registry disables
// instrumentation, so callers guard with `if reg != nil`.
//
//	epochdist_dispatched_total{queue,state}    per-queue dispatch outcomes
//	epochdist_stuck_items_total{queue,policy}  stuck heads reclaimed
//	epochdist_status_cache_total{result}       status cache hits and misses
//	epochdist_processed_total{queue,result}    processor delivery outcomes
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status cache result label values.
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
)

// Processor result label values.
const (
	ResultDelivered = "delivered"
	ResultFailed    = "failed"
	ResultSkipped   = "skipped"
	ResultDropped   = "dropped"
	ResultErrored   = "error_queue"
)

// Registry owns a private prometheus.Registry and the epochdist collectors.
type Registry struct {
	reg *prometheus.Registry

	Dispatched  *prometheus.CounterVec
	StuckItems  *prometheus.CounterVec
	StatusCache *prometheus.CounterVec
	Processed   *prometheus.CounterVec
}

// New creates a Registry with all collectors registered, plus the Go runtime
// and process collectors.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		Dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epochdist_dispatched_total",
			Help: "Packages dispatched to a queue, by resulting item state.",
		}, []string{"queue", "state"}),
		StuckItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epochdist_stuck_items_total",
			Help: "Stuck queue heads reclaimed, by stuck-item policy.",
		}, []string{"queue", "policy"}),
		StatusCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epochdist_status_cache_total",
			Help: "Queue status lookups served from cache (hit) or the queue (miss).",
		}, []string{"result"}),
		Processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epochdist_processed_total",
			Help: "Queue items handled by the agent processor, by result.",
		}, []string{"queue", "result"}),
	}
	r.reg.MustRegister(
		r.Dispatched,
		r.StuckItems,
		r.StatusCache,
		r.Processed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler returns an http.Handler serving the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

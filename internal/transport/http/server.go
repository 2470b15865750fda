// Package http provides the HTTP API of an epochdist agent.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	POST   /v1/requests
//	GET    /v1/queues
//	GET    /v1/queues/{name}/items
//	GET    /v1/queues/{name}/dlq
//	POST   /v1/queues/{name}/dlq/replay
//	POST   /v1/agent/pause
//	POST   /v1/agent/resume
//	GET    /v1/watch
//	GET    /metrics
package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/snehjoshi/epochdist/internal/agent"
	"github.com/snehjoshi/epochdist/internal/config"
	"github.com/snehjoshi/epochdist/internal/dlq"
	"github.com/snehjoshi/epochdist/internal/metrics"
	transportws "github.com/snehjoshi/epochdist/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with epochdist route wiring.
type Server struct {
	inner *http.Server
	// cancel ends the base context of every request, including hijacked
	// watch connections that http.Server.Shutdown does not track.
	cancel context.CancelFunc
}

// Option configures a Server.
type Option func(*Handler)

// WithInstanceID reports id as "instance" on /health.
func WithInstanceID(id string) Option {
	return func(h *Handler) { h.instance = id }
}

// WithEvents streams agent events on /v1/watch.
func WithEvents(src transportws.EventSource) Option {
	return func(h *Handler) { h.events = src }
}

// WithLogger sets the request logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// New builds a Server around an agent and its error queue manager.
// reg may be nil, in which case /metrics is not mounted.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(a *agent.Agent, dm *dlq.Manager, cfg *config.Config, reg *metrics.Registry, opts ...Option) *Server {
	h := &Handler{agent: a, dlq: dm}
	for _, o := range opts {
		o(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "http")
	ws := &transportws.Handler{Source: a, Events: h.events, Interval: cfg.WatchInterval()}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	// Requests
	mux.HandleFunc("POST /v1/requests", h.submitRequest)

	// Queues
	mux.HandleFunc("GET /v1/queues", h.listQueues)
	mux.HandleFunc("GET /v1/queues/{name}/items", h.listItems)

	// Error queues
	mux.HandleFunc("GET /v1/queues/{name}/dlq", h.getDLQ)
	mux.HandleFunc("POST /v1/queues/{name}/dlq/replay", h.replayDLQ)

	// Agent control
	mux.HandleFunc("POST /v1/agent/pause", h.pause)
	mux.HandleFunc("POST /v1/agent/resume", h.resume)

	// WebSocket status push
	mux.Handle("GET /v1/watch", ws)

	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	// Build middleware chain: body limit → logging → auth → rate-limit
	var handler http.Handler = mux
	handler = chain(handler,
		MaxBodyMiddleware,
		LoggingMiddleware(h.logger),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst),
	)

	base, cancel := context.WithCancel(context.Background())
	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
			BaseContext:  func(net.Listener) context.Context { return base },
		},
		cancel: cancel,
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish, then closes open watch connections.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.inner.Shutdown(ctx)
	s.cancel()
	return err
}

package queue

import (
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/snehjoshi/epochdist/internal/metrics"
)

// Option configures queues, providers and the status cache in this package.
type Option func(*options)

type options struct {
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.Registry
}

// WithClock sets the clock used for entry timestamps and cache expiry.
func WithClock(clk clockwork.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics attaches a metrics registry (status cache hit/miss counters).
func WithMetrics(reg *metrics.Registry) Option {
	return func(o *options) { o.metrics = reg }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "queue")
	return o
}

package dispatch

import (
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/snehjoshi/epochdist/internal/distpkg"
	"github.com/snehjoshi/epochdist/internal/metrics"
)

// PackageSource resolves a queued item back to its live package. The
// *distpkg.Registry implements it.
type PackageSource interface {
	Get(id string) (*distpkg.SimplePackage, error)
}

// Option configures a strategy.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	clock    clockwork.Clock
	metrics  *metrics.Registry
	packages PackageSource
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock sets the clock used to age queue heads.
func WithClock(clk clockwork.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithMetrics attaches a metrics registry.
func WithMetrics(reg *metrics.Registry) Option {
	return func(o *options) { o.metrics = reg }
}

// WithPackages lets the stuck-item sweep move package holds along with the
// items it reclaims. Without it the sweep only moves queue items.
func WithPackages(src PackageSource) Option {
	return func(o *options) { o.packages = src }
}

func buildOptions(opts []Option) options {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "dispatch")
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	return o
}

// Package agent ties the distribution pieces together. An Agent turns
// requests into packages, dispatches them to queues through a strategy, and
// runs one processing loop per queue that hands queued packages to an
// importer.
//
// Data flow:
//
//	Request → Agent.Execute → Exporter.Export → dispatch.Strategy.Add → queues
//	queue head → processor → Importer.Import → Remove + ReleaseOrDelete
//	                       ↘ failure → RecordAttempt → retry policy
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/snehjoshi/epochdist/internal/dispatch"
	"github.com/snehjoshi/epochdist/internal/distpkg"
	"github.com/snehjoshi/epochdist/internal/metrics"
	"github.com/snehjoshi/epochdist/internal/queue"
	"github.com/snehjoshi/epochdist/internal/types"
)

// ─── Request / Response types ─────────────────────────────────────────────────

// Request asks the agent to distribute a content change.
type Request struct {
	Type  types.RequestType
	Paths []string

	// Properties are copied into the info of every exported package.
	Properties map[string]string
}

// RequestState is the outcome of a request as seen by its caller.
type RequestState string

const (
	// StateAccepted means the package is queued and awaits delivery.
	StateAccepted RequestState = "ACCEPTED"
	// StateDistributed means the package already left the queue.
	StateDistributed RequestState = "DISTRIBUTED"
	// StateDropped means the request or package will not be delivered.
	StateDropped RequestState = "DROPPED"
)

// Response reports the outcome of a request for one destination queue.
// Responses for refused requests carry no package or queue.
type Response struct {
	PackageID string       `json:"package_id,omitempty"`
	Queue     string       `json:"queue,omitempty"`
	State     RequestState `json:"state"`
	Message   string       `json:"message,omitempty"`
}

// RequestStateOf maps an item state to the request state reported to callers.
func RequestStateOf(s types.ItemState) RequestState {
	switch s {
	case types.ItemQueued, types.ItemActive:
		return StateAccepted
	case types.ItemSucceeded:
		return StateDistributed
	default:
		return StateDropped
	}
}

// ─── Retry policy ─────────────────────────────────────────────────────────────

// RetryPolicy decides what the processor does with an item whose delivery
// failed RetryConfig.Attempts times.
type RetryPolicy string

const (
	// RetryForever keeps the item at the head and retries on every tick.
	RetryForever RetryPolicy = "retry"
	// RetryDrop removes the item and releases its package.
	RetryDrop RetryPolicy = "drop"
	// RetryError moves the item to the error queue of its origin.
	RetryError RetryPolicy = "error"
)

// RetryConfig bounds delivery attempts.
type RetryConfig struct {
	Attempts int
	Policy   RetryPolicy
}

const (
	defaultRetryAttempts = 100
	defaultInterval      = time.Second
	defaultCacheTTL      = 30 * time.Second
)

var (
	// ErrRequestRefused is wrapped into the message of DROPPED responses for
	// requests the agent does not accept.
	ErrRequestRefused = errors.New("agent: request refused")

	// ErrInvalidRetryPolicy is returned by New for an unknown retry policy.
	ErrInvalidRetryPolicy = errors.New("agent: invalid retry policy")
)

// ─── Options ──────────────────────────────────────────────────────────────────

// Option configures an Agent.
type Option func(*Agent)

// WithName sets the agent name. It scopes the status cache keys.
func WithName(name string) Option { return func(a *Agent) { a.name = name } }

// WithExporter replaces the default RegistryExporter.
func WithExporter(e Exporter) Option { return func(a *Agent) { a.exporter = e } }

// WithImporter sets where processed packages are delivered. Defaults to a
// LogImporter.
func WithImporter(i Importer) Option { return func(a *Agent) { a.importer = i } }

// WithStatusCache shares a status cache between agents. Defaults to a
// private cache with a 30s TTL.
func WithStatusCache(c *queue.StatusCache) Option { return func(a *Agent) { a.cache = c } }

// WithPassiveQueues names queues that receive packages but are never
// processed by this agent.
func WithPassiveQueues(names ...string) Option {
	return func(a *Agent) { a.passive = slices.Clone(names) }
}

// WithAllowedRequestTypes restricts the request types Execute accepts.
// Test requests are always accepted. No types means all are accepted.
func WithAllowedRequestTypes(ts ...types.RequestType) Option {
	return func(a *Agent) { a.allowedTypes = slices.Clone(ts) }
}

// WithAllowedRoots restricts add and delete requests to paths under roots.
func WithAllowedRoots(roots ...string) Option {
	return func(a *Agent) { a.allowedRoots = slices.Clone(roots) }
}

// WithInterval sets how often each processing loop polls its queue head.
func WithInterval(d time.Duration) Option { return func(a *Agent) { a.interval = d } }

// WithRetry sets the retry limit and policy of the processing loops.
func WithRetry(cfg RetryConfig) Option { return func(a *Agent) { a.retry = cfg } }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(a *Agent) { a.logger = l } }

// WithClock sets the clock driving the processing loops.
func WithClock(clk clockwork.Clock) Option { return func(a *Agent) { a.clock = clk } }

// WithMetrics attaches a metrics registry.
func WithMetrics(reg *metrics.Registry) Option { return func(a *Agent) { a.metrics = reg } }

// ─── Agent ────────────────────────────────────────────────────────────────────

// Agent distributes packages through a dispatching strategy and processes
// the resulting queues. All methods are safe for concurrent use.
type Agent struct {
	name     string
	provider queue.Provider
	strategy dispatch.Strategy
	packages *distpkg.Registry
	exporter Exporter
	importer Importer
	cache    *queue.StatusCache

	passive      []string
	allowedTypes []types.RequestType
	allowedRoots []string
	interval     time.Duration
	retry        RetryConfig

	errorQueue *dispatch.ErrorQueue

	logger  *slog.Logger
	clock   clockwork.Clock
	metrics *metrics.Registry
	events  EventSink

	paused atomic.Bool
}

// New creates an Agent that dispatches with strategy into provider's queues
// and keeps packages in packages.
func New(provider queue.Provider, strategy dispatch.Strategy, packages *distpkg.Registry, opts ...Option) (*Agent, error) {
	a := &Agent{
		name:     "agent",
		provider: provider,
		strategy: strategy,
		packages: packages,
		interval: defaultInterval,
		retry:    RetryConfig{Attempts: defaultRetryAttempts, Policy: RetryForever},
	}
	for _, o := range opts {
		o(a)
	}

	switch a.retry.Policy {
	case "":
		a.retry.Policy = RetryForever
	case RetryForever, RetryDrop, RetryError:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidRetryPolicy, a.retry.Policy)
	}
	if a.retry.Attempts <= 0 {
		a.retry.Attempts = defaultRetryAttempts
	}
	if a.interval <= 0 {
		a.interval = defaultInterval
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.logger = a.logger.With("component", "agent", "agent", a.name)
	if a.clock == nil {
		a.clock = clockwork.NewRealClock()
	}
	if a.cache == nil {
		a.cache = queue.NewStatusCache(defaultCacheTTL, queue.WithClock(a.clock), queue.WithMetrics(a.metrics))
	}
	if a.exporter == nil {
		a.exporter = &RegistryExporter{Registry: packages}
	}
	if a.importer == nil {
		a.importer = &LogImporter{Logger: a.logger}
	}
	a.errorQueue = dispatch.NewErrorQueue(a.ProcessedQueueNames(),
		dispatch.WithLogger(a.logger), dispatch.WithMetrics(a.metrics))
	return a, nil
}

// Name returns the agent name.
func (a *Agent) Name() string { return a.name }

// Execute exports the packages for req and dispatches each of them. Refused
// requests and dispatch failures are reported as DROPPED responses; only an
// export failure is returned as an error.
func (a *Agent) Execute(ctx context.Context, req Request) ([]Response, error) {
	if !a.acceptsType(req) {
		a.logger.Warn("request type not accepted", "type", req.Type)
		return []Response{refused("request type %q not accepted", req.Type)}, nil
	}
	if !a.acceptsRoots(req) {
		a.logger.Warn("request paths not allowed", "paths", req.Paths)
		return []Response{refused("request paths %v not allowed", req.Paths)}, nil
	}

	pkgs, err := a.exporter.Export(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("agent: export: %w", err)
	}

	for _, pkg := range pkgs {
		a.emit(TopicPackageCreated, pkg)
	}

	var out []Response
	for _, pkg := range pkgs {
		out = append(out, a.schedule(pkg)...)
	}
	return out, nil
}

// schedule dispatches one package. A package that ended up in no queue is
// deleted.
func (a *Agent) schedule(pkg distpkg.Package) []Response {
	log := a.logger.With("package", pkg.ID())

	sts, err := a.strategy.Add(pkg, a.Provider())
	if err != nil {
		log.Error("dispatch failed", "err", err)
		a.discard(pkg)
		return []Response{{PackageID: pkg.ID(), State: StateDropped, Message: err.Error()}}
	}

	out := make([]Response, 0, len(sts))
	var accepted []string
	for _, st := range sts {
		rs := RequestStateOf(st.State)
		if rs == StateAccepted {
			accepted = append(accepted, st.QueueName)
		}
		out = append(out, Response{PackageID: pkg.ID(), Queue: st.QueueName, State: rs})
	}
	queued := len(accepted) > 0
	if queued {
		a.emit(TopicPackageQueued, pkg, accepted...)
	} else {
		a.discard(pkg)
	}
	log.Debug("package scheduled", "statuses", len(sts), "queued", queued)
	return out
}

func (a *Agent) discard(pkg distpkg.Package) {
	if pkg.Shared() && pkg.Referenced() {
		return
	}
	d, ok := pkg.(interface{ Delete() error })
	if !ok {
		return
	}
	if err := d.Delete(); err != nil && !errors.Is(err, distpkg.ErrNotFound) {
		a.logger.Warn("delete unqueued package", "package", pkg.ID(), "err", err)
	}
}

func refused(format string, args ...any) Response {
	return Response{State: StateDropped, Message: ErrRequestRefused.Error() + ": " + fmt.Sprintf(format, args...)}
}

func (a *Agent) acceptsType(req Request) bool {
	if len(a.allowedTypes) == 0 || req.Type == types.RequestTest {
		return true
	}
	return slices.Contains(a.allowedTypes, req.Type)
}

func (a *Agent) acceptsRoots(req Request) bool {
	if len(a.allowedRoots) == 0 {
		return true
	}
	if req.Type != types.RequestAdd && req.Type != types.RequestDelete {
		return true
	}
	for _, p := range req.Paths {
		allowed := false
		for _, root := range a.allowedRoots {
			if strings.TrimSpace(root) != "" && strings.HasPrefix(p, root) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	return true
}

// ─── Queues & state ───────────────────────────────────────────────────────────

// QueueNames returns every queue the strategy may write to.
func (a *Agent) QueueNames() []string { return a.strategy.QueueNames() }

// ProcessedQueueNames returns the queues this agent processes: the strategy's
// queues without passive and error queues.
func (a *Agent) ProcessedQueueNames() []string {
	var out []string
	for _, n := range a.strategy.QueueNames() {
		if queue.IsErrorQueue(n) || slices.Contains(a.passive, n) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Queue returns the named queue as seen through this agent: a paused view
// over the status cache over the provider's queue. An empty name resolves to
// the default queue.
func (a *Agent) Queue(name string) (queue.Queue, error) {
	if name == "" {
		name = dispatch.DefaultQueueName
	}
	raw, err := a.provider.Queue(name)
	if err != nil {
		return nil, fmt.Errorf("agent: queue %s: %w", name, err)
	}
	cached := queue.NewCachingQueue(raw, a.cache, a.name+"/"+name)
	return queue.NewPausedQueue(cached, a.paused.Load), nil
}

// Provider returns a queue.Provider resolving names through Queue, so that
// writes made through it invalidate the status cache.
func (a *Agent) Provider() queue.Provider { return agentProvider{a} }

type agentProvider struct{ a *Agent }

func (p agentProvider) Queue(name string) (queue.Queue, error) { return p.a.Queue(name) }

// Pause stops processing; queues keep accepting packages and report PAUSED.
func (a *Agent) Pause() {
	a.paused.Store(true)
	a.logger.Info("agent paused")
}

// Resume restarts processing.
func (a *Agent) Resume() {
	a.paused.Store(false)
	a.logger.Info("agent resumed")
}

// Paused reports whether the agent is paused.
func (a *Agent) Paused() bool { return a.paused.Load() }

// State aggregates the state of the agent's queues: PAUSED while paused,
// otherwise BLOCKED if any queue is blocked, RUNNING if any is running, and
// IDLE when every queue is empty.
func (a *Agent) State() types.QueueState {
	if a.paused.Load() {
		return types.QueuePaused
	}
	state := types.QueueIdle
	for _, name := range a.QueueNames() {
		q, err := a.Queue(name)
		if err != nil {
			a.logger.Warn("state: resolve queue", "queue", name, "err", err)
			continue
		}
		st, err := q.Status()
		if err != nil {
			a.logger.Warn("state: queue status", "queue", name, "err", err)
			continue
		}
		switch st.State {
		case types.QueueBlocked:
			return types.QueueBlocked
		case types.QueueRunning:
			state = types.QueueRunning
		}
	}
	return state
}

// QueueSummary is the per-queue status reported by Summary.
type QueueSummary struct {
	Name    string            `json:"name"`
	Status  types.QueueStatus `json:"status"`
	Passive bool              `json:"passive,omitempty"`
}

// Summary returns the status of every strategy queue, in strategy order.
func (a *Agent) Summary() ([]QueueSummary, error) {
	var out []QueueSummary
	for _, name := range a.QueueNames() {
		q, err := a.Queue(name)
		if err != nil {
			return nil, err
		}
		st, err := q.Status()
		if err != nil {
			return nil, fmt.Errorf("agent: status %s: %w", name, err)
		}
		out = append(out, QueueSummary{Name: name, Status: st, Passive: slices.Contains(a.passive, name)})
	}
	return out, nil
}

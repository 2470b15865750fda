package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/snehjoshi/epochdist/internal/agent"
	"github.com/snehjoshi/epochdist/internal/config"
	"github.com/snehjoshi/epochdist/internal/dispatch"
	"github.com/snehjoshi/epochdist/internal/distpkg"
	"github.com/snehjoshi/epochdist/internal/dlq"
	"github.com/snehjoshi/epochdist/internal/instance"
	"github.com/snehjoshi/epochdist/internal/metrics"
	"github.com/snehjoshi/epochdist/internal/queue"
	"github.com/snehjoshi/epochdist/internal/storage/bolt"
	transphttp "github.com/snehjoshi/epochdist/internal/transport/http"
	"github.com/snehjoshi/epochdist/internal/types"
)

// dbFile is the bolt database file name under storage.data_dir.
const dbFile = "epochdist.db"

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent: HTTP API, processing loops and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, configPath)
		},
	}
	cmd.Flags().String("config", "config.yaml", "path to config file")
	return cmd
}

// runtime is a fully wired agent process.
type runtime struct {
	cfg      *config.Config
	instance instance.ID
	agent    *agent.Agent
	dlq      *dlq.Manager
	server   *transphttp.Server
	metrics  *metrics.Registry
	close    func() error
}

// newRuntime builds storage, strategy, agent and transport from cfg.
// The caller must call close once the runtime is no longer used.
func newRuntime(cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	reg := metrics.New()

	// ── Storage ──────────────────────────────────────────────────────────────
	var (
		provider queue.Provider
		store    distpkg.Store
		id       instance.ID
		closeFn  = func() error { return nil }
		err      error
	)
	switch cfg.Storage.Backend {
	case config.BackendBolt:
		if id, err = instance.Load(cfg.Storage.DataDir, cfg.Agent.InstanceID); err != nil {
			return nil, err
		}
		bp, err := bolt.Open(filepath.Join(cfg.Storage.DataDir, dbFile),
			bolt.WithNoSync(!cfg.Storage.Fsync),
			bolt.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		provider, store, closeFn = bp, bp.Packages(), bp.Close
	case config.BackendMemory:
		if id, err = instance.Ephemeral(cfg.Agent.InstanceID); err != nil {
			return nil, err
		}
		provider = queue.NewMemoryProvider(queue.WithLogger(logger), queue.WithMetrics(reg))
		store = distpkg.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	packages := distpkg.NewRegistry(store)

	// ── Strategy ─────────────────────────────────────────────────────────────
	dc, err := cfg.DispatchConfig()
	if err != nil {
		return nil, multierr.Append(err, closeFn())
	}
	strategy, err := dispatch.New(dc,
		dispatch.WithPackages(packages),
		dispatch.WithMetrics(reg),
		dispatch.WithLogger(logger),
	)
	if err != nil {
		return nil, multierr.Append(err, closeFn())
	}

	// ── Agent ────────────────────────────────────────────────────────────────
	var importer agent.Importer = &agent.LogImporter{Logger: logger}
	if cfg.Import.Mode == config.ImportWebhook {
		wh := agent.NewWebhookImporter(cfg.Import.URL, cfg.Import.Secret, cfg.ImportTimeout())
		wh.Instance = id.String()
		importer = wh
	}
	requestTypes := make([]types.RequestType, 0, len(cfg.Agent.AllowedRequestTypes))
	for _, t := range cfg.Agent.AllowedRequestTypes {
		requestTypes = append(requestTypes, types.RequestType(t))
	}

	events := agent.NewBroadcaster()
	a, err := agent.New(provider, strategy, packages,
		agent.WithName(cfg.Agent.Name),
		agent.WithExporter(&agent.RegistryExporter{Registry: packages, Shared: cfg.SharedPackages()}),
		agent.WithImporter(importer),
		agent.WithStatusCache(queue.NewStatusCache(cfg.StatusTTL(), queue.WithMetrics(reg))),
		agent.WithPassiveQueues(cfg.Agent.PassiveQueues...),
		agent.WithAllowedRequestTypes(requestTypes...),
		agent.WithAllowedRoots(cfg.Agent.AllowedRoots...),
		agent.WithInterval(cfg.Interval()),
		agent.WithRetry(agent.RetryConfig{Attempts: cfg.Agent.Retry.Attempts, Policy: agent.RetryPolicy(cfg.Agent.Retry.Policy)}),
		agent.WithLogger(logger),
		agent.WithMetrics(reg),
		agent.WithEvents(events),
	)
	if err != nil {
		return nil, multierr.Append(err, closeFn())
	}

	// ── Transport ────────────────────────────────────────────────────────────
	dm := dlq.NewManager(a.Provider(), dlq.WithPackages(packages), dlq.WithLogger(logger))
	srv := transphttp.New(a, dm, cfg, reg,
		transphttp.WithInstanceID(id.String()),
		transphttp.WithEvents(events),
		transphttp.WithLogger(logger),
	)

	return &runtime{cfg: cfg, instance: id, agent: a, dlq: dm, server: srv, metrics: reg, close: closeFn}, nil
}

func serve(ctx context.Context, configPath string) error {
	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// ── 3. Wire storage, strategy, agent and transport ───────────────────────
	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	slog.Info("epochdist starting",
		"agent", cfg.Agent.Name,
		"instance", rt.instance,
		"strategy", cfg.Dispatch.Strategy,
		"queues", rt.agent.QueueNames(),
		"backend", cfg.Storage.Backend,
		"data_dir", cfg.Storage.DataDir,
	)

	// ── 4. Start processing loops ────────────────────────────────────────────
	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	runErr := make(chan error, 1)
	go func() { runErr <- rt.agent.Run(runCtx) }()

	// ── 5. Start HTTP / WebSocket transport ──────────────────────────────────
	addr := cfg.Addr()
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("epochdist ready", "addr", addr)
		if err := rt.server.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 6. Start dedicated Prometheus metrics listener ───────────────────────
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           rt.metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("metrics server listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				slog.Warn("metrics server error", "err", err)
			}
		}()
	}

	// ── 7. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	var result error
	select {
	case <-ctx.Done():
		slog.Info("shutting down", "reason", context.Cause(ctx))
	case err := <-serveErr:
		if err != nil {
			result = fmt.Errorf("http server: %w", err)
		}
	case err := <-runErr:
		if err != nil {
			result = fmt.Errorf("agent: %w", err)
		}
		runErr <- nil // already collected
	}

	// Give in-flight requests 5 seconds to complete.
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rt.server.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}
	stopRun()
	if err := <-runErr; err != nil {
		result = multierr.Append(result, fmt.Errorf("agent: %w", err))
	}
	if err := rt.close(); err != nil {
		result = multierr.Append(result, fmt.Errorf("close storage: %w", err))
	}

	slog.Info("epochdist stopped")
	return result
}

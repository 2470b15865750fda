// Package config holds all configuration types and loading logic for epochdist.
// Config structure never shrinks: fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/snehjoshi/epochdist/internal/dispatch"
)

// Config is the root configuration for an epochdist process.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Agent    AgentConfig    `yaml:"agent"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Storage  StorageConfig  `yaml:"storage"`
	Cache    CacheConfig    `yaml:"cache"`
	Import   ImportConfig   `yaml:"import"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds the HTTP API listen address and limits.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// RateLimitRPS is requests per second per client IP.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
	// WatchInterval is how often /v1/watch pushes the agent status.
	WatchInterval string `yaml:"watch_interval"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// AgentConfig controls request filtering and queue processing.
type AgentConfig struct {
	Name string `yaml:"name"`

	// InstanceID overrides the persisted instance id; "auto" or empty uses
	// the id stored under storage.data_dir.
	InstanceID string `yaml:"instance_id"`

	// PassiveQueues receive packages but are not processed by this agent.
	PassiveQueues []string `yaml:"passive_queues"`

	// AllowedRequestTypes restricts accepted requests; empty accepts all.
	AllowedRequestTypes []string `yaml:"allowed_request_types"`
	// AllowedRoots restricts add/delete paths; empty allows all.
	AllowedRoots []string `yaml:"allowed_roots"`

	// Interval is how often each processing loop polls its queue head.
	Interval string      `yaml:"interval"`
	Retry    RetryConfig `yaml:"retry"`
}

// RetryConfig bounds delivery attempts of the processing loops.
type RetryConfig struct {
	Attempts int `yaml:"attempts"`
	// Policy is one of "retry", "drop", "error".
	Policy string `yaml:"policy"`
}

// DispatchConfig selects and parameterises the dispatching strategy.
type DispatchConfig struct {
	// Strategy is a dispatch.Kind: single, multiple, error, priority-path,
	// priority, selective, error-aware.
	Strategy      string              `yaml:"strategy"`
	Queues        []string            `yaml:"queues"`
	PriorityPaths []string            `yaml:"priority_paths"`
	Selectors     []dispatch.Selector `yaml:"selectors"`
	Stuck         StuckConfig         `yaml:"stuck"`
}

// StuckConfig configures the stuck-item reclaimer of the error-aware strategy.
type StuckConfig struct {
	// Policy is "error" (move to the error queue) or "drop".
	Policy            string `yaml:"policy"`
	AttemptsThreshold int    `yaml:"attempts_threshold"`
	TimeThreshold     string `yaml:"time_threshold"`
	// SweepInterval enables the background sweeper when non-empty.
	SweepInterval string `yaml:"sweep_interval"`
}

// StorageBackend selects where queues and packages live.
type StorageBackend string

const (
	BackendBolt   StorageBackend = "bolt"   // one bbolt file under DataDir (default)
	BackendMemory StorageBackend = "memory" // in-process, lost on exit (dev/test only)
)

// StorageConfig controls persistence.
type StorageConfig struct {
	Backend StorageBackend `yaml:"backend"`
	DataDir string         `yaml:"data_dir"`
	// Fsync flushes every bolt transaction to disk. Disable for tests only.
	Fsync bool `yaml:"fsync"`
}

// CacheConfig controls the queue status cache.
type CacheConfig struct {
	StatusTTL string `yaml:"status_ttl"`
}

// ImportMode selects the importer the processing loops deliver to.
type ImportMode string

const (
	ImportLog     ImportMode = "log"
	ImportWebhook ImportMode = "webhook"
)

// ImportConfig controls where processed packages are delivered.
type ImportConfig struct {
	Mode      ImportMode `yaml:"mode"`
	URL       string     `yaml:"url"`
	Secret    string     `yaml:"secret"`
	TimeoutMs int        `yaml:"timeout_ms"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			RateLimitRPS:   100,
			RateLimitBurst: 200,
			WatchInterval:  "1s",
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		Agent: AgentConfig{
			Name:     "publish",
			Interval: "1s",
			Retry: RetryConfig{
				Attempts: 100,
				Policy:   "retry",
			},
		},
		Dispatch: DispatchConfig{
			Strategy: string(dispatch.KindSingle),
			Stuck: StuckConfig{
				Policy:            string(dispatch.StuckError),
				AttemptsThreshold: 100,
				TimeThreshold:     "1h",
			},
		},
		Storage: StorageConfig{
			Backend: BackendBolt,
			DataDir: "./data",
			Fsync:   true,
		},
		Cache: CacheConfig{
			StatusTTL: "30s",
		},
		Import: ImportConfig{
			Mode:      ImportLog,
			TimeoutMs: 10_000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run epochdist with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	EPOCHDIST_API_KEY       sets auth.api_key and enables auth (auth.enabled = true)
//	EPOCHDIST_PORT          sets server.port
//	EPOCHDIST_DATA_DIR      sets storage.data_dir
//	EPOCHDIST_AGENT_NAME    sets agent.name
//	EPOCHDIST_METRICS_PORT  sets metrics.port
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("EPOCHDIST_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("EPOCHDIST_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("EPOCHDIST_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("EPOCHDIST_AGENT_NAME"); v != "" {
		cfg.Agent.Name = v
	}
	if v := os.Getenv("EPOCHDIST_METRICS_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Metrics.Port = p
		}
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.RateLimitRPS <= 0 || c.Server.RateLimitBurst < 1 {
		return errors.New("server.rate_limit_rps and server.rate_limit_burst must be positive")
	}
	if _, err := positiveDuration("server.watch_interval", c.Server.WatchInterval); err != nil {
		return err
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Agent.Name == "" {
		return errors.New("agent.name must not be empty")
	}
	if _, err := positiveDuration("agent.interval", c.Agent.Interval); err != nil {
		return err
	}
	if c.Agent.Retry.Attempts < 1 {
		return errors.New("agent.retry.attempts must be at least 1")
	}
	switch c.Agent.Retry.Policy {
	case "retry", "drop", "error":
	default:
		return errors.New(`agent.retry.policy must be one of "retry", "drop", "error"`)
	}
	for _, t := range c.Agent.AllowedRequestTypes {
		switch t {
		case "add", "delete", "pull", "test":
		default:
			return fmt.Errorf("agent.allowed_request_types: unknown type %q", t)
		}
	}

	if _, err := c.DispatchConfig(); err != nil {
		return err
	}

	switch c.Storage.Backend {
	case BackendBolt:
		if c.Storage.DataDir == "" {
			return errors.New("storage.data_dir must not be empty")
		}
	case BackendMemory:
	default:
		return errors.New(`storage.backend must be one of "bolt", "memory"`)
	}

	if _, err := positiveDuration("cache.status_ttl", c.Cache.StatusTTL); err != nil {
		return err
	}

	switch c.Import.Mode {
	case ImportLog:
	case ImportWebhook:
		if c.Import.URL == "" {
			return errors.New("import.url is required for webhook mode")
		}
	default:
		return errors.New(`import.mode must be one of "log", "webhook"`)
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	return nil
}

// DispatchConfig converts the dispatch section into a dispatch.Config.
func (c *Config) DispatchConfig() (dispatch.Config, error) {
	d := c.Dispatch
	out := dispatch.Config{
		Kind:          dispatch.Kind(d.Strategy),
		Queues:        d.Queues,
		PriorityPaths: d.PriorityPaths,
		Selectors:     d.Selectors,
		Stuck: dispatch.StuckConfig{
			Policy:            dispatch.StuckPolicy(d.Stuck.Policy),
			AttemptsThreshold: d.Stuck.AttemptsThreshold,
		},
	}
	var err error
	if d.Stuck.TimeThreshold != "" {
		if out.Stuck.TimeThreshold, err = positiveDuration("dispatch.stuck.time_threshold", d.Stuck.TimeThreshold); err != nil {
			return dispatch.Config{}, err
		}
	}
	if d.Stuck.SweepInterval != "" {
		if out.Stuck.SweepInterval, err = positiveDuration("dispatch.stuck.sweep_interval", d.Stuck.SweepInterval); err != nil {
			return dispatch.Config{}, err
		}
	}
	// Build once so that configuration errors surface at load time.
	if _, err := dispatch.New(out); err != nil {
		return dispatch.Config{}, fmt.Errorf("dispatch: %w", err)
	}
	return out, nil
}

// SharedPackages reports whether the configured strategy may hold one
// package in several queues, which requires shared packages.
func (c *Config) SharedPackages() bool {
	switch dispatch.Kind(c.Dispatch.Strategy) {
	case dispatch.KindMultiple:
		return len(c.Dispatch.Queues) > 1
	case dispatch.KindPriority, dispatch.KindSelective:
		return true
	default:
		return false
	}
}

// Interval returns agent.interval. Call after Validate.
func (c *Config) Interval() time.Duration {
	d, _ := time.ParseDuration(c.Agent.Interval)
	return d
}

// Addr returns the HTTP API listen address.
func (c *Config) Addr() string { return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port) }

// WatchInterval returns server.watch_interval. Call after Validate.
func (c *Config) WatchInterval() time.Duration {
	d, _ := time.ParseDuration(c.Server.WatchInterval)
	return d
}

// StatusTTL returns cache.status_ttl. Call after Validate.
func (c *Config) StatusTTL() time.Duration {
	d, _ := time.ParseDuration(c.Cache.StatusTTL)
	return d
}

// ImportTimeout returns import.timeout_ms as a duration.
func (c *Config) ImportTimeout() time.Duration {
	return time.Duration(c.Import.TimeoutMs) * time.Millisecond
}

func positiveDuration(field, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", field)
	}
	return d, nil
}

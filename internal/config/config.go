// Package config provides configuration types and defaults for the overseer
// daemon. Values are resolved from (highest priority first) OVERSEER_*
// environment variables, the config file, and built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zjrosen/overseer/internal/log"
)

// Config holds all configuration options for the daemon.
type Config struct {
	// DBPath is the SQLite database file. The parent directory is created
	// on first open.
	DBPath string `mapstructure:"db_path"`

	// ListenAddr is the HTTP listen address.
	ListenAddr string `mapstructure:"listen_addr"`

	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Tracker      TrackerConfig      `mapstructure:"tracker"`
	Log          LogConfig          `mapstructure:"log"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

// OrchestratorConfig holds workflow execution settings.
type OrchestratorConfig struct {
	// MaxConcurrent caps simultaneously running workflows.
	MaxConcurrent int `mapstructure:"max_concurrent"`

	// Gates lists graph nodes requiring human approval before execution.
	Gates []string `mapstructure:"gates"`

	// MaxAttempts bounds retries of transient node failures.
	MaxAttempts int `mapstructure:"max_attempts"`

	// RetryBaseDelay is the first backoff delay; it doubles per attempt.
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`

	// RetryMaxDelay caps the backoff.
	RetryMaxDelay time.Duration `mapstructure:"retry_max_delay"`

	// WatchdogInterval is how often worktree health is checked.
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
}

// AgentConfig describes the agent pipeline the daemon runs workflows
// through.
type AgentConfig struct {
	// Pipeline orders the graph nodes. Each entry needs a command before
	// workflows on it can succeed.
	Pipeline []string `mapstructure:"pipeline"`

	// Commands maps a pipeline stage to the argv that runs its agent.
	Commands map[string][]string `mapstructure:"commands"`

	// Timeout bounds one agent invocation.
	Timeout time.Duration `mapstructure:"timeout"`
}

// TrackerConfig points at the issue tracker database.
type TrackerConfig struct {
	// DBPath is the tracker SQLite database, opened read-only.
	// Empty disables issue caching.
	DBPath string `mapstructure:"db_path"`

	// CacheTTL is how long fetched issues are cached.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Path is the log file. Empty logs to stderr.
	Path string `mapstructure:"path"`

	// Level is the minimum level: debug, info, warn, error.
	Level string `mapstructure:"level"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active. Default: false.
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend: "stdout" or "otlp".
	Exporter string `mapstructure:"exporter"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		DBPath:     defaultDBPath(),
		ListenAddr: "127.0.0.1:7411",
		Orchestrator: OrchestratorConfig{
			MaxConcurrent:    4,
			Gates:            []string{"developer"},
			MaxAttempts:      3,
			RetryBaseDelay:   2 * time.Second,
			RetryMaxDelay:    30 * time.Second,
			WatchdogInterval: 30 * time.Second,
		},
		Agent: AgentConfig{
			Pipeline: []string{"architect", "developer", "reviewer"},
			Timeout:  30 * time.Minute,
		},
		Tracker: TrackerConfig{
			CacheTTL: 10 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "stdout",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "overseer.db"
	}
	return filepath.Join(home, ".overseer", "overseer.db")
}

// Load reads configuration from the given file (empty means the default
// lookup chain), layered under OVERSEER_* environment variables.
func Load(cfgFile string) (Config, error) {
	v := viper.New()
	applyDefaults(v)

	v.SetEnvPrefix("OVERSEER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(home, ".config", "overseer"))
		v.AddConfigPath(".overseer")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file anywhere: run on defaults plus environment.
	} else {
		log.Debug(log.CatConfig, "loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("orchestrator.max_concurrent", d.Orchestrator.MaxConcurrent)
	v.SetDefault("orchestrator.gates", d.Orchestrator.Gates)
	v.SetDefault("orchestrator.max_attempts", d.Orchestrator.MaxAttempts)
	v.SetDefault("orchestrator.retry_base_delay", d.Orchestrator.RetryBaseDelay)
	v.SetDefault("orchestrator.retry_max_delay", d.Orchestrator.RetryMaxDelay)
	v.SetDefault("orchestrator.watchdog_interval", d.Orchestrator.WatchdogInterval)
	v.SetDefault("agent.pipeline", d.Agent.Pipeline)
	v.SetDefault("agent.timeout", d.Agent.Timeout)
	v.SetDefault("tracker.db_path", d.Tracker.DBPath)
	v.SetDefault("tracker.cache_ttl", d.Tracker.CacheTTL)
	v.SetDefault("log.path", d.Log.Path)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
}

// Validate checks the configuration for errors. Empty values that have
// defaults are filled by Load before this runs.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.Orchestrator.MaxConcurrent < 1 {
		return fmt.Errorf("orchestrator.max_concurrent must be at least 1, got %d", c.Orchestrator.MaxConcurrent)
	}
	if c.Orchestrator.MaxAttempts < 1 {
		return fmt.Errorf("orchestrator.max_attempts must be at least 1, got %d", c.Orchestrator.MaxAttempts)
	}
	if c.Orchestrator.RetryBaseDelay <= 0 || c.Orchestrator.RetryMaxDelay < c.Orchestrator.RetryBaseDelay {
		return fmt.Errorf("orchestrator retry delays invalid: base=%s max=%s",
			c.Orchestrator.RetryBaseDelay, c.Orchestrator.RetryMaxDelay)
	}
	if len(c.Agent.Pipeline) == 0 {
		return fmt.Errorf("agent.pipeline must name at least one stage")
	}
	if c.Agent.Timeout <= 0 {
		return fmt.Errorf("agent.timeout must be positive, got %s", c.Agent.Timeout)
	}
	stages := make(map[string]bool, len(c.Agent.Pipeline))
	for _, s := range c.Agent.Pipeline {
		stages[s] = true
	}
	for _, gate := range c.Orchestrator.Gates {
		if !stages[gate] {
			return fmt.Errorf("orchestrator gate %q is not an agent.pipeline stage", gate)
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level)
	}
	if err := validateTracing(c.Tracing); err != nil {
		return err
	}
	return nil
}

func validateTracing(t TracingConfig) error {
	if t.SampleRate < 0.0 || t.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", t.SampleRate)
	}
	switch t.Exporter {
	case "", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter must be \"stdout\" or \"otlp\", got %q", t.Exporter)
	}
	if t.Enabled && t.Exporter == "otlp" && t.OTLPEndpoint == "" {
		return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
	}
	return nil
}

// LogLevel maps the configured level string to the logger's level type.
func (c Config) LogLevel() log.Level {
	switch c.Log.Level {
	case "debug":
		return log.LevelDebug
	case "warn":
		return log.LevelWarn
	case "error":
		return log.LevelError
	default:
		return log.LevelInfo
	}
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Overseer Configuration

# SQLite database file (default: ~/.overseer/overseer.db)
# db_path: /path/to/overseer.db

# HTTP listen address
listen_addr: 127.0.0.1:7411

orchestrator:
  # Maximum workflows running at once
  max_concurrent: 4

  # Graph nodes requiring human approval before execution
  gates:
    - developer

  # Transient failure retries: max_attempts with exponential backoff
  # doubling from retry_base_delay up to retry_max_delay
  max_attempts: 3
  retry_base_delay: 2s
  retry_max_delay: 30s

  # How often worktree health is checked
  watchdog_interval: 30s

# Agent pipeline: each stage runs the configured command in the worktree.
# The command gets the workflow context as JSON on stdin and may print a
# JSON result ({plan, token_usage, output}) on stdout.
agent:
  pipeline: [architect, developer, reviewer]
  timeout: 30m
  # commands:
  #   architect: [my-agent, plan]
  #   developer: [my-agent, implement]
  #   reviewer: [my-agent, review]

# Issue tracker database, opened read-only for issue caching
# tracker:
#   db_path: /path/to/project/.beads/beads.db
#   cache_ttl: 10m

log:
  # level: debug, info, warn, error
  level: info
  # path: /path/to/overseer.log  # empty logs to stderr

# Distributed tracing
# tracing:
#   enabled: true
#   exporter: otlp          # stdout or otlp
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	log.Info(log.CatConfig, "created default config", "path", configPath)
	return nil
}

// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Browser    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	Network    NetworkConfig    `mapstructure:"network" yaml:"network"`
	Loader     LoaderConfig     `mapstructure:"loader" yaml:"loader"`
	Solver     SolverConfig     `mapstructure:"solver" yaml:"solver"`
	Transcribe TranscribeConfig `mapstructure:"transcribe" yaml:"transcribe"`
	Workflow   WorkflowConfig   `mapstructure:"workflow" yaml:"workflow"`
	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig holds settings for the headless browser instance.
type BrowserConfig struct {
	Headless        bool           `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	UserAgent       string         `mapstructure:"user_agent" yaml:"user_agent"`
	Args            []string       `mapstructure:"args" yaml:"args"`
	StartupTimeout  time.Duration  `mapstructure:"startup_timeout" yaml:"startup_timeout"`
	Humanoid        HumanoidConfig `mapstructure:"humanoid" yaml:"humanoid"`
}

// HumanoidConfig tunes the human-like interaction pacing.
type HumanoidConfig struct {
	Enabled       bool    `mapstructure:"enabled" yaml:"enabled"`
	PauseMeanMs   float64 `mapstructure:"pause_mean_ms" yaml:"pause_mean_ms"`
	PauseStdDevMs float64 `mapstructure:"pause_stddev_ms" yaml:"pause_stddev_ms"`
	FatigueRate   float64 `mapstructure:"fatigue_rate" yaml:"fatigue_rate"`
}

// NetworkConfig tunes the outbound HTTP behavior of the application.
type NetworkConfig struct {
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
}

// LoaderConfig configures the remote module loader.
type LoaderConfig struct {
	BaseURLs     []string      `mapstructure:"base_urls" yaml:"base_urls"`
	Version      string        `mapstructure:"version" yaml:"version"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

// SolverConfig configures the captcha solver state machine. Cooldown and
// MaxAttempts vary across deployments; they are tunables, not contract values.
type SolverConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Cooldown        time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	CredentialsWait time.Duration `mapstructure:"credentials_wait" yaml:"credentials_wait"`
}

// TranscribeConfig configures the speech-to-text endpoints.
type TranscribeConfig struct {
	Endpoints      []string      `mapstructure:"endpoints" yaml:"endpoints"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	RatePerMinute  float64       `mapstructure:"rate_per_minute" yaml:"rate_per_minute"`
	StatsResetAge  time.Duration `mapstructure:"stats_reset_age" yaml:"stats_reset_age"`
}

// WorkflowConfig configures the earning workflow. CredentialsWait bounds how
// long the login handler waits for a reply to a credentials request; zero
// degrades the request to fire-and-forget.
type WorkflowConfig struct {
	TargetURL       string        `mapstructure:"target_url" yaml:"target_url"`
	TargetCycles    int           `mapstructure:"target_cycles" yaml:"target_cycles"`
	CycleDelay      time.Duration `mapstructure:"cycle_delay" yaml:"cycle_delay"`
	CredentialsWait time.Duration `mapstructure:"credentials_wait" yaml:"credentials_wait"`
	HistoryLimit    int           `mapstructure:"history_limit" yaml:"history_limit"`
}

// StorageConfig locates the persistent key-value store.
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// DefaultDataDir returns the per-user data directory (~/.coinloop).
func DefaultDataDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return ".coinloop"
	}
	return home + "/.coinloop"
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "coinloop")
	v.SetDefault("logger.log_file", "coinloop.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
	v.SetDefault("browser.startup_timeout", "30s")
	v.SetDefault("browser.humanoid.enabled", true)
	v.SetDefault("browser.humanoid.pause_mean_ms", 450.0)
	v.SetDefault("browser.humanoid.pause_stddev_ms", 120.0)
	v.SetDefault("browser.humanoid.fatigue_rate", 0.02)

	// -- Network --
	v.SetDefault("network.request_timeout", "30s")
	v.SetDefault("network.ignore_tls_errors", false)

	// -- Loader --
	v.SetDefault("loader.version", "1")
	v.SetDefault("loader.cache_ttl", "72h")
	v.SetDefault("loader.fetch_timeout", "15s")
	v.SetDefault("loader.max_retries", 3)
	v.SetDefault("loader.retry_delay", "2s")

	// -- Solver --
	v.SetDefault("solver.poll_interval", "5s")
	v.SetDefault("solver.max_attempts", 8)
	v.SetDefault("solver.cooldown", "50s")
	v.SetDefault("solver.credentials_wait", "30s")

	// -- Transcribe --
	v.SetDefault("transcribe.request_timeout", "50s")
	v.SetDefault("transcribe.rate_per_minute", 10.0)
	v.SetDefault("transcribe.stats_reset_age", "24h")

	// -- Workflow --
	v.SetDefault("workflow.target_url", "")
	v.SetDefault("workflow.target_cycles", 30)
	v.SetDefault("workflow.cycle_delay", "12s")
	v.SetDefault("workflow.credentials_wait", "5s")
	v.SetDefault("workflow.history_limit", 200)

	// -- Storage --
	v.SetDefault("storage.path", DefaultDataDir()+"/coinloop.db")
}

// NewDefaultConfig creates a configuration struct populated with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Unreachable with defaults only, but fail loudly if it ever happens.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if len(c.Loader.BaseURLs) == 0 {
		return fmt.Errorf("loader.base_urls must list at least one mirror")
	}
	if c.Loader.MaxRetries <= 0 {
		return fmt.Errorf("loader.max_retries must be a positive integer")
	}
	if c.Solver.PollInterval <= 0 {
		return fmt.Errorf("solver.poll_interval must be a positive duration")
	}
	if c.Solver.MaxAttempts <= 0 {
		return fmt.Errorf("solver.max_attempts must be a positive integer")
	}
	if len(c.Transcribe.Endpoints) == 0 {
		return fmt.Errorf("transcribe.endpoints must list at least one server")
	}
	if c.Workflow.HistoryLimit < 0 {
		return fmt.Errorf("workflow.history_limit must not be negative")
	}
	return nil
}

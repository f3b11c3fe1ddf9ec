// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Registry  RegistryConfig  `mapstructure:"registry" yaml:"registry"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Probe     ProbeConfig     `mapstructure:"probe" yaml:"probe"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// SchedulerConfig tunes the cooperative task scheduler.
type SchedulerConfig struct {
	// Workers is the number of tasks allowed to execute at once. Suspended
	// tasks (sleeping, blocked on I/O) do not hold a worker.
	Workers         int           `mapstructure:"workers" yaml:"workers"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// RegistryConfig controls the native object registry's reclamation pass.
type RegistryConfig struct {
	// CollectTimeout bounds a single forced reclamation pass.
	CollectTimeout time.Duration `mapstructure:"collect_timeout" yaml:"collect_timeout"`
	// GCCycles is how many runtime.GC rounds a forced pass performs.
	GCCycles int `mapstructure:"gc_cycles" yaml:"gc_cycles"`
}

// BrowserConfig holds settings for webview backends.
type BrowserConfig struct {
	Backend         string        `mapstructure:"backend" yaml:"backend"`
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args            []string      `mapstructure:"args" yaml:"args"`
	ExecPath        string        `mapstructure:"exec_path" yaml:"exec_path"`
	LoadTimeout     time.Duration `mapstructure:"load_timeout" yaml:"load_timeout"`
	TeardownTimeout time.Duration `mapstructure:"teardown_timeout" yaml:"teardown_timeout"`
	// TeardownBatch is the maximum number of peers destroyed per teardown loop turn.
	TeardownBatch int `mapstructure:"teardown_batch" yaml:"teardown_batch"`
}

// ServerConfig configures the local HTTP content server.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	// Port is added to BasePort. Zero for both selects an ephemeral port.
	Port           int `mapstructure:"port" yaml:"port"`
	BasePort       int `mapstructure:"base_port" yaml:"base_port"`
	MaxConnections int `mapstructure:"max_connections" yaml:"max_connections"`
}

// ProbeConfig holds the bounded wait policy used by scenarios.
type ProbeConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Attempts int           `mapstructure:"attempts" yaml:"attempts"`
	Settle   time.Duration `mapstructure:"settle" yaml:"settle"`
	// ChurnWindows is the number of windows opened by the churn scenario.
	ChurnWindows int `mapstructure:"churn_windows" yaml:"churn_windows"`
	// ChurnRate caps how many windows per second the churn scenario opens.
	ChurnRate float64 `mapstructure:"churn_rate" yaml:"churn_rate"`
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

var current atomic.Pointer[Config]

// Get returns the process configuration, falling back to defaults.
func Get() *Config {
	if cfg := current.Load(); cfg != nil {
		return cfg
	}
	return NewDefaultConfig()
}

// Set installs cfg as the process configuration.
func Set(cfg *Config) {
	current.Store(cfg)
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "peerwatch")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Scheduler --
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.shutdown_timeout", "10s")

	// -- Registry --
	v.SetDefault("registry.collect_timeout", "2s")
	v.SetDefault("registry.gc_cycles", 2)

	// -- Browser --
	v.SetDefault("browser.backend", "headless")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.load_timeout", "30s")
	v.SetDefault("browser.teardown_timeout", "10s")
	v.SetDefault("browser.teardown_batch", 16)

	// -- Server --
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 0)
	v.SetDefault("server.base_port", 0)
	v.SetDefault("server.max_connections", 64)

	// -- Probe --
	// 100 x 10ms polls followed by a 100ms settle.
	v.SetDefault("probe.interval", "10ms")
	v.SetDefault("probe.attempts", 100)
	v.SetDefault("probe.settle", "100ms")
	v.SetDefault("probe.churn_windows", 8)
	v.SetDefault("probe.churn_rate", 200.0)

	// -- Metrics --
	v.SetDefault("metrics.addr", "")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
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
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be a positive integer")
	}
	if c.Registry.GCCycles < 0 {
		return fmt.Errorf("registry.gc_cycles must not be negative")
	}
	if c.Registry.CollectTimeout <= 0 {
		return fmt.Errorf("registry.collect_timeout must be a positive duration")
	}
	if err := c.Browser.Validate(); err != nil {
		return fmt.Errorf("browser configuration invalid: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration invalid: %w", err)
	}
	if err := c.Probe.Validate(); err != nil {
		return fmt.Errorf("probe configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the browser backend settings.
func (b *BrowserConfig) Validate() error {
	switch strings.ToLower(b.Backend) {
	case "headless", "cdp":
	default:
		return fmt.Errorf("backend must be one of headless, cdp (got %q)", b.Backend)
	}
	if b.TeardownBatch <= 0 {
		return fmt.Errorf("teardown_batch must be a positive integer")
	}
	return nil
}

// Validate checks the server settings.
func (s *ServerConfig) Validate() error {
	if s.Port < 0 || s.BasePort < 0 || s.Port+s.BasePort > 65535 {
		return fmt.Errorf("port %d + base_port %d is out of range", s.Port, s.BasePort)
	}
	if s.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be a positive integer")
	}
	return nil
}

// Validate checks the probe settings.
func (p *ProbeConfig) Validate() error {
	if p.Interval <= 0 {
		return fmt.Errorf("interval must be a positive duration")
	}
	if p.Attempts <= 0 {
		return fmt.Errorf("attempts must be a positive integer")
	}
	if p.Settle < 0 {
		return fmt.Errorf("settle must not be negative")
	}
	if p.ChurnWindows <= 0 {
		return fmt.Errorf("churn_windows must be a positive integer")
	}
	if p.ChurnRate <= 0 {
		return fmt.Errorf("churn_rate must be positive")
	}
	return nil
}

// ListenPort resolves the effective listening port.
func (s ServerConfig) ListenPort() int {
	if s.Port == 0 && s.BasePort == 0 {
		return 0
	}
	return s.BasePort + s.Port
}

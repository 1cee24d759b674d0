package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete wharf configuration
type Config struct {
	Dashboard  DashboardConfig  `mapstructure:"dashboard"`
	Terminal   TerminalConfig   `mapstructure:"terminal"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Ports      PortsConfig      `mapstructure:"ports"`
	Process    ProcessConfig    `mapstructure:"process"`
	Enrichment EnrichmentConfig `mapstructure:"enrichment"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Paths      PathsConfig      `mapstructure:"paths"`
}

// DashboardConfig controls the dashboard service bundle
type DashboardConfig struct {
	// Command is the executable that brings up the dashboard bundle
	// (UI server plus auxiliary socket servers) in a single child process.
	Command string `mapstructure:"command"`
	// Args are additional arguments passed to the command.
	Args []string `mapstructure:"args"`
	// Dir is the working directory for the bundle process. If set, it must exist.
	Dir string `mapstructure:"dir"`
	// PreferredPort is the first candidate for the dashboard UI port.
	PreferredPort int `mapstructure:"preferred_port"`
	// OpenBrowser opens the dashboard in the default browser after startup.
	OpenBrowser bool `mapstructure:"open_browser"`
	// BrowserDelayMs is how long to wait before opening the browser (in milliseconds).
	BrowserDelayMs int `mapstructure:"browser_delay_ms"`
}

// TerminalConfig controls the terminal-transport socket service
type TerminalConfig struct {
	// PreferredPort is the first candidate for the terminal transport port.
	PreferredPort int `mapstructure:"preferred_port"`
}

// RelayConfig controls the secondary transport socket service
type RelayConfig struct {
	// PreferredPort is the first candidate for the relay transport port.
	PreferredPort int `mapstructure:"preferred_port"`
}

// PortsConfig controls port allocation behavior
type PortsConfig struct {
	// MaxAttempts is how many consecutive candidates to try per allocation (default: 10)
	MaxAttempts int `mapstructure:"max_attempts"`
}

// ProcessConfig controls child process termination behavior
type ProcessConfig struct {
	// GracefulTimeoutMs is how long to wait after SIGTERM before force-killing (default: 5000)
	GracefulTimeoutMs int `mapstructure:"graceful_timeout_ms"`
	// PollIntervalMs is how often to check for process death during shutdown (default: 100)
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
}

// EnrichmentConfig controls the pull-request enrichment cache
type EnrichmentConfig struct {
	// TTLMs is the cache entry time-to-live in milliseconds (default: 60000)
	TTLMs int `mapstructure:"ttl_ms"`
	// DegradedThreshold is the failed sub-fetch fraction at or above which a
	// result is tagged rate-limited/degraded (default: 0.5)
	DegradedThreshold float64 `mapstructure:"degraded_threshold"`
	// SweepIntervalMs is how often the background sweeper evicts expired
	// entries, 0 disables the sweeper (default: 30000)
	SweepIntervalMs int `mapstructure:"sweep_interval_ms"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether logging to the data directory is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
}

// PathsConfig controls where wharf stores data
type PathsConfig struct {
	// DataDir is where session metadata and logs are stored.
	// If empty, defaults to ".wharf" relative to the working directory.
	// Supports ~ for home directory expansion.
	DataDir string `mapstructure:"data_dir"`
}

// GracefulTimeout returns the graceful shutdown window as a time.Duration
func (c *ProcessConfig) GracefulTimeout() time.Duration {
	return time.Duration(c.GracefulTimeoutMs) * time.Millisecond
}

// PollInterval returns the liveness poll interval as a time.Duration
func (c *ProcessConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// TTL returns the cache entry time-to-live as a time.Duration
func (c *EnrichmentConfig) TTL() time.Duration {
	return time.Duration(c.TTLMs) * time.Millisecond
}

// SweepInterval returns the sweeper interval as a time.Duration (0 means disabled)
func (c *EnrichmentConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

// BrowserDelay returns the browser-open delay as a time.Duration
func (c *DashboardConfig) BrowserDelay() time.Duration {
	return time.Duration(c.BrowserDelayMs) * time.Millisecond
}

// ResolveDataDir returns the resolved data directory path.
// If DataDir is empty, it returns ".wharf" relative to baseDir.
// If DataDir starts with ~, it expands to the user's home directory.
func (p *PathsConfig) ResolveDataDir(baseDir string) string {
	if p.DataDir == "" {
		return filepath.Join(baseDir, ".wharf")
	}

	path := p.DataDir

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = home
		}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}

	return path
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Dashboard: DashboardConfig{
			Command:        "pnpm",
			Args:           []string{"run", "dev"},
			Dir:            "",
			PreferredPort:  3001,
			OpenBrowser:    true,
			BrowserDelayMs: 1500,
		},
		Terminal: TerminalConfig{
			PreferredPort: 4001,
		},
		Relay: RelayConfig{
			PreferredPort: 4101,
		},
		Ports: PortsConfig{
			MaxAttempts: 10,
		},
		Process: ProcessConfig{
			GracefulTimeoutMs: 5000,
			PollIntervalMs:    100,
		},
		Enrichment: EnrichmentConfig{
			TTLMs:             60000, // one minute of cached PR detail
			DegradedThreshold: 0.5,
			SweepIntervalMs:   30000,
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
		},
		Paths: PathsConfig{
			DataDir: "", // Empty means use default: .wharf
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Dashboard defaults
	viper.SetDefault("dashboard.command", defaults.Dashboard.Command)
	viper.SetDefault("dashboard.args", defaults.Dashboard.Args)
	viper.SetDefault("dashboard.dir", defaults.Dashboard.Dir)
	viper.SetDefault("dashboard.preferred_port", defaults.Dashboard.PreferredPort)
	viper.SetDefault("dashboard.open_browser", defaults.Dashboard.OpenBrowser)
	viper.SetDefault("dashboard.browser_delay_ms", defaults.Dashboard.BrowserDelayMs)

	// Terminal defaults
	viper.SetDefault("terminal.preferred_port", defaults.Terminal.PreferredPort)

	// Relay defaults
	viper.SetDefault("relay.preferred_port", defaults.Relay.PreferredPort)

	// Ports defaults
	viper.SetDefault("ports.max_attempts", defaults.Ports.MaxAttempts)

	// Process defaults
	viper.SetDefault("process.graceful_timeout_ms", defaults.Process.GracefulTimeoutMs)
	viper.SetDefault("process.poll_interval_ms", defaults.Process.PollIntervalMs)

	// Enrichment defaults
	viper.SetDefault("enrichment.ttl_ms", defaults.Enrichment.TTLMs)
	viper.SetDefault("enrichment.degraded_threshold", defaults.Enrichment.DegradedThreshold)
	viper.SetDefault("enrichment.sweep_interval_ms", defaults.Enrichment.SweepIntervalMs)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)

	// Paths defaults
	viper.SetDefault("paths.data_dir", defaults.Paths.DataDir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// Validate checks the configuration for invalid values and returns a list
// of human-readable problems. An empty list means the config is valid.
func (c *Config) Validate() []string {
	var errs []string

	for name, port := range map[string]int{
		"dashboard.preferred_port": c.Dashboard.PreferredPort,
		"terminal.preferred_port":  c.Terminal.PreferredPort,
		"relay.preferred_port":     c.Relay.PreferredPort,
	} {
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("%s must be between 1 and 65535, got %d", name, port))
		}
	}

	if c.Ports.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("ports.max_attempts must be at least 1, got %d", c.Ports.MaxAttempts))
	}

	if c.Process.GracefulTimeoutMs < 0 {
		errs = append(errs, fmt.Sprintf("process.graceful_timeout_ms must not be negative, got %d", c.Process.GracefulTimeoutMs))
	}
	if c.Process.PollIntervalMs < 1 {
		errs = append(errs, fmt.Sprintf("process.poll_interval_ms must be at least 1, got %d", c.Process.PollIntervalMs))
	}

	if c.Enrichment.TTLMs < 1 {
		errs = append(errs, fmt.Sprintf("enrichment.ttl_ms must be at least 1, got %d", c.Enrichment.TTLMs))
	}
	if c.Enrichment.DegradedThreshold < 0 || c.Enrichment.DegradedThreshold > 1 {
		errs = append(errs, fmt.Sprintf("enrichment.degraded_threshold must be between 0 and 1, got %g", c.Enrichment.DegradedThreshold))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level must be one of debug/info/warn/error, got %q", c.Logging.Level))
	}

	return errs
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "wharf")
	}
	// Fall back to ~/.config/wharf
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wharf"
	}
	return filepath.Join(home, ".config", "wharf")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

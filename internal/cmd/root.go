// Package cmd wires the wharf CLI: up, down, status, and sessions.
package cmd

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wharf-sh/wharf/internal/config"
	"github.com/wharf-sh/wharf/internal/lifecycle"
	"github.com/wharf-sh/wharf/internal/logging"
	"github.com/wharf-sh/wharf/internal/meta"
	"github.com/wharf-sh/wharf/internal/ports"
	"github.com/wharf-sh/wharf/internal/proc"
)

var rootCmd = &cobra.Command{
	Use:   "wharf",
	Short: "Local control plane for development sessions",
	Long: `Wharf keeps the auxiliary resources of a development-session
orchestrator correct under concurrent access: collision-free port
allocation, leak-free child process supervision, serialized session
metadata writes, and service bundles that start and stop as a unit.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/wharf/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/wharf")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("WHARF")
	// Replace dots with underscores for nested keys in env vars
	// e.g., WHARF_DASHBOARD_PREFERRED_PORT for dashboard.preferred_port
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// runtime bundles the long-lived components a command needs.
type runtime struct {
	cfg         *config.Config
	logger      *logging.Logger
	registry    *ports.Registry
	supervisor  *proc.Supervisor
	coordinator *lifecycle.Coordinator
	store       *meta.Store
	dataDir     string
}

// newRuntime loads configuration and constructs the component graph.
func newRuntime() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	dataDir := cfg.Paths.ResolveDataDir(cwd)

	level := cfg.Logging.Level
	var logger *logging.Logger
	if cfg.Logging.Enabled {
		logger, err = logging.NewLogger(dataDir, level)
		if err != nil {
			return nil, err
		}
	} else {
		logger = logging.NopLogger()
	}

	registry := ports.NewRegistry(logger,
		ports.WithMaxAttempts(cfg.Ports.MaxAttempts))
	supervisor := proc.NewSupervisor(logger,
		proc.WithPollInterval(cfg.Process.PollInterval()))
	coordinator := lifecycle.NewCoordinator(registry, supervisor, logger,
		lifecycle.WithGracefulTimeout(cfg.Process.GracefulTimeout()))

	backend, err := meta.NewFileBackend(dataDir)
	if err != nil {
		return nil, err
	}
	store := meta.NewStore(backend, logger)

	return &runtime{
		cfg:         cfg,
		logger:      logger,
		registry:    registry,
		supervisor:  supervisor,
		coordinator: coordinator,
		store:       store,
		dataDir:     dataDir,
	}, nil
}

func (r *runtime) close() {
	_ = r.logger.Close()
}

// bundleServices declares the dashboard bundle's services in allocation
// order; the dashboard itself comes first so it is the browser target.
func bundleServices(cfg *config.Config) []lifecycle.Service {
	return []lifecycle.Service{
		{Name: "dashboard", EnvVar: "WHARF_DASHBOARD_PORT", PreferredPort: cfg.Dashboard.PreferredPort},
		{Name: "terminal", EnvVar: "WHARF_TERMINAL_PORT", PreferredPort: cfg.Terminal.PreferredPort},
		{Name: "relay", EnvVar: "WHARF_RELAY_PORT", PreferredPort: cfg.Relay.PreferredPort},
	}
}

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wharf-sh/wharf/internal/errors"
	"github.com/wharf-sh/wharf/internal/lifecycle"
	"github.com/wharf-sh/wharf/internal/meta"
)

// bundleKey is the metadata record the dashboard bundle lives under.
const bundleKey = "bundle"

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the dashboard service bundle",
	Long: `Allocate ports for the dashboard, terminal, and relay services,
then launch the bundle process with the ports injected through the
environment. The granted ports and the child PID are recorded so that
'wharf down' can stop the bundle later, even from a fresh process.`,
	RunE: runUp,
}

func init() {
	upCmd.Flags().Bool("no-browser", false, "do not open the dashboard in a browser")
	rootCmd.AddCommand(upCmd)
}

func runUp(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	cfg := rt.cfg
	if cfg.Dashboard.Command == "" {
		return errors.NewValidationError("dashboard.command is not configured; set it in config.yaml or WHARF_DASHBOARD_COMMAND")
	}

	noBrowser, _ := cmd.Flags().GetBool("no-browser")

	bundle, err := rt.coordinator.Start(cmd.Context(), lifecycle.StartOptions{
		Command:      cfg.Dashboard.Command,
		Args:         cfg.Dashboard.Args,
		Dir:          cfg.Dashboard.Dir,
		Services:     bundleServices(cfg),
		ConfigPath:   viper.ConfigFileUsed(),
		OpenBrowser:  cfg.Dashboard.OpenBrowser && !noBrowser,
		BrowserDelay: cfg.Dashboard.BrowserDelay(),
		Description:  "dashboard bundle",
	})
	if err != nil {
		return err
	}

	patch := meta.Record{
		"status":     "running",
		"pid":        bundle.Handle.PID(),
		"command":    cfg.Dashboard.Command,
		"started_at": time.Now().Format(time.RFC3339),
	}
	for name, port := range bundle.Ports {
		patch[name+"_port"] = port
	}
	if err := rt.store.Update(cmd.Context(), bundleKey, patch); err != nil {
		return err
	}

	fmt.Println(headerStyle.Render("wharf up"))
	fmt.Printf("  %s %s (pid %d)\n", upStyle.Render("started"), cfg.Dashboard.Command, bundle.Handle.PID())
	for _, svc := range bundleServices(cfg) {
		fmt.Printf("  %-9s %s\n", svc.Name, fmt.Sprintf("http://localhost:%d", bundle.Port(svc.Name)))
	}
	return nil
}

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wharf-sh/wharf/internal/config"
	"github.com/wharf-sh/wharf/internal/errors"
	"github.com/wharf-sh/wharf/internal/meta"
)

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop the dashboard service bundle",
	Long: `Discover whatever is listening on the bundle's recorded ports,
terminate it gracefully (SIGTERM, then SIGKILL after the graceful
window), and release the ports. Safe to run repeatedly; with nothing
listening it reports success.`,
	RunE: runDown,
}

func init() {
	rootCmd.AddCommand(downCmd)
}

func runDown(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	bundlePorts := recordedPorts(rt, cmd)

	pids, err := rt.coordinator.Stop(cmd.Context(), bundlePorts)
	if err != nil {
		return err
	}

	patch := meta.Record{
		"status":     "stopped",
		"stopped_at": time.Now().Format(time.RFC3339),
	}
	if storeErr := rt.store.Update(cmd.Context(), bundleKey, patch); storeErr != nil {
		rt.logger.Warn("failed to record stop", "error", storeErr)
	}

	if len(pids) == 0 {
		fmt.Println(mutedStyle.Render("nothing running"))
		return nil
	}
	fmt.Printf("%s %d process(es) on ports %v\n", downStyle.Render("stopped"), len(pids), bundlePorts)
	return nil
}

// recordedPorts returns the ports the last 'wharf up' persisted, falling
// back to the configured preferred ports when no bundle record exists.
func recordedPorts(rt *runtime, cmd *cobra.Command) []int {
	record, err := rt.store.Read(cmd.Context(), bundleKey)
	if err != nil {
		if !errors.Is(err, errors.ErrRecordNotFound) {
			rt.logger.Warn("failed to read bundle record", "error", err)
		}
		return preferredPorts(rt.cfg)
	}

	var found []int
	for _, svc := range bundleServices(rt.cfg) {
		if port, ok := recordPort(record, svc.Name+"_port"); ok {
			found = append(found, port)
		}
	}
	if len(found) == 0 {
		return preferredPorts(rt.cfg)
	}
	return found
}

func preferredPorts(cfg *config.Config) []int {
	var out []int
	for _, svc := range bundleServices(cfg) {
		out = append(out, svc.PreferredPort)
	}
	return out
}

// recordPort reads a port field from a JSON-decoded record, where numbers
// arrive as float64.
func recordPort(record meta.Record, field string) (int, bool) {
	switch v := record[field].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wharf-sh/wharf/internal/errors"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show bundle status",
	Long:  `Probe each recorded bundle port and report what is reachable.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	record, err := rt.store.Read(cmd.Context(), bundleKey)
	if err != nil {
		if errors.Is(err, errors.ErrRecordNotFound) {
			fmt.Println(mutedStyle.Render("no bundle recorded; run 'wharf up'"))
			return nil
		}
		return err
	}

	fmt.Println(headerStyle.Render("wharf status"))
	if status, ok := record["status"].(string); ok {
		fmt.Printf("  recorded:  %s\n", status)
	}
	if started, ok := record["started_at"].(string); ok {
		fmt.Printf("  started:   %s\n", mutedStyle.Render(started))
	}

	anyUp := false
	for _, svc := range bundleServices(rt.cfg) {
		port, ok := recordPort(record, svc.Name+"_port")
		if !ok {
			continue
		}
		if rt.coordinator.Probe(cmd.Context(), port) {
			anyUp = true
			fmt.Printf("  %-9s %s  %s\n", svc.Name, upStyle.Render("up"), fmt.Sprintf("http://localhost:%d", port))
		} else {
			fmt.Printf("  %-9s %s  port %d\n", svc.Name, downStyle.Render("down"), port)
		}
	}

	if !anyUp {
		fmt.Println(warnStyle.Render("  no service is answering; 'wharf down' will clean up the record"))
	}
	return nil
}

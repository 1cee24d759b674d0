package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wharf-sh/wharf/internal/enrich"
	"github.com/wharf-sh/wharf/internal/errors"
)

// sessionPrefix is where per-session metadata records live in the store.
const sessionPrefix = "sessions/"

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List session metadata records",
	Long: `List the session records in the metadata store. With --enrich,
sessions that reference a pull request are decorated with live review
data (CI status, review decision, mergeability) through a TTL cache, so
sessions sharing a pull request cost one fetch per run.`,
	RunE: runSessions,
}

func init() {
	sessionsCmd.Flags().Bool("enrich", false, "decorate sessions with pull request review data")
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	keys, err := rt.store.Keys(cmd.Context(), sessionPrefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Println(mutedStyle.Render("no sessions"))
		return nil
	}
	sort.Strings(keys)

	doEnrich, _ := cmd.Flags().GetBool("enrich")
	var enricher *enrich.Enricher
	if doEnrich {
		cache := enrich.NewCache[enrich.Enriched](rt.cfg.Enrichment.TTL())
		stopSweeper := make(chan struct{})
		cache.StartSweeper(rt.cfg.Enrichment.SweepInterval(), stopSweeper)
		defer close(stopSweeper)
		threshold := rt.cfg.Enrichment.DegradedThreshold
		enricher = enrich.NewEnricher(enrich.NewGHClient(), cache, rt.logger,
			enrich.WithDegradedPolicy(func(failed float64) bool {
				return failed >= threshold
			}))
	}

	fmt.Println(headerStyle.Render("sessions"))
	for _, key := range keys {
		record, err := rt.store.Read(cmd.Context(), key)
		if err != nil {
			fmt.Printf("  %s  %s\n", strings.TrimPrefix(key, sessionPrefix),
				downStyle.Render("unreadable: "+err.Error()))
			continue
		}

		name := strings.TrimPrefix(key, sessionPrefix)
		line := fmt.Sprintf("  %-20s", name)
		if status, ok := record["status"].(string); ok {
			line += " " + renderSessionStatus(status)
		}
		if branch, ok := record["branch"].(string); ok {
			line += "  " + mutedStyle.Render(branch)
		}
		fmt.Println(line)

		if enricher != nil {
			if refStr, ok := record["pr"].(string); ok {
				printEnrichment(cmd, enricher, refStr)
			}
		}
	}
	return nil
}

func printEnrichment(cmd *cobra.Command, enricher *enrich.Enricher, refStr string) {
	ref, err := enrich.ParseRef(refStr)
	if err != nil {
		fmt.Printf("    %s\n", warnStyle.Render("bad pr ref: "+refStr))
		return
	}

	record, err := enricher.GetOrFetch(cmd.Context(), ref)
	if err != nil && !errors.IsRateLimit(err) {
		fmt.Printf("    %s\n", warnStyle.Render("enrichment failed: "+err.Error()))
		return
	}

	line := fmt.Sprintf("    %s", ref.Key())
	if record.Status != "" {
		line += "  " + record.Status
	}
	if record.ReviewDecision != "" {
		line += "  " + record.ReviewDecision
	}
	if record.Mergeable != "" {
		line += "  " + record.Mergeable
	}
	if record.CommentCount > 0 {
		line += fmt.Sprintf("  %d comments", record.CommentCount)
	}
	if record.Stale {
		line += "  " + mutedStyle.Render(fmt.Sprintf("(stale, %ds old)", record.CacheAgeMs/1000))
	}
	fmt.Println(line)

	if record.Degraded {
		fmt.Printf("    %s\n", warnStyle.Render(record.Blocker))
	}
	if err != nil {
		// Quota exhausted: the line above is whatever the cache had.
		fmt.Printf("    %s\n", warnStyle.Render(err.Error()))
	}
}

func renderSessionStatus(status string) string {
	switch status {
	case "running":
		return upStyle.Render(status)
	case "stopped", "failed":
		return downStyle.Render(status)
	default:
		return mutedStyle.Render(status)
	}
}

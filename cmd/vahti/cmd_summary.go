package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/reconciler"
	"github.com/yairfalse/vahti/summary"
)

var (
	summaryKind    string
	summaryAccount string
)

// summaryCmd represents the summary command
var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show cached posture summaries",
	Long: `Show aggregate posture views computed from the local store.

Summaries are cached with per-kind freshness windows, so repeated calls
are cheap. A stale summary is served as-is when another instance is
already refreshing it; the payload then carries "stale": true.`,
	Example: `  vahti summary                         # Dashboard aggregates
  vahti summary --kind findings         # Findings breakdown
  vahti summary --kind resources        # Inventory breakdown
  vahti summary --account 123456789012  # One account only
  vahti summary --kind sweep            # Last sweep result`,
	RunE: runSummary,
}

func init() {
	rootCmd.AddCommand(summaryCmd)

	summaryCmd.Flags().StringVarP(&summaryKind, "kind", "k", "dashboard", "Summary kind: dashboard, findings, resources, sweep")
	summaryCmd.Flags().StringVar(&summaryAccount, "account", "", "Restrict to one account ID")
}

func runSummary(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newLocalApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if summaryKind == "sweep" {
		return printLastSweep(a)
	}

	result, err := a.summaries.GetOrRefresh(cmd.Context(), summary.Kind(summaryKind), summaryAccount)
	if err != nil {
		return err
	}

	output := struct {
		Kind       string          `json:"kind"`
		ComputedAt string          `json:"computed_at"`
		Stale      bool            `json:"stale"`
		Summary    json.RawMessage `json:"summary"`
	}{
		Kind:       summaryKind,
		ComputedAt: result.ComputedAt.Format("2006-01-02T15:04:05Z07:00"),
		Stale:      result.Stale,
		Summary:    result.Payload,
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

func printLastSweep(a *app) error {
	entry, err := a.store.GetSummary(reconciler.LastSweepKey)
	if err != nil {
		return err
	}
	if entry == nil {
		fmt.Println("No sweep recorded yet. Run 'vahti sweep' first.")
		return nil
	}

	var result reconciler.SweepResult
	if err := json.Unmarshal(entry.Payload, &result); err != nil {
		return fmt.Errorf("decode last sweep: %w", err)
	}

	fmt.Printf("Last sweep %s at %s\n", result.ScanID, result.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("  Duration: %s\n", result.Duration)
	fmt.Printf("  Processed: %d  Skipped: %d  Failed: %d\n", result.Processed, result.Skipped, result.Failed)
	fmt.Printf("  Findings opened: %d  resolved: %d  Resources gone: %d\n",
		result.FindingsOpened, result.FindingsResolved, result.ResourcesGone)
	return nil
}

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/reconciler"
)

var (
	sweepPolicyID string
	sweepService  string
)

// sweepCmd represents the sweep command
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one full evaluation sweep and exit",
	Long: `Sweep every launched policy across the configured accounts once.

A sweep lists all resources for every supported service, refreshes the
local inventory, evaluates each resource against the launched policies
in scope, and confirms disappearances. The result summary is persisted
so the dashboard can report the last sweep.`,
	Example: `  vahti sweep                                   # Sweep everything
  vahti sweep --policy S3BucketPublic --service s3  # One policy only`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().StringVar(&sweepPolicyID, "policy", "", "Sweep a single policy instead of all launched policies")
	sweepCmd.Flags().StringVar(&sweepService, "service", "", "Service of the single policy (required with --policy)")
}

func runSweep(cmd *cobra.Command, args []string) error {
	if sweepPolicyID != "" && sweepService == "" {
		return fmt.Errorf("--service is required with --policy")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := runSingleSweep(ctx, a)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	fmt.Printf("Sweep %s finished in %s\n", result.ScanID, result.Duration)
	fmt.Printf("  Processed: %d  Skipped: %d  Failed: %d\n", result.Processed, result.Skipped, result.Failed)
	fmt.Printf("  Findings opened: %d  resolved: %d  Resources gone: %d\n",
		result.FindingsOpened, result.FindingsResolved, result.ResourcesGone)
	return nil
}

func runSingleSweep(ctx context.Context, a *app) (*reconciler.SweepResult, error) {
	if sweepPolicyID != "" {
		return a.reconciler.SweepPolicy(ctx, sweepPolicyID, sweepService)
	}
	return a.reconciler.Sweep(ctx)
}

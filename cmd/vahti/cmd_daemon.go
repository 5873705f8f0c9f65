package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/internal/daemon"
	"github.com/yairfalse/vahti/telemetry"
)

var daemonSweepOnStart bool

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the continuous evaluation daemon",
	Long: `Run Vahti in daemon mode for continuous posture evaluation.

The daemon sweeps every launched policy across your accounts at the
configured interval, consumes change events from SQS when a queue is
configured, and serves Prometheus metrics and health checks.

Features:
- Periodic full sweeps with disappearance confirmation
- Near-real-time evaluation from change events
- Prometheus metrics on /metrics, health on /health
- Graceful shutdown on SIGTERM/SIGINT`,
	Example: `  vahti daemon                        # Run with vahti.yaml
  vahti daemon --config prod.yaml     # Custom configuration
  vahti daemon --sweep-on-start       # Sweep immediately at startup`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().BoolVar(&daemonSweepOnStart, "sweep-on-start", false, "Run one sweep immediately instead of waiting a full interval")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdown, err := telemetry.InitOTEL(ctx, telemetry.Config{
		ServiceVersion: version,
		OTELEndpoint:   cfg.Telemetry.OTELEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var source daemon.ChangeSource
	if cfg.Events.QueueURL != "" {
		source = a.provider.NewNotifier(cfg.Events.QueueURL)
	}

	d := daemon.New(a.reconciler, source, a.audit, daemon.Config{
		SweepInterval: cfg.Sweep.Interval.Std(),
		MetricsAddr:   cfg.Telemetry.MetricsAddr,
		SweepOnStart:  daemonSweepOnStart,
	})

	fmt.Printf("Vahti daemon starting (region %s, %d accounts, sweep every %s)\n",
		cfg.Region, len(cfg.Accounts), cfg.Sweep.Interval.Std())
	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("daemon error: %w", err)
	}

	fmt.Println("Daemon stopped")
	return nil
}

// Package daemon runs the continuous evaluation loop: periodic sweeps,
// the change event consumer, and the metrics endpoint, supervised as one
// actor group so a failure in any of them shuts the whole process down.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yairfalse/vahti/reconciler"
	"github.com/yairfalse/vahti/telemetry"
	"github.com/yairfalse/vahti/types"
	"github.com/yairfalse/vahti/wal"
)

// ChangeSource delivers resource change events until the context is canceled.
type ChangeSource interface {
	Run(ctx context.Context, handler func(ctx context.Context, event types.ChangeEvent) error) error
}

// Config holds daemon wiring
type Config struct {
	SweepInterval time.Duration
	MetricsAddr   string
	// SweepOnStart runs one sweep immediately instead of waiting a full interval
	SweepOnStart bool
	// AuditCleanupInterval controls how often audit log retention is applied
	AuditCleanupInterval time.Duration
}

// Daemon supervises the sweep loop, the change consumer, audit log
// retention, and the metrics server
type Daemon struct {
	reconciler *reconciler.Reconciler
	source     ChangeSource
	audit      *wal.WAL
	config     Config
	logger     *telemetry.Logger
	startTime  time.Time
	sweepCount atomic.Int64
}

// New builds a daemon. source may be nil when no event queue is configured;
// the daemon then runs on sweeps alone. audit may be nil when no log
// retention should run.
func New(rec *reconciler.Reconciler, source ChangeSource, audit *wal.WAL, config Config) *Daemon {
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Hour
	}
	if config.AuditCleanupInterval <= 0 {
		config.AuditCleanupInterval = 24 * time.Hour
	}
	return &Daemon{
		reconciler: rec,
		source:     source,
		audit:      audit,
		config:     config,
		logger:     telemetry.NewLogger("daemon"),
		startTime:  time.Now(),
	}
}

// SweepCount returns the number of completed sweep cycles.
func (d *Daemon) SweepCount() int64 {
	return d.sweepCount.Load()
}

// Run blocks until the context is canceled or an actor fails.
func (d *Daemon) Run(ctx context.Context) error {
	var group run.Group

	{
		loopCtx, cancel := context.WithCancel(ctx)
		group.Add(func() error {
			return d.sweepLoop(loopCtx)
		}, func(error) {
			cancel()
		})
	}

	if d.audit != nil {
		cleanupCtx, cancel := context.WithCancel(ctx)
		group.Add(func() error {
			return d.auditCleanupLoop(cleanupCtx)
		}, func(error) {
			cancel()
		})
	}

	if d.source != nil {
		sourceCtx, cancel := context.WithCancel(ctx)
		group.Add(func() error {
			err := d.source.Run(sourceCtx, d.reconciler.HandleChangeEvent)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}, func(error) {
			cancel()
		})
	}

	if d.config.MetricsAddr != "" {
		listener, err := net.Listen("tcp", d.config.MetricsAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", d.config.MetricsAddr, err)
		}
		server := d.metricsServer()
		group.Add(func() error {
			d.logger.WithContext(ctx).Info().
				Str("addr", listener.Addr().String()).
				Msg("metrics server listening")
			if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		})
	}

	{
		group.Add(func() error {
			<-ctx.Done()
			return ctx.Err()
		}, func(error) {})
	}

	err := group.Run()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Daemon) sweepLoop(ctx context.Context) error {
	if d.config.SweepOnStart {
		d.runSweep(ctx)
	}

	ticker := time.NewTicker(d.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.runSweep(ctx)
		}
	}
}

// auditCleanupLoop periodically drops audit log files past retention
func (d *Daemon) auditCleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.config.AuditCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats, err := d.audit.Cleanup()
			if err != nil {
				d.logger.WithContext(ctx).Error().Err(err).Msg("audit cleanup failed")
				continue
			}
			if stats.FilesRemoved > 0 {
				d.logger.WithContext(ctx).Info().
					Int("files_removed", stats.FilesRemoved).
					Int64("bytes_freed", stats.BytesFreed).
					Msg("audit retention applied")
			}
		}
	}
}

func (d *Daemon) runSweep(ctx context.Context) {
	result, err := d.reconciler.Sweep(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		d.logger.WithContext(ctx).Error().
			Err(err).
			Msg("sweep failed")
		return
	}
	d.sweepCount.Add(1)
	d.logger.WithContext(ctx).Info().
		Str("scan_id", result.ScanID).
		Int("processed", result.Processed).
		Int("opened", result.FindingsOpened).
		Int("resolved", result.FindingsResolved).
		Msg("sweep cycle complete")
}

func (d *Daemon) metricsServer() *http.Server {
	mux := http.NewServeMux()
	if telemetry.PrometheusRegistry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(telemetry.PrometheusRegistry, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/-/ready", d.handleHealth)

	return &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"healthy","uptime_seconds":%d,"sweeps":%d}`,
		int64(time.Since(d.startTime).Seconds()), d.sweepCount.Load())
}

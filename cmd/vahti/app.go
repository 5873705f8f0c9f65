package main

import (
	"context"
	"fmt"

	"github.com/yairfalse/vahti/config"
	"github.com/yairfalse/vahti/policy"
	"github.com/yairfalse/vahti/providers/aws"
	"github.com/yairfalse/vahti/reconciler"
	"github.com/yairfalse/vahti/storage"
	"github.com/yairfalse/vahti/summary"
	"github.com/yairfalse/vahti/wal"
)

// app bundles the wired components every command works against
type app struct {
	config     *config.Config
	store      *storage.Store
	audit      *wal.WAL
	registry   *policy.Registry
	provider   *aws.Provider
	reconciler *reconciler.Reconciler
	summaries  *summary.Service
}

// newApp opens storage and wires the reconciler against live AWS clients
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := storage.Open(cfg.Storage.Dir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	audit, err := wal.Open(cfg.Storage.AuditDir)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	registry := policy.NewBuiltinRegistry()
	provider, err := aws.NewProvider(ctx, cfg.Region)
	if err != nil {
		_ = audit.Close()
		_ = store.Close()
		return nil, err
	}
	if err := provider.RegisterCapabilities(registry); err != nil {
		_ = audit.Close()
		_ = store.Close()
		return nil, err
	}

	rec := reconciler.New(store, registry, audit, reconciler.Options{
		Accounts:           cfg.Accounts,
		ConfirmationSweeps: cfg.Sweep.ConfirmationSweeps,
	})

	summaries := summary.NewService(store, summary.Options{
		DashboardTTL: cfg.Cache.DashboardTTL.Std(),
		FindingsTTL:  cfg.Cache.FindingsTTL.Std(),
		ResourcesTTL: cfg.Cache.ResourcesTTL.Std(),
	})

	return &app{
		config:     cfg,
		store:      store,
		audit:      audit,
		registry:   registry,
		provider:   provider,
		reconciler: rec,
		summaries:  summaries,
	}, nil
}

// newLocalApp wires commands that work against the local store without
// touching AWS. The reconciler here has no registered services, which is
// fine for policy lifecycle operations that never describe resources.
func newLocalApp(cfg *config.Config) (*app, error) {
	store, err := storage.Open(cfg.Storage.Dir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	audit, err := wal.Open(cfg.Storage.AuditDir)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	registry := policy.NewBuiltinRegistry()
	rec := reconciler.New(store, registry, audit, reconciler.Options{
		Accounts:           cfg.Accounts,
		ConfirmationSweeps: cfg.Sweep.ConfirmationSweeps,
	})

	summaries := summary.NewService(store, summary.Options{
		DashboardTTL: cfg.Cache.DashboardTTL.Std(),
		FindingsTTL:  cfg.Cache.FindingsTTL.Std(),
		ResourcesTTL: cfg.Cache.ResourcesTTL.Std(),
	})

	return &app{
		config:     cfg,
		store:      store,
		audit:      audit,
		registry:   registry,
		reconciler: rec,
		summaries:  summaries,
	}, nil
}

func (a *app) Close() {
	if a.audit != nil {
		_ = a.audit.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

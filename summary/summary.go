// Package summary serves cached aggregate views of the inventory and
// findings. Reads are cheap and refreshes are single-flight: whichever
// instance wins the conditional refresh lock recomputes, everyone else
// serves the stale payload until the winner finishes.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vahti/storage"
	"github.com/yairfalse/vahti/telemetry"
	"github.com/yairfalse/vahti/types"
)

// Kind selects which aggregate view to serve
type Kind string

const (
	KindDashboard Kind = "dashboard"
	KindFindings  Kind = "findings"
	KindResources Kind = "resources"
)

// Default freshness windows per kind
const (
	DefaultDashboardTTL = time.Hour
	DefaultFindingsTTL  = 15 * time.Minute
	DefaultResourcesTTL = 15 * time.Minute

	lockTTL = 2 * time.Minute
)

// Options tunes cache freshness and identifies this instance for locking
type Options struct {
	DashboardTTL time.Duration
	FindingsTTL  time.Duration
	ResourcesTTL time.Duration
	Holder       string
}

// Result is one served summary payload
type Result struct {
	Payload    json.RawMessage `json:"payload"`
	ComputedAt time.Time       `json:"computed_at"`
	Stale      bool            `json:"stale"`
}

// Service computes and caches summaries on top of the durable store
type Service struct {
	store   *storage.Store
	options Options
	logger  *telemetry.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

func NewService(store *storage.Store, options Options) *Service {
	if options.DashboardTTL <= 0 {
		options.DashboardTTL = DefaultDashboardTTL
	}
	if options.FindingsTTL <= 0 {
		options.FindingsTTL = DefaultFindingsTTL
	}
	if options.ResourcesTTL <= 0 {
		options.ResourcesTTL = DefaultResourcesTTL
	}
	if options.Holder == "" {
		hostname, _ := os.Hostname()
		options.Holder = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}
	return &Service{
		store:   store,
		options: options,
		logger:  telemetry.NewLogger("summary"),
		tracer:  otel.Tracer("summary"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// GetOrRefresh serves the summary of one kind, optionally filtered to one
// account. Fresh cache entries are served as-is. Expired entries trigger a
// recompute guarded by the refresh lock; losers of the lock race serve the
// stale payload instead of piling onto the store.
func (s *Service) GetOrRefresh(ctx context.Context, kind Kind, accountID string) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "summary.get_or_refresh",
		trace.WithAttributes(
			attribute.String("summary.kind", string(kind)),
			attribute.String("summary.account", accountID)))
	defer span.End()

	ttl, err := s.ttlFor(kind)
	if err != nil {
		return nil, err
	}

	key := cacheKey(kind, accountID)
	now := s.now()

	entry, err := s.store.GetSummary(key)
	if err != nil {
		return nil, err
	}
	if entry != nil && now.Sub(entry.ComputedAt) < ttl {
		telemetry.AddCounter(ctx, telemetry.CacheHits, 1)
		return &Result{Payload: entry.Payload, ComputedAt: entry.ComputedAt}, nil
	}

	acquired, err := s.store.TryAcquireRefreshLock(key, s.options.Holder, lockTTL, now)
	if err != nil {
		return nil, err
	}

	if !acquired {
		if entry != nil {
			telemetry.AddCounter(ctx, telemetry.CacheStaleServes, 1)
			s.logger.WithContext(ctx).Debug().
				Str("key", key).
				Msg("refresh lock held elsewhere, serving stale summary")
			return &Result{Payload: entry.Payload, ComputedAt: entry.ComputedAt, Stale: true}, nil
		}
		// Nothing cached to fall back on: compute without persisting and
		// let the lock holder own the cache write
		payload, err := s.compute(ctx, kind, accountID)
		if err != nil {
			return nil, err
		}
		return &Result{Payload: payload, ComputedAt: now}, nil
	}

	defer func() {
		if releaseErr := s.store.ReleaseRefreshLock(key, s.options.Holder); releaseErr != nil {
			s.logger.LogStoreError(ctx, "release_refresh_lock", releaseErr)
		}
	}()

	payload, err := s.compute(ctx, kind, accountID)
	if err != nil {
		// Refresh failed; a stale payload beats an error
		if entry != nil {
			telemetry.AddCounter(ctx, telemetry.CacheStaleServes, 1)
			return &Result{Payload: entry.Payload, ComputedAt: entry.ComputedAt, Stale: true}, nil
		}
		return nil, err
	}

	if err := s.store.PutSummary(key, payload, now); err != nil {
		return nil, err
	}

	telemetry.AddCounter(ctx, telemetry.CacheRefreshes, 1)
	return &Result{Payload: payload, ComputedAt: now}, nil
}

func (s *Service) ttlFor(kind Kind) (time.Duration, error) {
	switch kind {
	case KindDashboard:
		return s.options.DashboardTTL, nil
	case KindFindings:
		return s.options.FindingsTTL, nil
	case KindResources:
		return s.options.ResourcesTTL, nil
	default:
		return 0, fmt.Errorf("%w: unknown summary kind %q", types.ErrValidation, kind)
	}
}

func (s *Service) compute(ctx context.Context, kind Kind, accountID string) (json.RawMessage, error) {
	switch kind {
	case KindDashboard:
		return s.computeDashboard(ctx, accountID)
	case KindFindings:
		return s.computeFindings(ctx, accountID)
	case KindResources:
		return s.computeResources(ctx, accountID)
	default:
		return nil, fmt.Errorf("%w: unknown summary kind %q", types.ErrValidation, kind)
	}
}

func cacheKey(kind Kind, accountID string) string {
	if accountID == "" {
		return string(kind)
	}
	return string(kind) + "#" + accountID
}

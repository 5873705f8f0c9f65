package reconciler

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vahti/policy"
	"github.com/yairfalse/vahti/storage"
	"github.com/yairfalse/vahti/types"
)

// LaunchPolicy activates a catalog policy and bootstraps it with a targeted
// sweep so existing resources get findings without waiting for the next
// full anti-entropy pass.
func (r *Reconciler) LaunchPolicy(ctx context.Context, launched types.LaunchedPolicy) (*SweepResult, error) {
	ctx, span := r.tracer.Start(ctx, "reconciler.launch_policy",
		trace.WithAttributes(attribute.String("policy.id", launched.PolicyID)))
	defer span.End()

	def, ok := policy.Definition(launched.PolicyID)
	if !ok {
		return nil, fmt.Errorf("%w: policy %q is not in the catalog", types.ErrValidation, launched.PolicyID)
	}
	if _, ok := r.registry.Evaluator(launched.PolicyID); !ok {
		return nil, fmt.Errorf("%w: policy %q has no registered evaluator", types.ErrValidation, launched.PolicyID)
	}

	if err := r.store.LaunchPolicy(launched); err != nil {
		return nil, err
	}

	r.logger.WithContext(ctx).Info().
		Str("policy_id", launched.PolicyID).
		Msg("policy launched, bootstrapping findings")

	return r.SweepPolicy(ctx, launched.PolicyID, def.Service)
}

// UpdatePolicy applies scope/severity/remediation changes. A rescope or a
// severity change triggers a targeted re-evaluation sweep so open findings
// pick up the new scope and severity; a status change to suspended purges
// the policy's open findings.
func (r *Reconciler) UpdatePolicy(ctx context.Context, policyID string, update storage.PolicyUpdate) (*types.LaunchedPolicy, error) {
	ctx, span := r.tracer.Start(ctx, "reconciler.update_policy",
		trace.WithAttributes(attribute.String("policy.id", policyID)))
	defer span.End()

	updated, err := r.store.UpdatePolicy(policyID, update)
	if err != nil {
		return nil, err
	}

	if update.Status != nil && *update.Status == types.PolicySuspended {
		count, err := r.store.PurgeByPolicy(ctx, policyID, false, time.Now().UTC())
		if err != nil {
			return updated, err
		}
		r.logger.WithContext(ctx).Info().
			Str("policy_id", policyID).
			Int("findings_resolved", count).
			Msg("policy suspended, findings purged")
		return updated, nil
	}

	if (update.Scope != nil || update.Severity != nil) && updated.Status == types.PolicyActive {
		def, ok := policy.Definition(policyID)
		if !ok {
			return updated, nil
		}
		if _, err := r.SweepPolicy(ctx, policyID, def.Service); err != nil {
			return updated, err
		}
	}
	return updated, nil
}

// SuspendPolicy stops evaluation of a policy and resolves its open findings
// with POLICY_SUSPENDED, returning how many were resolved. The policy record
// and the resolved findings remain.
func (r *Reconciler) SuspendPolicy(ctx context.Context, policyID string) (int, error) {
	ctx, span := r.tracer.Start(ctx, "reconciler.suspend_policy",
		trace.WithAttributes(attribute.String("policy.id", policyID)))
	defer span.End()

	suspended := types.PolicySuspended
	if _, err := r.store.UpdatePolicy(policyID, storage.PolicyUpdate{Status: &suspended}); err != nil {
		return 0, err
	}

	count, err := r.store.PurgeByPolicy(ctx, policyID, false, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	r.logger.WithContext(ctx).Info().
		Str("policy_id", policyID).
		Int("findings_resolved", count).
		Msg("policy suspended, findings purged")
	return count, nil
}

// DeletePolicy removes a launched policy and hard-deletes every finding it
// ever produced.
func (r *Reconciler) DeletePolicy(ctx context.Context, policyID string) (int, error) {
	ctx, span := r.tracer.Start(ctx, "reconciler.delete_policy",
		trace.WithAttributes(attribute.String("policy.id", policyID)))
	defer span.End()

	count, err := r.store.PurgeByPolicy(ctx, policyID, true, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if err := r.store.DeletePolicy(policyID); err != nil {
		return count, err
	}

	r.logger.WithContext(ctx).Info().
		Str("policy_id", policyID).
		Int("findings_deleted", count).
		Msg("policy deleted")
	return count, nil
}

// Package reconciler drives policy evaluation: the incremental path reacts
// to change events, the sweep path walks the full account inventory, and
// policy lifecycle changes trigger targeted re-evaluation or purges.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vahti/policy"
	"github.com/yairfalse/vahti/storage"
	"github.com/yairfalse/vahti/telemetry"
	"github.com/yairfalse/vahti/types"
	"github.com/yairfalse/vahti/wal"
)

// Reconciler keeps the findings store consistent with observed cloud state
type Reconciler struct {
	store    *storage.Store
	registry *policy.Registry
	audit    *wal.WAL
	logger   *telemetry.Logger
	tracer   trace.Tracer
	options  Options
}

func New(store *storage.Store, registry *policy.Registry, audit *wal.WAL, options Options) *Reconciler {
	if options.ConfirmationSweeps <= 0 {
		options.ConfirmationSweeps = DefaultOptions().ConfirmationSweeps
	}
	return &Reconciler{
		store:    store,
		registry: registry,
		audit:    audit,
		logger:   telemetry.NewLogger("reconciler"),
		tracer:   otel.Tracer("reconciler"),
		options:  options,
	}
}

// HandleChangeEvent runs the incremental path for one change notification:
// describe the resource, upsert the snapshot, and re-evaluate every active
// policy that targets it. Unknown services and no-op events are skipped.
func (r *Reconciler) HandleChangeEvent(ctx context.Context, event types.ChangeEvent) error {
	ctx, span := r.tracer.Start(ctx, "reconciler.handle_change_event",
		trace.WithAttributes(
			attribute.String("arn", event.ARN),
			attribute.String("service", event.Service)))
	defer span.End()

	if err := event.Validate(); err != nil {
		return err
	}

	capability, ok := r.registry.Service(event.Service)
	if !ok {
		r.logger.WithContext(ctx).Debug().
			Str("service", event.Service).
			Str("arn", event.ARN).
			Msg("no capability for service, skipping event")
		return nil
	}

	resource, err := capability.Describer.Describe(ctx, event.AccountID, event.ARN)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			// Resource already gone; the sweep path confirms disappearance
			r.logger.WithContext(ctx).Debug().
				Str("arn", event.ARN).
				Msg("resource vanished before describe, leaving to sweep")
			return nil
		}
		return fmt.Errorf("describe %s: %w", event.ARN, err)
	}

	changed, err := r.store.UpsertResource(*resource)
	if err != nil {
		return err
	}
	if !changed {
		// Stale or duplicate event, nothing new to evaluate
		return nil
	}

	if err := r.audit.Append(wal.EntryObserved, resource.ARN, event); err != nil {
		r.logger.WithContext(ctx).Error().Err(err).Msg("audit append failed")
	}

	outcome := r.evaluateResource(ctx, resource, "")

	r.logger.WithContext(ctx).Info().
		Str("arn", resource.ARN).
		Int("evaluated", outcome.evaluated).
		Int("failed", outcome.failed).
		Int("opened", outcome.opened).
		Int("resolved", outcome.resolved).
		Msg("change event reconciled")
	return nil
}

// evaluateResource runs every active policy targeting the resource's service
// against one snapshot. When onlyPolicy is set, evaluation is restricted to
// that policy. Evaluator failures are isolated per (resource, policy) pair.
func (r *Reconciler) evaluateResource(ctx context.Context, resource *types.Resource, onlyPolicy string) evalOutcome {
	var outcome evalOutcome

	launched, err := r.store.ListPolicies(types.PolicyActive)
	if err != nil {
		r.logger.LogStoreError(ctx, "list_policies", err)
		outcome.failed++
		return outcome
	}

	service := resource.Service()
	for i := range launched {
		lp := &launched[i]
		if onlyPolicy != "" && lp.PolicyID != onlyPolicy {
			continue
		}

		def, ok := policy.Definition(lp.PolicyID)
		if !ok || def.Service != service {
			continue
		}

		outcome.add(r.evaluatePair(ctx, resource, lp, def))
	}
	return outcome
}

// evaluatePair evaluates one (resource, policy) pair and records the result
func (r *Reconciler) evaluatePair(ctx context.Context, resource *types.Resource, lp *types.LaunchedPolicy, def types.PolicyDefinition) evalOutcome {
	var outcome evalOutcome

	if !lp.Scope.Matches(resource.AccountID(), resource.Tags, resource.OUPath) {
		// Out of scope: any existing open finding must be resolved. The
		// scope change postdates the snapshot, so wall clock is the right
		// evaluation time here.
		resolved, err := r.store.ResolveFinding(ctx, resource.ARN, lp.PolicyID, types.ResolvedOutOfScope, time.Now().UTC())
		if err != nil {
			r.logger.LogStoreError(ctx, "resolve_out_of_scope", err)
			outcome.failed++
			return outcome
		}
		if resolved {
			outcome.resolved++
		}
		return outcome
	}

	evaluator, ok := r.registry.Evaluator(lp.PolicyID)
	if !ok {
		r.logger.WithContext(ctx).Error().
			Str("policy_id", lp.PolicyID).
			Msg("launched policy has no evaluator")
		outcome.failed++
		return outcome
	}

	evaluation, err := evaluator.Evaluate(ctx, *resource)
	if err != nil {
		telemetry.AddCounter(ctx, telemetry.EvaluatorFailures, 1)
		r.logger.LogEvaluatorFailure(ctx, resource.ARN, lp.PolicyID, err)
		if walErr := r.audit.AppendError(wal.EntryFailed, resource.ARN, map[string]string{"policy_id": lp.PolicyID}, err); walErr != nil {
			r.logger.WithContext(ctx).Error().Err(walErr).Msg("audit append failed")
		}
		outcome.failed++
		return outcome
	}

	severity := lp.EffectiveSeverity(def)
	finding, err := r.store.RecordEvaluation(ctx, resource.ARN, lp.PolicyID, resource.AccountService,
		severity, evaluation.Compliant, evaluation.Evidence, resource.DescribeTime)
	if err != nil {
		r.logger.LogStoreError(ctx, "record_evaluation", err)
		outcome.failed++
		return outcome
	}

	telemetry.AddCounter(ctx, telemetry.EvaluationsTotal, 1)
	outcome.evaluated++

	if walErr := r.audit.Append(wal.EntryEvaluated, resource.ARN, map[string]interface{}{
		"policy_id": lp.PolicyID,
		"compliant": evaluation.Compliant,
	}); walErr != nil {
		r.logger.WithContext(ctx).Error().Err(walErr).Msg("audit append failed")
	}

	if finding != nil && finding.LastEvaluated.Equal(resource.DescribeTime) {
		switch {
		case finding.State == types.FindingActive && finding.FirstSeen.Equal(resource.DescribeTime):
			outcome.opened++
			if walErr := r.audit.Append(wal.EntryOpened, resource.ARN, map[string]interface{}{
				"policy_id": lp.PolicyID,
				"severity":  severity,
			}); walErr != nil {
				r.logger.WithContext(ctx).Error().Err(walErr).Msg("audit append failed")
			}
		case finding.State == types.FindingResolved:
			outcome.resolved++
		}
	}
	return outcome
}

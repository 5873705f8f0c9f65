package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vahti/policy"
	"github.com/yairfalse/vahti/telemetry"
	"github.com/yairfalse/vahti/types"
	"github.com/yairfalse/vahti/wal"
)

// LastSweepKey is the summary entry holding the most recent sweep result
const LastSweepKey = "last_sweep"

// Sweep runs the anti-entropy path: every configured account crossed with
// every registered service, each live resource re-described and re-evaluated,
// and resources missing for enough consecutive sweeps tombstoned with their
// findings resolved. Failures are isolated per account/service pair and per
// resource; a sweep always runs to completion.
func (r *Reconciler) Sweep(ctx context.Context) (*SweepResult, error) {
	startedAt := time.Now().UTC()
	result := &SweepResult{
		ScanID:    fmt.Sprintf("sweep-%d", startedAt.UnixNano()),
		StartedAt: startedAt,
	}

	ctx, span := r.tracer.Start(ctx, "reconciler.sweep",
		trace.WithAttributes(attribute.String("scan_id", result.ScanID)))
	defer span.End()

	for _, account := range r.options.Accounts {
		for _, service := range r.registry.Services() {
			r.sweepPair(ctx, account, service, result)
		}
	}

	result.Duration = time.Since(startedAt)
	telemetry.RecordHistogram(ctx, telemetry.SweepDuration, result.Duration.Seconds())

	resourceCount, _ := r.store.Stats()
	telemetry.RecordGauge(ctx, telemetry.ResourcesInStore, int64(resourceCount))

	if err := r.persistSweepResult(ctx, result); err != nil {
		return result, err
	}

	r.logger.LogSweepComplete(ctx, result.ScanID, result.Processed, result.Skipped, result.Failed,
		float64(result.Duration.Milliseconds()))
	return result, nil
}

// SweepPolicy re-evaluates one policy across the stored inventory of its
// service. Used to bootstrap a newly launched policy and to re-apply a
// rescoped or re-severitied one without touching other policies. Each
// stored resource is re-described so the evaluation carries a describe
// time newer than any wall-clock resolution stamped on its findings.
func (r *Reconciler) SweepPolicy(ctx context.Context, policyID, service string) (*SweepResult, error) {
	startedAt := time.Now().UTC()
	result := &SweepResult{
		ScanID:    fmt.Sprintf("policy-sweep-%d", startedAt.UnixNano()),
		StartedAt: startedAt,
	}

	ctx, span := r.tracer.Start(ctx, "reconciler.sweep_policy",
		trace.WithAttributes(
			attribute.String("scan_id", result.ScanID),
			attribute.String("policy.id", policyID)))
	defer span.End()

	capability, canDescribe := r.registry.Service(service)

	token := ""
	for {
		page, err := r.store.ListResources(types.ResourceFilter{Service: service}, 100, token)
		if err != nil {
			return result, err
		}
		for i := range page.Resources {
			resource := &page.Resources[i]
			if canDescribe {
				fresh, err := capability.Describer.Describe(ctx, resource.AccountID(), resource.ARN)
				if err != nil {
					if errors.Is(err, types.ErrNotFound) {
						// Gone from the cloud; the full sweep's miss
						// counter handles disappearance
						result.Skipped++
						continue
					}
					r.logger.WithContext(ctx).Error().Err(err).Str("arn", resource.ARN).Msg("describe failed")
					result.Failed++
					continue
				}
				if _, err := r.store.UpsertResource(*fresh); err != nil {
					r.logger.LogStoreError(ctx, "upsert_resource", err)
					result.Failed++
					continue
				}
				resource = fresh
			}
			outcome := r.evaluateResource(ctx, resource, policyID)
			result.Processed++
			result.Failed += outcome.failed
			result.FindingsOpened += outcome.opened
			result.FindingsResolved += outcome.resolved
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	result.Duration = time.Since(startedAt)
	return result, nil
}

// sweepPair reconciles one account/service combination
func (r *Reconciler) sweepPair(ctx context.Context, account, service string, result *SweepResult) {
	capability, ok := r.registry.Service(service)
	if !ok {
		result.Skipped++
		return
	}

	arns, err := capability.Lister.ListARNs(ctx, account)
	if err != nil {
		r.logger.WithContext(ctx).Error().
			Err(err).
			Str("account", account).
			Str("service", service).
			Msg("listing failed, skipping pair")
		result.Failed++
		return
	}

	seen := make(map[string]struct{}, len(arns))
	for _, arn := range arns {
		seen[arn] = struct{}{}
		r.sweepResource(ctx, capability, account, arn, result)
	}

	r.sweepDisappeared(ctx, account, service, seen, result)
}

// sweepResource describes, upserts, and evaluates one live resource
func (r *Reconciler) sweepResource(ctx context.Context, capability policy.ServiceCapability, account, arn string, result *SweepResult) {
	resource, err := capability.Describer.Describe(ctx, account, arn)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			// Listed but gone before describe; the miss counter catches it
			result.Skipped++
			return
		}
		r.logger.WithContext(ctx).Error().Err(err).Str("arn", arn).Msg("describe failed")
		result.Failed++
		return
	}

	if _, err := r.store.UpsertResource(*resource); err != nil {
		r.logger.LogStoreError(ctx, "upsert_resource", err)
		result.Failed++
		return
	}

	outcome := r.evaluateResource(ctx, resource, "")
	result.Processed++
	result.Failed += outcome.failed
	result.FindingsOpened += outcome.opened
	result.FindingsResolved += outcome.resolved
}

// sweepDisappeared advances the miss counter for stored resources the sweep
// did not see, and tombstones those missing long enough
func (r *Reconciler) sweepDisappeared(ctx context.Context, account, service string, seen map[string]struct{}, result *SweepResult) {
	token := ""
	for {
		page, err := r.store.ListResources(types.ResourceFilter{AccountID: account, Service: service}, 100, token)
		if err != nil {
			r.logger.LogStoreError(ctx, "list_resources", err)
			result.Failed++
			return
		}

		for i := range page.Resources {
			resource := &page.Resources[i]
			if _, ok := seen[resource.ARN]; ok {
				continue
			}
			r.handleMissing(ctx, resource, result)
		}

		if page.NextToken == "" {
			return
		}
		token = page.NextToken
	}
}

// handleMissing bumps the miss counter and, once the disappearance is
// confirmed by enough sweeps, tombstones the resource and resolves its
// open findings
func (r *Reconciler) handleMissing(ctx context.Context, resource *types.Resource, result *SweepResult) {
	missed, err := r.store.MarkMissed(resource.AccountService, resource.ARN)
	if err != nil {
		r.logger.LogStoreError(ctx, "mark_missed", err)
		result.Failed++
		return
	}
	if missed < r.options.ConfirmationSweeps {
		return
	}

	now := time.Now().UTC()
	if err := r.store.Tombstone(resource.AccountService, resource.ARN, now); err != nil {
		r.logger.LogStoreError(ctx, "tombstone", err)
		result.Failed++
		return
	}
	result.ResourcesGone++

	findings, err := r.store.FindingsForResource(resource.ARN)
	if err != nil {
		r.logger.LogStoreError(ctx, "findings_for_resource", err)
		result.Failed++
		return
	}
	for _, finding := range findings {
		if finding.State != types.FindingActive {
			continue
		}
		resolved, err := r.store.ResolveFinding(ctx, finding.ARN, finding.PolicyID, types.ResolvedResourceGone, now)
		if err != nil {
			r.logger.LogStoreError(ctx, "resolve_resource_gone", err)
			result.Failed++
			continue
		}
		if resolved {
			result.FindingsResolved++
		}
	}

	if walErr := r.audit.Append(wal.EntryResolved, resource.ARN, map[string]string{"reason": types.ResolvedResourceGone}); walErr != nil {
		r.logger.WithContext(ctx).Error().Err(walErr).Msg("audit append failed")
	}
}

// persistSweepResult records the sweep outcome in the summary bucket and the
// audit log so drift between sweeps is inspectable
func (r *Reconciler) persistSweepResult(ctx context.Context, result *SweepResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal sweep result: %w", err)
	}
	if err := r.store.PutSummary(LastSweepKey, payload, result.StartedAt); err != nil {
		return err
	}
	if walErr := r.audit.Append(wal.EntrySwept, "", result); walErr != nil {
		r.logger.WithContext(ctx).Error().Err(walErr).Msg("audit append failed")
	}
	return nil
}

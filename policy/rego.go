package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vahti/telemetry"
	"github.com/yairfalse/vahti/types"
)

// RegoEvaluator runs a compiled Rego module as a compliance check. It lets
// checks be authored in Rego and registered in the capability map alongside
// the native evaluators.
//
// The module must define `compliant` (bool) under `data.vahti`, and may
// define `message` (string) and `evidence` (object).
type RegoEvaluator struct {
	policyID string
	query    rego.PreparedEvalQuery
	logger   *telemetry.Logger
	tracer   trace.Tracer
}

// regoInput is the document handed to the Rego runtime
type regoInput struct {
	Resource  types.Resource `json:"resource"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewRegoEvaluator compiles a Rego module for one policy
func NewRegoEvaluator(ctx context.Context, policyID, module string) (*RegoEvaluator, error) {
	logger := telemetry.NewLogger("rego-evaluator")

	prepared, err := rego.New(
		rego.Query("data.vahti"),
		rego.Module(policyID, module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: compile rego module for policy %s: %v", types.ErrValidation, policyID, err)
	}

	logger.WithContext(ctx).Info().
		Str("policy_id", policyID).
		Msg("rego module compiled")

	return &RegoEvaluator{
		policyID: policyID,
		query:    prepared,
		logger:   logger,
		tracer:   otel.Tracer("rego-evaluator"),
	}, nil
}

func (r *RegoEvaluator) Evaluate(ctx context.Context, resource types.Resource) (types.Evaluation, error) {
	ctx, span := r.tracer.Start(ctx, "rego_evaluator.evaluate",
		trace.WithAttributes(
			attribute.String("policy.id", r.policyID),
			attribute.String("resource.arn", resource.ARN)))
	defer span.End()

	input := regoInput{Resource: resource, Timestamp: time.Now().UTC()}

	results, err := r.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return types.Evaluation{}, fmt.Errorf("%w: rego eval %s on %s: %v", types.ErrEvaluator, r.policyID, resource.ARN, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return types.Evaluation{}, fmt.Errorf("%w: rego policy %s produced no result", types.ErrEvaluator, r.policyID)
	}

	// The Rego runtime hands back untyped documents; the shape is fixed by
	// the module contract above
	doc, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return types.Evaluation{}, fmt.Errorf("%w: rego policy %s returned non-object document", types.ErrEvaluator, r.policyID)
	}

	compliant, ok := doc["compliant"].(bool)
	if !ok {
		return types.Evaluation{}, fmt.Errorf("%w: rego policy %s did not define compliant", types.ErrEvaluator, r.policyID)
	}

	evaluation := types.Evaluation{Compliant: compliant}
	if msg, ok := doc["message"].(string); ok {
		evaluation.Message = msg
	}
	if ev, ok := doc["evidence"]; ok {
		if raw, err := json.Marshal(ev); err == nil {
			evaluation.Evidence = raw
		}
	}

	r.logger.WithContext(ctx).Debug().
		Str("policy_id", r.policyID).
		Str("arn", resource.ARN).
		Bool("compliant", evaluation.Compliant).
		Msg("rego evaluation complete")

	return evaluation, nil
}

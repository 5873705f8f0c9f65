// Package policy holds the compliance evaluators and the capability maps
// that bind them to policy IDs and cloud services. All maps are built at
// construction time from explicit registrations.
package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/yairfalse/vahti/types"
)

// Evaluator decides whether one resource complies with one policy.
// Implementations must be pure with respect to the resource snapshot:
// same configuration in, same verdict out.
type Evaluator interface {
	Evaluate(ctx context.Context, resource types.Resource) (types.Evaluation, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface
type EvaluatorFunc func(ctx context.Context, resource types.Resource) (types.Evaluation, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, resource types.Resource) (types.Evaluation, error) {
	return f(ctx, resource)
}

// Describer fetches the current configuration snapshot of one resource
type Describer interface {
	Describe(ctx context.Context, accountID, arn string) (*types.Resource, error)
}

// Lister enumerates the ARNs of every resource of one service in one account
type Lister interface {
	ListARNs(ctx context.Context, accountID string) ([]string, error)
}

// ServiceCapability binds a service name to its describe/list collaborators
type ServiceCapability struct {
	Service   string
	Describer Describer
	Lister    Lister
}

// Registry is the capability map from policy IDs to evaluators and from
// services to their describe/list collaborators. Lookups never consult
// anything but these maps.
type Registry struct {
	mu         sync.RWMutex
	evaluators map[string]Evaluator
	services   map[string]ServiceCapability
}

func NewRegistry() *Registry {
	return &Registry{
		evaluators: make(map[string]Evaluator),
		services:   make(map[string]ServiceCapability),
	}
}

// Register binds an evaluator to a policy ID. The policy must exist in the
// catalog and must not already have an evaluator.
func (r *Registry) Register(policyID string, evaluator Evaluator) error {
	if _, ok := Definition(policyID); !ok {
		return fmt.Errorf("%w: unknown policy %q", types.ErrValidation, policyID)
	}
	if evaluator == nil {
		return fmt.Errorf("%w: nil evaluator for policy %q", types.ErrValidation, policyID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.evaluators[policyID]; exists {
		return fmt.Errorf("%w: evaluator already registered for policy %q", types.ErrValidation, policyID)
	}
	r.evaluators[policyID] = evaluator
	return nil
}

// RegisterService binds describe/list collaborators to a service name
func (r *Registry) RegisterService(capability ServiceCapability) error {
	if capability.Service == "" || capability.Describer == nil || capability.Lister == nil {
		return fmt.Errorf("%w: incomplete service capability", types.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[capability.Service]; exists {
		return fmt.Errorf("%w: service %q already registered", types.ErrValidation, capability.Service)
	}
	r.services[capability.Service] = capability
	return nil
}

// Evaluator looks up the evaluator for a policy ID
func (r *Registry) Evaluator(policyID string) (Evaluator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.evaluators[policyID]
	return e, ok
}

// Service looks up the capability for a service name
func (r *Registry) Service(service string) (ServiceCapability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.services[service]
	return c, ok
}

// PolicyIDs returns the registered policy IDs in sorted order
func (r *Registry) PolicyIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.evaluators))
	for id := range r.evaluators {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Services returns the registered service names in sorted order
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewBuiltinRegistry returns a registry preloaded with every catalog evaluator.
// Service capabilities are registered separately by the provider wiring.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	for policyID, evaluator := range builtinEvaluators() {
		// catalog and builtins are maintained together; a mismatch is a bug
		if err := r.Register(policyID, evaluator); err != nil {
			panic(fmt.Sprintf("builtin registry: %v", err))
		}
	}
	return r
}

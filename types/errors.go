package types

import (
	"errors"
	"fmt"
)

// Error kinds classified at the orchestrator boundary.
// ErrValidation is surfaced to the caller and never retried.
// ErrTransientStore is retryable at the invocation boundary.
// ErrEvaluator is isolated to a single resource×policy pair.
// ErrNotFound is surfaced to the caller and never retried.
var (
	ErrValidation     = errors.New("validation error")
	ErrTransientStore = errors.New("transient store error")
	ErrEvaluator      = errors.New("evaluator failure")
	ErrNotFound       = errors.New("not found")
)

// IsRetryable reports whether the error should be retried with backoff
// rather than surfaced.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStore)
}

func errEmptyTagRule(dimension string) error {
	return fmt.Errorf("%w: %s entries need a key and at least one value", ErrValidation, dimension)
}

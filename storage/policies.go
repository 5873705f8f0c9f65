package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/vahti/types"
)

// PolicyUpdate carries the mutable fields of a launched policy.
// Nil pointers leave the stored value untouched.
type PolicyUpdate struct {
	Status      *types.PolicyStatus
	Scope       *types.Scope
	Severity    *int
	Remediation *string
}

// LaunchPolicy activates a policy. Fails with ErrValidation if the policy
// is already launched or the scope is malformed.
func (s *Store) LaunchPolicy(policy types.LaunchedPolicy) error {
	if policy.PolicyID == "" {
		return fmt.Errorf("%w: policy id is required", types.ErrValidation)
	}
	if err := policy.Scope.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	policy.Status = types.PolicyActive
	policy.CreatedAt = now
	policy.UpdatedAt = now

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPolicies)
		key := []byte(policy.PolicyID)
		if bucket.Get(key) != nil {
			return fmt.Errorf("%w: policy %s already launched", types.ErrValidation, policy.PolicyID)
		}
		value, err := json.Marshal(policy)
		if err != nil {
			return err
		}
		return bucket.Put(key, value)
	})
	if err != nil {
		if errors.Is(err, types.ErrValidation) {
			return err
		}
		return fmt.Errorf("%w: launch policy %s: %v", types.ErrTransientStore, policy.PolicyID, err)
	}
	return nil
}

// UpdatePolicy applies scope/severity/remediation/status changes
func (s *Store) UpdatePolicy(policyID string, update PolicyUpdate) (*types.LaunchedPolicy, error) {
	if update.Scope != nil {
		if err := update.Scope.Validate(); err != nil {
			return nil, err
		}
	}

	var updated *types.LaunchedPolicy
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPolicies)
		key := []byte(policyID)
		value := bucket.Get(key)
		if value == nil {
			return fmt.Errorf("%w: policy %s not launched", types.ErrNotFound, policyID)
		}

		var policy types.LaunchedPolicy
		if err := json.Unmarshal(value, &policy); err != nil {
			return fmt.Errorf("corrupt policy record %s: %w", policyID, err)
		}

		if update.Status != nil {
			policy.Status = *update.Status
		}
		if update.Scope != nil {
			policy.Scope = *update.Scope
		}
		if update.Severity != nil {
			policy.SeverityOverride = update.Severity
		}
		if update.Remediation != nil {
			policy.RemediationOverride = *update.Remediation
		}
		policy.UpdatedAt = time.Now().UTC()

		out, err := json.Marshal(policy)
		if err != nil {
			return err
		}
		updated = &policy
		return bucket.Put(key, out)
	})
	if err != nil {
		if errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrValidation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: update policy %s: %v", types.ErrTransientStore, policyID, err)
	}
	return updated, nil
}

// GetPolicy loads one launched policy
func (s *Store) GetPolicy(policyID string) (*types.LaunchedPolicy, error) {
	var policy *types.LaunchedPolicy
	err := s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(bucketPolicies).Get([]byte(policyID))
		if value == nil {
			return nil
		}
		policy = &types.LaunchedPolicy{}
		return json.Unmarshal(value, policy)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get policy %s: %v", types.ErrTransientStore, policyID, err)
	}
	if policy == nil {
		return nil, fmt.Errorf("%w: policy %s not launched", types.ErrNotFound, policyID)
	}
	return policy, nil
}

// ListPolicies returns launched policies, optionally filtered by status
func (s *Store) ListPolicies(status types.PolicyStatus) ([]types.LaunchedPolicy, error) {
	var policies []types.LaunchedPolicy
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPolicies).ForEach(func(k, v []byte) error {
			var policy types.LaunchedPolicy
			if err := json.Unmarshal(v, &policy); err != nil {
				return fmt.Errorf("corrupt policy record %s: %w", k, err)
			}
			if status == "" || policy.Status == status {
				policies = append(policies, policy)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list policies: %v", types.ErrTransientStore, err)
	}
	return policies, nil
}

// DeletePolicy removes a launched policy record. Findings cleanup is the
// orchestrator's job (purge cascades there).
func (s *Store) DeletePolicy(policyID string) error {
	var found bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPolicies)
		key := []byte(policyID)
		if bucket.Get(key) == nil {
			return nil
		}
		found = true
		return bucket.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("%w: delete policy %s: %v", types.ErrTransientStore, policyID, err)
	}
	if !found {
		return fmt.Errorf("%w: policy %s not launched", types.ErrNotFound, policyID)
	}
	return nil
}

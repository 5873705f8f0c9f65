package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/vahti/telemetry"
	"github.com/yairfalse/vahti/types"
)

// RecordEvaluation applies one evaluation outcome to the finding for
// (arn, policyID). The upsert is idempotent and guarded by LastEvaluated:
// a stale (older) evaluation never overwrites a newer one, which is what
// makes concurrent incremental and sweep callers safe.
//
// Transitions:
//   - non-compliant, no record or RESOLVED -> ACTIVE, FirstSeen = evaluatedAt
//   - non-compliant, already ACTIVE        -> bump LastEvaluated/Evidence/Severity
//   - compliant, ACTIVE                    -> RESOLVED
//   - compliant, no record                 -> no-op (never born resolved)
func (s *Store) RecordEvaluation(ctx context.Context, arn, policyID, accountService string,
	severity int, compliant bool, evidence json.RawMessage, evaluatedAt time.Time) (*types.Finding, error) {

	var result *types.Finding
	var opened, resolved bool

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketFindings)
		key := makeFindingKey(arn, policyID)

		existing, err := loadFinding(bucket, key)
		if err != nil {
			return err
		}

		if existing != nil && !evaluatedAt.After(existing.LastEvaluated) {
			result = existing // stale evaluation, keep the newer record
			return nil
		}

		switch {
		case !compliant && existing == nil:
			result = &types.Finding{
				ARN:            arn,
				PolicyID:       policyID,
				AccountService: accountService,
				Severity:       severity,
				State:          types.FindingActive,
				FirstSeen:      evaluatedAt,
				LastEvaluated:  evaluatedAt,
				Evidence:       evidence,
			}
			opened = true

		case !compliant && existing.State == types.FindingResolved:
			existing.State = types.FindingActive
			existing.FirstSeen = evaluatedAt
			existing.LastEvaluated = evaluatedAt
			existing.Severity = severity
			existing.Evidence = evidence
			existing.ResolvedReason = ""
			result = existing
			opened = true

		case !compliant: // already ACTIVE: keep FirstSeen
			existing.LastEvaluated = evaluatedAt
			existing.Severity = severity
			existing.Evidence = evidence
			result = existing

		case existing == nil:
			return nil // compliant and no record

		case existing.State == types.FindingActive:
			existing.State = types.FindingResolved
			existing.LastEvaluated = evaluatedAt
			existing.ResolvedReason = types.ResolvedCompliant
			result = existing
			resolved = true

		default: // compliant, already RESOLVED: advance the guard only
			existing.LastEvaluated = evaluatedAt
			result = existing
		}

		value, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal finding: %w", err)
		}
		return bucket.Put(key, value)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: record evaluation %s#%s: %v", types.ErrTransientStore, arn, policyID, err)
	}

	if opened {
		telemetry.AddCounter(ctx, telemetry.FindingsOpened, 1)
		s.logger.LogFindingTransition(ctx, arn, policyID, string(types.FindingActive), "")
	}
	if resolved {
		telemetry.AddCounter(ctx, telemetry.FindingsResolved, 1)
		s.logger.LogFindingTransition(ctx, arn, policyID, string(types.FindingResolved), types.ResolvedCompliant)
	}
	return result, nil
}

// ResolveFinding transitions an ACTIVE finding to RESOLVED for reasons other
// than compliance (scope exclusion, resource gone). Same staleness guard.
func (s *Store) ResolveFinding(ctx context.Context, arn, policyID, reason string, at time.Time) (bool, error) {
	var resolved bool

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketFindings)
		key := makeFindingKey(arn, policyID)

		existing, err := loadFinding(bucket, key)
		if err != nil {
			return err
		}
		if existing == nil || existing.State != types.FindingActive {
			return nil
		}
		if !at.After(existing.LastEvaluated) {
			return nil
		}

		existing.State = types.FindingResolved
		existing.LastEvaluated = at
		existing.ResolvedReason = reason
		resolved = true

		value, err := json.Marshal(existing)
		if err != nil {
			return err
		}
		return bucket.Put(key, value)
	})
	if err != nil {
		return false, fmt.Errorf("%w: resolve finding %s#%s: %v", types.ErrTransientStore, arn, policyID, err)
	}

	if resolved {
		telemetry.AddCounter(ctx, telemetry.FindingsResolved, 1)
		s.logger.LogFindingTransition(ctx, arn, policyID, string(types.FindingResolved), reason)
	}
	return resolved, nil
}

// GetFinding loads the current record for one (arn, policyID) pair
func (s *Store) GetFinding(arn, policyID string) (*types.Finding, error) {
	var finding *types.Finding

	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		finding, err = loadFinding(tx.Bucket(bucketFindings), makeFindingKey(arn, policyID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get finding %s#%s: %v", types.ErrTransientStore, arn, policyID, err)
	}
	if finding == nil {
		return nil, fmt.Errorf("%w: finding %s#%s", types.ErrNotFound, arn, policyID)
	}
	return finding, nil
}

// FindingsForResource returns every finding recorded for one resource
func (s *Store) FindingsForResource(arn string) ([]types.Finding, error) {
	var findings []types.Finding
	prefix := []byte(arn + keySeparator)

	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketFindings).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cursor.Next() {
			var finding types.Finding
			if err := json.Unmarshal(v, &finding); err != nil {
				return fmt.Errorf("corrupt finding record %s: %w", k, err)
			}
			findings = append(findings, finding)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: findings for %s: %v", types.ErrTransientStore, arn, err)
	}
	return findings, nil
}

// FindingPage is one page of a finding query
type FindingPage struct {
	Findings  []types.Finding `json:"findings"`
	NextToken string          `json:"next_token,omitempty"`
}

// QueryFindings scans findings matching the filter, paginated
func (s *Store) QueryFindings(filter types.FindingFilter, pageSize int, pageToken string) (*FindingPage, error) {
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 50
	}

	startAfter, err := decodePageToken(pageToken)
	if err != nil {
		return nil, err
	}

	page := &FindingPage{}
	err = s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketFindings).Cursor()

		k, v := cursor.First()
		if startAfter != "" {
			k, v = cursor.Seek([]byte(startAfter))
			if k != nil && string(k) == startAfter {
				k, v = cursor.Next()
			}
		}

		for ; k != nil; k, v = cursor.Next() {
			var finding types.Finding
			if err := json.Unmarshal(v, &finding); err != nil {
				return fmt.Errorf("corrupt finding record %s: %w", k, err)
			}
			if !filter.Matches(finding) {
				continue
			}
			if len(page.Findings) == pageSize {
				last := page.Findings[len(page.Findings)-1]
				page.NextToken = encodePageToken(string(makeFindingKey(last.ARN, last.PolicyID)))
				return nil
			}
			page.Findings = append(page.Findings, finding)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: query findings: %v", types.ErrTransientStore, err)
	}
	return page, nil
}

// PurgeByPolicy handles policy suspension and deletion. Suspend resolves
// every ACTIVE finding with reason POLICY_SUSPENDED; delete removes the
// records entirely. Returns the number of findings affected.
func (s *Store) PurgeByPolicy(ctx context.Context, policyID string, hardDelete bool, at time.Time) (int, error) {
	count := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketFindings)

		// Collect first: mutating a bucket mid-cursor is not safe
		var deleteKeys [][]byte
		updates := make(map[string][]byte)

		err := bucket.ForEach(func(k, v []byte) error {
			var finding types.Finding
			if err := json.Unmarshal(v, &finding); err != nil {
				return fmt.Errorf("corrupt finding record %s: %w", k, err)
			}
			if finding.PolicyID != policyID {
				return nil
			}

			if hardDelete {
				deleteKeys = append(deleteKeys, append([]byte(nil), k...))
				count++
				return nil
			}

			if finding.State != types.FindingActive {
				return nil
			}
			finding.State = types.FindingResolved
			finding.LastEvaluated = at
			finding.ResolvedReason = types.ResolvedPolicySuspended
			value, err := json.Marshal(finding)
			if err != nil {
				return err
			}
			updates[string(k)] = value
			count++
			return nil
		})
		if err != nil {
			return err
		}

		for k, v := range updates {
			if err := bucket.Put([]byte(k), v); err != nil {
				return err
			}
		}
		for _, k := range deleteKeys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: purge findings for %s: %v", types.ErrTransientStore, policyID, err)
	}

	s.logger.WithContext(ctx).Info().
		Str("policy_id", policyID).
		Int("count", count).
		Bool("hard_delete", hardDelete).
		Msg("purged findings for policy")
	return count, nil
}

func loadFinding(bucket *bbolt.Bucket, key []byte) (*types.Finding, error) {
	value := bucket.Get(key)
	if value == nil {
		return nil, nil
	}
	finding := &types.Finding{}
	if err := json.Unmarshal(value, finding); err != nil {
		return nil, fmt.Errorf("corrupt finding record %s: %w", key, err)
	}
	return finding, nil
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}

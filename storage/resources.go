package storage

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/vahti/types"
)

// UpsertResource writes the resource unless the stored copy has a newer
// DescribeTime. A false return means the write was skipped as stale
// (replayed or out-of-order event) and nothing downstream should re-evaluate.
func (s *Store) UpsertResource(resource types.Resource) (changed bool, err error) {
	if resource.AccountService == "" || resource.ARN == "" {
		return false, fmt.Errorf("%w: resource needs account_service and arn", types.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := makeResourceKey(resource.AccountService, resource.ARN)

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketResources)

		if existing := bucket.Get(key); existing != nil {
			var stored types.Resource
			if err := json.Unmarshal(existing, &stored); err != nil {
				return fmt.Errorf("corrupt resource record %s: %w", key, err)
			}
			if !resource.DescribeTime.After(stored.DescribeTime) {
				return nil // stale write, keep the stored copy
			}
		}

		resource.LastSeenAt = resource.DescribeTime
		resource.MissedSweeps = 0
		resource.Deleted = false

		value, err := json.Marshal(resource)
		if err != nil {
			return fmt.Errorf("marshal resource: %w", err)
		}
		changed = true
		return bucket.Put(key, value)
	})
	if err != nil {
		return false, fmt.Errorf("%w: upsert resource %s: %v", types.ErrTransientStore, resource.ARN, err)
	}

	if changed {
		s.index.ReplaceOrInsert(&resourceRef{
			Key:            string(key),
			AccountService: resource.AccountService,
			ARN:            resource.ARN,
		})
	}
	return changed, nil
}

// GetResource loads one resource by its composite key
func (s *Store) GetResource(accountService, arn string) (*types.Resource, error) {
	var resource *types.Resource

	err := s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(bucketResources).Get(makeResourceKey(accountService, arn))
		if value == nil {
			return nil
		}
		resource = &types.Resource{}
		return json.Unmarshal(value, resource)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get resource %s: %v", types.ErrTransientStore, arn, err)
	}
	if resource == nil {
		return nil, fmt.Errorf("%w: resource %s/%s", types.ErrNotFound, accountService, arn)
	}
	return resource, nil
}

// ResourcePage is one page of a resource listing
type ResourcePage struct {
	Resources []types.Resource `json:"resources"`
	NextToken string           `json:"next_token,omitempty"`
}

// ListResources returns live resources matching the filter, paginated.
// The page token is opaque and restartable: the listing continues after
// the last key of the previous page. The key range comes from the
// in-memory index, so only matching records are read from disk.
func (s *Store) ListResources(filter types.ResourceFilter, pageSize int, pageToken string) (*ResourcePage, error) {
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 50
	}

	startAfter, err := decodePageToken(pageToken)
	if err != nil {
		return nil, err
	}

	var keys [][]byte
	more := false

	s.mu.RLock()
	iter := func(ref *resourceRef) bool {
		if ref.Key == startAfter || ref.Deleted || !ref.matches(filter) {
			return true
		}
		if len(keys) == pageSize {
			more = true
			return false
		}
		keys = append(keys, []byte(ref.Key))
		return true
	}
	if startAfter != "" {
		s.index.AscendGreaterOrEqual(&resourceRef{Key: startAfter}, iter)
	} else {
		s.index.Ascend(iter)
	}
	s.mu.RUnlock()

	page := &ResourcePage{}
	err = s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketResources)
		for _, key := range keys {
			value := bucket.Get(key)
			if value == nil {
				continue // removed since the index was read
			}
			var resource types.Resource
			if err := json.Unmarshal(value, &resource); err != nil {
				return fmt.Errorf("corrupt resource record %s: %w", key, err)
			}
			if resource.Deleted {
				continue
			}
			page.Resources = append(page.Resources, resource)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list resources: %v", types.ErrTransientStore, err)
	}

	if more && len(page.Resources) > 0 {
		page.NextToken = encodePageToken(string(page.lastKey()))
	}
	return page, nil
}

func (p *ResourcePage) lastKey() []byte {
	last := p.Resources[len(p.Resources)-1]
	return makeResourceKey(last.AccountService, last.ARN)
}

// MarkMissed increments the consecutive-miss counter for a resource that a
// full sweep did not observe. Returns the count so the caller can decide
// whether disappearance is confirmed.
func (s *Store) MarkMissed(accountService, arn string) (missed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := makeResourceKey(accountService, arn)
	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketResources)
		value := bucket.Get(key)
		if value == nil {
			return fmt.Errorf("%w: resource %s/%s", types.ErrNotFound, accountService, arn)
		}
		var resource types.Resource
		if err := json.Unmarshal(value, &resource); err != nil {
			return fmt.Errorf("corrupt resource record %s: %w", key, err)
		}
		resource.MissedSweeps++
		missed = resource.MissedSweeps
		updated, err := json.Marshal(resource)
		if err != nil {
			return err
		}
		return bucket.Put(key, updated)
	})
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: mark missed %s: %v", types.ErrTransientStore, arn, err)
	}
	return missed, nil
}

// Tombstone marks a resource as logically deleted after disappearance
// was confirmed. The record stays for audit until retention cleanup.
func (s *Store) Tombstone(accountService, arn string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := makeResourceKey(accountService, arn)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketResources)
		value := bucket.Get(key)
		if value == nil {
			return nil
		}
		var resource types.Resource
		if err := json.Unmarshal(value, &resource); err != nil {
			return fmt.Errorf("corrupt resource record %s: %w", key, err)
		}
		resource.Deleted = true
		resource.LastSeenAt = at
		updated, err := json.Marshal(resource)
		if err != nil {
			return err
		}
		return bucket.Put(key, updated)
	})
	if err != nil {
		return fmt.Errorf("%w: tombstone %s: %v", types.ErrTransientStore, arn, err)
	}

	ref := &resourceRef{Key: string(key)}
	if existing, found := s.index.Get(ref); found {
		existing.Deleted = true
		s.index.ReplaceOrInsert(existing)
	}
	return nil
}

// DeleteResource removes a resource record outright (account removal)
func (s *Store) DeleteResource(accountService, arn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := makeResourceKey(accountService, arn)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResources).Delete(key)
	})
	if err != nil {
		return fmt.Errorf("%w: delete resource %s: %v", types.ErrTransientStore, arn, err)
	}
	s.index.Delete(&resourceRef{Key: string(key)})
	return nil
}

func (s *Store) rebuildIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResources).ForEach(func(k, v []byte) error {
			var resource types.Resource
			if err := json.Unmarshal(v, &resource); err != nil {
				return fmt.Errorf("corrupt resource record %s: %w", k, err)
			}
			s.index.ReplaceOrInsert(&resourceRef{
				Key:            string(k),
				AccountService: resource.AccountService,
				ARN:            resource.ARN,
				Deleted:        resource.Deleted,
			})
			return nil
		})
	})
}

func encodePageToken(lastKey string) string {
	return base64.URLEncoding.EncodeToString([]byte(lastKey))
}

func decodePageToken(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	decoded, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: bad page token", types.ErrValidation)
	}
	return string(decoded), nil
}

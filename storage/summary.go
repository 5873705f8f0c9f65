package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/vahti/types"
)

// SummaryEntry is a cached aggregate payload. Derived and disposable:
// never a source of truth.
type SummaryEntry struct {
	Key        string          `json:"key"`
	ComputedAt time.Time       `json:"computed_at"`
	Payload    json.RawMessage `json:"payload"`
}

// summaryLock is the conditional-write refresh lock for one cache key
type summaryLock struct {
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

func lockKey(key string) []byte {
	return []byte(key + "#lock")
}

// GetSummary loads a cached summary entry, nil if never computed
func (s *Store) GetSummary(key string) (*SummaryEntry, error) {
	var entry *SummaryEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(bucketSummaries).Get([]byte(key))
		if value == nil {
			return nil
		}
		entry = &SummaryEntry{}
		return json.Unmarshal(value, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get summary %s: %v", types.ErrTransientStore, key, err)
	}
	return entry, nil
}

// PutSummary writes a freshly computed payload
func (s *Store) PutSummary(key string, payload json.RawMessage, computedAt time.Time) error {
	entry := SummaryEntry{Key: key, ComputedAt: computedAt, Payload: payload}
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSummaries).Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("%w: put summary %s: %v", types.ErrTransientStore, key, err)
	}
	return nil
}

// TryAcquireRefreshLock attempts a compare-and-swap on the refresh lock for
// a cache key. It succeeds only if no other holder's lock is unexpired,
// which gives single-flight refresh across processes sharing the store.
func (s *Store) TryAcquireRefreshLock(key, holder string, ttl time.Duration, now time.Time) (bool, error) {
	acquired := false

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSummaries)
		lk := lockKey(key)

		if value := bucket.Get(lk); value != nil {
			var lock summaryLock
			if err := json.Unmarshal(value, &lock); err != nil {
				return fmt.Errorf("corrupt lock record %s: %w", lk, err)
			}
			if lock.Holder != holder && now.Before(lock.ExpiresAt) {
				return nil // held by someone else
			}
		}

		lock := summaryLock{Holder: holder, ExpiresAt: now.Add(ttl)}
		value, err := json.Marshal(lock)
		if err != nil {
			return err
		}
		acquired = true
		return bucket.Put(lk, value)
	})
	if err != nil {
		return false, fmt.Errorf("%w: acquire lock %s: %v", types.ErrTransientStore, key, err)
	}
	return acquired, nil
}

// ReleaseRefreshLock drops the lock if still held by this holder
func (s *Store) ReleaseRefreshLock(key, holder string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSummaries)
		lk := lockKey(key)

		value := bucket.Get(lk)
		if value == nil {
			return nil
		}
		var lock summaryLock
		if err := json.Unmarshal(value, &lock); err != nil {
			return fmt.Errorf("corrupt lock record %s: %w", lk, err)
		}
		if lock.Holder != holder {
			return nil // lock expired and was re-acquired; leave it alone
		}
		return bucket.Delete(lk)
	})
	if err != nil {
		return fmt.Errorf("%w: release lock %s: %v", types.ErrTransientStore, key, err)
	}
	return nil
}

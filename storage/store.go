package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/vahti/telemetry"
	"github.com/yairfalse/vahti/types"
)

// Bucket names in bbolt
var (
	bucketResources = []byte("resources")
	bucketFindings  = []byte("findings")
	bucketPolicies  = []byte("policies")
	bucketSummaries = []byte("summaries")
	bucketMeta      = []byte("meta")
)

const keySeparator = "|"

// Store is the durable state of the engine: resource inventory, findings,
// launched policies and the derived summary cache, all in one bbolt DB.
// bbolt serializes Update transactions, which is what makes the
// read-compare-write conditional updates atomic.
type Store struct {
	mu sync.RWMutex

	// In-memory index over resource keys for fast account/service listings
	index *btree.BTreeG[*resourceRef]

	db     *bbolt.DB
	dir    string
	logger *telemetry.Logger
}

// resourceRef tracks a resource's presence in the index
type resourceRef struct {
	Key            string // accountService|arn
	AccountService string
	ARN            string
	Deleted        bool
}

func (r *resourceRef) matches(filter types.ResourceFilter) bool {
	account, service := types.SplitAccountService(r.AccountService)
	if filter.AccountID != "" && account != filter.AccountID {
		return false
	}
	if filter.Service != "" && service != filter.Service {
		return false
	}
	return true
}

// Open creates or opens the store in the given directory
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	dbPath := filepath.Join(dir, "vahti.db")

	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketResources, bucketFindings, bucketPolicies, bucketSummaries, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	s := &Store{
		index: btree.NewG[*resourceRef](32, func(a, b *resourceRef) bool {
			return a.Key < b.Key
		}),
		db:     db,
		dir:    dir,
		logger: telemetry.NewLogger("store"),
	}

	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Stats reports live resource count and database size
func (s *Store) Stats() (resourceCount int, dbSizeBytes int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.index.Ascend(func(ref *resourceRef) bool {
		if !ref.Deleted {
			resourceCount++
		}
		return true
	})

	_ = s.db.View(func(tx *bbolt.Tx) error {
		dbSizeBytes = tx.Size()
		return nil
	})
	return resourceCount, dbSizeBytes
}

func makeResourceKey(accountService, arn string) []byte {
	return []byte(accountService + keySeparator + arn)
}

func makeFindingKey(arn, policyID string) []byte {
	return []byte(arn + keySeparator + policyID)
}

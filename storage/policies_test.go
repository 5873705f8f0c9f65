package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/types"
)

func launchedPolicy(id string) types.LaunchedPolicy {
	return types.LaunchedPolicy{
		PolicyID: id,
		Scope: types.Scope{
			IncludeAccounts: []string{"123456789012"},
		},
	}
}

func TestStore_LaunchPolicy(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.LaunchPolicy(launchedPolicy("S3BucketPublic")))

	got, err := store.GetPolicy("S3BucketPublic")
	require.NoError(t, err)
	assert.Equal(t, types.PolicyActive, got.Status)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestStore_LaunchPolicy_Duplicate(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.LaunchPolicy(launchedPolicy("S3BucketPublic")))
	err := store.LaunchPolicy(launchedPolicy("S3BucketPublic"))
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestStore_LaunchPolicy_BadScope(t *testing.T) {
	store := newTestStore(t)

	policy := launchedPolicy("S3BucketPublic")
	policy.Scope.IncludeTags = map[string][]string{"env": {}}
	err := store.LaunchPolicy(policy)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestStore_UpdatePolicy(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.LaunchPolicy(launchedPolicy("S3BucketPublic")))

	severity := 75
	suspended := types.PolicySuspended
	updated, err := store.UpdatePolicy("S3BucketPublic", PolicyUpdate{
		Status:   &suspended,
		Severity: &severity,
	})
	require.NoError(t, err)
	assert.Equal(t, types.PolicySuspended, updated.Status)
	require.NotNil(t, updated.SeverityOverride)
	assert.Equal(t, 75, *updated.SeverityOverride)
	assert.True(t, updated.UpdatedAt.After(updated.CreatedAt) || updated.UpdatedAt.Equal(updated.CreatedAt))
}

func TestStore_UpdatePolicy_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.UpdatePolicy("Missing", PolicyUpdate{})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStore_ListPolicies(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.LaunchPolicy(launchedPolicy("S3BucketPublic")))
	require.NoError(t, store.LaunchPolicy(launchedPolicy("IAMUserMFADisabled")))

	suspended := types.PolicySuspended
	_, err := store.UpdatePolicy("IAMUserMFADisabled", PolicyUpdate{Status: &suspended})
	require.NoError(t, err)

	all, err := store.ListPolicies("")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := store.ListPolicies(types.PolicyActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "S3BucketPublic", active[0].PolicyID)
}

func TestStore_DeletePolicy(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.LaunchPolicy(launchedPolicy("S3BucketPublic")))

	require.NoError(t, store.DeletePolicy("S3BucketPublic"))
	_, err := store.GetPolicy("S3BucketPublic")
	assert.ErrorIs(t, err, types.ErrNotFound)

	assert.ErrorIs(t, store.DeletePolicy("S3BucketPublic"), types.ErrNotFound)
}

func TestStore_SummaryLock(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	acquired, err := store.TryAcquireRefreshLock("dashboard#123456789012", "worker-1", time.Minute, now)
	require.NoError(t, err)
	assert.True(t, acquired)

	// Contending holder loses while the lock is live
	acquired, err = store.TryAcquireRefreshLock("dashboard#123456789012", "worker-2", time.Minute, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, acquired)

	// Same holder may re-enter
	acquired, err = store.TryAcquireRefreshLock("dashboard#123456789012", "worker-1", time.Minute, now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, acquired)

	// Expired lock is taken over
	acquired, err = store.TryAcquireRefreshLock("dashboard#123456789012", "worker-2", time.Minute, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestStore_SummaryLock_Release(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	acquired, err := store.TryAcquireRefreshLock("findings#123456789012", "worker-1", time.Minute, now)
	require.NoError(t, err)
	require.True(t, acquired)

	// Release by a different holder leaves the lock in place
	require.NoError(t, store.ReleaseRefreshLock("findings#123456789012", "worker-2"))
	acquired, err = store.TryAcquireRefreshLock("findings#123456789012", "worker-3", time.Minute, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, store.ReleaseRefreshLock("findings#123456789012", "worker-1"))
	acquired, err = store.TryAcquireRefreshLock("findings#123456789012", "worker-3", time.Minute, now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestStore_SummaryRoundTrip(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	missing, err := store.GetSummary("dashboard#123456789012")
	require.NoError(t, err)
	assert.Nil(t, missing)

	payload := []byte(`{"total_resources":42}`)
	require.NoError(t, store.PutSummary("dashboard#123456789012", payload, now))

	got, err := store.GetSummary("dashboard#123456789012")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, string(payload), string(got.Payload))
	assert.Equal(t, now.Unix(), got.ComputedAt.Unix())
}

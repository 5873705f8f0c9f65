package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/types"
)

const (
	testARN     = "arn:aws:s3:::audit-logs"
	testPolicy  = "S3BucketPublic"
	testAccount = "123456789012_s3"
)

func evidence(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestStore_RecordEvaluation_OpensFinding(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	finding, err := store.RecordEvaluation(ctx, testARN, testPolicy, testAccount, 90, false,
		evidence(t, map[string]bool{"BlockPublicAcls": false}), now)
	require.NoError(t, err)
	require.NotNil(t, finding)
	assert.Equal(t, types.FindingActive, finding.State)
	assert.Equal(t, 90, finding.Severity)
	assert.Equal(t, now.Unix(), finding.FirstSeen.Unix())
	assert.Equal(t, now.Unix(), finding.LastEvaluated.Unix())
}

func TestStore_RecordEvaluation_FirstSeenPreserved(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC().Add(-time.Hour)

	first, err := store.RecordEvaluation(ctx, testARN, testPolicy, testAccount, 90, false, nil, t0)
	require.NoError(t, err)

	// Still non-compliant on re-evaluation: first_seen stays put
	later, err := store.RecordEvaluation(ctx, testARN, testPolicy, testAccount, 95, false, nil, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, first.FirstSeen.Unix(), later.FirstSeen.Unix())
	assert.Equal(t, 95, later.Severity, "severity refreshed on re-evaluation")
	assert.True(t, later.LastEvaluated.After(first.LastEvaluated))
}

func TestStore_RecordEvaluation_ResolveAndReopen(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC().Add(-time.Hour)

	_, err := store.RecordEvaluation(ctx, testARN, testPolicy, testAccount, 90, false, nil, t0)
	require.NoError(t, err)

	resolved, err := store.RecordEvaluation(ctx, testARN, testPolicy, testAccount, 90, true, nil, t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, types.FindingResolved, resolved.State)
	assert.Equal(t, types.ResolvedCompliant, resolved.ResolvedReason)

	// Violation recurs: finding reopens with a fresh first_seen
	reopened, err := store.RecordEvaluation(ctx, testARN, testPolicy, testAccount, 90, false, nil, t0.Add(20*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, types.FindingActive, reopened.State)
	assert.Equal(t, t0.Add(20*time.Minute).Unix(), reopened.FirstSeen.Unix())
	assert.Empty(t, reopened.ResolvedReason)
}

func TestStore_RecordEvaluation_CompliantNoFinding(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	finding, err := store.RecordEvaluation(ctx, testARN, testPolicy, testAccount, 90, true, nil, time.Now().UTC())
	require.NoError(t, err)
	assert.Nil(t, finding, "compliant evaluation with no prior finding writes nothing")

	_, err = store.GetFinding(testARN, testPolicy)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStore_RecordEvaluation_StaleEvaluationIgnored(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	t2 := time.Now().UTC()
	t1 := t2.Add(-time.Minute)

	_, err := store.RecordEvaluation(ctx, testARN, testPolicy, testAccount, 90, false, nil, t2)
	require.NoError(t, err)

	// A delayed compliant evaluation from before t2 must not resolve the finding
	got, err := store.RecordEvaluation(ctx, testARN, testPolicy, testAccount, 90, true, nil, t1)
	require.NoError(t, err)
	assert.Equal(t, types.FindingActive, got.State)
	assert.Equal(t, t2.Unix(), got.LastEvaluated.Unix())
}

func TestStore_RecordEvaluation_ConcurrentLastWriterWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	// Sweep evaluated at base, incremental evaluated at base+1s: whichever
	// lands second on disk, the state must reflect base+1s.
	_, err := store.RecordEvaluation(ctx, testARN, testPolicy, testAccount, 90, false, nil, base.Add(time.Second))
	require.NoError(t, err)
	_, err = store.RecordEvaluation(ctx, testARN, testPolicy, testAccount, 90, true, nil, base)
	require.NoError(t, err)

	got, err := store.GetFinding(testARN, testPolicy)
	require.NoError(t, err)
	assert.Equal(t, types.FindingActive, got.State)
	assert.Equal(t, base.Add(time.Second).Unix(), got.LastEvaluated.Unix())
}

func TestStore_ResolveFinding(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.RecordEvaluation(ctx, testARN, testPolicy, testAccount, 90, false, nil, now)
	require.NoError(t, err)

	resolved, err := store.ResolveFinding(ctx, testARN, testPolicy, types.ResolvedResourceGone, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, resolved)

	got, err := store.GetFinding(testARN, testPolicy)
	require.NoError(t, err)
	assert.Equal(t, types.FindingResolved, got.State)
	assert.Equal(t, types.ResolvedResourceGone, got.ResolvedReason)

	// Resolving again is a no-op, not an error
	resolved, err = store.ResolveFinding(ctx, testARN, testPolicy, types.ResolvedOutOfScope, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, resolved)

	got, err = store.GetFinding(testARN, testPolicy)
	require.NoError(t, err)
	assert.Equal(t, types.ResolvedResourceGone, got.ResolvedReason)
}

func TestStore_FindingsForResource(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.RecordEvaluation(ctx, testARN, "S3BucketPublic", testAccount, 90, false, nil, now)
	require.NoError(t, err)
	_, err = store.RecordEvaluation(ctx, testARN, "S3BucketVersioning", testAccount, 40, false, nil, now)
	require.NoError(t, err)
	_, err = store.RecordEvaluation(ctx, "arn:aws:s3:::other", "S3BucketPublic", testAccount, 90, false, nil, now)
	require.NoError(t, err)

	findings, err := store.FindingsForResource(testARN)
	require.NoError(t, err)
	assert.Len(t, findings, 2)
}

func TestStore_QueryFindings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.RecordEvaluation(ctx, testARN, "S3BucketPublic", "123456789012_s3", 90, false, nil, now)
	require.NoError(t, err)
	_, err = store.RecordEvaluation(ctx, "arn:aws:iam::999999999999:user/bob", "IAMUserMFADisabled", "999999999999_iam", 70, false, nil, now)
	require.NoError(t, err)
	_, err = store.ResolveFinding(ctx, testARN, "S3BucketPublic", types.ResolvedCompliant, now.Add(time.Second))
	require.NoError(t, err)

	page, err := store.QueryFindings(types.FindingFilter{State: types.FindingActive}, 50, "")
	require.NoError(t, err)
	require.Len(t, page.Findings, 1)
	assert.Equal(t, "IAMUserMFADisabled", page.Findings[0].PolicyID)

	page, err = store.QueryFindings(types.FindingFilter{AccountID: "123456789012"}, 50, "")
	require.NoError(t, err)
	assert.Len(t, page.Findings, 1)
}

func TestStore_PurgeByPolicy_Soft(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, arn := range []string{"arn:aws:s3:::a", "arn:aws:s3:::b", "arn:aws:s3:::c"} {
		_, err := store.RecordEvaluation(ctx, arn, testPolicy, testAccount, 90, false, nil, now)
		require.NoError(t, err)
	}
	// Already-resolved finding is not re-counted
	_, err := store.ResolveFinding(ctx, "arn:aws:s3:::c", testPolicy, types.ResolvedCompliant, now.Add(time.Second))
	require.NoError(t, err)
	// Different policy untouched
	_, err = store.RecordEvaluation(ctx, "arn:aws:s3:::a", "S3BucketVersioning", testAccount, 40, false, nil, now)
	require.NoError(t, err)

	count, err := store.PurgeByPolicy(ctx, testPolicy, false, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	got, err := store.GetFinding("arn:aws:s3:::a", testPolicy)
	require.NoError(t, err)
	assert.Equal(t, types.FindingResolved, got.State)
	assert.Equal(t, types.ResolvedPolicySuspended, got.ResolvedReason)

	other, err := store.GetFinding("arn:aws:s3:::a", "S3BucketVersioning")
	require.NoError(t, err)
	assert.Equal(t, types.FindingActive, other.State)
}

func TestStore_PurgeByPolicy_Hard(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.RecordEvaluation(ctx, testARN, testPolicy, testAccount, 90, false, nil, now)
	require.NoError(t, err)

	count, err := store.PurgeByPolicy(ctx, testPolicy, true, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = store.GetFinding(testARN, testPolicy)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

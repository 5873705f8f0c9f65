package reconciler

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/policy"
	"github.com/yairfalse/vahti/storage"
	"github.com/yairfalse/vahti/telemetry"
	"github.com/yairfalse/vahti/types"
	"github.com/yairfalse/vahti/wal"
)

const testAccount = "123456789012"

// fakeCloud serves canned resources as both Describer and Lister
type fakeCloud struct {
	resources map[string]*types.Resource // arn -> snapshot
	// freshTimestamps stamps every describe with the current time, the
	// way live providers do
	freshTimestamps bool
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{resources: make(map[string]*types.Resource)}
}

func (f *fakeCloud) Describe(_ context.Context, _ string, arn string) (*types.Resource, error) {
	resource, ok := f.resources[arn]
	if !ok {
		return nil, types.ErrNotFound
	}
	copied := *resource
	if f.freshTimestamps {
		copied.DescribeTime = time.Now().UTC()
	}
	return &copied, nil
}

func (f *fakeCloud) ListARNs(_ context.Context, _ string) ([]string, error) {
	var arns []string
	for arn := range f.resources {
		arns = append(arns, arn)
	}
	return arns, nil
}

func (f *fakeCloud) addBucket(name string, describeTime time.Time, public bool, tags map[string]string) string {
	arn := "arn:aws:s3:::" + name
	cfg := policy.S3BucketConfig{
		Name: name,
		PublicAccessBlock: &policy.PublicAccessBlock{
			BlockPublicAcls:       !public,
			IgnorePublicAcls:      !public,
			BlockPublicPolicy:     !public,
			RestrictPublicBuckets: !public,
		},
	}
	raw, _ := json.Marshal(cfg)
	f.resources[arn] = &types.Resource{
		AccountService: types.MakeAccountService(testAccount, "s3"),
		ARN:            arn,
		Configuration:  raw,
		DescribeTime:   describeTime,
		Tags:           tags,
	}
	return arn
}

func newTestReconciler(t *testing.T) (*Reconciler, *storage.Store, *fakeCloud) {
	t.Helper()

	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	audit, err := wal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close() })

	cloud := newFakeCloud()
	registry := policy.NewBuiltinRegistry()
	require.NoError(t, registry.RegisterService(policy.ServiceCapability{
		Service:   "s3",
		Describer: cloud,
		Lister:    cloud,
	}))

	r := New(store, registry, audit, Options{
		Accounts:           []string{testAccount},
		ConfirmationSweeps: 2,
	})
	return r, store, cloud
}

func launchPublicBucketPolicy(t *testing.T, r *Reconciler, scope types.Scope) {
	t.Helper()
	_, err := r.LaunchPolicy(context.Background(), types.LaunchedPolicy{
		PolicyID: "S3BucketPublic",
		Scope:    scope,
	})
	require.NoError(t, err)
}

func TestHandleChangeEvent_OpensFinding(t *testing.T) {
	r, store, cloud := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	launchPublicBucketPolicy(t, r, types.Scope{})
	arn := cloud.addBucket("exposed", now, true, nil)

	err := r.HandleChangeEvent(ctx, types.ChangeEvent{
		ARN:       arn,
		AccountID: testAccount,
		Service:   "s3",
		EventTime: now,
	})
	require.NoError(t, err)

	finding, err := store.GetFinding(arn, "S3BucketPublic")
	require.NoError(t, err)
	assert.Equal(t, types.FindingActive, finding.State)
	assert.Equal(t, 90, finding.Severity)
}

func TestHandleChangeEvent_CompliantResolvesFinding(t *testing.T) {
	r, store, cloud := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	launchPublicBucketPolicy(t, r, types.Scope{})
	arn := cloud.addBucket("exposed", now, true, nil)

	require.NoError(t, r.HandleChangeEvent(ctx, types.ChangeEvent{
		ARN: arn, AccountID: testAccount, Service: "s3", EventTime: now,
	}))

	// Bucket gets locked down; a later event arrives
	cloud.addBucket("exposed", now.Add(time.Minute), false, nil)
	require.NoError(t, r.HandleChangeEvent(ctx, types.ChangeEvent{
		ARN: arn, AccountID: testAccount, Service: "s3", EventTime: now.Add(time.Minute),
	}))

	finding, err := store.GetFinding(arn, "S3BucketPublic")
	require.NoError(t, err)
	assert.Equal(t, types.FindingResolved, finding.State)
	assert.Equal(t, types.ResolvedCompliant, finding.ResolvedReason)
}

func TestHandleChangeEvent_UnknownServiceSkipped(t *testing.T) {
	r, _, _ := newTestReconciler(t)

	err := r.HandleChangeEvent(context.Background(), types.ChangeEvent{
		ARN:       "arn:aws:lambda:us-east-1:123456789012:function:f",
		AccountID: testAccount,
		Service:   "lambda",
		EventTime: time.Now().UTC(),
	})
	assert.NoError(t, err, "events for services without capabilities are skipped, not errors")
}

func TestHandleChangeEvent_InvalidEvent(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	err := r.HandleChangeEvent(context.Background(), types.ChangeEvent{})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestHandleChangeEvent_OutOfScopeResolvesAndRestore(t *testing.T) {
	r, store, cloud := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	launchPublicBucketPolicy(t, r, types.Scope{})
	arn := cloud.addBucket("exposed", now, true, nil)
	require.NoError(t, r.HandleChangeEvent(ctx, types.ChangeEvent{
		ARN: arn, AccountID: testAccount, Service: "s3", EventTime: now,
	}))

	// Rescope to exclude the account: the open finding resolves OUT_OF_SCOPE
	_, err := r.UpdatePolicy(ctx, "S3BucketPublic", storage.PolicyUpdate{
		Scope: &types.Scope{ExcludeAccounts: []string{testAccount}},
	})
	require.NoError(t, err)

	finding, err := store.GetFinding(arn, "S3BucketPublic")
	require.NoError(t, err)
	assert.Equal(t, types.FindingResolved, finding.State)
	assert.Equal(t, types.ResolvedOutOfScope, finding.ResolvedReason)

	// Rescope back in: the next evaluation reopens it with a fresh first_seen.
	// The snapshot needs a newer describe time to clear the monotonic guard.
	cloud.addBucket("exposed", now.Add(time.Minute), true, nil)
	_, err = r.UpdatePolicy(ctx, "S3BucketPublic", storage.PolicyUpdate{Scope: &types.Scope{}})
	require.NoError(t, err)

	require.NoError(t, r.HandleChangeEvent(ctx, types.ChangeEvent{
		ARN: arn, AccountID: testAccount, Service: "s3", EventTime: now.Add(time.Minute),
	}))

	finding, err = store.GetFinding(arn, "S3BucketPublic")
	require.NoError(t, err)
	assert.Equal(t, types.FindingActive, finding.State)
	assert.Equal(t, now.Add(time.Minute).Unix(), finding.FirstSeen.Unix())
}

func TestUpdatePolicy_ScopeRevertAloneRestoresFinding(t *testing.T) {
	r, store, cloud := newTestReconciler(t)
	ctx := context.Background()
	cloud.freshTimestamps = true

	launchPublicBucketPolicy(t, r, types.Scope{})
	arn := cloud.addBucket("exposed", time.Now().UTC(), true, nil)
	require.NoError(t, r.HandleChangeEvent(ctx, types.ChangeEvent{
		ARN: arn, AccountID: testAccount, Service: "s3", EventTime: time.Now().UTC(),
	}))

	_, err := r.UpdatePolicy(ctx, "S3BucketPublic", storage.PolicyUpdate{
		Scope: &types.Scope{ExcludeAccounts: []string{testAccount}},
	})
	require.NoError(t, err)

	finding, err := store.GetFinding(arn, "S3BucketPublic")
	require.NoError(t, err)
	require.Equal(t, types.FindingResolved, finding.State)
	require.Equal(t, types.ResolvedOutOfScope, finding.ResolvedReason)

	// Reverting the exclusion must restore the finding without any cloud
	// change: the triggered sweep re-describes the bucket, so its
	// evaluation postdates the wall-clock resolution
	_, err = r.UpdatePolicy(ctx, "S3BucketPublic", storage.PolicyUpdate{Scope: &types.Scope{}})
	require.NoError(t, err)

	finding, err = store.GetFinding(arn, "S3BucketPublic")
	require.NoError(t, err)
	assert.Equal(t, types.FindingActive, finding.State)
	assert.Empty(t, finding.ResolvedReason)
}

func TestUpdatePolicy_SeverityChangeReachesOpenFindings(t *testing.T) {
	r, store, cloud := newTestReconciler(t)
	ctx := context.Background()
	cloud.freshTimestamps = true

	launchPublicBucketPolicy(t, r, types.Scope{})
	arn := cloud.addBucket("exposed", time.Now().UTC(), true, nil)
	require.NoError(t, r.HandleChangeEvent(ctx, types.ChangeEvent{
		ARN: arn, AccountID: testAccount, Service: "s3", EventTime: time.Now().UTC(),
	}))

	finding, err := store.GetFinding(arn, "S3BucketPublic")
	require.NoError(t, err)
	require.Equal(t, 90, finding.Severity)

	override := 60
	_, err = r.UpdatePolicy(ctx, "S3BucketPublic", storage.PolicyUpdate{Severity: &override})
	require.NoError(t, err)

	finding, err = store.GetFinding(arn, "S3BucketPublic")
	require.NoError(t, err)
	assert.Equal(t, 60, finding.Severity, "severity change triggers a re-evaluation sweep")
	assert.Equal(t, types.FindingActive, finding.State)
}

func TestUpdatePolicy_RemediationOnlySkipsSweep(t *testing.T) {
	r, store, cloud := newTestReconciler(t)
	ctx := context.Background()

	launchPublicBucketPolicy(t, r, types.Scope{})
	now := time.Now().UTC()
	arn := cloud.addBucket("exposed", now, true, nil)
	require.NoError(t, r.HandleChangeEvent(ctx, types.ChangeEvent{
		ARN: arn, AccountID: testAccount, Service: "s3", EventTime: now,
	}))

	// Fresh timestamps would advance LastEvaluated if a sweep ran
	cloud.freshTimestamps = true

	remediation := "Enable the public access block"
	_, err := r.UpdatePolicy(ctx, "S3BucketPublic", storage.PolicyUpdate{Remediation: &remediation})
	require.NoError(t, err)

	finding, err := store.GetFinding(arn, "S3BucketPublic")
	require.NoError(t, err)
	assert.True(t, finding.LastEvaluated.Equal(now), "remediation text alone does not re-evaluate")
}

func TestLaunchPolicy_BootstrapsExistingInventory(t *testing.T) {
	r, store, cloud := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Inventory exists before the policy launches
	arnA := cloud.addBucket("exposed-a", now, true, nil)
	arnB := cloud.addBucket("locked-b", now, false, nil)
	_, err := r.Sweep(ctx)
	require.NoError(t, err)

	result, err := r.LaunchPolicy(ctx, types.LaunchedPolicy{PolicyID: "S3BucketPublic"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.FindingsOpened)

	finding, err := store.GetFinding(arnA, "S3BucketPublic")
	require.NoError(t, err)
	assert.Equal(t, types.FindingActive, finding.State)

	_, err = store.GetFinding(arnB, "S3BucketPublic")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestLaunchPolicy_UnknownPolicy(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	_, err := r.LaunchPolicy(context.Background(), types.LaunchedPolicy{PolicyID: "NoSuchPolicy"})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestSweep_FullCrossProduct(t *testing.T) {
	r, store, cloud := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	launchPublicBucketPolicy(t, r, types.Scope{})
	cloud.addBucket("exposed-a", now, true, nil)
	cloud.addBucket("exposed-b", now, true, nil)
	cloud.addBucket("locked-c", now, false, nil)

	result, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 2, result.FindingsOpened)
	assert.Equal(t, 0, result.Failed)

	// Sweep result persisted for drift inspection
	entry, err := store.GetSummary(LastSweepKey)
	require.NoError(t, err)
	require.NotNil(t, entry)

	var persisted SweepResult
	require.NoError(t, json.Unmarshal(entry.Payload, &persisted))
	assert.Equal(t, result.ScanID, persisted.ScanID)
}

func TestSweep_DisappearanceNeedsConfirmation(t *testing.T) {
	r, store, cloud := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	launchPublicBucketPolicy(t, r, types.Scope{})
	arn := cloud.addBucket("exposed", now, true, nil)

	_, err := r.Sweep(ctx)
	require.NoError(t, err)

	// Resource disappears from the cloud
	delete(cloud.resources, arn)

	// One missed sweep is not enough to declare it gone
	result, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ResourcesGone)

	finding, err := store.GetFinding(arn, "S3BucketPublic")
	require.NoError(t, err)
	assert.Equal(t, types.FindingActive, finding.State)

	// The second miss confirms the disappearance
	result, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ResourcesGone)

	finding, err = store.GetFinding(arn, "S3BucketPublic")
	require.NoError(t, err)
	assert.Equal(t, types.FindingResolved, finding.State)
	assert.Equal(t, types.ResolvedResourceGone, finding.ResolvedReason)
}

func TestSweep_ReappearanceResetsMissCounter(t *testing.T) {
	r, store, cloud := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	launchPublicBucketPolicy(t, r, types.Scope{})
	arn := cloud.addBucket("flappy", now, true, nil)

	_, err := r.Sweep(ctx)
	require.NoError(t, err)

	delete(cloud.resources, arn)
	_, err = r.Sweep(ctx)
	require.NoError(t, err)

	// Resource comes back before the second confirming sweep
	cloud.addBucket("flappy", now.Add(time.Minute), true, nil)
	_, err = r.Sweep(ctx)
	require.NoError(t, err)

	resource, err := store.GetResource(types.MakeAccountService(testAccount, "s3"), arn)
	require.NoError(t, err)
	assert.Equal(t, 0, resource.MissedSweeps)
	assert.False(t, resource.Deleted)
}

func TestSuspendPolicy_PurgesFindings(t *testing.T) {
	r, store, cloud := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	launchPublicBucketPolicy(t, r, types.Scope{})
	cloud.addBucket("exposed-a", now, true, nil)
	cloud.addBucket("exposed-b", now, true, nil)
	_, err := r.Sweep(ctx)
	require.NoError(t, err)

	count, err := r.SuspendPolicy(ctx, "S3BucketPublic")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	finding, err := store.GetFinding("arn:aws:s3:::exposed-a", "S3BucketPublic")
	require.NoError(t, err)
	assert.Equal(t, types.FindingResolved, finding.State)
	assert.Equal(t, types.ResolvedPolicySuspended, finding.ResolvedReason)

	policyRecord, err := store.GetPolicy("S3BucketPublic")
	require.NoError(t, err)
	assert.Equal(t, types.PolicySuspended, policyRecord.Status)
}

func TestDeletePolicy_HardDeletesFindings(t *testing.T) {
	r, store, cloud := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	launchPublicBucketPolicy(t, r, types.Scope{})
	arn := cloud.addBucket("exposed", now, true, nil)
	_, err := r.Sweep(ctx)
	require.NoError(t, err)

	count, err := r.DeletePolicy(ctx, "S3BucketPublic")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = store.GetFinding(arn, "S3BucketPublic")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = store.GetPolicy("S3BucketPublic")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestSweep_ScopeTagFiltering(t *testing.T) {
	r, store, cloud := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	launchPublicBucketPolicy(t, r, types.Scope{
		IncludeTags: map[string][]string{"env": {"prod"}},
	})
	prodARN := cloud.addBucket("prod-bucket", now, true, map[string]string{"env": "prod"})
	devARN := cloud.addBucket("dev-bucket", now, true, map[string]string{"env": "dev"})

	_, err := r.Sweep(ctx)
	require.NoError(t, err)

	_, err = store.GetFinding(prodARN, "S3BucketPublic")
	assert.NoError(t, err)

	_, err = store.GetFinding(devARN, "S3BucketPublic")
	assert.ErrorIs(t, err, types.ErrNotFound, "out-of-scope resources never get findings")
}

func TestHandleChangeEvent_WritesAuditTrail(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	auditDir := t.TempDir()
	audit, err := wal.Open(auditDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close() })

	cloud := newFakeCloud()
	registry := policy.NewBuiltinRegistry()
	require.NoError(t, registry.RegisterService(policy.ServiceCapability{
		Service:   "s3",
		Describer: cloud,
		Lister:    cloud,
	}))
	r := New(store, registry, audit, Options{
		Accounts:           []string{testAccount},
		ConfirmationSweeps: 2,
	})

	ctx := context.Background()
	now := time.Now().UTC()
	launchPublicBucketPolicy(t, r, types.Scope{})
	arn := cloud.addBucket("exposed", now, true, nil)
	require.NoError(t, r.HandleChangeEvent(ctx, types.ChangeEvent{
		ARN: arn, AccountID: testAccount, Service: "s3", EventTime: now,
	}))

	var seen []wal.EntryType
	require.NoError(t, wal.Replay(auditDir, wal.DefaultConfig(), time.Time{}, func(entry *wal.Entry) error {
		seen = append(seen, entry.Type)
		return nil
	}))
	assert.Contains(t, seen, wal.EntryObserved)
	assert.Contains(t, seen, wal.EntryEvaluated)
	assert.Contains(t, seen, wal.EntryOpened, "opening a finding leaves an audit record")
}

func TestSweep_ReportsInventoryGauge(t *testing.T) {
	shutdown, err := telemetry.InitOTEL(context.Background(), telemetry.Config{ServiceName: "vahti-test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	r, _, cloud := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	launchPublicBucketPolicy(t, r, types.Scope{})
	cloud.addBucket("exposed", now, true, nil)
	cloud.addBucket("locked", now, false, nil)

	_, err = r.Sweep(ctx)
	require.NoError(t, err)

	families, err := telemetry.PrometheusRegistry.Gather()
	require.NoError(t, err)

	found := false
	var value float64
	for _, family := range families {
		if !strings.HasPrefix(family.GetName(), "vahti_inventory_resources_current") {
			continue
		}
		for _, m := range family.GetMetric() {
			found = true
			value = m.GetGauge().GetValue()
		}
	}
	require.True(t, found, "inventory gauge not exported")
	assert.Equal(t, float64(2), value)
}

package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/policy"
	"github.com/yairfalse/vahti/reconciler"
	"github.com/yairfalse/vahti/storage"
	"github.com/yairfalse/vahti/types"
	"github.com/yairfalse/vahti/wal"
)

const testAccount = "123456789012"

type fakeCloud struct {
	resources map[string]*types.Resource
}

func (f *fakeCloud) Describe(_ context.Context, _ string, arn string) (*types.Resource, error) {
	resource, ok := f.resources[arn]
	if !ok {
		return nil, types.ErrNotFound
	}
	copied := *resource
	return &copied, nil
}

func (f *fakeCloud) ListARNs(_ context.Context, _ string) ([]string, error) {
	var arns []string
	for arn := range f.resources {
		arns = append(arns, arn)
	}
	return arns, nil
}

type fakeSource struct {
	events []types.ChangeEvent
}

func (f *fakeSource) Run(ctx context.Context, handler func(ctx context.Context, event types.ChangeEvent) error) error {
	for _, event := range f.events {
		if err := handler(ctx, event); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func publicBucket(name string, describeTime time.Time) *types.Resource {
	cfg := policy.S3BucketConfig{Name: name}
	raw, _ := json.Marshal(cfg)
	return &types.Resource{
		AccountService: types.MakeAccountService(testAccount, "s3"),
		ARN:            "arn:aws:s3:::" + name,
		Configuration:  raw,
		DescribeTime:   describeTime,
	}
}

func newTestDaemon(t *testing.T, source ChangeSource, config Config) (*Daemon, *storage.Store) {
	t.Helper()

	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	audit, err := wal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close() })

	cloud := &fakeCloud{resources: map[string]*types.Resource{
		"arn:aws:s3:::exposed": publicBucket("exposed", time.Now().UTC()),
	}}
	registry := policy.NewBuiltinRegistry()
	require.NoError(t, registry.RegisterService(policy.ServiceCapability{
		Service: "s3", Describer: cloud, Lister: cloud,
	}))

	require.NoError(t, store.LaunchPolicy(types.LaunchedPolicy{PolicyID: "S3BucketPublic"}))

	rec := reconciler.New(store, registry, audit, reconciler.Options{
		Accounts:           []string{testAccount},
		ConfirmationSweeps: 2,
	})
	return New(rec, source, audit, config), store
}

func TestDaemon_SweepOnStartOpensFindings(t *testing.T) {
	d, store := newTestDaemon(t, nil, Config{
		SweepInterval: time.Hour,
		SweepOnStart:  true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return d.SweepCount() >= 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	finding, err := store.GetFinding("arn:aws:s3:::exposed", "S3BucketPublic")
	require.NoError(t, err)
	assert.Equal(t, types.FindingActive, finding.State)
}

func TestDaemon_ChangeSourceFeedsReconciler(t *testing.T) {
	source := &fakeSource{events: []types.ChangeEvent{{
		ARN:       "arn:aws:s3:::exposed",
		AccountID: testAccount,
		Service:   "s3",
		EventTime: time.Now().UTC(),
	}}}
	d, store := newTestDaemon(t, source, Config{SweepInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		finding, err := store.GetFinding("arn:aws:s3:::exposed", "S3BucketPublic")
		return err == nil && finding.State == types.FindingActive
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestDaemon_HealthEndpoint(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	d, _ := newTestDaemon(t, nil, Config{
		SweepInterval: time.Hour,
		MetricsAddr:   addr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	var body []byte
	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, err = io.ReadAll(resp.Body)
		return err == nil && resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	var health struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health.Status)

	cancel()
	require.NoError(t, <-done)
}

func TestDaemon_AuditRetentionRemovesOldFiles(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	auditDir := t.TempDir()
	audit, err := wal.Open(auditDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close() })

	stale := filepath.Join(auditDir, "vahti-20200101-000000-0.wal")
	require.NoError(t, os.WriteFile(stale, []byte("{}\n"), 0o644))
	past := time.Now().AddDate(0, 0, -30)
	require.NoError(t, os.Chtimes(stale, past, past))

	registry := policy.NewBuiltinRegistry()
	rec := reconciler.New(store, registry, audit, reconciler.Options{Accounts: []string{testAccount}})

	d := New(rec, nil, audit, Config{
		SweepInterval:        time.Hour,
		AuditCleanupInterval: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, statErr := os.Stat(stale)
		return os.IsNotExist(statErr)
	}, 5*time.Second, 10*time.Millisecond, "retention loop removes files past the window")
	cancel()
	require.NoError(t, <-done)
}

package policy

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/types"
)

func s3Resource(t *testing.T, cfg S3BucketConfig) types.Resource {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return types.Resource{
		AccountService: "123456789012_s3",
		ARN:            "arn:aws:s3:::" + cfg.Name,
		Configuration:  raw,
	}
}

func TestEvaluateS3BucketPublic(t *testing.T) {
	tests := []struct {
		name      string
		pab       *PublicAccessBlock
		compliant bool
	}{
		{
			name:      "all four settings enabled",
			pab:       &PublicAccessBlock{true, true, true, true},
			compliant: true,
		},
		{
			name:      "block public acls disabled",
			pab:       &PublicAccessBlock{false, true, true, true},
			compliant: false,
		},
		{
			name:      "restrict public buckets disabled",
			pab:       &PublicAccessBlock{true, true, true, false},
			compliant: false,
		},
		{
			name:      "no public access block at all",
			pab:       nil,
			compliant: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resource := s3Resource(t, S3BucketConfig{Name: "audit-logs", PublicAccessBlock: tt.pab})
			eval, err := evaluateS3BucketPublic(context.Background(), resource)
			require.NoError(t, err)
			assert.Equal(t, tt.compliant, eval.Compliant)
			if !tt.compliant {
				assert.NotEmpty(t, eval.Message)
			}
		})
	}
}

func TestEvaluateS3BucketVersioning(t *testing.T) {
	enabled := s3Resource(t, S3BucketConfig{Name: "a", Versioning: &BucketVersioning{Status: "Enabled"}})
	eval, err := evaluateS3BucketVersioning(context.Background(), enabled)
	require.NoError(t, err)
	assert.True(t, eval.Compliant)

	suspended := s3Resource(t, S3BucketConfig{Name: "b", Versioning: &BucketVersioning{Status: "Suspended"}})
	eval, err = evaluateS3BucketVersioning(context.Background(), suspended)
	require.NoError(t, err)
	assert.False(t, eval.Compliant)

	missing := s3Resource(t, S3BucketConfig{Name: "c"})
	eval, err = evaluateS3BucketVersioning(context.Background(), missing)
	require.NoError(t, err)
	assert.False(t, eval.Compliant)
}

func TestEvaluateS3BucketEncryption(t *testing.T) {
	encrypted := s3Resource(t, S3BucketConfig{Name: "a", Encryption: &BucketEncryption{Algorithm: "aws:kms"}})
	eval, err := evaluateS3BucketEncryption(context.Background(), encrypted)
	require.NoError(t, err)
	assert.True(t, eval.Compliant)

	plain := s3Resource(t, S3BucketConfig{Name: "b"})
	eval, err = evaluateS3BucketEncryption(context.Background(), plain)
	require.NoError(t, err)
	assert.False(t, eval.Compliant)
}

func TestEvaluateS3BucketMFADelete(t *testing.T) {
	on := s3Resource(t, S3BucketConfig{Name: "a", Versioning: &BucketVersioning{Status: "Enabled", MFADelete: "Enabled"}})
	eval, err := evaluateS3BucketMFADelete(context.Background(), on)
	require.NoError(t, err)
	assert.True(t, eval.Compliant)

	off := s3Resource(t, S3BucketConfig{Name: "b", Versioning: &BucketVersioning{Status: "Enabled"}})
	eval, err = evaluateS3BucketMFADelete(context.Background(), off)
	require.NoError(t, err)
	assert.False(t, eval.Compliant)
}

func TestEvaluateS3_MalformedConfiguration(t *testing.T) {
	resource := types.Resource{
		AccountService: "123456789012_s3",
		ARN:            "arn:aws:s3:::broken",
		Configuration:  json.RawMessage(`{"name":`),
	}
	_, err := evaluateS3BucketPublic(context.Background(), resource)
	assert.ErrorIs(t, err, types.ErrEvaluator)
}

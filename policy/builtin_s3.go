package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/yairfalse/vahti/types"
)

// S3BucketConfig is the configuration snapshot shape for S3 buckets.
// Providers marshal it into Resource.Configuration; the S3 evaluators
// parse it back out.
type S3BucketConfig struct {
	Name              string             `json:"name"`
	PublicAccessBlock *PublicAccessBlock `json:"public_access_block,omitempty"`
	Versioning        *BucketVersioning  `json:"versioning,omitempty"`
	Encryption        *BucketEncryption  `json:"encryption,omitempty"`
	Tags              map[string]string  `json:"tags,omitempty"`
}

type PublicAccessBlock struct {
	BlockPublicAcls       bool `json:"block_public_acls"`
	IgnorePublicAcls      bool `json:"ignore_public_acls"`
	BlockPublicPolicy     bool `json:"block_public_policy"`
	RestrictPublicBuckets bool `json:"restrict_public_buckets"`
}

type BucketVersioning struct {
	Status    string `json:"status"`
	MFADelete string `json:"mfa_delete"`
}

type BucketEncryption struct {
	Algorithm string `json:"algorithm"`
	KMSKeyARN string `json:"kms_key_arn,omitempty"`
}

func parseS3Config(resource types.Resource) (*S3BucketConfig, error) {
	var cfg S3BucketConfig
	if err := json.Unmarshal(resource.Configuration, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse s3 configuration for %s: %v", types.ErrEvaluator, resource.ARN, err)
	}
	return &cfg, nil
}

func evaluateS3BucketPublic(_ context.Context, resource types.Resource) (types.Evaluation, error) {
	cfg, err := parseS3Config(resource)
	if err != nil {
		return types.Evaluation{}, err
	}

	// Missing configuration means the account default applies, which does
	// not block public access
	pab := cfg.PublicAccessBlock
	if pab == nil {
		return types.Evaluation{
			Compliant: false,
			Message:   "bucket has no public access block configuration",
		}, nil
	}

	if pab.BlockPublicAcls && pab.IgnorePublicAcls && pab.BlockPublicPolicy && pab.RestrictPublicBuckets {
		return types.Evaluation{Compliant: true}, nil
	}

	evidence, _ := json.Marshal(pab)
	return types.Evaluation{
		Compliant: false,
		Message:   "one or more public access block settings are disabled",
		Evidence:  evidence,
	}, nil
}

func evaluateS3BucketVersioning(_ context.Context, resource types.Resource) (types.Evaluation, error) {
	cfg, err := parseS3Config(resource)
	if err != nil {
		return types.Evaluation{}, err
	}

	if cfg.Versioning != nil && cfg.Versioning.Status == "Enabled" {
		return types.Evaluation{Compliant: true}, nil
	}
	return types.Evaluation{
		Compliant: false,
		Message:   "bucket versioning is not enabled",
	}, nil
}

func evaluateS3BucketEncryption(_ context.Context, resource types.Resource) (types.Evaluation, error) {
	cfg, err := parseS3Config(resource)
	if err != nil {
		return types.Evaluation{}, err
	}

	if cfg.Encryption != nil && cfg.Encryption.Algorithm != "" {
		return types.Evaluation{Compliant: true}, nil
	}
	return types.Evaluation{
		Compliant: false,
		Message:   "bucket has no default server-side encryption",
	}, nil
}

func evaluateS3BucketMFADelete(_ context.Context, resource types.Resource) (types.Evaluation, error) {
	cfg, err := parseS3Config(resource)
	if err != nil {
		return types.Evaluation{}, err
	}

	if cfg.Versioning != nil && cfg.Versioning.MFADelete == "Enabled" {
		return types.Evaluation{Compliant: true}, nil
	}
	return types.Evaluation{
		Compliant: false,
		Message:   "MFA delete is not enabled on the bucket",
	}, nil
}

package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/yairfalse/vahti/policy"
	"github.com/yairfalse/vahti/types"
)

// s3API is the slice of the S3 client the collaborator needs
type s3API interface {
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	GetPublicAccessBlock(ctx context.Context, params *s3.GetPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.GetPublicAccessBlockOutput, error)
	GetBucketVersioning(ctx context.Context, params *s3.GetBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.GetBucketVersioningOutput, error)
	GetBucketEncryption(ctx context.Context, params *s3.GetBucketEncryptionInput, optFns ...func(*s3.Options)) (*s3.GetBucketEncryptionOutput, error)
	GetBucketTagging(ctx context.Context, params *s3.GetBucketTaggingInput, optFns ...func(*s3.Options)) (*s3.GetBucketTaggingOutput, error)
}

type s3Collaborator struct {
	client s3API
}

func (c *s3Collaborator) ListARNs(ctx context.Context, _ string) ([]string, error) {
	output, err := c.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}

	arns := make([]string, 0, len(output.Buckets))
	for _, bucket := range output.Buckets {
		arns = append(arns, "arn:aws:s3:::"+aws.ToString(bucket.Name))
	}
	return arns, nil
}

func (c *s3Collaborator) Describe(ctx context.Context, accountID, arn string) (*types.Resource, error) {
	name := strings.TrimPrefix(arn, "arn:aws:s3:::")
	cfg := policy.S3BucketConfig{Name: name}

	pab, err := c.client.GetPublicAccessBlock(ctx, &s3.GetPublicAccessBlockInput{Bucket: aws.String(name)})
	switch {
	case err == nil:
		block := pab.PublicAccessBlockConfiguration
		cfg.PublicAccessBlock = &policy.PublicAccessBlock{
			BlockPublicAcls:       aws.ToBool(block.BlockPublicAcls),
			IgnorePublicAcls:      aws.ToBool(block.IgnorePublicAcls),
			BlockPublicPolicy:     aws.ToBool(block.BlockPublicPolicy),
			RestrictPublicBuckets: aws.ToBool(block.RestrictPublicBuckets),
		}
	case isErrorCode(err, "NoSuchBucket"):
		return nil, fmt.Errorf("%w: bucket %s", types.ErrNotFound, name)
	case isErrorCode(err, "NoSuchPublicAccessBlockConfiguration"):
		// No block configured; the evaluator treats that as wide open
	default:
		return nil, fmt.Errorf("get public access block for %s: %w", name, err)
	}

	versioning, err := c.client.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{Bucket: aws.String(name)})
	if err != nil {
		if isErrorCode(err, "NoSuchBucket") {
			return nil, fmt.Errorf("%w: bucket %s", types.ErrNotFound, name)
		}
		return nil, fmt.Errorf("get versioning for %s: %w", name, err)
	}
	if versioning.Status != "" || versioning.MFADelete != "" {
		cfg.Versioning = &policy.BucketVersioning{
			Status:    string(versioning.Status),
			MFADelete: string(versioning.MFADelete),
		}
	}

	encryption, err := c.client.GetBucketEncryption(ctx, &s3.GetBucketEncryptionInput{Bucket: aws.String(name)})
	switch {
	case err == nil:
		for _, rule := range encryption.ServerSideEncryptionConfiguration.Rules {
			if rule.ApplyServerSideEncryptionByDefault == nil {
				continue
			}
			cfg.Encryption = &policy.BucketEncryption{
				Algorithm: string(rule.ApplyServerSideEncryptionByDefault.SSEAlgorithm),
				KMSKeyARN: aws.ToString(rule.ApplyServerSideEncryptionByDefault.KMSMasterKeyID),
			}
			break
		}
	case isErrorCode(err, "ServerSideEncryptionConfigurationNotFoundError"):
		// No default encryption
	default:
		return nil, fmt.Errorf("get encryption for %s: %w", name, err)
	}

	tags := map[string]string{}
	tagging, err := c.client.GetBucketTagging(ctx, &s3.GetBucketTaggingInput{Bucket: aws.String(name)})
	if err == nil {
		for _, tag := range tagging.TagSet {
			tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
		}
	}
	cfg.Tags = tags

	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal bucket config: %w", err)
	}

	return &types.Resource{
		AccountService: types.MakeAccountService(accountID, "s3"),
		ARN:            arn,
		Configuration:  raw,
		DescribeTime:   time.Now().UTC(),
		Tags:           tags,
	}, nil
}

// isErrorCode matches an AWS API error by its service error code
func isErrorCode(err error, code string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}

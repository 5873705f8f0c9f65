package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"

	"github.com/yairfalse/vahti/policy"
	"github.com/yairfalse/vahti/types"
)

// iamAPI is the slice of the IAM client the collaborator needs
type iamAPI interface {
	ListUsers(ctx context.Context, params *iam.ListUsersInput, optFns ...func(*iam.Options)) (*iam.ListUsersOutput, error)
	GetUser(ctx context.Context, params *iam.GetUserInput, optFns ...func(*iam.Options)) (*iam.GetUserOutput, error)
	GetLoginProfile(ctx context.Context, params *iam.GetLoginProfileInput, optFns ...func(*iam.Options)) (*iam.GetLoginProfileOutput, error)
	ListMFADevices(ctx context.Context, params *iam.ListMFADevicesInput, optFns ...func(*iam.Options)) (*iam.ListMFADevicesOutput, error)
	ListAccessKeys(ctx context.Context, params *iam.ListAccessKeysInput, optFns ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error)
	ListUserTags(ctx context.Context, params *iam.ListUserTagsInput, optFns ...func(*iam.Options)) (*iam.ListUserTagsOutput, error)
}

type iamCollaborator struct {
	client iamAPI
}

func (c *iamCollaborator) ListARNs(ctx context.Context, _ string) ([]string, error) {
	var arns []string
	var marker *string

	for {
		output, err := c.client.ListUsers(ctx, &iam.ListUsersInput{Marker: marker})
		if err != nil {
			return nil, fmt.Errorf("list iam users: %w", err)
		}
		for _, user := range output.Users {
			arns = append(arns, aws.ToString(user.Arn))
		}
		if !output.IsTruncated {
			return arns, nil
		}
		marker = output.Marker
	}
}

func (c *iamCollaborator) Describe(ctx context.Context, accountID, arn string) (*types.Resource, error) {
	userName := userNameFromARN(arn)
	if userName == "" {
		return nil, fmt.Errorf("%w: not an iam user arn: %s", types.ErrValidation, arn)
	}

	if _, err := c.client.GetUser(ctx, &iam.GetUserInput{UserName: aws.String(userName)}); err != nil {
		if isErrorCode(err, "NoSuchEntity") {
			return nil, fmt.Errorf("%w: iam user %s", types.ErrNotFound, userName)
		}
		return nil, fmt.Errorf("get iam user %s: %w", userName, err)
	}

	cfg := policy.IAMUserConfig{UserName: userName}

	// A login profile means the user can sign in to the console
	if _, err := c.client.GetLoginProfile(ctx, &iam.GetLoginProfileInput{UserName: aws.String(userName)}); err == nil {
		cfg.ConsoleAccess = true
	} else if !isErrorCode(err, "NoSuchEntity") {
		return nil, fmt.Errorf("get login profile for %s: %w", userName, err)
	}

	mfa, err := c.client.ListMFADevices(ctx, &iam.ListMFADevicesInput{UserName: aws.String(userName)})
	if err != nil {
		return nil, fmt.Errorf("list mfa devices for %s: %w", userName, err)
	}
	cfg.MFADeviceCount = len(mfa.MFADevices)

	keys, err := c.client.ListAccessKeys(ctx, &iam.ListAccessKeysInput{UserName: aws.String(userName)})
	if err != nil {
		return nil, fmt.Errorf("list access keys for %s: %w", userName, err)
	}
	for _, key := range keys.AccessKeyMetadata {
		cfg.AccessKeys = append(cfg.AccessKeys, policy.AccessKey{
			KeyID:      aws.ToString(key.AccessKeyId),
			Status:     string(key.Status),
			CreateDate: aws.ToTime(key.CreateDate),
		})
	}

	tags := map[string]string{}
	if tagOutput, err := c.client.ListUserTags(ctx, &iam.ListUserTagsInput{UserName: aws.String(userName)}); err == nil {
		for _, tag := range tagOutput.Tags {
			tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
		}
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal iam user config: %w", err)
	}

	return &types.Resource{
		AccountService: types.MakeAccountService(accountID, "iam"),
		ARN:            arn,
		Configuration:  raw,
		DescribeTime:   time.Now().UTC(),
		Tags:           tags,
	}, nil
}

// userNameFromARN extracts the user name from arn:aws:iam::<account>:user/<name>
func userNameFromARN(arn string) string {
	idx := strings.Index(arn, ":user/")
	if idx < 0 {
		return ""
	}
	return arn[idx+len(":user/"):]
}

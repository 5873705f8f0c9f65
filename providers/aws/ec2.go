package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"

	"github.com/yairfalse/vahti/policy"
	"github.com/yairfalse/vahti/types"
)

type ec2API interface {
	DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
}

type ec2Collaborator struct {
	client ec2API
	region string
}

func (c *ec2Collaborator) ListARNs(ctx context.Context, accountID string) ([]string, error) {
	var arns []string
	var nextToken *string

	for {
		output, err := c.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("describe volumes: %w", err)
		}
		for _, vol := range output.Volumes {
			arns = append(arns, volumeARN(c.region, accountID, aws.ToString(vol.VolumeId)))
		}
		if output.NextToken == nil {
			return arns, nil
		}
		nextToken = output.NextToken
	}
}

func (c *ec2Collaborator) Describe(ctx context.Context, accountID, arn string) (*types.Resource, error) {
	volumeID := volumeIDFromARN(arn)
	if volumeID == "" {
		return nil, fmt.Errorf("%w: not an ebs volume arn: %s", types.ErrValidation, arn)
	}

	output, err := c.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		VolumeIds: []string{volumeID},
	})
	if err != nil {
		if isErrorCode(err, "InvalidVolume.NotFound") {
			return nil, fmt.Errorf("%w: ebs volume %s", types.ErrNotFound, volumeID)
		}
		return nil, fmt.Errorf("describe volume %s: %w", volumeID, err)
	}
	if len(output.Volumes) == 0 {
		return nil, fmt.Errorf("%w: ebs volume %s", types.ErrNotFound, volumeID)
	}
	vol := output.Volumes[0]

	cfg := policy.EBSVolumeConfig{
		VolumeID:  volumeID,
		Encrypted: aws.ToBool(vol.Encrypted),
		KMSKeyARN: aws.ToString(vol.KmsKeyId),
		State:     string(vol.State),
	}

	tags := map[string]string{}
	for _, tag := range vol.Tags {
		tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal volume config: %w", err)
	}

	return &types.Resource{
		AccountService: types.MakeAccountService(accountID, "ec2"),
		ARN:            arn,
		Configuration:  raw,
		DescribeTime:   time.Now().UTC(),
		Tags:           tags,
	}, nil
}

func volumeARN(region, accountID, volumeID string) string {
	return fmt.Sprintf("arn:aws:ec2:%s:%s:volume/%s", region, accountID, volumeID)
}

func volumeIDFromARN(arn string) string {
	idx := strings.Index(arn, ":volume/")
	if idx < 0 {
		return ""
	}
	return arn[idx+len(":volume/"):]
}

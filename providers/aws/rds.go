package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"

	"github.com/yairfalse/vahti/policy"
	"github.com/yairfalse/vahti/types"
)

type rdsAPI interface {
	DescribeDBInstances(ctx context.Context, params *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
}

type rdsCollaborator struct {
	client rdsAPI
	region string
}

func (c *rdsCollaborator) ListARNs(ctx context.Context, _ string) ([]string, error) {
	var arns []string
	var marker *string

	for {
		output, err := c.client.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{Marker: marker})
		if err != nil {
			return nil, fmt.Errorf("describe db instances: %w", err)
		}
		for _, instance := range output.DBInstances {
			arns = append(arns, aws.ToString(instance.DBInstanceArn))
		}
		if output.Marker == nil {
			return arns, nil
		}
		marker = output.Marker
	}
}

func (c *rdsCollaborator) Describe(ctx context.Context, accountID, arn string) (*types.Resource, error) {
	instanceID := dbInstanceIDFromARN(arn)
	if instanceID == "" {
		return nil, fmt.Errorf("%w: not an rds instance arn: %s", types.ErrValidation, arn)
	}

	output, err := c.client.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
		DBInstanceIdentifier: aws.String(instanceID),
	})
	if err != nil {
		if isErrorCode(err, "DBInstanceNotFound") {
			return nil, fmt.Errorf("%w: rds instance %s", types.ErrNotFound, instanceID)
		}
		return nil, fmt.Errorf("describe db instance %s: %w", instanceID, err)
	}
	if len(output.DBInstances) == 0 {
		return nil, fmt.Errorf("%w: rds instance %s", types.ErrNotFound, instanceID)
	}
	instance := output.DBInstances[0]

	cfg := policy.RDSInstanceConfig{
		InstanceID:         instanceID,
		Engine:             aws.ToString(instance.Engine),
		PubliclyAccessible: aws.ToBool(instance.PubliclyAccessible),
		StorageEncrypted:   aws.ToBool(instance.StorageEncrypted),
	}

	tags := map[string]string{}
	for _, tag := range instance.TagList {
		tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal db instance config: %w", err)
	}

	return &types.Resource{
		AccountService: types.MakeAccountService(accountID, "rds"),
		ARN:            arn,
		Configuration:  raw,
		DescribeTime:   time.Now().UTC(),
		Tags:           tags,
	}, nil
}

func dbInstanceIDFromARN(arn string) string {
	idx := strings.Index(arn, ":db:")
	if idx < 0 {
		return ""
	}
	return arn[idx+len(":db:"):]
}

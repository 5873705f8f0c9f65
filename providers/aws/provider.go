// Package aws provides the describe/list collaborators for the services the
// built-in policies cover, plus the SQS change notification consumer.
package aws

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/yairfalse/vahti/policy"
)

// Provider bundles the AWS service clients behind the capability interfaces
type Provider struct {
	s3Client  *s3.Client
	iamClient *iam.Client
	ec2Client *ec2.Client
	rdsClient *rds.Client
	sqsClient *sqs.Client
	region    string
}

// NewProvider loads the default AWS credential chain for the region
func NewProvider(ctx context.Context, region string) (*Provider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &Provider{
		s3Client:  s3.NewFromConfig(cfg),
		iamClient: iam.NewFromConfig(cfg),
		ec2Client: ec2.NewFromConfig(cfg),
		rdsClient: rds.NewFromConfig(cfg),
		sqsClient: sqs.NewFromConfig(cfg),
		region:    region,
	}, nil
}

// Region returns the configured AWS region
func (p *Provider) Region() string {
	return p.region
}

// RegisterCapabilities wires every supported service into the registry
func (p *Provider) RegisterCapabilities(registry *policy.Registry) error {
	capabilities := []policy.ServiceCapability{
		{Service: "s3", Describer: &s3Collaborator{client: p.s3Client}, Lister: &s3Collaborator{client: p.s3Client}},
		{Service: "iam", Describer: &iamCollaborator{client: p.iamClient}, Lister: &iamCollaborator{client: p.iamClient}},
		{Service: "ec2", Describer: &ec2Collaborator{client: p.ec2Client, region: p.region}, Lister: &ec2Collaborator{client: p.ec2Client, region: p.region}},
		{Service: "rds", Describer: &rdsCollaborator{client: p.rdsClient, region: p.region}, Lister: &rdsCollaborator{client: p.rdsClient, region: p.region}},
	}

	for _, capability := range capabilities {
		if err := registry.RegisterService(capability); err != nil {
			return err
		}
	}
	return nil
}

// NewNotifier builds the SQS change event consumer on this provider's client
func (p *Provider) NewNotifier(queueURL string) *Notifier {
	return NewNotifier(p.sqsClient, queueURL)
}

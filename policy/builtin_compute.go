package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/yairfalse/vahti/types"
)

// EBSVolumeConfig is the configuration snapshot shape for EBS volumes
type EBSVolumeConfig struct {
	VolumeID  string `json:"volume_id"`
	Encrypted bool   `json:"encrypted"`
	KMSKeyARN string `json:"kms_key_arn,omitempty"`
	State     string `json:"state"`
}

// RDSInstanceConfig is the configuration snapshot shape for RDS instances
type RDSInstanceConfig struct {
	InstanceID         string `json:"instance_id"`
	Engine             string `json:"engine"`
	PubliclyAccessible bool   `json:"publicly_accessible"`
	StorageEncrypted   bool   `json:"storage_encrypted"`
}

func evaluateEBSEncryption(_ context.Context, resource types.Resource) (types.Evaluation, error) {
	var cfg EBSVolumeConfig
	if err := json.Unmarshal(resource.Configuration, &cfg); err != nil {
		return types.Evaluation{}, fmt.Errorf("%w: parse ebs configuration for %s: %v", types.ErrEvaluator, resource.ARN, err)
	}

	if cfg.Encrypted {
		return types.Evaluation{Compliant: true}, nil
	}
	return types.Evaluation{
		Compliant: false,
		Message:   fmt.Sprintf("volume %s is not encrypted", cfg.VolumeID),
	}, nil
}

func evaluateRDSPublicAccess(_ context.Context, resource types.Resource) (types.Evaluation, error) {
	var cfg RDSInstanceConfig
	if err := json.Unmarshal(resource.Configuration, &cfg); err != nil {
		return types.Evaluation{}, fmt.Errorf("%w: parse rds configuration for %s: %v", types.ErrEvaluator, resource.ARN, err)
	}

	if !cfg.PubliclyAccessible {
		return types.Evaluation{Compliant: true}, nil
	}
	return types.Evaluation{
		Compliant: false,
		Message:   fmt.Sprintf("instance %s is publicly accessible", cfg.InstanceID),
	}, nil
}

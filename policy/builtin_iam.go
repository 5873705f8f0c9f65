package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yairfalse/vahti/types"
)

// accessKeyMaxAge is the rotation deadline for active access keys
const accessKeyMaxAge = 90 * 24 * time.Hour

// IAMUserConfig is the configuration snapshot shape for IAM users
type IAMUserConfig struct {
	UserName        string      `json:"user_name"`
	ConsoleAccess   bool        `json:"console_access"`
	MFADeviceCount  int         `json:"mfa_device_count"`
	AccessKeys      []AccessKey `json:"access_keys,omitempty"`
	PasswordLastUse *time.Time  `json:"password_last_use,omitempty"`
}

type AccessKey struct {
	KeyID      string    `json:"key_id"`
	Status     string    `json:"status"`
	CreateDate time.Time `json:"create_date"`
}

func parseIAMConfig(resource types.Resource) (*IAMUserConfig, error) {
	var cfg IAMUserConfig
	if err := json.Unmarshal(resource.Configuration, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse iam configuration for %s: %v", types.ErrEvaluator, resource.ARN, err)
	}
	return &cfg, nil
}

func evaluateIAMUserMFA(_ context.Context, resource types.Resource) (types.Evaluation, error) {
	cfg, err := parseIAMConfig(resource)
	if err != nil {
		return types.Evaluation{}, err
	}

	// Programmatic-only users are out of the policy's reach
	if !cfg.ConsoleAccess {
		return types.Evaluation{Compliant: true}, nil
	}
	if cfg.MFADeviceCount > 0 {
		return types.Evaluation{Compliant: true}, nil
	}

	return types.Evaluation{
		Compliant: false,
		Message:   fmt.Sprintf("user %s has console access but no MFA device", cfg.UserName),
	}, nil
}

func evaluateIAMAccessKeyAge(_ context.Context, resource types.Resource) (types.Evaluation, error) {
	cfg, err := parseIAMConfig(resource)
	if err != nil {
		return types.Evaluation{}, err
	}

	now := time.Now().UTC()
	var stale []AccessKey
	for _, key := range cfg.AccessKeys {
		if key.Status != "Active" {
			continue
		}
		if now.Sub(key.CreateDate) > accessKeyMaxAge {
			stale = append(stale, key)
		}
	}

	if len(stale) == 0 {
		return types.Evaluation{Compliant: true}, nil
	}

	evidence, _ := json.Marshal(stale)
	return types.Evaluation{
		Compliant: false,
		Message:   fmt.Sprintf("user %s has %d active access key(s) older than 90 days", cfg.UserName, len(stale)),
		Evidence:  evidence,
	}, nil
}

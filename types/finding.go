package types

import (
	"encoding/json"
	"time"
)

// FindingState is the lifecycle state of a finding
type FindingState string

const (
	FindingActive   FindingState = "ACTIVE"
	FindingResolved FindingState = "RESOLVED"
)

// Reasons a finding was resolved without the resource becoming compliant
const (
	ResolvedCompliant       = "COMPLIANT"
	ResolvedPolicySuspended = "POLICY_SUSPENDED"
	ResolvedOutOfScope      = "OUT_OF_SCOPE"
	ResolvedResourceGone    = "RESOURCE_GONE"
)

// Finding records one resource violating one policy.
// Identity is the composite key (ARN, PolicyID); there is exactly one
// current record per pair.
type Finding struct {
	ARN            string          `json:"arn"`
	PolicyID       string          `json:"policy_id"`
	AccountService string          `json:"account_service"`
	Severity       int             `json:"severity"`
	State          FindingState    `json:"state"`
	FirstSeen      time.Time       `json:"first_seen"`
	LastEvaluated  time.Time       `json:"last_evaluated"`
	Evidence       json.RawMessage `json:"evidence,omitempty"`
	ResolvedReason string          `json:"resolved_reason,omitempty"`
}

// SeverityLevel buckets a 0-100 severity score
type SeverityLevel string

const (
	SeverityCritical SeverityLevel = "critical" // >= 90
	SeverityHigh     SeverityLevel = "high"     // 50-89
	SeverityMedium   SeverityLevel = "medium"   // 25-49
	SeverityLow      SeverityLevel = "low"      // 0-24
)

// LevelForSeverity maps a numeric severity to its band
func LevelForSeverity(severity int) SeverityLevel {
	switch {
	case severity >= 90:
		return SeverityCritical
	case severity >= 50:
		return SeverityHigh
	case severity >= 25:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// FindingFilter narrows finding queries. Severity is a minimum: findings
// at or above it pass.
type FindingFilter struct {
	AccountID string       `json:"account_id,omitempty"`
	PolicyID  string       `json:"policy_id,omitempty"`
	State     FindingState `json:"state,omitempty"`
	Severity  *int         `json:"severity,omitempty"`
}

// Matches reports whether a finding passes the filter
func (f FindingFilter) Matches(finding Finding) bool {
	if f.AccountID != "" && finding.AccountService != "" {
		account, _ := SplitAccountService(finding.AccountService)
		if account != f.AccountID {
			return false
		}
	}
	if f.PolicyID != "" && finding.PolicyID != f.PolicyID {
		return false
	}
	if f.State != "" && finding.State != f.State {
		return false
	}
	if f.Severity != nil && finding.Severity < *f.Severity {
		return false
	}
	return true
}

// Evaluation is the outcome of running one policy check against one resource
type Evaluation struct {
	Compliant bool            `json:"compliant"`
	Message   string          `json:"message"`
	Evidence  json.RawMessage `json:"evidence,omitempty"`
}

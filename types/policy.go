package types

import "time"

// PolicyStatus is the activation state of a launched policy
type PolicyStatus string

const (
	PolicyActive    PolicyStatus = "active"
	PolicySuspended PolicyStatus = "suspended"
)

// PolicyDefinition is immutable, code-supplied policy metadata.
// Definitions live in the catalog; launching one activates it.
type PolicyDefinition struct {
	PolicyID    string `json:"policy_id"`
	Description string `json:"description"`
	Service     string `json:"service"`
	Category    string `json:"category"`
	Severity    int    `json:"severity"`
	Remediation string `json:"remediation"`
}

// LaunchedPolicy is a PolicyDefinition activated for evaluation,
// with customer scope and optional overrides.
type LaunchedPolicy struct {
	PolicyID            string       `json:"policy_id"`
	Status              PolicyStatus `json:"status"`
	Scope               Scope        `json:"scope"`
	SeverityOverride    *int         `json:"severity_override,omitempty"`
	RemediationOverride string       `json:"remediation_override,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// EffectiveSeverity resolves the severity for findings: the customer
// override if set, otherwise the definition default.
func (p LaunchedPolicy) EffectiveSeverity(def PolicyDefinition) int {
	if p.SeverityOverride != nil {
		return *p.SeverityOverride
	}
	return def.Severity
}

// EffectiveRemediation resolves remediation guidance the same way.
func (p LaunchedPolicy) EffectiveRemediation(def PolicyDefinition) string {
	if p.RemediationOverride != "" {
		return p.RemediationOverride
	}
	return def.Remediation
}

package summary

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/yairfalse/vahti/policy"
	"github.com/yairfalse/vahti/types"
)

// DashboardSummary is the top-level posture view
type DashboardSummary struct {
	TotalResources   int                         `json:"total_resources"`
	TotalAccounts    int                         `json:"total_accounts"`
	LaunchedPolicies int                         `json:"launched_policies"`
	OpenFindings     int                         `json:"open_findings"`
	ResolvedFindings int                         `json:"resolved_findings"`
	BySeverity       map[types.SeverityLevel]int `json:"by_severity"`
	ByPolicy         []PolicyBreakdown           `json:"by_policy"`
}

// PolicyBreakdown is one policy's row in the dashboard, ordered by severity
// then by open findings
type PolicyBreakdown struct {
	PolicyID     string `json:"policy_id"`
	Severity     int    `json:"severity"`
	OpenFindings int    `json:"open_findings"`
}

// FindingsSummary breaks findings down by state, severity band, and policy
type FindingsSummary struct {
	Open       int                         `json:"open"`
	Resolved   int                         `json:"resolved"`
	BySeverity map[types.SeverityLevel]int `json:"by_severity"`
	ByPolicy   map[string]int              `json:"by_policy"`
	ByAccount  map[string]int              `json:"by_account"`
}

// ResourcesSummary breaks the inventory down by service and account
type ResourcesSummary struct {
	Total     int            `json:"total"`
	ByService map[string]int `json:"by_service"`
	ByAccount map[string]int `json:"by_account"`
}

func (s *Service) computeDashboard(ctx context.Context, accountID string) (json.RawMessage, error) {
	dashboard := DashboardSummary{
		BySeverity: make(map[types.SeverityLevel]int),
	}

	accounts := make(map[string]struct{})
	err := s.forEachResource(accountID, func(resource *types.Resource) {
		dashboard.TotalResources++
		accounts[resource.AccountID()] = struct{}{}
	})
	if err != nil {
		return nil, err
	}
	dashboard.TotalAccounts = len(accounts)

	launched, err := s.store.ListPolicies("")
	if err != nil {
		return nil, err
	}
	dashboard.LaunchedPolicies = len(launched)

	severityByPolicy := make(map[string]int)
	for _, lp := range launched {
		def, _ := policy.Definition(lp.PolicyID)
		severityByPolicy[lp.PolicyID] = lp.EffectiveSeverity(def)
	}

	openByPolicy := make(map[string]int)
	err = s.forEachFinding(accountID, func(finding *types.Finding) {
		if finding.State == types.FindingActive {
			dashboard.OpenFindings++
			dashboard.BySeverity[types.LevelForSeverity(finding.Severity)]++
			openByPolicy[finding.PolicyID]++
		} else {
			dashboard.ResolvedFindings++
		}
	})
	if err != nil {
		return nil, err
	}

	for policyID, severity := range severityByPolicy {
		dashboard.ByPolicy = append(dashboard.ByPolicy, PolicyBreakdown{
			PolicyID:     policyID,
			Severity:     severity,
			OpenFindings: openByPolicy[policyID],
		})
	}
	sort.Slice(dashboard.ByPolicy, func(i, j int) bool {
		a, b := dashboard.ByPolicy[i], dashboard.ByPolicy[j]
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		if a.OpenFindings != b.OpenFindings {
			return a.OpenFindings > b.OpenFindings
		}
		return a.PolicyID < b.PolicyID
	})

	return json.Marshal(dashboard)
}

func (s *Service) computeFindings(ctx context.Context, accountID string) (json.RawMessage, error) {
	findings := FindingsSummary{
		BySeverity: make(map[types.SeverityLevel]int),
		ByPolicy:   make(map[string]int),
		ByAccount:  make(map[string]int),
	}

	err := s.forEachFinding(accountID, func(finding *types.Finding) {
		if finding.State != types.FindingActive {
			findings.Resolved++
			return
		}
		findings.Open++
		findings.BySeverity[types.LevelForSeverity(finding.Severity)]++
		findings.ByPolicy[finding.PolicyID]++
		account, _ := types.SplitAccountService(finding.AccountService)
		findings.ByAccount[account]++
	})
	if err != nil {
		return nil, err
	}

	return json.Marshal(findings)
}

func (s *Service) computeResources(ctx context.Context, accountID string) (json.RawMessage, error) {
	resources := ResourcesSummary{
		ByService: make(map[string]int),
		ByAccount: make(map[string]int),
	}

	err := s.forEachResource(accountID, func(resource *types.Resource) {
		resources.Total++
		resources.ByService[resource.Service()]++
		resources.ByAccount[resource.AccountID()]++
	})
	if err != nil {
		return nil, err
	}

	return json.Marshal(resources)
}

func (s *Service) forEachResource(accountID string, visit func(*types.Resource)) error {
	token := ""
	for {
		page, err := s.store.ListResources(types.ResourceFilter{AccountID: accountID}, 100, token)
		if err != nil {
			return err
		}
		for i := range page.Resources {
			visit(&page.Resources[i])
		}
		if page.NextToken == "" {
			return nil
		}
		token = page.NextToken
	}
}

func (s *Service) forEachFinding(accountID string, visit func(*types.Finding)) error {
	token := ""
	for {
		page, err := s.store.QueryFindings(types.FindingFilter{AccountID: accountID}, 100, token)
		if err != nil {
			return err
		}
		for i := range page.Findings {
			visit(&page.Findings[i])
		}
		if page.NextToken == "" {
			return nil
		}
		token = page.NextToken
	}
}

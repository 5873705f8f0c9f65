package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/policy"
	"github.com/yairfalse/vahti/storage"
	"github.com/yairfalse/vahti/types"
)

var (
	policyListFilter       string
	policyIncludeAccounts  []string
	policyExcludeAccounts  []string
	policyIncludeTags      []string
	policyExcludeTags      []string
	policySeverityOverride int
	policyRemediation      string
)

// policyCmd groups policy lifecycle subcommands
var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Launch, inspect, and manage security policies",
	Long: `Manage the security policies Vahti evaluates.

Policies ship with Vahti as a built-in catalog. Launching a policy
activates it: every in-scope resource is evaluated immediately and on
every subsequent change and sweep. Suspending a policy resolves its
findings as POLICY_SUSPENDED; deleting it removes them entirely.`,
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List policies",
	Example: `  vahti policy list                  # All launched policies
  vahti policy list --filter active     # Only active policies
  vahti policy list --filter available  # Catalog policies not yet launched`,
	RunE: runPolicyList,
}

var policyLaunchCmd = &cobra.Command{
	Use:   "launch <policy-id>",
	Short: "Launch a policy and evaluate the existing inventory",
	Example: `  vahti policy launch S3BucketPublic
  vahti policy launch IAMUserMFADisabled --include-accounts 123456789012
  vahti policy launch EC2UnencryptedEBS --include-tags env=prod --severity 80`,
	Args: cobra.ExactArgs(1),
	RunE: runPolicyLaunch,
}

var policyUpdateCmd = &cobra.Command{
	Use:   "update <policy-id>",
	Short: "Update a launched policy's scope or severity",
	Example: `  vahti policy update S3BucketPublic --include-tags env=prod
  vahti policy update RDSPublicAccess --severity 95`,
	Args: cobra.ExactArgs(1),
	RunE: runPolicyUpdate,
}

var policySuspendCmd = &cobra.Command{
	Use:   "suspend <policy-id>",
	Short: "Suspend a policy and resolve its findings",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicySuspend,
}

var policyDeleteCmd = &cobra.Command{
	Use:   "delete <policy-id>",
	Short: "Delete a policy and purge its findings",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyDelete,
}

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyListCmd, policyLaunchCmd, policyUpdateCmd, policySuspendCmd, policyDeleteCmd)

	policyListCmd.Flags().StringVarP(&policyListFilter, "filter", "f", "all", "Filter: all, active, suspended, available")

	for _, cmd := range []*cobra.Command{policyLaunchCmd, policyUpdateCmd} {
		cmd.Flags().StringSliceVar(&policyIncludeAccounts, "include-accounts", nil, "Restrict to these account IDs")
		cmd.Flags().StringSliceVar(&policyExcludeAccounts, "exclude-accounts", nil, "Exclude these account IDs")
		cmd.Flags().StringSliceVar(&policyIncludeTags, "include-tags", nil, "Require tag values, key=value (repeatable)")
		cmd.Flags().StringSliceVar(&policyExcludeTags, "exclude-tags", nil, "Exclude tag values, key=value (repeatable)")
		cmd.Flags().IntVar(&policySeverityOverride, "severity", -1, "Override the catalog severity (0-100)")
		cmd.Flags().StringVar(&policyRemediation, "remediation", "", "Override the remediation guidance")
	}
}

func runPolicyList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newLocalApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if policyListFilter == "available" {
		return printAvailablePolicies(a)
	}

	var status types.PolicyStatus
	switch policyListFilter {
	case "all":
	case "active":
		status = types.PolicyActive
	case "suspended":
		status = types.PolicySuspended
	default:
		return fmt.Errorf("unknown filter %q", policyListFilter)
	}

	launched, err := a.store.ListPolicies(status)
	if err != nil {
		return err
	}
	if len(launched) == 0 {
		fmt.Println("No policies launched. Run 'vahti policy list --filter available' to see the catalog.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "POLICY\tSTATUS\tSEVERITY\tLAUNCHED")
	for _, lp := range launched {
		def, _ := policy.Definition(lp.PolicyID)
		fmt.Fprintf(w, "%s\t%s\t%d (%s)\t%s\n",
			lp.PolicyID, lp.Status,
			lp.EffectiveSeverity(def), types.LevelForSeverity(lp.EffectiveSeverity(def)),
			lp.CreatedAt.Format("2006-01-02"))
	}
	return w.Flush()
}

func printAvailablePolicies(a *app) error {
	launched, err := a.store.ListPolicies("")
	if err != nil {
		return err
	}
	active := make(map[string]bool, len(launched))
	for _, lp := range launched {
		active[lp.PolicyID] = true
	}

	w := tabwriter.NewWriter(rootCmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "POLICY\tSERVICE\tSEVERITY\tDESCRIPTION")
	for _, def := range policy.Catalog() {
		if active[def.PolicyID] {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%d (%s)\t%s\n",
			def.PolicyID, def.Service, def.Severity, types.LevelForSeverity(def.Severity), def.Description)
	}
	return w.Flush()
}

func runPolicyLaunch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	scope, err := scopeFromFlags()
	if err != nil {
		return err
	}
	launched := types.LaunchedPolicy{
		PolicyID:            args[0],
		Scope:               *scope,
		RemediationOverride: policyRemediation,
	}
	if policySeverityOverride >= 0 {
		launched.SeverityOverride = &policySeverityOverride
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.reconciler.LaunchPolicy(ctx, launched)
	if err != nil {
		return fmt.Errorf("launch %s: %w", args[0], err)
	}

	fmt.Printf("Policy %s launched\n", args[0])
	fmt.Printf("  Bootstrap: %d resources evaluated, %d findings opened\n",
		result.Processed, result.FindingsOpened)
	return nil
}

func runPolicyUpdate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	update := storage.PolicyUpdate{}
	if cmd.Flags().Changed("include-accounts") || cmd.Flags().Changed("exclude-accounts") ||
		cmd.Flags().Changed("include-tags") || cmd.Flags().Changed("exclude-tags") {
		scope, err := scopeFromFlags()
		if err != nil {
			return err
		}
		update.Scope = scope
	}
	if cmd.Flags().Changed("severity") {
		update.Severity = &policySeverityOverride
	}
	if cmd.Flags().Changed("remediation") {
		update.Remediation = &policyRemediation
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.reconciler.UpdatePolicy(ctx, args[0], update); err != nil {
		return fmt.Errorf("update %s: %w", args[0], err)
	}
	fmt.Printf("Policy %s updated\n", args[0])
	return nil
}

func runPolicySuspend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newLocalApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	resolved, err := a.reconciler.SuspendPolicy(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("suspend %s: %w", args[0], err)
	}
	fmt.Printf("Policy %s suspended, %d findings resolved as POLICY_SUSPENDED\n", args[0], resolved)
	return nil
}

func runPolicyDelete(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newLocalApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	purged, err := a.reconciler.DeletePolicy(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("delete %s: %w", args[0], err)
	}
	fmt.Printf("Policy %s deleted, %d findings purged\n", args[0], purged)
	return nil
}

// scopeFromFlags builds a scope from the repeated key=value tag flags
func scopeFromFlags() (*types.Scope, error) {
	includeTags, err := parseTagFlags(policyIncludeTags)
	if err != nil {
		return nil, err
	}
	excludeTags, err := parseTagFlags(policyExcludeTags)
	if err != nil {
		return nil, err
	}
	return &types.Scope{
		IncludeAccounts: policyIncludeAccounts,
		ExcludeAccounts: policyExcludeAccounts,
		IncludeTags:     includeTags,
		ExcludeTags:     excludeTags,
	}, nil
}

func parseTagFlags(pairs []string) (map[string][]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	tags := make(map[string][]string)
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid tag %q, expected key=value", pair)
		}
		tags[key] = append(tags[key], value)
	}
	return tags, nil
}

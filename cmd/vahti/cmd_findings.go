package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/types"
)

var (
	findingsAccount  string
	findingsPolicy   string
	findingsState    string
	findingsSeverity int
	findingsOutput   string
	findingsLimit    int
)

// findingsCmd represents the findings command
var findingsCmd = &cobra.Command{
	Use:   "findings",
	Short: "List policy findings",
	Long: `List findings from the local store.

A finding ties one resource to one violated policy. Active findings
are current violations; resolved findings carry the reason they were
closed (COMPLIANT, POLICY_SUSPENDED, OUT_OF_SCOPE, RESOURCE_GONE).`,
	Example: `  vahti findings                            # All active findings
  vahti findings --state RESOLVED           # Resolved findings
  vahti findings --policy S3BucketPublic    # One policy
  vahti findings --account 123456789012     # One account
  vahti findings --min-severity 90          # Critical only
  vahti findings --output json              # Machine-readable`,
	RunE: runFindings,
}

func init() {
	rootCmd.AddCommand(findingsCmd)

	findingsCmd.Flags().StringVar(&findingsAccount, "account", "", "Filter by account ID")
	findingsCmd.Flags().StringVar(&findingsPolicy, "policy", "", "Filter by policy ID")
	findingsCmd.Flags().StringVar(&findingsState, "state", "ACTIVE", "Filter by state: ACTIVE, RESOLVED, all")
	findingsCmd.Flags().IntVar(&findingsSeverity, "min-severity", 0, "Only findings at or above this severity")
	findingsCmd.Flags().StringVarP(&findingsOutput, "output", "o", "table", "Output format: table, json")
	findingsCmd.Flags().IntVar(&findingsLimit, "limit", 100, "Maximum findings per page")
}

func runFindings(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newLocalApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	filter := types.FindingFilter{
		AccountID: findingsAccount,
		PolicyID:  findingsPolicy,
	}
	switch findingsState {
	case "all":
	case string(types.FindingActive), string(types.FindingResolved):
		filter.State = types.FindingState(findingsState)
	default:
		return fmt.Errorf("unknown state %q", findingsState)
	}
	if findingsSeverity > 0 {
		filter.Severity = &findingsSeverity
	}

	var findings []types.Finding
	pageToken := ""
	for {
		page, err := a.store.QueryFindings(filter, findingsLimit, pageToken)
		if err != nil {
			return err
		}
		findings = append(findings, page.Findings...)
		if page.NextToken == "" {
			break
		}
		pageToken = page.NextToken
	}

	if findingsOutput == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(findings)
	}

	if len(findings) == 0 {
		fmt.Println("No findings match.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEVERITY\tSTATE\tPOLICY\tRESOURCE\tFIRST SEEN\tREASON")
	for _, f := range findings {
		fmt.Fprintf(w, "%d (%s)\t%s\t%s\t%s\t%s\t%s\n",
			f.Severity, types.LevelForSeverity(f.Severity),
			f.State, f.PolicyID, f.ARN,
			f.FirstSeen.Format("2006-01-02 15:04"),
			f.ResolvedReason)
	}
	return w.Flush()
}

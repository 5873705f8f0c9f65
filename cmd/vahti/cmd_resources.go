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
	resourcesAccount string
	resourcesService string
	resourcesOutput  string
	resourcesLimit   int
)

// resourcesCmd represents the resources command
var resourcesCmd = &cobra.Command{
	Use:   "resources",
	Short: "List the resource inventory",
	Long: `List resource snapshots from the local inventory.

The inventory holds the latest observed configuration of every resource
Vahti has seen, keyed by account and service. Tombstoned resources are
excluded.`,
	Example: `  vahti resources                        # Everything
  vahti resources --service s3           # One service
  vahti resources --account 123456789012 # One account
  vahti resources --output json          # Machine-readable`,
	RunE: runResources,
}

func init() {
	rootCmd.AddCommand(resourcesCmd)

	resourcesCmd.Flags().StringVar(&resourcesAccount, "account", "", "Filter by account ID")
	resourcesCmd.Flags().StringVar(&resourcesService, "service", "", "Filter by service (s3, iam, ec2, rds)")
	resourcesCmd.Flags().StringVarP(&resourcesOutput, "output", "o", "table", "Output format: table, json")
	resourcesCmd.Flags().IntVar(&resourcesLimit, "limit", 100, "Maximum resources per page")
}

func runResources(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newLocalApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	filter := types.ResourceFilter{
		AccountID: resourcesAccount,
		Service:   resourcesService,
	}

	var resources []types.Resource
	pageToken := ""
	for {
		page, err := a.store.ListResources(filter, resourcesLimit, pageToken)
		if err != nil {
			return err
		}
		resources = append(resources, page.Resources...)
		if page.NextToken == "" {
			break
		}
		pageToken = page.NextToken
	}

	if resourcesOutput == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(resources)
	}

	if len(resources) == 0 {
		fmt.Println("No resources in inventory. Run 'vahti sweep' to populate it.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tSERVICE\tRESOURCE\tOBSERVED")
	for _, r := range resources {
		account, service := types.SplitAccountService(r.AccountService)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			account, service, r.ARN, r.DescribeTime.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

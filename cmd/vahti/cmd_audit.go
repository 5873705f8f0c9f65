package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/wal"
)

var (
	auditSince time.Duration
	auditType  string
)

// auditCmd represents the audit command
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit log",
	Long: `Inspect the append-only audit log of evaluation activity.

Without flags, prints on-disk statistics for the log. With --since,
replays entries from the retention window as JSON lines, oldest first.`,
	Example: `  vahti audit                       # Log statistics
  vahti audit --since 24h           # Entries from the last day
  vahti audit --since 1h --type opened`,
	RunE: runAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.Flags().DurationVar(&auditSince, "since", 0, "Replay entries newer than this age")
	auditCmd.Flags().StringVar(&auditType, "type", "", "Only entries of this type")
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if auditSince <= 0 {
		return printAuditStats(cfg.Storage.AuditDir)
	}

	encoder := json.NewEncoder(os.Stdout)
	cutoff := time.Now().UTC().Add(-auditSince)
	return wal.Replay(cfg.Storage.AuditDir, wal.DefaultConfig(), cutoff, func(entry *wal.Entry) error {
		if auditType != "" && string(entry.Type) != auditType {
			return nil
		}
		return encoder.Encode(entry)
	})
}

func printAuditStats(dir string) error {
	stats := wal.GetStatsFromDir(dir, wal.DefaultConfig())
	if stats.TotalFiles == 0 {
		fmt.Println("No audit log files found.")
		return nil
	}

	fmt.Printf("Audit log in %s\n", dir)
	fmt.Printf("  Files: %d  Size: %d bytes\n", stats.TotalFiles, stats.TotalSizeBytes)
	fmt.Printf("  Oldest: %s\n", stats.OldestFile.Format("2006-01-02 15:04:05"))
	fmt.Printf("  Newest: %s\n", stats.NewestFile.Format("2006-01-02 15:04:05"))
	return nil
}

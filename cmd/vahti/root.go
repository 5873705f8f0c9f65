package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/config"
	"github.com/yairfalse/vahti/telemetry"
)

var (
	version    = "0.1.0"
	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "vahti",
		Short: "Cloud Security Posture Engine",
		Long: `Vahti - Cloud Security Posture Engine

Vahti continuously evaluates your cloud resources against launched
security policies. It keeps a local inventory of resource snapshots,
opens findings when resources violate policy, and resolves them when
the resource becomes compliant, leaves scope, or disappears.

No agents, no remote state: point it at your accounts and launch policies.`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if logLevel != "" {
				telemetry.SetLevel(logLevel)
			}
		},
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Vahti {{.Version}} - Cloud Security Posture Engine
`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "vahti.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, error)")
}

// loadConfig reads the configuration file named by the --config flag
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	if logLevel == "" {
		telemetry.SetLevel(cfg.Logging.Level)
	}
	return cfg, nil
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/hco/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hco",
	Short: "HCO - Hybrid Collection Orchestrator",
	Long: `HCO is an eDiscovery collection control plane: it routes
custodian collection requests between a synchronous per-item path and
an asynchronous sharded bulk pipeline, tracks chain of custody end to
end, and reconciles what was collected against what a source system
reports.

Run with no flags to serve the Control API and worker pool. Pass
--reconcile to run a one-shot reconciliation from the command line
instead.`,
	Version: Version,
	Args:    cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reconcileMode, _ := cmd.Flags().GetBool("reconcile")
		if !reconcileMode {
			if len(args) > 0 {
				return fmt.Errorf("unexpected arguments %v (did you mean --reconcile?)", args)
			}
			return runServe(cmd)
		}

		if len(args) != 4 {
			return fmt.Errorf("--reconcile requires exactly 4 arguments: <custodian> <job_id> <source_path> <collected_path>")
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		return runReconcileCLI(cmd, args[0], args[1], args[2], args[3], dryRun)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"hco version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file (optional; env vars and defaults apply regardless)")

	rootCmd.Flags().Bool("reconcile", false, "Run a single reconciliation instead of serving the Control API")
	rootCmd.Flags().Bool("dry-run", false, "With --reconcile, compute the gate result but write no report artifact")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

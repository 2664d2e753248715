package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/hco/pkg/artifact"
	"github.com/cuemby/hco/pkg/clockid"
	"github.com/cuemby/hco/pkg/config"
	"github.com/cuemby/hco/pkg/log"
	"github.com/cuemby/hco/pkg/reconcile"
	"github.com/cuemby/hco/pkg/store"
)

// runReconcileCLI implements the single-binary alternative to the
// Control API's POST /jobs/{id}/reconcile, per spec §6's CLI mode. It
// opens the same Postgres MetadataStore and filesystem reports store a
// served deployment would use, runs one reconciliation, prints the gate
// result, and exits 0 iff overall_passed, 1 otherwise.
func runReconcileCLI(cmd *cobra.Command, custodian, jobIDArg, sourcePath, collectedPath string, dryRun bool) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	jobID, err := strconv.ParseInt(jobIDArg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid job_id %q: %w", jobIDArg, err)
	}

	logger := log.WithComponent("reconcile-cli")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pg, err := store.Open(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pg.Close()

	reports, err := artifact.NewFilesystemStore(cfg.Reconcile.ReportsDir)
	if err != nil {
		return fmt.Errorf("open reconcile reports store: %w", err)
	}

	rec := reconcile.New(pg, reports, clockid.SystemClock{})
	recCfg := toReconcileConfig(cfg.Reconcile, dryRun)

	result, err := rec.Run(ctx, jobID, sourcePath, collectedPath, custodian, recCfg, clockid.UUIDGenerator{}.NewID())
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	for _, w := range result.Warnings {
		logger.Warn().Msg(w)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cardinality=%v extras=%v size=%v hash=%v overall=%v\n",
		result.CardinalityPassed, result.ExtrasPassed, result.SizePassed, result.HashPassed, result.OverallPassed)
	fmt.Fprintf(cmd.OutOrStdout(), "source=%d collected=%d missed=%d extras=%d hash_mismatches=%d\n",
		result.SourceCount, result.CollectedCount, result.MissedCount, result.ExtrasCount, result.HashMismatchCount)
	if result.ReportPath != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "report=%s\n", result.ReportPath)
	}

	if !result.OverallPassed {
		os.Exit(1)
	}
	return nil
}

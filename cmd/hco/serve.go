package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/hco/pkg/api"
	"github.com/cuemby/hco/pkg/artifact"
	"github.com/cuemby/hco/pkg/checkpoint"
	"github.com/cuemby/hco/pkg/clockid"
	"github.com/cuemby/hco/pkg/config"
	"github.com/cuemby/hco/pkg/jobcontrol"
	"github.com/cuemby/hco/pkg/log"
	"github.com/cuemby/hco/pkg/manifest"
	"github.com/cuemby/hco/pkg/reconcile"
	"github.com/cuemby/hco/pkg/router"
	"github.com/cuemby/hco/pkg/scheduler"
	"github.com/cuemby/hco/pkg/store"
	"github.com/cuemby/hco/pkg/worker"
)

// runServe wires every component and runs the Control API plus the
// shard-execution worker pool until an interrupt or a fatal listener
// error arrives.
func runServe(cmd *cobra.Command) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := log.WithComponent("hco")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pg, err := store.Open(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}

	artifacts, err := artifact.NewFilesystemStore(cfg.Storage.Root)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}
	reports, err := artifact.NewFilesystemStore(cfg.Reconcile.ReportsDir)
	if err != nil {
		return fmt.Errorf("open reconcile reports store: %w", err)
	}

	clock := clockid.SystemClock{}
	ids := clockid.UUIDGenerator{}

	signer, err := loadManifestSigner(cfg.Manifest)
	if err != nil {
		return fmt.Errorf("load manifest signer: %w", err)
	}

	manifests := manifest.New(pg, artifacts, ids, clock, signer, cfg.Manifest)
	reconciler := reconcile.New(pg, reports, clock)

	estimator := volumeEstimator()
	controller := jobcontrol.New(pg, clock, cfg.AutoRouter, cfg.Shard, estimator, unlimitedQuota, noProfile, manifests, reconciler)

	sched := scheduler.New(pg, cfg.Scheduler)
	sched.Start()
	defer sched.Stop()

	checkpoints := checkpoint.New(pg)

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "hco-worker"
	}
	pool := worker.New(hostname, sched, checkpoints, unconfiguredCollectorResolver{}, controller, cfg.Worker)
	pool.Start()
	defer pool.Stop()

	deps := api.Dependencies{
		Jobs:            controller,
		Scheduler:       sched,
		Shards:          pg,
		Manifests:       manifests,
		ManifestRows:    pg,
		Artifacts:       artifacts,
		ReconcileConfig: toReconcileConfig(cfg.Reconcile, false),
	}
	server := api.NewServer(deps)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.ListenAddr).Msg("starting control api")
		if err := server.Start(cfg.Server.ListenAddr); err != nil {
			errCh <- fmt.Errorf("control api: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("control api failed")
		return err
	}

	if err := server.Stop(); err != nil {
		logger.Warn().Err(err).Msg("control api shutdown error")
	}
	return nil
}

// toReconcileConfig adapts the config-file ReconcileConfig into the
// pkg/reconcile package's own Config shape, which carries a per-call
// DryRun flag the persisted config does not.
func toReconcileConfig(c config.ReconcileConfig, dryRun bool) reconcile.Config {
	return reconcile.Config{
		SizeTolerancePct:  c.SizeTolerancePct,
		ExtraTolerancePct: c.ExtraTolerancePct,
		RequireHashMatch:  c.RequireHashMatch,
		NormalizePaths:    c.NormalizePaths,
		IncludeFolders:    c.IncludeFolders,
		DryRun:            dryRun,
	}
}

// unlimitedQuota is the QuotaLookup used when no separate quota/billing
// store is configured: every matter is treated as having effectively
// unlimited headroom, so AutoRouter decisions turn purely on the
// configured byte/item thresholds rather than tenant consumption.
func unlimitedQuota(ctx context.Context, matterID int64) (router.Quota, error) {
	const unlimited = int64(1) << 62
	return router.Quota{LimitBytes: unlimited, LimitItems: unlimited}, nil
}

// noProfile is the ProfileLookup used when no per-custodian volume
// history is tracked; Decide falls back to its own conservative
// bytes/items-per-day estimate in that case.
func noProfile(ctx context.Context, custodianEmail string) (*router.Profile, error) {
	return nil, nil
}

// volumeEstimator backs the Shard Planner's per-window sizing with the
// same conservative bytes/items-per-day rate pkg/router falls back to
// when no per-custodian profile is available, so planner output and
// AutoRouter estimates agree absent better data.
func volumeEstimator() func(custodian string, start, end time.Time) (int64, int64) {
	const bytesPerDay = 50 * 1024 * 1024
	const itemsPerDay = 40
	return func(custodian string, start, end time.Time) (int64, int64) {
		days := end.Sub(start).Hours() / 24
		if days < 1 {
			days = 1
		}
		return int64(days * bytesPerDay), int64(days * itemsPerDay)
	}
}

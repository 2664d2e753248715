package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/cuemby/hco/pkg/checkpoint"
	"github.com/cuemby/hco/pkg/collector"
	"github.com/cuemby/hco/pkg/config"
	"github.com/cuemby/hco/pkg/jobcontrol"
	"github.com/cuemby/hco/pkg/log"
	"github.com/cuemby/hco/pkg/types"
)

// Scheduler is the slice of pkg/scheduler.Scheduler the Pool needs to
// claim, heartbeat, and settle shards.
type Scheduler interface {
	ClaimNext(ctx context.Context, workerID string) (*types.Shard, error)
	Extend(ctx context.Context, shardID int64, leaseToken string) error
	HeartbeatInterval() time.Duration
	Complete(ctx context.Context, shardID int64, leaseToken string) error
	Retry(ctx context.Context, shardID int64, leaseToken string, reason string) (bool, error)
}

// Finalizer is the slice of pkg/jobcontrol.Controller the Pool calls once
// a shard reaches a terminal state, so the parent Job can be finalized
// as soon as every one of its shards is done.
type Finalizer interface {
	TryFinalize(ctx context.Context, jobID int64, correlationID string) (*jobcontrol.Outcome, error)
}

// CollectorResolver picks the collector.Collector back-end for shard's
// route. Returning an error fails the shard's Collect attempt without
// claiming a retry budget it never got to spend.
type CollectorResolver interface {
	Resolve(shard *types.Shard) (collector.Collector, error)
}

// CollectorResolverFunc adapts a plain function to a CollectorResolver.
type CollectorResolverFunc func(shard *types.Shard) (collector.Collector, error)

// Resolve implements CollectorResolver.
func (f CollectorResolverFunc) Resolve(shard *types.Shard) (collector.Collector, error) {
	return f(shard)
}

// Pool is a bounded worker pool that polls the Scheduler for ready
// shards and executes them against the resolved collector back-end,
// heartbeating the lease for as long as Collect runs.
type Pool struct {
	id         string
	scheduler  Scheduler
	checkpoint *checkpoint.Engine
	resolver   CollectorResolver
	finalizer  Finalizer
	cfg        config.WorkerConfig
	logger     zerolog.Logger

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New builds a Pool. id identifies this process to the Scheduler as the
// assigned_worker_id; callers typically pass a hostname-derived value.
func New(id string, scheduler Scheduler, checkpoints *checkpoint.Engine, resolver CollectorResolver, finalizer Finalizer, cfg config.WorkerConfig) *Pool {
	max := cfg.MaxConcurrentShards
	if max < 1 {
		max = 1
	}
	return &Pool{
		id:         id,
		scheduler:  scheduler,
		checkpoint: checkpoints,
		resolver:   resolver,
		finalizer:  finalizer,
		cfg:        cfg,
		logger:     log.WithComponent("worker"),
		sem:        semaphore.NewWeighted(int64(max)),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the poll loop in the background.
func (p *Pool) Start() {
	p.wg.Add(1)
	go p.pollLoop()
}

// Stop signals the poll loop to exit and waits for every in-flight shard
// to finish its current Collect call before returning.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pool) pollLoop() {
	defer p.wg.Done()

	poll := time.Duration(p.cfg.PollIntervalMs) * time.Millisecond
	backoff := time.Duration(p.cfg.ClaimEmptyBackoffMs) * time.Millisecond
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if !p.sem.TryAcquire(1) {
				continue // every slot busy, wait for the next tick
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			shard, err := p.scheduler.ClaimNext(ctx, p.id)
			cancel()
			if err != nil {
				p.sem.Release(1)
				p.logger.Error().Err(err).Msg("claim failed")
				continue
			}
			if shard == nil {
				p.sem.Release(1)
				ticker.Reset(poll + backoff)
				continue
			}
			ticker.Reset(poll)

			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				defer p.sem.Release(1)
				p.runShard(shard)
			}()
		}
	}
}

// runShard drives one shard's Collect call end to end: resolve the
// back-end, build its resume set, heartbeat the lease while collecting,
// and settle the shard via Complete or Retry.
func (p *Pool) runShard(shard *types.Shard) {
	ctx := context.Background()
	correlationID := uuid.NewString()
	logger := p.logger.With().Int64("shard_id", shard.ID).Int64("job_id", shard.ParentJobID).Str("correlation_id", correlationID).Logger()

	drv, err := p.resolver.Resolve(shard)
	if err != nil {
		logger.Error().Err(err).Msg("no collector for shard route")
		p.settle(ctx, shard, collector.CollectionResult{OK: false, Error: err.Error()}, logger)
		return
	}

	resumeSet, err := p.checkpoint.ResumeSet(ctx, shard.ID)
	if err != nil {
		logger.Error().Err(err).Msg("resume set lookup failed")
		p.settle(ctx, shard, collector.CollectionResult{OK: false, Error: err.Error()}, logger)
		return
	}
	validation, err := p.checkpoint.Validate(ctx, shard.ID)
	if err != nil {
		logger.Error().Err(err).Msg("checkpoint validation failed")
		p.settle(ctx, shard, collector.CollectionResult{OK: false, Error: err.Error()}, logger)
		return
	}
	if !validation.Valid {
		logger.Warn().Strs("errors", validation.Errors).Msg("invalid checkpoints, restarting shard from scratch")
		resumeSet = nil
	}

	heartbeatStop := make(chan struct{})
	go p.heartbeat(shard, heartbeatStop, logger)

	sink := &checkpointSink{engine: p.checkpoint, shardID: shard.ID, correlationID: correlationID}
	result, err := drv.Collect(ctx, shard, resumeSet, sink)
	close(heartbeatStop)

	if err != nil {
		result = collector.CollectionResult{OK: false, Error: err.Error()}
	}
	p.settle(ctx, shard, result, logger)
}

func (p *Pool) heartbeat(shard *types.Shard, stop <-chan struct{}, logger zerolog.Logger) {
	interval := p.scheduler.HeartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := p.scheduler.Extend(ctx, shard.ID, shard.LeaseToken)
			cancel()
			if err != nil {
				logger.Warn().Err(err).Msg("lease extend failed")
			}
		}
	}
}

func (p *Pool) settle(ctx context.Context, shard *types.Shard, result collector.CollectionResult, logger zerolog.Logger) {
	var settleErr error
	if result.OK {
		settleErr = p.scheduler.Complete(ctx, shard.ID, shard.LeaseToken)
	} else {
		retried, err := p.scheduler.Retry(ctx, shard.ID, shard.LeaseToken, result.Error)
		settleErr = err
		if err == nil && retried {
			logger.Warn().Str("reason", result.Error).Msg("shard requeued for retry")
		}
	}
	if settleErr != nil {
		logger.Error().Err(settleErr).Msg("failed to settle shard outcome")
	}

	if p.finalizer == nil {
		return
	}
	if _, err := p.finalizer.TryFinalize(ctx, shard.ParentJobID, ""); err != nil {
		logger.Error().Err(err).Msg("job finalize check failed")
	}
}

// checkpointSink adapts checkpoint.Engine to collector.ProgressSink,
// persisting item/byte progress to the shard's checkpoints as each
// Collect call reports them.
type checkpointSink struct {
	engine        *checkpoint.Engine
	shardID       int64
	correlationID string
}

// Report implements collector.ProgressSink.
func (s *checkpointSink) Report(ctx context.Context, itemsDelta, bytesDelta int64, checkpoints []collector.CheckpointDelta) error {
	var errs []error
	for _, cd := range checkpoints {
		if cd.CheckpointID == 0 {
			continue
		}
		payload := json.RawMessage(cd.DeltaPayload)
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		if _, err := s.engine.Update(ctx, cd.CheckpointID, payload, cd.ItemsProcessed, cd.BytesProcessed); err != nil {
			errs = append(errs, fmt.Errorf("checkpoint %d: %w", cd.CheckpointID, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Package scheduler implements C6, the Shard Scheduler & Lease Manager:
// it hands exactly one ready shard to exactly one worker at a time and
// recovers shards whose lease expires before completion.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hco/pkg/config"
	"github.com/cuemby/hco/pkg/log"
	"github.com/cuemby/hco/pkg/metrics"
	"github.com/cuemby/hco/pkg/store"
	"github.com/cuemby/hco/pkg/types"
)

// ErrStaleLease is returned by Extend, Release, or Complete when the
// caller no longer holds the shard's current lease.
var ErrStaleLease = errors.New("scheduler: stale lease")

// ShardStore is the slice of pkg/store.MetadataStore the Scheduler
// needs. Declaring it locally lets tests supply a small in-memory fake
// instead of a full MetadataStore implementation.
type ShardStore interface {
	ClaimNextShard(ctx context.Context, workerID string, leaseDuration time.Duration) (*types.Shard, error)
	ExtendLease(ctx context.Context, shardID int64, leaseToken string, leaseDuration time.Duration) error
	ReleaseShard(ctx context.Context, shardID int64, leaseToken string) error
	CompleteShard(ctx context.Context, shardID int64, leaseToken string) error
	RetryShard(ctx context.Context, shardID int64, leaseToken string, lastErr string) (bool, error)
	ReapExpiredLeases(ctx context.Context) (int64, error)
}

// Scheduler is the C6 claim/lease/release/complete/retry surface, plus
// a background reaper for expired leases.
type Scheduler struct {
	store         ShardStore
	leaseDuration time.Duration
	reapInterval  time.Duration
	logger        zerolog.Logger
	stopCh        chan struct{}
}

// New builds a Scheduler over s, sized from cfg.
func New(s ShardStore, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:         s,
		leaseDuration: time.Duration(cfg.LeaseDurationSeconds) * time.Second,
		reapInterval:  time.Duration(cfg.ReapIntervalSeconds) * time.Second,
		logger:        log.WithComponent("scheduler"),
		stopCh:        make(chan struct{}),
	}
}

// ClaimNext returns the next claimable shard for workerID, or nil if
// none is currently available.
func (s *Scheduler) ClaimNext(ctx context.Context, workerID string) (*types.Shard, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	shard, err := s.store.ClaimNextShard(ctx, workerID, s.leaseDuration)
	if err != nil {
		metrics.ShardClaimsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if shard == nil {
		metrics.ShardClaimsTotal.WithLabelValues("empty").Inc()
		return nil, nil
	}
	metrics.ShardClaimsTotal.WithLabelValues("claimed").Inc()
	return shard, nil
}

// Extend renews a held lease; call on a ticker at leaseDuration/3 while
// a shard is actively being worked.
func (s *Scheduler) Extend(ctx context.Context, shardID int64, leaseToken string) error {
	if err := s.store.ExtendLease(ctx, shardID, leaseToken, s.leaseDuration); err != nil {
		if errors.Is(err, store.ErrLeaseMismatch) {
			return ErrStaleLease
		}
		return err
	}
	return nil
}

// HeartbeatInterval is the cadence at which callers should invoke
// Extend while a shard is running: lease_duration / 3, per spec §4.6.
func (s *Scheduler) HeartbeatInterval() time.Duration {
	return s.leaseDuration / 3
}

// Release voluntarily returns a shard to Pending.
func (s *Scheduler) Release(ctx context.Context, shardID int64, leaseToken string) error {
	if err := s.store.ReleaseShard(ctx, shardID, leaseToken); err != nil {
		if errors.Is(err, store.ErrLeaseMismatch) {
			return ErrStaleLease
		}
		return err
	}
	return nil
}

// Complete marks a shard terminal (Completed).
func (s *Scheduler) Complete(ctx context.Context, shardID int64, leaseToken string) error {
	if err := s.store.CompleteShard(ctx, shardID, leaseToken); err != nil {
		if errors.Is(err, store.ErrLeaseMismatch) {
			return ErrStaleLease
		}
		return err
	}
	return nil
}

// Retry transitions a failed shard to Retrying if attempts remain,
// otherwise to Failed. retried reports which branch was taken.
func (s *Scheduler) Retry(ctx context.Context, shardID int64, leaseToken string, reason string) (retried bool, err error) {
	retried, err = s.store.RetryShard(ctx, shardID, leaseToken, reason)
	if err != nil {
		if errors.Is(err, store.ErrLeaseMismatch) {
			return false, ErrStaleLease
		}
		return false, err
	}
	outcome := "retried"
	if !retried {
		outcome = "exhausted"
	}
	metrics.ShardRetriesTotal.WithLabelValues(outcome).Inc()
	return retried, nil
}

// ReapExpired sweeps all shards whose lease expired without being
// extended or completed, returning the number recovered. Idempotent.
func (s *Scheduler) ReapExpired(ctx context.Context) (int64, error) {
	n, err := s.store.ReapExpiredLeases(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.ShardReapedTotal.Add(float64(n))
		s.logger.Warn().Int64("count", n).Msg("reaped expired shard leases")
	}
	return n, nil
}

// Start begins the background reap loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the reap loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := s.ReapExpired(ctx); err != nil {
				s.logger.Error().Err(err).Msg("reap cycle failed")
			}
			cancel()
		case <-s.stopCh:
			return
		}
	}
}

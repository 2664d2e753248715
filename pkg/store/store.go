// Package store implements C3, the MetadataStore: durable state for
// matters, jobs, shards, checkpoints, collected items, job logs, delta
// cursors, and job manifests, backed by Postgres.
package store

import (
	"context"
	"time"

	"github.com/cuemby/hco/pkg/types"
)

// MetadataStore defines the durable-state operations the rest of the
// orchestrator depends on. PostgresStore is the only implementation;
// the interface exists so pkg/jobcontrol, pkg/scheduler, and pkg/api
// can be tested against an in-memory fake.
type MetadataStore interface {
	// Matters
	CreateMatter(ctx context.Context, m *types.Matter) (*types.Matter, error)
	GetMatter(ctx context.Context, id int64) (*types.Matter, error)
	GetMatterByName(ctx context.Context, name string) (*types.Matter, error)
	ListMatters(ctx context.Context) ([]*types.Matter, error)

	// Jobs
	CreateJob(ctx context.Context, job *types.Job) (*types.Job, error)
	GetJob(ctx context.Context, id int64) (*types.Job, error)
	ListJobsByMatter(ctx context.Context, matterID int64) ([]*types.Job, error)
	UpdateJobStatus(ctx context.Context, id int64, status types.JobStatus) error
	UpdateJobRoute(ctx context.Context, id int64, route types.Route) error
	CompleteJob(ctx context.Context, id int64, status types.JobStatus, endedAt time.Time) error
	UpdateJobActuals(ctx context.Context, id int64, actualBytes, actualItems int64, errMsg string) error
	CountJobsByStatus(ctx context.Context) (map[string]int64, error)

	// Shards
	CreateShards(ctx context.Context, shards []*types.Shard) error
	GetShard(ctx context.Context, id int64) (*types.Shard, error)
	ListShardsByJob(ctx context.Context, jobID int64) ([]*types.Shard, error)
	CountShardsByStatus(ctx context.Context) (map[string]int64, error)
	CancelShardsByJob(ctx context.Context, jobID int64) (int64, error)

	// ClaimNextShard atomically claims one Pending, Retrying, or
	// lease-expired Assigned shard for workerID, moving it to Assigned
	// with a fresh lease token and expiry. It returns nil, nil if no
	// claimable shard exists.
	ClaimNextShard(ctx context.Context, workerID string, leaseDuration time.Duration) (*types.Shard, error)
	ExtendLease(ctx context.Context, shardID int64, leaseToken string, leaseDuration time.Duration) error
	ReleaseShard(ctx context.Context, shardID int64, leaseToken string) error
	CompleteShard(ctx context.Context, shardID int64, leaseToken string) error
	RetryShard(ctx context.Context, shardID int64, leaseToken string, lastErr string) (retried bool, err error)
	ReapExpiredLeases(ctx context.Context) (int64, error)
	UpdateShardProgress(ctx context.Context, shardID int64, leaseToken string, processedItems, processedBytes int64, progressPct float64) error

	// Checkpoints
	CreateCheckpoint(ctx context.Context, cp *types.Checkpoint) (*types.Checkpoint, error)
	UpdateCheckpoint(ctx context.Context, cp *types.Checkpoint) error
	GetCheckpoint(ctx context.Context, checkpointID int64) (*types.Checkpoint, error)
	LatestCheckpoint(ctx context.Context, shardID int64) (*types.Checkpoint, error)
	ListCheckpointsByShard(ctx context.Context, shardID int64) ([]*types.Checkpoint, error)

	// Collected items
	RecordCollectedItem(ctx context.Context, shardID int64, item *types.CollectedItem) error
	ListCollectedItemsByJob(ctx context.Context, jobID int64) ([]*types.CollectedItem, error)

	// Job logs
	AppendJobLog(ctx context.Context, entry *types.JobLog) error
	ListJobLogs(ctx context.Context, jobID int64, limit int) ([]*types.JobLog, error)

	// Delta cursors
	GetDeltaCursor(ctx context.Context, scopeID string, deltaType types.DeltaType) (*types.DeltaCursor, error)
	UpsertDeltaCursor(ctx context.Context, cursor *types.DeltaCursor) error

	// Job manifests
	CreateJobManifest(ctx context.Context, m *types.JobManifest) (*types.JobManifest, error)
	GetJobManifestByJobID(ctx context.Context, jobID int64) (*types.JobManifest, error)
	GetJobManifestByManifestID(ctx context.Context, manifestID string) (*types.JobManifest, error)
	SealJobManifest(ctx context.Context, manifestID string, wormPath string, finalizedAt time.Time) error
	SetManifestVerification(ctx context.Context, manifestID string, v types.ManifestVerification) error

	// Close releases the underlying connection pool.
	Close() error
}

// TxFunc is the body of a scoped transaction run through WithTx.
type TxFunc func(ctx context.Context, tx MetadataStore) error

package api

import (
	"context"
	"io"

	"github.com/cuemby/hco/pkg/jobcontrol"
	"github.com/cuemby/hco/pkg/manifest"
	"github.com/cuemby/hco/pkg/reconcile"
	"github.com/cuemby/hco/pkg/router"
	"github.com/cuemby/hco/pkg/types"
)

// JobController is the slice of pkg/jobcontrol.Controller the Control
// API needs for matter and job lifecycle endpoints.
type JobController interface {
	CreateMatter(ctx context.Context, m *types.Matter) (*types.Matter, error)
	ListMatters(ctx context.Context) ([]*types.Matter, error)

	CreateJob(ctx context.Context, req jobcontrol.CreateJobRequest, correlationID string) (*types.Job, router.Decision, error)
	StartJob(ctx context.Context, jobID int64, maxRetries int, correlationID string) (*types.Job, error)
	CompleteManually(ctx context.Context, jobID int64, req jobcontrol.CompleteManuallyRequest, correlationID string) (*types.Job, error)
	IngestItems(ctx context.Context, jobID int64, items []*types.CollectedItem) error
	Reconcile(ctx context.Context, jobID int64, req jobcontrol.ReconcileRequest, cfg reconcile.Config, correlationID string) (reconcile.Result, error)

	GetJob(ctx context.Context, jobID int64) (*types.Job, error)
	ListShards(ctx context.Context, jobID int64) ([]*types.Shard, error)
	ListCheckpoints(ctx context.Context, shardID int64) ([]*types.Checkpoint, error)
}

// Scheduler is the slice of pkg/scheduler.Scheduler the sharded-jobs
// worker-pull endpoints need.
type Scheduler interface {
	ClaimNext(ctx context.Context, workerID string) (*types.Shard, error)
	Release(ctx context.Context, shardID int64, leaseToken string) error
	Complete(ctx context.Context, shardID int64, leaseToken string) error
	Retry(ctx context.Context, shardID int64, leaseToken string, reason string) (bool, error)
	ReapExpired(ctx context.Context) (int64, error)
}

// ShardStore is the slice of pkg/store.MetadataStore the progress
// endpoint needs to read a shard and persist its reported progress.
type ShardStore interface {
	GetShard(ctx context.Context, id int64) (*types.Shard, error)
	UpdateShardProgress(ctx context.Context, shardID int64, leaseToken string, processedItems, processedBytes int64, progressPct float64) error
}

// ManifestGenerator is the slice of pkg/manifest.Generator the custody
// endpoints need.
type ManifestGenerator interface {
	Build(ctx context.Context, jobID int64, correlationID string) (*manifest.Manifest, error)
	Seal(ctx context.Context, manifestID, correlationID string) error
	Verify(ctx context.Context, manifestID string) (types.ManifestVerification, error)
}

// ManifestStore is the slice of pkg/store.MetadataStore the custody
// endpoints need for read-only manifest row lookups.
type ManifestStore interface {
	GetJobManifestByJobID(ctx context.Context, jobID int64) (*types.JobManifest, error)
	GetJobManifestByManifestID(ctx context.Context, manifestID string) (*types.JobManifest, error)
}

// ArtifactReader is the slice of pkg/artifact.Store the manifest
// download endpoint needs to stream a persisted manifest file back.
type ArtifactReader interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// Dependencies bundles everything NewServer needs to wire the Control
// API's handlers. Every field is a narrow interface so tests can supply
// hand-rolled fakes instead of the full concrete types.
type Dependencies struct {
	Jobs      JobController
	Scheduler Scheduler
	Shards    ShardStore
	Manifests ManifestGenerator
	ManifestRows ManifestStore
	Artifacts ArtifactReader

	// ReconcileConfig is the base reconcile tolerance configuration
	// applied to every POST /jobs/{id}/reconcile call.
	ReconcileConfig reconcile.Config
}

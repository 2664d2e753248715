package jobcontrol

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/hco/pkg/clockid"
	"github.com/cuemby/hco/pkg/config"
	"github.com/cuemby/hco/pkg/hcoerr"
	"github.com/cuemby/hco/pkg/manifest"
	"github.com/cuemby/hco/pkg/planner"
	"github.com/cuemby/hco/pkg/reconcile"
	"github.com/cuemby/hco/pkg/router"
	"github.com/cuemby/hco/pkg/types"
)

// Store is the slice of pkg/store.MetadataStore the Job Controller
// needs to drive a job's lifecycle and answer read queries.
type Store interface {
	CreateMatter(ctx context.Context, m *types.Matter) (*types.Matter, error)
	GetMatter(ctx context.Context, id int64) (*types.Matter, error)
	ListMatters(ctx context.Context) ([]*types.Matter, error)

	CreateJob(ctx context.Context, job *types.Job) (*types.Job, error)
	GetJob(ctx context.Context, id int64) (*types.Job, error)
	ListJobsByMatter(ctx context.Context, matterID int64) ([]*types.Job, error)
	UpdateJobStatus(ctx context.Context, id int64, status types.JobStatus) error
	UpdateJobRoute(ctx context.Context, id int64, route types.Route) error
	CompleteJob(ctx context.Context, id int64, status types.JobStatus, endedAt time.Time) error
	UpdateJobActuals(ctx context.Context, id int64, actualBytes, actualItems int64, errMsg string) error

	CreateShards(ctx context.Context, shards []*types.Shard) error
	GetShard(ctx context.Context, id int64) (*types.Shard, error)
	ListShardsByJob(ctx context.Context, jobID int64) ([]*types.Shard, error)
	CancelShardsByJob(ctx context.Context, jobID int64) (int64, error)

	ListCheckpointsByShard(ctx context.Context, shardID int64) ([]*types.Checkpoint, error)
	RecordCollectedItem(ctx context.Context, shardID int64, item *types.CollectedItem) error
	AppendJobLog(ctx context.Context, entry *types.JobLog) error
	ListJobLogs(ctx context.Context, jobID int64, limit int) ([]*types.JobLog, error)
}

// QuotaLookup resolves a matter's current tenant quota for the AutoRouter.
type QuotaLookup func(ctx context.Context, matterID int64) (router.Quota, error)

// ProfileLookup resolves an optional per-custodian volume profile.
type ProfileLookup func(ctx context.Context, custodianEmail string) (*router.Profile, error)

// Controller is C11, the Job Controller: it sequences C4 (AutoRouter),
// C5 (Shard Planner), C9 (Manifest Generator), and C10 (Reconciler)
// around the Job state machine from spec §4.11, and exposes read-only
// status queries over jobs, shards, and checkpoints.
type Controller struct {
	store      Store
	clock      clockid.Clock
	routerCfg  config.AutoRouterConfig
	shardCfg   config.ShardConfig
	estimator  planner.Estimator
	quota      QuotaLookup
	profile    ProfileLookup
	manifests  *manifest.Generator
	reconciler *reconcile.Reconciler
}

// New builds a Controller. estimator feeds the Shard Planner's per-window
// sizing; the AutoRouter's estimate comes from profile, or from the
// router's own date-span fallback when profile returns nil.
func New(s Store, clock clockid.Clock, routerCfg config.AutoRouterConfig, shardCfg config.ShardConfig, estimator planner.Estimator, quota QuotaLookup, profile ProfileLookup, manifests *manifest.Generator, reconciler *reconcile.Reconciler) *Controller {
	return &Controller{
		store: s, clock: clock, routerCfg: routerCfg, shardCfg: shardCfg,
		estimator: estimator, quota: quota, profile: profile,
		manifests: manifests, reconciler: reconciler,
	}
}

// CreateJobRequest is the input to CreateJob, matching spec §6's
// CreateJobRequest body.
type CreateJobRequest struct {
	MatterID           int64
	CustodianEmail     string
	JobType            types.JobType
	Start              time.Time
	End                time.Time
	Priority           int
	MaxRetries         int
	Keywords           []string
	IncludeAttachments bool
}

// CreateJob validates the matter exists, invokes the AutoRouter, and
// persists the Job as Pending. It returns the persisted Job alongside
// the routing decision snapshot spec §6 requires in the response.
func (c *Controller) CreateJob(ctx context.Context, req CreateJobRequest, correlationID string) (*types.Job, router.Decision, error) {
	if req.CustodianEmail == "" {
		return nil, router.Decision{}, hcoerr.Validation("jobcontrol: custodian_email is required", nil)
	}
	matter, err := c.store.GetMatter(ctx, req.MatterID)
	if err != nil {
		return nil, router.Decision{}, err
	}
	if matter == nil {
		return nil, router.Decision{}, hcoerr.Validation(fmt.Sprintf("jobcontrol: matter %d not found", req.MatterID), nil)
	}

	quota, err := c.quota(ctx, req.MatterID)
	if err != nil {
		return nil, router.Decision{}, fmt.Errorf("jobcontrol: resolve quota: %w", err)
	}
	profile, err := c.profile(ctx, req.CustodianEmail)
	if err != nil {
		return nil, router.Decision{}, fmt.Errorf("jobcontrol: resolve profile: %w", err)
	}

	decision, err := router.Decide(router.Request{
		CustodianEmail:     req.CustodianEmail,
		JobType:            req.JobType,
		Start:              req.Start,
		End:                req.End,
		Keywords:           req.Keywords,
		IncludeAttachments: req.IncludeAttachments,
	}, quota, profile, c.routerCfg)
	if err != nil {
		return nil, router.Decision{}, err
	}

	priority := req.Priority
	if priority <= 0 {
		priority = 5
	}

	job, err := c.store.CreateJob(ctx, &types.Job{
		MatterID:       req.MatterID,
		CustodianEmail: req.CustodianEmail,
		JobType:        req.JobType,
		Status:         types.JobStatusPending,
		Route:          decision.Route,
		Priority:       priority,
		RangeStart:     req.Start,
		RangeEnd:       req.End,
		EstimatedBytes: decision.EstimatedBytes,
		EstimatedItems: decision.EstimatedItems,
	})
	if err != nil {
		return nil, router.Decision{}, err
	}

	if err := c.store.AppendJobLog(ctx, &types.JobLog{
		JobID:         job.ID,
		Level:         types.LogLevelInfo,
		Category:      "AutoRouter",
		Message:       fmt.Sprintf("routed to %s (confidence=%s): %s", decision.Route, decision.Confidence, decision.Reason),
		CorrelationID: correlationID,
	}); err != nil {
		return nil, router.Decision{}, err
	}

	return job, decision, nil
}

// StartJob transitions a Pending job to Running, invoking the Shard
// Planner to expand it into persisted shards visible to C6.
func (c *Controller) StartJob(ctx context.Context, jobID int64, maxRetries int, correlationID string) (*types.Job, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, hcoerr.Validation(fmt.Sprintf("jobcontrol: job %d not found", jobID), nil)
	}
	if job.Status != types.JobStatusPending {
		return nil, hcoerr.Validation(fmt.Sprintf("jobcontrol: job %d is %s, not Pending", jobID, job.Status), nil)
	}

	if err := c.store.UpdateJobStatus(ctx, jobID, types.JobStatusPlanning); err != nil {
		return nil, err
	}

	shards, err := planner.Plan(planner.Request{
		ParentJobID: jobID,
		Custodians:  []string{job.CustodianEmail},
		Start:       job.RangeStart,
		End:         job.RangeEnd,
		JobType:     job.JobType,
		Route:       job.Route,
		MaxRetries:  maxRetries,
	}, c.shardCfg, c.estimator)
	if err != nil {
		_ = c.store.UpdateJobStatus(ctx, jobID, types.JobStatusFailed)
		return nil, fmt.Errorf("jobcontrol: plan job %d: %w", jobID, err)
	}

	if err := c.store.CreateShards(ctx, shards); err != nil {
		_ = c.store.UpdateJobStatus(ctx, jobID, types.JobStatusFailed)
		return nil, err
	}

	if err := c.store.UpdateJobStatus(ctx, jobID, types.JobStatusRunning); err != nil {
		return nil, err
	}
	if err := c.store.AppendJobLog(ctx, &types.JobLog{
		JobID:         jobID,
		Level:         types.LogLevelInfo,
		Category:      "Planner",
		Message:       fmt.Sprintf("expanded into %d shards", len(shards)),
		CorrelationID: correlationID,
	}); err != nil {
		return nil, err
	}

	return c.store.GetJob(ctx, jobID)
}

// Outcome is the terminal status computed from a job's shard statuses
// per spec §4.11 step 5.
type Outcome struct {
	Status         types.JobStatus
	CompletedCount int
	FailedCount    int
	TotalCount     int
}

// computeOutcome applies spec §4.11 step 5's three-way rule. It returns
// ok=false if any shard is still non-terminal.
func computeOutcome(shards []*types.Shard) (Outcome, bool) {
	var completed, failedLike int
	for _, s := range shards {
		if !s.Status.Terminal() {
			return Outcome{}, false
		}
		switch s.Status {
		case types.ShardStatusCompleted:
			completed++
		case types.ShardStatusFailed, types.ShardStatusCancelled, types.ShardStatusPartiallyCompleted:
			failedLike++
		}
	}
	status := types.JobStatusFailed
	switch {
	case completed == len(shards):
		status = types.JobStatusCompleted
	case completed > 0 && failedLike > 0:
		status = types.JobStatusPartiallyCompleted
	}
	return Outcome{Status: status, CompletedCount: completed, FailedCount: failedLike, TotalCount: len(shards)}, true
}

// TryFinalize checks whether all of a job's shards have reached a
// terminal state and, if so, completes the job and builds its manifest
// via C9. It does not seal the manifest; sealing is a separate
// manifest.Generator.Seal call. It is safe to call repeatedly —
// callers typically invoke it after every shard completion.
func (c *Controller) TryFinalize(ctx context.Context, jobID int64, correlationID string) (*Outcome, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.Status.Terminal() {
		return nil, nil
	}

	shards, err := c.store.ListShardsByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return nil, nil
	}

	outcome, done := computeOutcome(shards)
	if !done {
		return nil, nil
	}

	if err := c.store.CompleteJob(ctx, jobID, outcome.Status, c.clock.Now()); err != nil {
		return nil, err
	}
	if err := c.store.AppendJobLog(ctx, &types.JobLog{
		JobID:         jobID,
		Level:         types.LogLevelInfo,
		Category:      "JobControl",
		Message:       fmt.Sprintf("job finalized as %s (%d/%d shards completed)", outcome.Status, outcome.CompletedCount, outcome.TotalCount),
		CorrelationID: correlationID,
	}); err != nil {
		return nil, err
	}

	if c.manifests != nil {
		if _, err := c.manifests.Build(ctx, jobID, correlationID); err != nil {
			return &outcome, fmt.Errorf("jobcontrol: build manifest for job %d: %w", jobID, err)
		}
	}

	return &outcome, nil
}

// CompleteManuallyRequest is the input to CompleteManually, matching
// spec §6's POST /jobs/{id}/complete body.
type CompleteManuallyRequest struct {
	Status      types.JobStatus
	ActualBytes int64
	ActualItems int64
	Error       string
}

// CompleteManually terminates jobID directly with caller-supplied
// actuals, per spec §6's POST /jobs/{id}/complete. Unlike TryFinalize
// (which derives the outcome from shard statuses), this path is for
// callers driving a job outside the sharded worker protocol.
func (c *Controller) CompleteManually(ctx context.Context, jobID int64, req CompleteManuallyRequest, correlationID string) (*types.Job, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, hcoerr.Validation(fmt.Sprintf("jobcontrol: job %d not found", jobID), nil)
	}
	if job.Status.Terminal() {
		return nil, hcoerr.Validation(fmt.Sprintf("jobcontrol: job %d already terminal (%s)", jobID, job.Status), nil)
	}
	if !req.Status.Terminal() {
		return nil, hcoerr.Validation(fmt.Sprintf("jobcontrol: %s is not a terminal status", req.Status), nil)
	}

	if err := c.store.UpdateJobActuals(ctx, jobID, req.ActualBytes, req.ActualItems, req.Error); err != nil {
		return nil, err
	}
	if err := c.store.CompleteJob(ctx, jobID, req.Status, c.clock.Now()); err != nil {
		return nil, err
	}
	if err := c.store.AppendJobLog(ctx, &types.JobLog{
		JobID:         jobID,
		Level:         types.LogLevelInfo,
		Category:      "JobControl",
		Message:       fmt.Sprintf("job manually completed as %s", req.Status),
		CorrelationID: correlationID,
	}); err != nil {
		return nil, err
	}

	if c.manifests != nil {
		if _, err := c.manifests.Build(ctx, jobID, correlationID); err != nil {
			return nil, fmt.Errorf("jobcontrol: build manifest for job %d: %w", jobID, err)
		}
	}

	return c.store.GetJob(ctx, jobID)
}

// Cancel moves every non-terminal shard of a job to Cancelled and the
// job itself to Cancelled, per spec §5's cancellation semantics.
func (c *Controller) Cancel(ctx context.Context, jobID int64, correlationID string) error {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return hcoerr.Validation(fmt.Sprintf("jobcontrol: job %d not found", jobID), nil)
	}
	if job.Status.Terminal() {
		return nil
	}

	n, err := c.store.CancelShardsByJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := c.store.CompleteJob(ctx, jobID, types.JobStatusCancelled, c.clock.Now()); err != nil {
		return err
	}
	return c.store.AppendJobLog(ctx, &types.JobLog{
		JobID:         jobID,
		Level:         types.LogLevelWarn,
		Category:      "JobControl",
		Message:       fmt.Sprintf("job cancelled (%d shards cancelled)", n),
		CorrelationID: correlationID,
	})
}

// IngestItems bulk-records CollectedItems reported against a job
// outside the normal collector-driver path, per spec §6's
// POST /jobs/{id}/items endpoint (batches of up to 100 items).
func (c *Controller) IngestItems(ctx context.Context, jobID int64, items []*types.CollectedItem) error {
	if len(items) > 100 {
		return hcoerr.Validation("jobcontrol: at most 100 items per call", nil)
	}
	for _, item := range items {
		if err := c.store.RecordCollectedItem(ctx, item.ShardID, item); err != nil {
			return err
		}
	}
	return nil
}

// ReconcileRequest is the input to Reconcile, matching spec §6's
// POST /jobs/{id}/reconcile body.
type ReconcileRequest struct {
	SourceManifestPath    string
	CollectedManifestPath string
	Custodian             string
	DryRun                bool
}

// Reconcile invokes C10 against the two supplied manifest paths for
// jobID, returning the gate result.
func (c *Controller) Reconcile(ctx context.Context, jobID int64, req ReconcileRequest, cfg reconcile.Config, correlationID string) (reconcile.Result, error) {
	cfg.DryRun = req.DryRun
	return c.reconciler.Run(ctx, jobID, req.SourceManifestPath, req.CollectedManifestPath, req.Custodian, cfg, correlationID)
}

// GetJob, GetShards, and GetCheckpoints back spec §4.11 step 6's
// read-only status surface.
func (c *Controller) GetJob(ctx context.Context, jobID int64) (*types.Job, error) {
	return c.store.GetJob(ctx, jobID)
}

func (c *Controller) ListShards(ctx context.Context, jobID int64) ([]*types.Shard, error) {
	return c.store.ListShardsByJob(ctx, jobID)
}

func (c *Controller) ListCheckpoints(ctx context.Context, shardID int64) ([]*types.Checkpoint, error) {
	return c.store.ListCheckpointsByShard(ctx, shardID)
}

func (c *Controller) ListJobLogs(ctx context.Context, jobID int64, limit int) ([]*types.JobLog, error) {
	return c.store.ListJobLogs(ctx, jobID, limit)
}

// CreateMatter persists a new Matter, per spec §6's POST /matters.
func (c *Controller) CreateMatter(ctx context.Context, m *types.Matter) (*types.Matter, error) {
	return c.store.CreateMatter(ctx, m)
}

func (c *Controller) ListMatters(ctx context.Context) ([]*types.Matter, error) {
	return c.store.ListMatters(ctx)
}

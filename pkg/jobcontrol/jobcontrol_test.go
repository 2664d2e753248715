package jobcontrol

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hco/pkg/artifact"
	"github.com/cuemby/hco/pkg/clockid"
	"github.com/cuemby/hco/pkg/config"
	"github.com/cuemby/hco/pkg/reconcile"
	"github.com/cuemby/hco/pkg/router"
	"github.com/cuemby/hco/pkg/types"
)

type fakeStore struct {
	matters   map[int64]*types.Matter
	jobs      map[int64]*types.Job
	shards    map[int64]*types.Shard
	shardsByJob map[int64][]int64
	logs      []*types.JobLog
	items     []*types.CollectedItem
	nextJobID int64
	nextShardID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		matters:     map[int64]*types.Matter{},
		jobs:        map[int64]*types.Job{},
		shards:      map[int64]*types.Shard{},
		shardsByJob: map[int64][]int64{},
	}
}

func (f *fakeStore) CreateMatter(ctx context.Context, m *types.Matter) (*types.Matter, error) {
	m.ID = int64(len(f.matters) + 1)
	f.matters[m.ID] = m
	return m, nil
}
func (f *fakeStore) GetMatter(ctx context.Context, id int64) (*types.Matter, error) {
	return f.matters[id], nil
}
func (f *fakeStore) ListMatters(ctx context.Context) ([]*types.Matter, error) {
	var out []*types.Matter
	for _, m := range f.matters {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeStore) CreateJob(ctx context.Context, job *types.Job) (*types.Job, error) {
	f.nextJobID++
	job.ID = f.nextJobID
	job.CreatedAt = time.Unix(0, 0).UTC()
	cp := *job
	f.jobs[job.ID] = &cp
	return &cp, nil
}
func (f *fakeStore) GetJob(ctx context.Context, id int64) (*types.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}
func (f *fakeStore) ListJobsByMatter(ctx context.Context, matterID int64) ([]*types.Job, error) {
	var out []*types.Job
	for _, j := range f.jobs {
		if j.MatterID == matterID {
			out = append(out, j)
		}
	}
	return out, nil
}
func (f *fakeStore) UpdateJobStatus(ctx context.Context, id int64, status types.JobStatus) error {
	j, ok := f.jobs[id]
	if !ok {
		return nil
	}
	j.Status = status
	return nil
}
func (f *fakeStore) UpdateJobRoute(ctx context.Context, id int64, route types.Route) error {
	if j, ok := f.jobs[id]; ok {
		j.Route = route
	}
	return nil
}
func (f *fakeStore) CompleteJob(ctx context.Context, id int64, status types.JobStatus, endedAt time.Time) error {
	if j, ok := f.jobs[id]; ok {
		j.Status = status
		j.EndedAt = &endedAt
	}
	return nil
}

func (f *fakeStore) CreateShards(ctx context.Context, shards []*types.Shard) error {
	for _, s := range shards {
		f.nextShardID++
		s.ID = f.nextShardID
		cp := *s
		f.shards[s.ID] = &cp
		f.shardsByJob[s.ParentJobID] = append(f.shardsByJob[s.ParentJobID], s.ID)
	}
	return nil
}
func (f *fakeStore) GetShard(ctx context.Context, id int64) (*types.Shard, error) {
	return f.shards[id], nil
}
func (f *fakeStore) ListShardsByJob(ctx context.Context, jobID int64) ([]*types.Shard, error) {
	var out []*types.Shard
	for _, id := range f.shardsByJob[jobID] {
		out = append(out, f.shards[id])
	}
	return out, nil
}
func (f *fakeStore) CancelShardsByJob(ctx context.Context, jobID int64) (int64, error) {
	var n int64
	for _, id := range f.shardsByJob[jobID] {
		s := f.shards[id]
		if !s.Status.Terminal() {
			s.Status = types.ShardStatusCancelled
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ListCheckpointsByShard(ctx context.Context, shardID int64) ([]*types.Checkpoint, error) {
	return nil, nil
}
func (f *fakeStore) RecordCollectedItem(ctx context.Context, shardID int64, item *types.CollectedItem) error {
	f.items = append(f.items, item)
	return nil
}
func (f *fakeStore) AppendJobLog(ctx context.Context, entry *types.JobLog) error {
	f.logs = append(f.logs, entry)
	return nil
}
func (f *fakeStore) ListJobLogs(ctx context.Context, jobID int64, limit int) ([]*types.JobLog, error) {
	return f.logs, nil
}

type fakeArtifactStore struct {
	blobs map[string][]byte
}

func newFakeArtifactStore() *fakeArtifactStore {
	return &fakeArtifactStore{blobs: map[string][]byte{}}
}
func (a *fakeArtifactStore) Put(ctx context.Context, key string, r io.Reader) (artifact.WriteResult, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return artifact.WriteResult{}, err
	}
	a.blobs[key] = b
	return artifact.WriteResult{Size: int64(len(b))}, nil
}
func (a *fakeArtifactStore) PutImmutable(ctx context.Context, key string, r io.Reader) (artifact.WriteResult, error) {
	return a.Put(ctx, key, r)
}
func (a *fakeArtifactStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	b, ok := a.blobs[key]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}
func (a *fakeArtifactStore) Stat(ctx context.Context, key string) (bool, int64, error) {
	b, ok := a.blobs[key]
	return ok, int64(len(b)), nil
}

func fixedEstimator(custodian string, start, end time.Time) (int64, int64) {
	return 1024, 10
}

func openQuota() router.Quota {
	return router.Quota{LimitBytes: 1 << 40, LimitItems: 1 << 30}
}

func noProfile(ctx context.Context, custodian string) (*router.Profile, error) {
	return nil, nil
}

func newController(t *testing.T, s *fakeStore) *Controller {
	t.Helper()
	clock := clockid.NewFixedClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
	reports := newFakeArtifactStore()
	reconciler := reconcile.New(s, reports, clock)
	return New(s, clock, config.Defaults().AutoRouter, config.Defaults().Shard, fixedEstimator,
		func(ctx context.Context, matterID int64) (router.Quota, error) { return openQuota(), nil },
		noProfile, nil, reconciler)
}

func TestCreateJobPersistsRouteAndLog(t *testing.T) {
	s := newFakeStore()
	c := newController(t, s)
	matter, err := s.CreateMatter(context.Background(), &types.Matter{Name: "acme-v-roe"})
	require.NoError(t, err)

	job, decision, err := c.CreateJob(context.Background(), CreateJobRequest{
		MatterID:       matter.ID,
		CustodianEmail: "jdoe@acme.test",
		JobType:        types.JobTypeEmail,
		Start:          time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:            time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
	}, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, job.Status)
	assert.Equal(t, decision.Route, job.Route)
	assert.Len(t, s.logs, 1)
	assert.Equal(t, "AutoRouter", s.logs[0].Category)
}

func TestCreateJobRejectsUnknownMatter(t *testing.T) {
	s := newFakeStore()
	c := newController(t, s)
	_, _, err := c.CreateJob(context.Background(), CreateJobRequest{
		MatterID:       999,
		CustodianEmail: "jdoe@acme.test",
		JobType:        types.JobTypeEmail,
		Start:          time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:            time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
	}, "corr-2")
	assert.Error(t, err)
}

func TestStartJobExpandsShardsAndTransitionsRunning(t *testing.T) {
	s := newFakeStore()
	c := newController(t, s)
	matter, _ := s.CreateMatter(context.Background(), &types.Matter{Name: "acme-v-roe"})
	job, _, err := c.CreateJob(context.Background(), CreateJobRequest{
		MatterID:       matter.ID,
		CustodianEmail: "jdoe@acme.test",
		JobType:        types.JobTypeEmail,
		Start:          time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:            time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
	}, "corr-3")
	require.NoError(t, err)

	started, err := c.StartJob(context.Background(), job.ID, 3, "corr-4")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, started.Status)

	shards, err := c.ListShards(context.Background(), job.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, shards)
}

func TestStartJobRejectsNonPending(t *testing.T) {
	s := newFakeStore()
	c := newController(t, s)
	matter, _ := s.CreateMatter(context.Background(), &types.Matter{Name: "acme-v-roe"})
	job, _, err := c.CreateJob(context.Background(), CreateJobRequest{
		MatterID: matter.ID, CustodianEmail: "jdoe@acme.test", JobType: types.JobTypeEmail,
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
	}, "corr-5")
	require.NoError(t, err)
	_, err = c.StartJob(context.Background(), job.ID, 3, "corr-6")
	require.NoError(t, err)

	_, err = c.StartJob(context.Background(), job.ID, 3, "corr-7")
	assert.Error(t, err)
}

func TestTryFinalizeComputesOutcome(t *testing.T) {
	s := newFakeStore()
	c := newController(t, s)
	matter, _ := s.CreateMatter(context.Background(), &types.Matter{Name: "acme-v-roe"})
	job, _, err := c.CreateJob(context.Background(), CreateJobRequest{
		MatterID: matter.ID, CustodianEmail: "jdoe@acme.test", JobType: types.JobTypeEmail,
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
	}, "corr-8")
	require.NoError(t, err)
	_, err = c.StartJob(context.Background(), job.ID, 3, "corr-9")
	require.NoError(t, err)

	shards, _ := c.ListShards(context.Background(), job.ID)
	require.NotEmpty(t, shards)

	outcome, err := c.TryFinalize(context.Background(), job.ID, "corr-10")
	require.NoError(t, err)
	assert.Nil(t, outcome) // shards still Pending

	for _, sh := range shards {
		s.shards[sh.ID].Status = types.ShardStatusCompleted
	}
	outcome, err = c.TryFinalize(context.Background(), job.ID, "corr-11")
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, types.JobStatusCompleted, outcome.Status)

	finalJob, err := c.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, finalJob.Status)
}

func TestCancelMarksNonTerminalShardsCancelled(t *testing.T) {
	s := newFakeStore()
	c := newController(t, s)
	matter, _ := s.CreateMatter(context.Background(), &types.Matter{Name: "acme-v-roe"})
	job, _, err := c.CreateJob(context.Background(), CreateJobRequest{
		MatterID: matter.ID, CustodianEmail: "jdoe@acme.test", JobType: types.JobTypeEmail,
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
	}, "corr-12")
	require.NoError(t, err)
	_, err = c.StartJob(context.Background(), job.ID, 3, "corr-13")
	require.NoError(t, err)

	require.NoError(t, c.Cancel(context.Background(), job.ID, "corr-14"))

	finalJob, err := c.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, finalJob.Status)

	shards, _ := c.ListShards(context.Background(), job.ID)
	for _, sh := range shards {
		assert.Equal(t, types.ShardStatusCancelled, sh.Status)
	}
}

func TestIngestItemsRejectsOversizedBatch(t *testing.T) {
	s := newFakeStore()
	c := newController(t, s)
	items := make([]*types.CollectedItem, 101)
	for i := range items {
		items[i] = &types.CollectedItem{}
	}
	err := c.IngestItems(context.Background(), 1, items)
	assert.Error(t, err)
}

func TestIngestItemsRecordsBatch(t *testing.T) {
	s := newFakeStore()
	c := newController(t, s)
	items := []*types.CollectedItem{{SourceItemID: "a"}, {SourceItemID: "b"}}
	require.NoError(t, c.IngestItems(context.Background(), 1, items))
	assert.Len(t, s.items, 2)
}

func TestReconcileDelegatesToReconciler(t *testing.T) {
	s := newFakeStore()
	c := newController(t, s)

	srcPath := writeTempManifest(t, "Custodian,Kind,DriveId,ItemId,Path,Size,SHA256,StorageUri,CollectedUtc\njdoe,File,,i1,/a.eml,10,h1,file:///a.eml,2026-01-02T03:04:05.000Z\n")
	colPath := writeTempManifest(t, "Custodian,Kind,DriveId,ItemId,Path,Size,SHA256,StorageUri,CollectedUtc\njdoe,File,,i1,/a.eml,10,h1,file:///a.eml,2026-01-02T03:05:05.000Z\n")

	result, err := c.Reconcile(context.Background(), 1, ReconcileRequest{
		SourceManifestPath:    srcPath,
		CollectedManifestPath: colPath,
		Custodian:             "jdoe",
		DryRun:                true,
	}, reconcile.Config{NormalizePaths: true, SizeTolerancePct: 0.1, ExtraTolerancePct: 0.05}, "corr-15")
	require.NoError(t, err)
	assert.True(t, result.OverallPassed)
}

func writeTempManifest(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "manifest-*.csv")
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

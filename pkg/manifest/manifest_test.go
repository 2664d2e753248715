package manifest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hco/pkg/artifact"
	"github.com/cuemby/hco/pkg/clockid"
	"github.com/cuemby/hco/pkg/config"
	"github.com/cuemby/hco/pkg/types"
)

// fakeStore is a hand-rolled in-memory Store, grounded on the same
// small-fake style used in pkg/checkpoint's tests.
type fakeStore struct {
	job     *types.Job
	matter  *types.Matter
	shards  []*types.Shard
	items   []*types.CollectedItem
	byJobID map[int64]*types.JobManifest
	byMID   map[string]*types.JobManifest
	nextID  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{byJobID: map[int64]*types.JobManifest{}, byMID: map[string]*types.JobManifest{}}
}

func (f *fakeStore) GetJob(ctx context.Context, id int64) (*types.Job, error) {
	if f.job == nil || f.job.ID != id {
		return nil, nil
	}
	cp := *f.job
	return &cp, nil
}

func (f *fakeStore) GetMatter(ctx context.Context, id int64) (*types.Matter, error) {
	if f.matter == nil || f.matter.ID != id {
		return nil, nil
	}
	cp := *f.matter
	return &cp, nil
}

func (f *fakeStore) ListShardsByJob(ctx context.Context, jobID int64) ([]*types.Shard, error) {
	return f.shards, nil
}

func (f *fakeStore) ListCollectedItemsByJob(ctx context.Context, jobID int64) ([]*types.CollectedItem, error) {
	return f.items, nil
}

func (f *fakeStore) CreateJobManifest(ctx context.Context, m *types.JobManifest) (*types.JobManifest, error) {
	f.nextID++
	out := *m
	out.ID = f.nextID
	out.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.byJobID[out.JobID] = &out
	f.byMID[out.ManifestID] = &out
	cp := out
	return &cp, nil
}

func (f *fakeStore) GetJobManifestByJobID(ctx context.Context, jobID int64) (*types.JobManifest, error) {
	row, ok := f.byJobID[jobID]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (f *fakeStore) GetJobManifestByManifestID(ctx context.Context, manifestID string) (*types.JobManifest, error) {
	row, ok := f.byMID[manifestID]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (f *fakeStore) SealJobManifest(ctx context.Context, manifestID, wormPath string, finalizedAt time.Time) error {
	row, ok := f.byMID[manifestID]
	if !ok {
		return errNotFound
	}
	if row.FinalizedAt != nil {
		return ErrAlreadySealed
	}
	row.WORMPath = wormPath
	row.WormCompliant = true
	row.FinalizedAt = &finalizedAt
	return nil
}

func (f *fakeStore) SetManifestVerification(ctx context.Context, manifestID string, v types.ManifestVerification) error {
	row, ok := f.byMID[manifestID]
	if !ok {
		return errNotFound
	}
	row.Verification = v
	return nil
}

// fakeArtifactStore is an in-memory artifact.Store.
type fakeArtifactStore struct {
	blobs   map[string][]byte
	worm    map[string][]byte
}

func newFakeArtifactStore() *fakeArtifactStore {
	return &fakeArtifactStore{blobs: map[string][]byte{}, worm: map[string][]byte{}}
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
	if _, ok := a.worm[key]; ok {
		return artifact.WriteResult{}, artifact.ErrSealed
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return artifact.WriteResult{}, err
	}
	a.worm[key] = b
	return artifact.WriteResult{Size: int64(len(b))}, nil
}

func (a *fakeArtifactStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	b, ok := a.blobs[key]
	if !ok {
		b, ok = a.worm[key]
	}
	if !ok {
		return nil, errNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (a *fakeArtifactStore) Stat(ctx context.Context, key string) (bool, int64, error) {
	if b, ok := a.blobs[key]; ok {
		return true, int64(len(b)), nil
	}
	if b, ok := a.worm[key]; ok {
		return true, int64(len(b)), nil
	}
	return false, 0, nil
}

func testSetup() (*fakeStore, *fakeArtifactStore, *Generator) {
	fs := newFakeStore()
	fs.matter = &types.Matter{ID: 1, Name: "acme-v-roe"}
	fs.job = &types.Job{ID: 9, MatterID: 1, CustodianEmail: "jdoe@acme.test", JobType: types.JobTypeEmail, Route: types.RoutePerItemApi, EstimatedBytes: 4096}
	fs.shards = []*types.Shard{{ID: 100, ParentJobID: 9, CustodianEmail: "jdoe@acme.test"}}
	fs.items = []*types.CollectedItem{
		{ID: 1, ShardID: 100, SourceItemID: "msg-1", ItemType: "Email", SizeBytes: 1024, SHA256: "aa", IsSuccessful: true, CollectedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		{ID: 2, ShardID: 100, SourceItemID: "msg-2", ItemType: "Email", SizeBytes: 2048, SHA256: "bb", IsSuccessful: false, Error: "timeout", CollectedAt: time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)},
	}
	as := newFakeArtifactStore()
	gen := New(fs, as, &clockid.SequentialGenerator{Prefix: "manifest"}, clockid.NewFixedClock(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)), nil, config.Defaults().Manifest)
	return fs, as, gen
}

func TestBuildAssignsSequenceAndTotals(t *testing.T) {
	_, _, gen := testSetup()

	m, err := gen.Build(context.Background(), 9, "corr-1")
	require.NoError(t, err)
	require.Len(t, m.Items, 2)
	assert.Equal(t, int64(1), m.Items[0].Sequence)
	assert.Equal(t, int64(2), m.Items[1].Sequence)
	assert.Equal(t, int64(2), m.Totals.Items)
	assert.Equal(t, int64(1), m.Totals.Successful)
	assert.Equal(t, int64(1), m.Totals.Failed)
	assert.Equal(t, int64(3072), m.Totals.Bytes)
	assert.Equal(t, "jdoe@acme.test", m.Items[0].Custodian)
}

func TestBuildProducesDeterministicHash(t *testing.T) {
	_, _, gen1 := testSetup()
	_, _, gen2 := testSetup()

	m1, err := gen1.Build(context.Background(), 9, "corr-1")
	require.NoError(t, err)
	m2, err := gen2.Build(context.Background(), 9, "corr-1")
	require.NoError(t, err)

	assert.Equal(t, m1.Integrity.ItemsHash, m2.Integrity.ItemsHash)
	assert.Equal(t, m1.Integrity.ManifestHash, m2.Integrity.ManifestHash)
	assert.NotEmpty(t, m1.Integrity.ManifestHash)
}

func TestItemsHashCoversOnlyItems(t *testing.T) {
	_, _, gen := testSetup()

	m, err := gen.Build(context.Background(), 9, "corr-1")
	require.NoError(t, err)

	sum := sha256.Sum256(canonicalItemsBytes(m.Items))
	wantItemsHash := hex.EncodeToString(sum[:])
	assert.Equal(t, wantItemsHash, m.Integrity.ItemsHash)
}

func TestSealIsIdempotentAndRejectsSecondCall(t *testing.T) {
	fs, as, gen := testSetup()

	m, err := gen.Build(context.Background(), 9, "corr-1")
	require.NoError(t, err)

	err = gen.Seal(context.Background(), m.ManifestID, "corr-1")
	require.NoError(t, err)

	row := fs.byMID[m.ManifestID]
	require.NotNil(t, row.FinalizedAt)
	assert.True(t, row.WormCompliant)
	_, ok := as.worm[row.WORMPath]
	assert.True(t, ok)

	err = gen.Seal(context.Background(), m.ManifestID, "corr-1")
	assert.ErrorIs(t, err, ErrAlreadySealed)
}

func TestVerifyDetectsTamperedHash(t *testing.T) {
	_, as, gen := testSetup()

	m, err := gen.Build(context.Background(), 9, "corr-1")
	require.NoError(t, err)

	result, err := gen.Verify(context.Background(), m.ManifestID)
	require.NoError(t, err)
	assert.Equal(t, types.ManifestValid, result)

	// Tamper with the persisted JSON's manifest_hash field directly.
	key := "logs/acme-v-roe/9/manifest.json"
	tampered := bytes.Replace(as.blobs[key], []byte(m.Integrity.ManifestHash), []byte("deadbeef"), 1)
	as.blobs[key] = tampered

	result, err = gen.Verify(context.Background(), m.ManifestID)
	require.NoError(t, err)
	assert.Equal(t, types.ManifestInvalid, result)
}

func TestVerifyAfterSealChecksWormPresence(t *testing.T) {
	_, _, gen := testSetup()

	m, err := gen.Build(context.Background(), 9, "corr-1")
	require.NoError(t, err)
	require.NoError(t, gen.Seal(context.Background(), m.ManifestID, "corr-1"))

	result, err := gen.Verify(context.Background(), m.ManifestID)
	require.NoError(t, err)
	assert.Equal(t, types.ManifestValid, result)
}

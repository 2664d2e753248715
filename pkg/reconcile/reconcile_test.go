package reconcile

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
	"github.com/cuemby/hco/pkg/types"
)

type fakeLogStore struct {
	logs []*types.JobLog
}

func (f *fakeLogStore) AppendJobLog(ctx context.Context, entry *types.JobLog) error {
	f.logs = append(f.logs, entry)
	return nil
}

type fakeArtifactStore struct {
	blobs map[string][]byte
}

func newFakeArtifactStore() *fakeArtifactStore {
	return &fakeArtifactStore{blobs: map[string][]byte{}}
}

func (f *fakeArtifactStore) Put(ctx context.Context, key string, r io.Reader) (artifact.WriteResult, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return artifact.WriteResult{}, err
	}
	f.blobs[key] = b
	return artifact.WriteResult{Size: int64(len(b))}, nil
}

func (f *fakeArtifactStore) PutImmutable(ctx context.Context, key string, r io.Reader) (artifact.WriteResult, error) {
	return f.Put(ctx, key, r)
}

func (f *fakeArtifactStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	b, ok := f.blobs[key]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *fakeArtifactStore) Stat(ctx context.Context, key string) (bool, int64, error) {
	b, ok := f.blobs[key]
	return ok, int64(len(b)), nil
}

const sourceCSV = `Custodian,Kind,DriveId,ItemId,Path,Size,SHA256,StorageUri,CollectedUtc
jdoe,File,,item-1,/mail/item-1.eml,1024,aaa,file:///mail/item-1.eml,2026-01-02T03:04:05.000Z
jdoe,File,,item-2,/mail/item-2.eml,2048,bbb,file:///mail/item-2.eml,2026-01-02T03:04:06.000Z
jdoe,Folder,,item-3,/mail/RecoverableItems/Deletions,0,,file:///mail/RecoverableItems/Deletions,2026-01-02T03:04:07.000Z
`

const collectedCSVMatch = `Custodian,Kind,DriveId,ItemId,Path,Size,SHA256,StorageUri,CollectedUtc
jdoe,File,,item-1,/mail/item-1.eml,1024,aaa,file:///mail/item-1.eml,2026-01-02T03:05:00.000Z
jdoe,File,,item-2,/mail/item-2.eml,2048,bbb,file:///mail/item-2.eml,2026-01-02T03:05:01.000Z
`

const collectedCSVMissingAndExtra = `Custodian,Kind,DriveId,ItemId,Path,Size,SHA256,StorageUri,CollectedUtc
jdoe,File,,item-1,/mail/item-1.eml,1024,aaa,file:///mail/item-1.eml,2026-01-02T03:05:00.000Z
jdoe,File,,item-9,/mail/item-9.eml,512,zzz,file:///mail/item-9.eml,2026-01-02T03:05:02.000Z
`

const collectedCSVHashMismatch = `Custodian,Kind,DriveId,ItemId,Path,Size,SHA256,StorageUri,CollectedUtc
jdoe,File,,item-1,/mail/item-1.eml,1024,different,file:///mail/item-1.eml,2026-01-02T03:05:00.000Z
jdoe,File,,item-2,/mail/item-2.eml,2048,bbb,file:///mail/item-2.eml,2026-01-02T03:05:01.000Z
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "manifest-*.csv")
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func baseCfg() Config {
	return Config{
		SizeTolerancePct:  0.1,
		ExtraTolerancePct: 0.05,
		RequireHashMatch:  false,
		NormalizePaths:    true,
		IncludeFolders:    false,
		DryRun:            false,
	}
}

func TestReconcileCleanMatchPasses(t *testing.T) {
	store := &fakeLogStore{}
	reports := newFakeArtifactStore()
	r := New(store, reports, clockid.NewFixedClock(time.Date(2026, 1, 2, 4, 0, 0, 0, time.UTC)))

	src := writeTemp(t, sourceCSV)
	col := writeTemp(t, collectedCSVMatch)

	result, err := r.Run(context.Background(), 1, src, col, "jdoe", baseCfg(), "corr-1")
	require.NoError(t, err)
	assert.True(t, result.OverallPassed)
	assert.Equal(t, 2, result.SourceCount) // the Folder row is excluded
	assert.Equal(t, 2, result.CollectedCount)
	assert.Zero(t, result.MissedCount)
	assert.Zero(t, result.ExtrasCount)
	assert.Len(t, store.logs, 1)
	assert.NotEmpty(t, result.ReportPath)
	assert.Contains(t, reports.blobs, result.ReportPath)
}

func TestReconcileDetectsMissedAndExtras(t *testing.T) {
	store := &fakeLogStore{}
	reports := newFakeArtifactStore()
	r := New(store, reports, clockid.NewFixedClock(time.Date(2026, 1, 2, 4, 0, 0, 0, time.UTC)))

	src := writeTemp(t, sourceCSV)
	col := writeTemp(t, collectedCSVMissingAndExtra)

	cfg := baseCfg()
	result, err := r.Run(context.Background(), 2, src, col, "jdoe", cfg, "corr-2")
	require.NoError(t, err)
	assert.False(t, result.OverallPassed)
	assert.False(t, result.CardinalityPassed)
	assert.Equal(t, 1, result.MissedCount) // item-2 missing
	assert.Equal(t, 1, result.ExtrasCount) // item-9 extra
}

func TestReconcileHashMismatchGate(t *testing.T) {
	store := &fakeLogStore{}
	reports := newFakeArtifactStore()
	r := New(store, reports, clockid.NewFixedClock(time.Date(2026, 1, 2, 4, 0, 0, 0, time.UTC)))

	src := writeTemp(t, sourceCSV)
	col := writeTemp(t, collectedCSVHashMismatch)

	cfg := baseCfg()
	cfg.RequireHashMatch = true
	result, err := r.Run(context.Background(), 3, src, col, "jdoe", cfg, "corr-3")
	require.NoError(t, err)
	assert.False(t, result.HashPassed)
	assert.Equal(t, 1, result.HashMismatchCount)

	cfg.RequireHashMatch = false
	result2, err := r.Run(context.Background(), 3, src, col, "jdoe", cfg, "corr-4")
	require.NoError(t, err)
	assert.True(t, result2.HashPassed)
}

func TestReconcileDryRunSkipsReport(t *testing.T) {
	store := &fakeLogStore{}
	reports := newFakeArtifactStore()
	r := New(store, reports, clockid.NewFixedClock(time.Date(2026, 1, 2, 4, 0, 0, 0, time.UTC)))

	src := writeTemp(t, sourceCSV)
	col := writeTemp(t, collectedCSVMatch)

	cfg := baseCfg()
	cfg.DryRun = true
	result, err := r.Run(context.Background(), 4, src, col, "jdoe", cfg, "corr-5")
	require.NoError(t, err)
	assert.Empty(t, result.ReportPath)
	assert.Empty(t, reports.blobs)
	assert.Len(t, store.logs, 1)
}

func TestReconcileCustodianFiltering(t *testing.T) {
	store := &fakeLogStore{}
	reports := newFakeArtifactStore()
	r := New(store, reports, clockid.NewFixedClock(time.Date(2026, 1, 2, 4, 0, 0, 0, time.UTC)))

	src := writeTemp(t, sourceCSV)
	col := writeTemp(t, collectedCSVMatch)

	result, err := r.Run(context.Background(), 5, src, col, "someone-else", baseCfg(), "corr-6")
	require.NoError(t, err)
	assert.Zero(t, result.SourceCount)
	assert.Zero(t, result.CollectedCount)
	assert.True(t, result.OverallPassed) // nothing on either side for this custodian: vacuously consistent
}

func TestLoadEntriesParsesOwnManifestJSON(t *testing.T) {
	data := []byte(`{"schema_version":"1","items":[{"sequence":1,"source_item_id":"item-1","item_type":"File","artifact_path":"/mail/item-1.eml","size_bytes":1024,"sha256":"aaa","collected_at":"2026-01-02T03:05:00.000Z","custodian":"jdoe"}]}`)
	entries, warnings, err := loadEntries(data)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Len(t, entries, 1)
	assert.Equal(t, "item-1", entries[0].ItemID)
	assert.Equal(t, "/mail/item-1.eml", entries[0].Path)
	assert.Equal(t, int64(1024), entries[0].SizeBytes)
}

func TestLoadEntriesParsesJSONLines(t *testing.T) {
	data := []byte("{\"item_id\":\"item-1\",\"path\":\"/a.eml\",\"size\":10}\n{\"item_id\":\"item-2\",\"path\":\"/b.eml\",\"size\":20}\n")
	entries, warnings, err := loadEntries(data)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Len(t, entries, 2)
}

func TestLoadEntriesSkipsRowsMissingPath(t *testing.T) {
	data := []byte(`Custodian,Size
jdoe,10
`)
	entries, warnings, err := loadEntries(data)
	require.NoError(t, err)
	assert.Empty(t, entries)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "missing Path")
}

func TestNormalizeSetExcludesSystemPathsAndFolders(t *testing.T) {
	entries := []Entry{
		{Custodian: "jdoe", Path: "/mail/item-1.eml", SizeBytes: 10},
		{Custodian: "jdoe", Path: "/mail/RecoverableItems/Deletions/x.eml", SizeBytes: 10},
		{Custodian: "jdoe", Path: "/mail/folder", Kind: "Folder", SizeBytes: 0},
	}
	set, skips := normalizeSet(entries, "", Config{NormalizePaths: true, IncludeFolders: false})
	assert.Len(t, set, 1)
	assert.Len(t, skips, 2)
}

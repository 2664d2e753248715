package collector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hco/pkg/artifact"
	"github.com/cuemby/hco/pkg/types"
)

type recordingPublisher struct {
	published []TriggerMessage
}

func (p *recordingPublisher) Publish(ctx context.Context, msg TriggerMessage) error {
	p.published = append(p.published, msg)
	return nil
}

type fakeBinaryFetcher struct {
	entries []DatasetEntry
}

func (f *fakeBinaryFetcher) ListDataset(ctx context.Context, datasetManifestURL string) ([]DatasetEntry, error) {
	return f.entries, nil
}

func (f *fakeBinaryFetcher) Download(ctx context.Context, entry DatasetEntry) (artifact.WriteResult, error) {
	return artifact.WriteResult{SHA256: "deadbeef", Size: 42}, nil
}

func TestBulkDriverCompletesViaStatusBus(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	publisher := &recordingPublisher{}
	fetcher := &fakeBinaryFetcher{entries: []DatasetEntry{
		{SourceItemID: "a"}, {SourceItemID: "b"},
	}}
	driver := NewBulkDriver(publisher, bus, fetcher, &fakeArtifactStore{}, &fakeItemStore{}, testCollectorConfig())

	shard := &types.Shard{ID: 7, ParentJobID: 3, CustodianEmail: "a@example.com", OutputPrefix: "matter-1"}

	go func() {
		bus.PublishStatus(StatusMessage{ShardID: 7, Status: "running", ItemsCount: 1})
		bus.PublishStatus(StatusMessage{ShardID: 7, Status: "completed", DatasetManifestURL: "https://example/dataset.json"})
	}()

	result, err := driver.Collect(context.Background(), shard, nil, &recordingSink{})
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, int64(2), result.ItemsCount)
	require.Len(t, publisher.published, 1)
	assert.Equal(t, int64(7), publisher.published[0].ShardID)
}

func TestBulkDriverReturnsErrorOnFailedStatus(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	driver := NewBulkDriver(&recordingPublisher{}, bus, &fakeBinaryFetcher{}, &fakeArtifactStore{}, &fakeItemStore{}, testCollectorConfig())
	shard := &types.Shard{ID: 8, ParentJobID: 3, CustodianEmail: "a@example.com"}

	go func() {
		bus.PublishStatus(StatusMessage{ShardID: 8, Status: "failed", Error: "upstream explosion"})
	}()

	result, err := driver.Collect(context.Background(), shard, nil, &recordingSink{})
	assert.Error(t, err)
	assert.False(t, result.OK)
}

func TestBusSubscribeUnsubscribe(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	ch, unsubscribe := bus.Subscribe()
	bus.PublishStatus(StatusMessage{ShardID: 1, Status: "running"})

	msg := <-ch
	assert.Equal(t, int64(1), msg.ShardID)

	unsubscribe()
}

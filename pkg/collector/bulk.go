package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/hco/pkg/artifact"
	"github.com/cuemby/hco/pkg/config"
	"github.com/cuemby/hco/pkg/metrics"
	"github.com/cuemby/hco/pkg/router"
	"github.com/cuemby/hco/pkg/types"
)

// DatasetEntry is one file a bulk pipeline run produced, as listed by
// whatever dataset manifest the pipeline emits at completion.
type DatasetEntry struct {
	SourceItemID string
	ItemType     string
	Subject      string
	From         string
	To           string
	ItemDate     *time.Time
	DownloadURL  string
}

// BinaryFetcher walks a completed bulk run's dataset and downloads each
// referenced binary.
type BinaryFetcher interface {
	// ListDataset returns every entry in the dataset the bulk pipeline
	// produced at datasetManifestURL.
	ListDataset(ctx context.Context, datasetManifestURL string) ([]DatasetEntry, error)
	// Download fetches entry's binary, writes it through pkg/artifact,
	// and returns the persisted size and SHA-256.
	Download(ctx context.Context, entry DatasetEntry) (artifact.WriteResult, error)
}

// BulkDriver triggers an external pipeline and observes its completion
// via status messages, then walks the resulting dataset with a
// BinaryFetcher. The orchestrator treats the whole flow as one Collect
// call whose progress comes from status messages plus fetch progress.
type BulkDriver struct {
	publisher TriggerPublisher
	statuses  StatusSubscriber
	fetcher   BinaryFetcher
	artifacts artifact.Store
	items     CollectedItemStore
	cfg       config.CollectorConfig
	pollEvery time.Duration
}

// NewBulkDriver builds a BulkDriver.
func NewBulkDriver(publisher TriggerPublisher, statuses StatusSubscriber, fetcher BinaryFetcher, artifacts artifact.Store, items CollectedItemStore, cfg config.CollectorConfig) *BulkDriver {
	return &BulkDriver{publisher: publisher, statuses: statuses, fetcher: fetcher, artifacts: artifacts, items: items, cfg: cfg, pollEvery: time.Duration(cfg.ProgressIntervalSeconds) * time.Second}
}

// Estimate is not meaningful for the bulk back-end without a pipeline
// preview call; callers route on the AutoRouter decision already made
// before a BulkDriver is selected.
func (d *BulkDriver) Estimate(ctx context.Context, req router.Request) (int64, int64, router.Confidence, error) {
	return 0, 0, "", nil
}

// Collect enqueues a TriggerMessage for shard, then waits on the status
// bus until the pipeline reports completion or failure, reporting
// progress from each status update in between. On completion it hands
// the dataset manifest to the BinaryFetcher.
func (d *BulkDriver) Collect(ctx context.Context, shard *types.Shard, resumeSet []*types.Checkpoint, sink ProgressSink) (CollectionResult, error) {
	trigger := TriggerMessage{
		ShardID:      shard.ID,
		Custodian:    shard.CustodianEmail,
		JobType:      shard.JobType,
		Start:        shard.StartDate,
		End:          shard.EndDate,
		OutputPrefix: shard.OutputPrefix,
	}
	if err := d.publisher.Publish(ctx, trigger); err != nil {
		return CollectionResult{OK: false, Error: err.Error()}, fmt.Errorf("collector: publish trigger for shard %d: %w", shard.ID, err)
	}

	statusCh, unsubscribe := d.statuses.Subscribe()
	defer unsubscribe()

	var reportedItems, reportedBytes int64
	for {
		select {
		case <-ctx.Done():
			return CollectionResult{OK: false, Error: ctx.Err().Error()}, ctx.Err()

		case status, ok := <-statusCh:
			if !ok {
				return CollectionResult{OK: false, Error: "status bus closed before completion"}, fmt.Errorf("collector: status bus closed for shard %d", shard.ID)
			}
			if status.ShardID != shard.ID {
				continue
			}

			switch status.Status {
			case "failed":
				return CollectionResult{OK: false, Error: status.Error}, fmt.Errorf("collector: bulk run failed for shard %d: %s", shard.ID, status.Error)

			case "running":
				if err := sink.Report(ctx, status.ItemsCount-reportedItems, status.BytesCount-reportedBytes, nil); err != nil {
					return CollectionResult{}, err
				}
				reportedItems, reportedBytes = status.ItemsCount, status.BytesCount

			case "completed":
				return d.fetchDataset(ctx, shard, status, sink)
			}
		}
	}
}

func (d *BulkDriver) fetchDataset(ctx context.Context, shard *types.Shard, status StatusMessage, sink ProgressSink) (CollectionResult, error) {
	entries, err := d.fetcher.ListDataset(ctx, status.DatasetManifestURL)
	if err != nil {
		return CollectionResult{OK: false, Error: err.Error()}, fmt.Errorf("collector: list dataset for shard %d: %w", shard.ID, err)
	}

	cadence := newProgressCadence(
		time.Duration(d.cfg.ProgressIntervalSeconds)*time.Second,
		int64(d.cfg.ProgressItemsThreshold),
	)

	var itemsCount, bytesCount, reportedItems, reportedBytes int64
	for seq, entry := range entries {
		select {
		case <-ctx.Done():
			return CollectionResult{OK: false, ItemsCount: itemsCount, Bytes: bytesCount, Error: ctx.Err().Error()}, ctx.Err()
		default:
		}

		var result artifact.WriteResult
		fetchErr := withBackoff(ctx, d.cfg, "bulk_fetcher", func() error {
			var err error
			result, err = d.fetcher.Download(ctx, entry)
			return err
		})
		if fetchErr != nil {
			return CollectionResult{OK: false, ItemsCount: itemsCount, Bytes: bytesCount, Error: fetchErr.Error()},
				fmt.Errorf("collector: download entry %s: %w", entry.SourceItemID, fetchErr)
		}

		row := &types.CollectedItem{
			ShardID:      shard.ID,
			SourceItemID: entry.SourceItemID,
			ItemType:     entry.ItemType,
			Subject:      entry.Subject,
			From:         entry.From,
			To:           entry.To,
			ItemDate:     entry.ItemDate,
			CollectedAt:  time.Now().UTC(),
			SizeBytes:    result.Size,
			SHA256:       result.SHA256,
			ArtifactPath: artifact.MatterGDCKey(shard.OutputPrefix, shard.CustodianEmail, seq, entry.SourceItemID),
			IsSuccessful: true,
		}
		if err := d.items.RecordCollectedItem(ctx, shard.ID, row); err != nil {
			return CollectionResult{OK: false, ItemsCount: itemsCount, Bytes: bytesCount, Error: err.Error()}, err
		}

		itemsCount++
		bytesCount += result.Size
		if cadence.due(1) {
			if err := sink.Report(ctx, itemsCount-reportedItems, bytesCount-reportedBytes, nil); err != nil {
				return CollectionResult{}, err
			}
			reportedItems, reportedBytes = itemsCount, bytesCount
			cadence.reset()
		}
	}

	metrics.ItemsCollectedTotal.WithLabelValues(string(shard.JobType), "ok").Add(float64(itemsCount))
	metrics.BytesCollectedTotal.WithLabelValues(string(shard.JobType)).Add(float64(bytesCount))
	return CollectionResult{OK: true, ItemsCount: itemsCount, Bytes: bytesCount}, nil
}

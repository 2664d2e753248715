package collector

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cuemby/hco/pkg/artifact"
	"github.com/cuemby/hco/pkg/config"
	"github.com/cuemby/hco/pkg/metrics"
	"github.com/cuemby/hco/pkg/router"
	"github.com/cuemby/hco/pkg/types"
)

// SourceItem is one item yielded by an ItemSource: a piece of metadata
// plus a body stream ready to be hashed and written through pkg/artifact.
type SourceItem struct {
	SourceItemID string
	ItemType     string
	Subject      string
	From         string
	To           string
	ItemDate     *time.Time
	Body         io.Reader
}

// ItemSource streams items for a shard's custodian/window. Items already
// represented by a completed checkpoint in resumeSet MUST NOT be
// re-emitted; the driver relies on RecordCollectedItem's
// (shard_id, source_item_id) uniqueness as a second idempotency backstop.
// Err, called after the items channel closes, reports nil for a clean
// EOF or the terminal fetch error otherwise. PerItemDriver returns that
// error from Collect as is, throttled or not: withBackoff wraps only the
// artifact write, so a throttled fetch is not retried by the driver.
type ItemSource interface {
	Fetch(ctx context.Context, shard *types.Shard, resumeSet []*types.Checkpoint) (items <-chan SourceItem, err func() error)
}

// CollectedItemStore is the slice of pkg/store.MetadataStore PerItemDriver
// needs to persist results.
type CollectedItemStore interface {
	RecordCollectedItem(ctx context.Context, shardID int64, item *types.CollectedItem) error
}

// PerItemDriver streams items one at a time, writing each artifact via
// pkg/artifact and computing its SHA-256 in the same pass (the write
// path itself hashes while copying).
type PerItemDriver struct {
	source     ItemSource
	artifacts  artifact.Store
	items      CollectedItemStore
	cfg        config.CollectorConfig
	estimateFn func(ctx context.Context, req router.Request) (int64, int64, router.Confidence, error)
}

// NewPerItemDriver builds a PerItemDriver. estimateFn may be nil, in
// which case Estimate always reports zero confidence.
func NewPerItemDriver(source ItemSource, artifacts artifact.Store, items CollectedItemStore, cfg config.CollectorConfig, estimateFn func(context.Context, router.Request) (int64, int64, router.Confidence, error)) *PerItemDriver {
	return &PerItemDriver{source: source, artifacts: artifacts, items: items, cfg: cfg, estimateFn: estimateFn}
}

// Estimate delegates to the injected estimator, or reports no estimate.
func (d *PerItemDriver) Estimate(ctx context.Context, req router.Request) (int64, int64, router.Confidence, error) {
	if d.estimateFn == nil {
		return 0, 0, "", nil
	}
	return d.estimateFn(ctx, req)
}

// Collect streams every item the source yields for shard's window,
// writing artifacts and recording CollectedItem rows as it goes.
func (d *PerItemDriver) Collect(ctx context.Context, shard *types.Shard, resumeSet []*types.Checkpoint, sink ProgressSink) (CollectionResult, error) {
	items, sourceErr := d.source.Fetch(ctx, shard, resumeSet)
	cadence := newProgressCadence(
		time.Duration(d.cfg.ProgressIntervalSeconds)*time.Second,
		int64(d.cfg.ProgressItemsThreshold),
	)

	var itemsCount, bytesCount int64
	var reportedItems, reportedBytes int64
	seq := 0

	for {
		select {
		case <-ctx.Done():
			return CollectionResult{OK: false, ItemsCount: itemsCount, Bytes: bytesCount, Error: ctx.Err().Error()}, ctx.Err()

		case item, ok := <-items:
			if !ok {
				if err := sourceErr(); err != nil {
					metrics.ItemsCollectedTotal.WithLabelValues(string(shard.JobType), "error").Inc()
					return CollectionResult{OK: false, ItemsCount: itemsCount, Bytes: bytesCount, Error: err.Error()}, err
				}
				metrics.ItemsCollectedTotal.WithLabelValues(string(shard.JobType), "ok").Add(float64(itemsCount))
				metrics.BytesCollectedTotal.WithLabelValues(string(shard.JobType)).Add(float64(bytesCount))
				return CollectionResult{OK: true, ItemsCount: itemsCount, Bytes: bytesCount}, nil
			}

			seq++
			var result artifact.WriteResult
			writeErr := withBackoff(ctx, d.cfg, "per_item", func() error {
				key := artifact.MatterGDCKey(shard.OutputPrefix, shard.CustodianEmail, seq, item.SourceItemID)
				var err error
				result, err = d.artifacts.Put(ctx, key, item.Body)
				return err
			})
			if writeErr != nil {
				return CollectionResult{OK: false, ItemsCount: itemsCount, Bytes: bytesCount, Error: writeErr.Error()},
					fmt.Errorf("collector: write item %s: %w", item.SourceItemID, writeErr)
			}

			row := &types.CollectedItem{
				ShardID:      shard.ID,
				SourceItemID: item.SourceItemID,
				ItemType:     item.ItemType,
				Subject:      item.Subject,
				From:         item.From,
				To:           item.To,
				ItemDate:     item.ItemDate,
				CollectedAt:  time.Now().UTC(),
				SizeBytes:    result.Size,
				SHA256:       result.SHA256,
				ArtifactPath: artifact.MatterGDCKey(shard.OutputPrefix, shard.CustodianEmail, seq, item.SourceItemID),
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
	}
}

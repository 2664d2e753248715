package collector

import (
	"context"
	"time"

	"github.com/cuemby/hco/pkg/router"
	"github.com/cuemby/hco/pkg/types"
)

// CollectionResult is the terminal outcome of a Collect call, per spec §4.8.
type CollectionResult struct {
	OK             bool
	ItemsCount     int64
	Bytes          int64
	ManifestDigest string
	Error          string
}

// CheckpointDelta is one checkpoint's incremental progress, reported
// alongside item/byte deltas. pkg/worker's sink writes each delta through
// checkpoint.Engine.Update, one checkpoint at a time; the checkpoint
// writes and the item/byte deltas are not persisted in one transaction.
type CheckpointDelta struct {
	CheckpointID   int64
	DeltaPayload   []byte
	ItemsProcessed int64
	BytesProcessed int64
}

// ProgressSink receives progress reports from a running Collect call. A
// driver must report at least once per 60s or per 100 items, whichever
// comes first (spec §4.8).
type ProgressSink interface {
	Report(ctx context.Context, itemsDelta, bytesDelta int64, checkpoints []CheckpointDelta) error
}

// Collector is the C8 interface every collection back-end implements.
type Collector interface {
	Estimate(ctx context.Context, req router.Request) (bytes, items int64, confidence router.Confidence, err error)
	Collect(ctx context.Context, shard *types.Shard, resumeSet []*types.Checkpoint, sink ProgressSink) (CollectionResult, error)
}

// progressCadence tracks whether enough items or time have elapsed since
// the last report to justify another one, per the 60s-or-100-items rule.
type progressCadence struct {
	interval      time.Duration
	itemThreshold int64
	lastReport    time.Time
	itemsSince    int64
}

func newProgressCadence(interval time.Duration, itemThreshold int64) *progressCadence {
	return &progressCadence{interval: interval, itemThreshold: itemThreshold, lastReport: time.Now()}
}

func (p *progressCadence) due(itemsDelta int64) bool {
	p.itemsSince += itemsDelta
	if p.itemsSince >= p.itemThreshold {
		return true
	}
	return time.Since(p.lastReport) >= p.interval
}

func (p *progressCadence) reset() {
	p.itemsSince = 0
	p.lastReport = time.Now()
}

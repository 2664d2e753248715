package main

import (
	"fmt"

	"github.com/cuemby/hco/pkg/collector"
	"github.com/cuemby/hco/pkg/types"
)

// unconfiguredCollectorResolver implements worker.CollectorResolver for a
// deployment that has not wired a concrete PerItem/Bulk back-end. Per
// spec §1, the concrete collector implementations (per-item API adapter,
// bulk pipeline trigger, binary fetcher) are external collaborators of
// this core; a real deployment replaces this resolver with one that
// returns a configured *collector.PerItemDriver or *collector.BulkDriver
// keyed on shard.Route.
type unconfiguredCollectorResolver struct{}

func (unconfiguredCollectorResolver) Resolve(shard *types.Shard) (collector.Collector, error) {
	return nil, fmt.Errorf("no collector back-end configured for route %q; wire a PerItemDriver/BulkDriver in cmd/hco before serving traffic", shard.Route)
}

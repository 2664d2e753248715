package metrics

import (
	"context"
	"time"
)

// StatsSource is the subset of pkg/store.MetadataStore the Collector needs:
// counts of jobs and shards grouped by status.
type StatsSource interface {
	CountJobsByStatus(ctx context.Context) (map[string]int64, error)
	CountShardsByStatus(ctx context.Context) (map[string]int64, error)
}

// Collector periodically samples job/shard counts from the MetadataStore
// into the JobsTotal and ShardsTotal gauges.
type Collector struct {
	store  StatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over store.
func NewCollector(store StatsSource) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins the sampling loop.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the sampling loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if counts, err := c.store.CountJobsByStatus(ctx); err == nil {
		for status, n := range counts {
			JobsTotal.WithLabelValues(status).Set(float64(n))
		}
	}

	if counts, err := c.store.CountShardsByStatus(ctx); err == nil {
		for status, n := range counts {
			ShardsTotal.WithLabelValues(status).Set(float64(n))
		}
	}
}

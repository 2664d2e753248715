// Package scheduler is the C6 Shard Scheduler & Lease Manager: a thin
// wrapper over pkg/store's pessimistic-lease operations, plus a
// ticker-driven background loop that reaps expired leases. Heartbeat
// cadence and lease duration come from config.SchedulerConfig.
package scheduler

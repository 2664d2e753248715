// Package worker implements the shard-execution side of C6/C8: a bounded
// pool that claims ready shards from the Scheduler, resolves the
// collector back-end for each shard's route, drives pkg/collector's
// Collect loop with a checkpoint-backed progress sink, keeps the lease
// alive for the duration of the call, and reports the terminal outcome
// back through the Scheduler and pkg/jobcontrol.
package worker

// Package checkpoint is the C7 Checkpoint & Resume Engine: per-shard
// progress markers tagged by types.CheckpointType, shallow-merged on
// update, append-only once completed, and validated for monotonicity
// before a resume set is handed to a collector driver.
package checkpoint

/*
Package types defines the core data structures of the Hybrid Collection
Orchestrator's domain model.

This package contains the entities described in the data model: Matter,
Job, Shard, Checkpoint, CollectedItem, JobLog, and DeltaCursor. These types
are used by every other package — the planner builds Shards, the scheduler
mutates their status and lease fields, the checkpoint engine decodes
Payload per CheckpointType, and the manifest generator streams
CollectedItem rows into a manifest.

# Ownership

A Job exclusively owns its Shards, Checkpoints, CollectedItems, and
JobLogs. pkg/store has no operation that deletes a Job, and the schema's
foreign keys do not cascade on delete. DeltaCursors are owned
per (custodian, delta type) and outlive any single Job.

# Status machines

JobStatus and ShardStatus are string enums with a Terminal() predicate.
ShardStatus additionally exposes Leased(), since a shard's lease fields
(AssignedWorkerID, LeaseToken, LeaseExpiresAt) are set if and only if its
status is one of Assigned, Running, or Retrying.
*/
package types

/*
Package store is the C3 MetadataStore: the system of record for
matters, jobs, shards, checkpoints, collected items, job logs, and delta
cursors.

PostgresStore is the sole implementation, reached through sqlx over
pgx's database/sql driver. Shard assignment goes through
ClaimNextShard, which uses SELECT ... FOR UPDATE SKIP LOCKED so any
number of scheduler processes can poll the same shards table without
double-claiming a row; lease fields (assigned_worker_id, lease_token,
lease_expires_at) are cleared on release, completion, retry, and reap.

Migrate runs the embedded *.sql files in pkg/store/migrations
against a target database in lexical order, recording each applied
filename in a schema_migrations table.
*/
package store

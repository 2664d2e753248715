package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" sql driver
	"github.com/jmoiron/sqlx"

	"github.com/cuemby/hco/pkg/types"
)

// PostgresStore is the MetadataStore implementation backed by Postgres,
// accessed through sqlx over pgx's database/sql driver.
type PostgresStore struct {
	db *sqlx.DB
}

// Open connects to Postgres at dsn and returns a ready PostgresStore.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PostgresStore{db: db}, nil
}

// NewWithDB wraps an already-open sqlx.DB, used by cmd/hco-migrate after
// running migrations on the same connection.
func NewWithDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the underlying connection pool for migration tooling.
func (s *PostgresStore) DB() *sqlx.DB {
	return s.db
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a single Postgres transaction, committing on a
// nil return and rolling back otherwise.
func (s *PostgresStore) WithTx(ctx context.Context, fn TxFunc) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(ctx, s.txView(tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("store: rollback after %v: %w", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) txView(tx *sqlx.Tx) MetadataStore {
	return &PostgresStore{db: sqlx.NewDb(tx.Tx, s.db.DriverName())}
}

// ErrLeaseMismatch is returned when a caller operates on a shard it no
// longer (or never did) hold the lease for.
var ErrLeaseMismatch = errors.New("store: lease token mismatch")

// ErrConflict is returned when an insert violates a unique constraint,
// e.g. a duplicate (shard_id, checkpoint_key) pair on checkpoints.
var ErrConflict = errors.New("store: conflicting row already exists")

// ErrAlreadySealed is returned by SealJobManifest when the manifest has
// already been finalized; sealing is a one-way, idempotent-failure operation.
var ErrAlreadySealed = errors.New("store: job manifest already sealed")

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Matters ---

type matterRow struct {
	ID         int64     `db:"id"`
	Name       string    `db:"name"`
	CaseNumber string    `db:"case_number"`
	CreatedBy  string    `db:"created_by"`
	IsActive   bool      `db:"is_active"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r *matterRow) toMatter() *types.Matter {
	return &types.Matter{
		ID: r.ID, Name: r.Name, CaseNumber: r.CaseNumber,
		CreatedBy: r.CreatedBy, IsActive: r.IsActive, CreatedAt: r.CreatedAt,
	}
}

const matterColumns = `id, name, case_number, created_by, is_active, created_at`

func (s *PostgresStore) CreateMatter(ctx context.Context, m *types.Matter) (*types.Matter, error) {
	var r matterRow
	err := s.db.GetContext(ctx, &r, `
		INSERT INTO matters (name, case_number, created_by, is_active)
		VALUES ($1, $2, $3, $4)
		RETURNING `+matterColumns,
		m.Name, m.CaseNumber, m.CreatedBy, m.IsActive)
	if err != nil {
		return nil, fmt.Errorf("store: create matter %q: %w", m.Name, err)
	}
	return r.toMatter(), nil
}

func (s *PostgresStore) GetMatter(ctx context.Context, id int64) (*types.Matter, error) {
	var r matterRow
	err := s.db.GetContext(ctx, &r, `SELECT `+matterColumns+` FROM matters WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get matter %d: %w", id, err)
	}
	return r.toMatter(), nil
}

func (s *PostgresStore) GetMatterByName(ctx context.Context, name string) (*types.Matter, error) {
	var r matterRow
	err := s.db.GetContext(ctx, &r, `SELECT `+matterColumns+` FROM matters WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get matter %q: %w", name, err)
	}
	return r.toMatter(), nil
}

func (s *PostgresStore) ListMatters(ctx context.Context) ([]*types.Matter, error) {
	var rows []matterRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+matterColumns+` FROM matters ORDER BY id`); err != nil {
		return nil, fmt.Errorf("store: list matters: %w", err)
	}
	out := make([]*types.Matter, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toMatter())
	}
	return out, nil
}

// --- Jobs ---

type jobRow struct {
	ID              int64        `db:"id"`
	MatterID        int64        `db:"matter_id"`
	CustodianEmail  string       `db:"custodian_email"`
	JobType         string       `db:"job_type"`
	Status          string       `db:"status"`
	Route           string       `db:"route"`
	Priority        int          `db:"priority"`
	RangeStart      sql.NullTime `db:"range_start"`
	RangeEnd        sql.NullTime `db:"range_end"`
	EstimatedBytes  int64        `db:"estimated_bytes"`
	EstimatedItems  int64        `db:"estimated_items"`
	ActualBytes     int64        `db:"actual_bytes"`
	ActualItems     int64        `db:"actual_items"`
	OutputPrefix    string       `db:"output_prefix"`
	ManifestHash    string       `db:"manifest_hash"`
	Error           string       `db:"error"`
	CreatedAt       time.Time    `db:"created_at"`
	StartedAt       sql.NullTime `db:"started_at"`
	EndedAt         sql.NullTime `db:"ended_at"`
}

func (r *jobRow) toJob() *types.Job {
	j := &types.Job{
		ID: r.ID, MatterID: r.MatterID, CustodianEmail: r.CustodianEmail,
		JobType: types.JobType(r.JobType), Status: types.JobStatus(r.Status), Route: types.Route(r.Route),
		Priority: r.Priority, EstimatedBytes: r.EstimatedBytes, EstimatedItems: r.EstimatedItems,
		ActualBytes: r.ActualBytes, ActualItems: r.ActualItems,
		OutputPrefix: r.OutputPrefix, ManifestHash: r.ManifestHash, Error: r.Error, CreatedAt: r.CreatedAt,
	}
	if r.RangeStart.Valid {
		j.RangeStart = r.RangeStart.Time
	}
	if r.RangeEnd.Valid {
		j.RangeEnd = r.RangeEnd.Time
	}
	if r.StartedAt.Valid {
		j.StartedAt = &r.StartedAt.Time
	}
	if r.EndedAt.Valid {
		j.EndedAt = &r.EndedAt.Time
	}
	return j
}

const jobColumns = `id, matter_id, custodian_email, job_type, status, route, priority, range_start, range_end, estimated_bytes, estimated_items, actual_bytes, actual_items, output_prefix, manifest_hash, error, created_at, started_at, ended_at`

func (s *PostgresStore) CreateJob(ctx context.Context, job *types.Job) (*types.Job, error) {
	var r jobRow
	err := s.db.GetContext(ctx, &r, `
		INSERT INTO jobs (matter_id, custodian_email, job_type, status, route, priority, range_start, range_end, estimated_bytes, estimated_items)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+jobColumns,
		job.MatterID, job.CustodianEmail, string(job.JobType), string(job.Status), string(job.Route),
		job.Priority, job.RangeStart, job.RangeEnd, job.EstimatedBytes, job.EstimatedItems)
	if err != nil {
		return nil, fmt.Errorf("store: create job: %w", err)
	}
	return r.toJob(), nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id int64) (*types.Job, error) {
	var r jobRow
	err := s.db.GetContext(ctx, &r, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job %d: %w", id, err)
	}
	return r.toJob(), nil
}

func (s *PostgresStore) ListJobsByMatter(ctx context.Context, matterID int64) ([]*types.Job, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+jobColumns+` FROM jobs WHERE matter_id = $1 ORDER BY id`, matterID); err != nil {
		return nil, fmt.Errorf("store: list jobs for matter %d: %w", matterID, err)
	}
	out := make([]*types.Job, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toJob())
	}
	return out, nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id int64, status types.JobStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1,
		    started_at = CASE WHEN $1 = 'Running' THEN COALESCE(started_at, now()) ELSE started_at END
		WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("store: update job %d status: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) UpdateJobRoute(ctx context.Context, id int64, route types.Route) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET route = $1 WHERE id = $2`, string(route), id)
	if err != nil {
		return fmt.Errorf("store: update job %d route: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id int64, status types.JobStatus, endedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = $1, ended_at = $2 WHERE id = $3`, string(status), endedAt, id)
	if err != nil {
		return fmt.Errorf("store: complete job %d: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) UpdateJobActuals(ctx context.Context, id int64, actualBytes, actualItems int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET actual_bytes = $1, actual_items = $2, error = $3 WHERE id = $4`,
		actualBytes, actualItems, errMsg, id)
	if err != nil {
		return fmt.Errorf("store: update job %d actuals: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) CountJobsByStatus(ctx context.Context) (map[string]int64, error) {
	return countByStatus(ctx, s.db, `SELECT status, count(*) FROM jobs GROUP BY status`)
}

// --- Shards ---

type shardRow struct {
	ID               int64        `db:"id"`
	ParentJobID      int64        `db:"parent_job_id"`
	ShardIndex       int          `db:"shard_index"`
	TotalShards      int          `db:"total_shards"`
	ShardIdentifier  string       `db:"shard_identifier"`
	CustodianEmail   string       `db:"custodian_email"`
	StartDate        time.Time    `db:"start_date"`
	EndDate          time.Time    `db:"end_date"`
	JobType          string       `db:"job_type"`
	Route            string       `db:"route"`
	Status           string       `db:"status"`
	AssignedWorkerID string       `db:"assigned_worker_id"`
	LeaseToken       string       `db:"lease_token"`
	LeaseExpiresAt   sql.NullTime `db:"lease_expires_at"`
	EstimatedBytes   int64        `db:"estimated_bytes"`
	EstimatedItems   int64        `db:"estimated_items"`
	ActualBytes      int64        `db:"actual_bytes"`
	ActualItems      int64        `db:"actual_items"`
	ProcessedBytes   int64        `db:"processed_bytes"`
	ProcessedItems   int64        `db:"processed_items"`
	ProgressPct      float64      `db:"progress_pct"`
	RetryCount       int          `db:"retry_count"`
	MaxRetries       int          `db:"max_retries"`
	OutputPrefix     string       `db:"output_prefix"`
	ManifestHash     string       `db:"manifest_hash"`
	Error            string       `db:"error"`
	Version          int64        `db:"version"`
	CreatedAt        time.Time    `db:"created_at"`
	StartedAt        sql.NullTime `db:"started_at"`
	EndedAt          sql.NullTime `db:"ended_at"`
}

func (r *shardRow) toShard() *types.Shard {
	sh := &types.Shard{
		ID: r.ID, ParentJobID: r.ParentJobID, ShardIndex: r.ShardIndex, TotalShards: r.TotalShards,
		ShardIdentifier: r.ShardIdentifier, CustodianEmail: r.CustodianEmail,
		StartDate: r.StartDate, EndDate: r.EndDate,
		JobType: types.JobType(r.JobType), Route: types.Route(r.Route), Status: types.ShardStatus(r.Status),
		AssignedWorkerID: r.AssignedWorkerID, LeaseToken: r.LeaseToken,
		EstimatedBytes: r.EstimatedBytes, EstimatedItems: r.EstimatedItems,
		ActualBytes: r.ActualBytes, ActualItems: r.ActualItems,
		ProcessedBytes: r.ProcessedBytes, ProcessedItems: r.ProcessedItems, ProgressPct: r.ProgressPct,
		RetryCount: r.RetryCount, MaxRetries: r.MaxRetries,
		OutputPrefix: r.OutputPrefix, ManifestHash: r.ManifestHash, Error: r.Error,
		Version: r.Version, CreatedAt: r.CreatedAt,
	}
	if r.LeaseExpiresAt.Valid {
		sh.LeaseExpiresAt = &r.LeaseExpiresAt.Time
	}
	if r.StartedAt.Valid {
		sh.StartedAt = &r.StartedAt.Time
	}
	if r.EndedAt.Valid {
		sh.EndedAt = &r.EndedAt.Time
	}
	return sh
}

const shardColumns = `id, parent_job_id, shard_index, total_shards, shard_identifier, custodian_email, start_date, end_date, job_type, route, status, assigned_worker_id, lease_token, lease_expires_at, estimated_bytes, estimated_items, actual_bytes, actual_items, processed_bytes, processed_items, progress_pct, retry_count, max_retries, output_prefix, manifest_hash, error, version, created_at, started_at, ended_at`

const shardColumnsQualified = `s.id, s.parent_job_id, s.shard_index, s.total_shards, s.shard_identifier, s.custodian_email, s.start_date, s.end_date, s.job_type, s.route, s.status, s.assigned_worker_id, s.lease_token, s.lease_expires_at, s.estimated_bytes, s.estimated_items, s.actual_bytes, s.actual_items, s.processed_bytes, s.processed_items, s.progress_pct, s.retry_count, s.max_retries, s.output_prefix, s.manifest_hash, s.error, s.version, s.created_at, s.started_at, s.ended_at`

func (s *PostgresStore) CreateShards(ctx context.Context, shards []*types.Shard) error {
	if len(shards) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin create shards: %w", err)
	}
	for _, sh := range shards {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO shards (parent_job_id, shard_index, total_shards, shard_identifier, custodian_email, start_date, end_date, job_type, route, status, estimated_bytes, estimated_items, max_retries)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			sh.ParentJobID, sh.ShardIndex, sh.TotalShards, sh.ShardIdentifier, sh.CustodianEmail,
			sh.StartDate, sh.EndDate, string(sh.JobType), string(sh.Route), string(sh.Status),
			sh.EstimatedBytes, sh.EstimatedItems, sh.MaxRetries)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("store: insert shard %s: %w", sh.ShardIdentifier, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit create shards: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetShard(ctx context.Context, id int64) (*types.Shard, error) {
	var r shardRow
	err := s.db.GetContext(ctx, &r, `SELECT `+shardColumns+` FROM shards WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get shard %d: %w", id, err)
	}
	return r.toShard(), nil
}

func (s *PostgresStore) ListShardsByJob(ctx context.Context, jobID int64) ([]*types.Shard, error) {
	var rows []shardRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+shardColumns+` FROM shards WHERE parent_job_id = $1 ORDER BY shard_index`, jobID); err != nil {
		return nil, fmt.Errorf("store: list shards for job %d: %w", jobID, err)
	}
	out := make([]*types.Shard, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toShard())
	}
	return out, nil
}

func (s *PostgresStore) CountShardsByStatus(ctx context.Context) (map[string]int64, error) {
	return countByStatus(ctx, s.db, `SELECT status, count(*) FROM shards GROUP BY status`)
}

// CancelShardsByJob moves every non-terminal shard of jobID to Cancelled
// and clears its lease, per spec §5's job-cancellation semantics. It
// returns the number of shards cancelled.
func (s *PostgresStore) CancelShardsByJob(ctx context.Context, jobID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE shards
		SET status = $1, lease_token = '', lease_expires_at = NULL, assigned_worker_id = ''
		WHERE parent_job_id = $2
		  AND status NOT IN ($3, $4, $5, $6)`,
		string(types.ShardStatusCancelled), jobID,
		string(types.ShardStatusCompleted), string(types.ShardStatusFailed),
		string(types.ShardStatusPartiallyCompleted), string(types.ShardStatusCancelled))
	if err != nil {
		return 0, fmt.Errorf("store: cancel shards for job %d: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: cancel shards for job %d: %w", jobID, err)
	}
	return n, nil
}

// ClaimNextShard selects one claimable shard using SELECT ... FOR UPDATE
// SKIP LOCKED so concurrent scheduler instances never contend on the
// same row, then assigns it to workerID with a fresh lease token.
func (s *PostgresStore) ClaimNextShard(ctx context.Context, workerID string, leaseDuration time.Duration) (*types.Shard, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin claim: %w", err)
	}

	var r shardRow
	err = tx.GetContext(ctx, &r, `
		SELECT `+shardColumnsQualified+` FROM shards s
		JOIN jobs j ON j.id = s.parent_job_id
		WHERE s.status IN ('Pending', 'Retrying')
		   OR (s.status = 'Assigned' AND s.lease_expires_at < now())
		ORDER BY j.priority ASC, s.created_at ASC, s.shard_index ASC
		FOR UPDATE OF s SKIP LOCKED
		LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return nil, nil
	}
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("store: select claimable shard: %w", err)
	}

	token := uuid.NewString()
	expiresAt := time.Now().Add(leaseDuration)
	_, err = tx.ExecContext(ctx, `
		UPDATE shards SET status = 'Assigned', assigned_worker_id = $1, lease_token = $2, lease_expires_at = $3,
			version = version + 1, started_at = COALESCE(started_at, now())
		WHERE id = $4`, workerID, token, expiresAt, r.ID)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("store: assign shard %d: %w", r.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit claim: %w", err)
	}

	r.Status = string(types.ShardStatusAssigned)
	r.AssignedWorkerID = workerID
	r.LeaseToken = token
	r.LeaseExpiresAt = sql.NullTime{Time: expiresAt, Valid: true}
	r.Version++
	return r.toShard(), nil
}

func (s *PostgresStore) ExtendLease(ctx context.Context, shardID int64, leaseToken string, leaseDuration time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE shards SET lease_expires_at = $1
		WHERE id = $2 AND lease_token = $3 AND status IN ('Assigned', 'Running')`,
		time.Now().Add(leaseDuration), shardID, leaseToken)
	if err != nil {
		return fmt.Errorf("store: extend lease on shard %d: %w", shardID, err)
	}
	return checkRowsAffected(res, shardID, "extend lease")
}

func (s *PostgresStore) ReleaseShard(ctx context.Context, shardID int64, leaseToken string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE shards SET status = 'Pending', assigned_worker_id = '', lease_token = '', lease_expires_at = NULL
		WHERE id = $1 AND lease_token = $2`, shardID, leaseToken)
	if err != nil {
		return fmt.Errorf("store: release shard %d: %w", shardID, err)
	}
	return checkRowsAffected(res, shardID, "release")
}

func (s *PostgresStore) CompleteShard(ctx context.Context, shardID int64, leaseToken string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE shards SET status = 'Completed', assigned_worker_id = '', lease_token = '', lease_expires_at = NULL, ended_at = now(), progress_pct = 100
		WHERE id = $1 AND lease_token = $2`, shardID, leaseToken)
	if err != nil {
		return fmt.Errorf("store: complete shard %d: %w", shardID, err)
	}
	return checkRowsAffected(res, shardID, "complete")
}

// RetryShard moves a failed shard back to Retrying if attempts remain,
// otherwise marks it Failed. retried reports which branch was taken.
func (s *PostgresStore) RetryShard(ctx context.Context, shardID int64, leaseToken string, lastErr string) (bool, error) {
	var retryCount, maxRetries int
	err := s.db.QueryRowContext(ctx, `
		SELECT retry_count, max_retries FROM shards WHERE id = $1 AND lease_token = $2`,
		shardID, leaseToken).Scan(&retryCount, &maxRetries)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("store: retry shard %d: %w", shardID, ErrLeaseMismatch)
	}
	if err != nil {
		return false, fmt.Errorf("store: read retry count for shard %d: %w", shardID, err)
	}

	nextStatus := "Retrying"
	retried := true
	if retryCount >= maxRetries {
		nextStatus = "Failed"
		retried = false
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE shards SET status = $1, assigned_worker_id = '', lease_token = '', lease_expires_at = NULL, error = $2,
			retry_count = retry_count + 1, version = version + 1,
			ended_at = CASE WHEN $1 = 'Failed' THEN now() ELSE ended_at END
		WHERE id = $3 AND lease_token = $4`, nextStatus, lastErr, shardID, leaseToken)
	if err != nil {
		return false, fmt.Errorf("store: retry shard %d: %w", shardID, err)
	}
	if err := checkRowsAffected(res, shardID, "retry"); err != nil {
		return false, err
	}
	return retried, nil
}

// ReapExpiredLeases increments retry_count on every Assigned or Running
// shard whose lease has expired, clears its lease fields, and transitions
// it back to Pending if retries remain or to Failed otherwise, returning
// the number reaped. A single UPDATE is used so Postgres's own row-level
// locking — not an explicit version check — prevents two concurrent
// reapers from double-counting the same row.
func (s *PostgresStore) ReapExpiredLeases(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE shards SET
			status = CASE WHEN retry_count + 1 <= max_retries THEN 'Pending' ELSE 'Failed' END,
			assigned_worker_id = '', lease_token = '', lease_expires_at = NULL,
			retry_count = retry_count + 1, version = version + 1,
			error = 'lease expired',
			ended_at = CASE WHEN retry_count + 1 > max_retries THEN now() ELSE ended_at END
		WHERE status IN ('Assigned', 'Running') AND lease_expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("store: reap expired leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: reap rows affected: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) UpdateShardProgress(ctx context.Context, shardID int64, leaseToken string, processedItems, processedBytes int64, progressPct float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE shards SET status = 'Running', processed_items = $1, processed_bytes = $2, progress_pct = $3
		WHERE id = $4 AND lease_token = $5`, processedItems, processedBytes, progressPct, shardID, leaseToken)
	if err != nil {
		return fmt.Errorf("store: update progress for shard %d: %w", shardID, err)
	}
	return checkRowsAffected(res, shardID, "update progress")
}

// --- Checkpoints ---

func (s *PostgresStore) CreateCheckpoint(ctx context.Context, cp *types.Checkpoint) (*types.Checkpoint, error) {
	out := *cp
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO checkpoints (shard_id, checkpoint_type, checkpoint_key, payload, items_processed, bytes_processed, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		cp.ShardID, string(cp.CheckpointType), cp.CheckpointKey, []byte(cp.Payload), cp.ItemsProcessed, cp.BytesProcessed, cp.CorrelationID,
	).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("store: checkpoint %d/%s: %w", cp.ShardID, cp.CheckpointKey, ErrConflict)
		}
		return nil, fmt.Errorf("store: create checkpoint for shard %d: %w", cp.ShardID, err)
	}
	return &out, nil
}

func (s *PostgresStore) UpdateCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE checkpoints SET payload = $1, items_processed = $2, bytes_processed = $3,
			is_completed = $4, completed_at = $5
		WHERE id = $6`,
		[]byte(cp.Payload), cp.ItemsProcessed, cp.BytesProcessed, cp.IsCompleted, cp.CompletedAt, cp.ID)
	if err != nil {
		return fmt.Errorf("store: update checkpoint %d: %w", cp.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, checkpointID int64) (*types.Checkpoint, error) {
	var (
		cp      types.Checkpoint
		cpType  string
		payload []byte
		comp    sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, shard_id, checkpoint_type, checkpoint_key, payload, items_processed, bytes_processed, is_completed, correlation_id, created_at, completed_at
		FROM checkpoints WHERE id = $1`, checkpointID,
	).Scan(&cp.ID, &cp.ShardID, &cpType, &cp.CheckpointKey, &payload, &cp.ItemsProcessed, &cp.BytesProcessed,
		&cp.IsCompleted, &cp.CorrelationID, &cp.CreatedAt, &comp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get checkpoint %d: %w", checkpointID, err)
	}
	cp.CheckpointType = types.CheckpointType(cpType)
	cp.Payload = payload
	if comp.Valid {
		cp.CompletedAt = &comp.Time
	}
	return &cp, nil
}

func (s *PostgresStore) ListCheckpointsByShard(ctx context.Context, shardID int64) ([]*types.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shard_id, checkpoint_type, checkpoint_key, payload, items_processed, bytes_processed, is_completed, correlation_id, created_at, completed_at
		FROM checkpoints WHERE shard_id = $1 ORDER BY created_at ASC`, shardID)
	if err != nil {
		return nil, fmt.Errorf("store: list checkpoints for shard %d: %w", shardID, err)
	}
	defer rows.Close()

	var out []*types.Checkpoint
	for rows.Next() {
		var (
			cp      types.Checkpoint
			cpType  string
			payload []byte
			comp    sql.NullTime
		)
		if err := rows.Scan(&cp.ID, &cp.ShardID, &cpType, &cp.CheckpointKey, &payload, &cp.ItemsProcessed, &cp.BytesProcessed,
			&cp.IsCompleted, &cp.CorrelationID, &cp.CreatedAt, &comp); err != nil {
			return nil, fmt.Errorf("store: scan checkpoint row: %w", err)
		}
		cp.CheckpointType = types.CheckpointType(cpType)
		cp.Payload = payload
		if comp.Valid {
			cp.CompletedAt = &comp.Time
		}
		out = append(out, &cp)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestCheckpoint(ctx context.Context, shardID int64) (*types.Checkpoint, error) {
	var (
		cp      types.Checkpoint
		cpType  string
		payload []byte
		comp    sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, shard_id, checkpoint_type, checkpoint_key, payload, items_processed, bytes_processed, is_completed, correlation_id, created_at, completed_at
		FROM checkpoints WHERE shard_id = $1 ORDER BY id DESC LIMIT 1`, shardID,
	).Scan(&cp.ID, &cp.ShardID, &cpType, &cp.CheckpointKey, &payload, &cp.ItemsProcessed, &cp.BytesProcessed,
		&cp.IsCompleted, &cp.CorrelationID, &cp.CreatedAt, &comp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest checkpoint for shard %d: %w", shardID, err)
	}
	cp.CheckpointType = types.CheckpointType(cpType)
	cp.Payload = payload
	if comp.Valid {
		cp.CompletedAt = &comp.Time
	}
	return &cp, nil
}

// --- Collected items ---

// RecordCollectedItem upserts item, scoping idempotency to (shard_id,
// source_item_id) per spec §3/§8 property 1: two shards that happen to
// collect the same source_item_id (e.g. after a shard is re-planned)
// record two distinct rows, not one. job_id is carried on the row purely
// to serve ListCollectedItemsByJob and is derived from shardID here
// rather than taken as a caller-supplied parameter, so the two can never
// disagree.
func (s *PostgresStore) RecordCollectedItem(ctx context.Context, shardID int64, item *types.CollectedItem) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO collected_items (shard_id, job_id, source_item_id, item_type, subject, item_from, item_to, item_date, size_bytes, sha256, artifact_path, is_successful, error)
		VALUES ($1, (SELECT parent_job_id FROM shards WHERE id = $1), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (shard_id, source_item_id) DO UPDATE SET
			size_bytes = EXCLUDED.size_bytes, sha256 = EXCLUDED.sha256,
			artifact_path = EXCLUDED.artifact_path, is_successful = EXCLUDED.is_successful, error = EXCLUDED.error
		RETURNING id, collected_at`,
		shardID, item.SourceItemID, item.ItemType, item.Subject, item.From, item.To,
		item.ItemDate, item.SizeBytes, item.SHA256, item.ArtifactPath, item.IsSuccessful, item.Error,
	).Scan(&item.ID, &item.CollectedAt)
	if err != nil {
		return fmt.Errorf("store: record collected item %s: %w", item.SourceItemID, err)
	}
	item.ShardID = shardID
	return nil
}

type collectedItemRow struct {
	ID           int64        `db:"id"`
	ShardID      int64        `db:"shard_id"`
	SourceItemID string       `db:"source_item_id"`
	ItemType     string       `db:"item_type"`
	Subject      string       `db:"subject"`
	From         string       `db:"item_from"`
	To           string       `db:"item_to"`
	ItemDate     sql.NullTime `db:"item_date"`
	CollectedAt  time.Time    `db:"collected_at"`
	SizeBytes    int64        `db:"size_bytes"`
	SHA256       string       `db:"sha256"`
	ArtifactPath string       `db:"artifact_path"`
	IsSuccessful bool         `db:"is_successful"`
	Error        string       `db:"error"`
}

func (r *collectedItemRow) toItem() *types.CollectedItem {
	item := &types.CollectedItem{
		ID: r.ID, ShardID: r.ShardID, SourceItemID: r.SourceItemID, ItemType: r.ItemType,
		Subject: r.Subject, From: r.From, To: r.To, CollectedAt: r.CollectedAt,
		SizeBytes: r.SizeBytes, SHA256: r.SHA256, ArtifactPath: r.ArtifactPath,
		IsSuccessful: r.IsSuccessful, Error: r.Error,
	}
	if r.ItemDate.Valid {
		item.ItemDate = &r.ItemDate.Time
	}
	return item
}

func (s *PostgresStore) ListCollectedItemsByJob(ctx context.Context, jobID int64) ([]*types.CollectedItem, error) {
	var rows []collectedItemRow
	// Ordered by (shard_index, id) per pkg/manifest's build procedure, which
	// needs a stable, reproducible sequence across reruns.
	err := s.db.SelectContext(ctx, &rows, `
		SELECT ci.id, ci.shard_id, ci.source_item_id, ci.item_type, ci.subject, ci.item_from, ci.item_to, ci.item_date,
			ci.collected_at, ci.size_bytes, ci.sha256, ci.artifact_path, ci.is_successful, ci.error
		FROM collected_items ci
		JOIN shards s ON s.id = ci.shard_id
		WHERE ci.job_id = $1
		ORDER BY s.shard_index, ci.id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("store: list collected items for job %d: %w", jobID, err)
	}
	out := make([]*types.CollectedItem, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toItem())
	}
	return out, nil
}

// --- Job logs ---

func (s *PostgresStore) AppendJobLog(ctx context.Context, entry *types.JobLog) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO job_logs (job_id, level, category, message, details, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, ts`,
		entry.JobID, string(entry.Level), entry.Category, entry.Message, nullableJSON(entry.Details), entry.CorrelationID,
	).Scan(&entry.ID, &entry.Ts)
	if err != nil {
		return fmt.Errorf("store: append job log for job %d: %w", entry.JobID, err)
	}
	return nil
}

func (s *PostgresStore) ListJobLogs(ctx context.Context, jobID int64, limit int) ([]*types.JobLog, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, job_id, level, category, message, details, correlation_id, ts
		FROM job_logs WHERE job_id = $1 ORDER BY id DESC LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list job logs for job %d: %w", jobID, err)
	}
	defer rows.Close()

	var out []*types.JobLog
	for rows.Next() {
		var e types.JobLog
		var level, category, correlationID string
		var details []byte
		if err := rows.Scan(&e.ID, &e.JobID, &level, &category, &e.Message, &details, &correlationID, &e.Ts); err != nil {
			return nil, fmt.Errorf("store: scan job log: %w", err)
		}
		e.Level = types.LogLevel(level)
		e.Category = category
		e.CorrelationID = correlationID
		e.Details = details
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- Delta cursors ---

const deltaCursorColumns = `id, scope_id, delta_type, custodian_email, delta_token, last_delta_at, baseline_completed_at, last_delta_items, last_delta_bytes, delta_query_count, is_active, error`

type deltaCursorRow struct {
	ID                  int64        `db:"id"`
	ScopeID             string       `db:"scope_id"`
	DeltaType           string       `db:"delta_type"`
	CustodianEmail      string       `db:"custodian_email"`
	DeltaToken          string       `db:"delta_token"`
	LastDeltaAt         sql.NullTime `db:"last_delta_at"`
	BaselineCompletedAt sql.NullTime `db:"baseline_completed_at"`
	LastDeltaItems      int64        `db:"last_delta_items"`
	LastDeltaBytes      int64        `db:"last_delta_bytes"`
	DeltaQueryCount     int64        `db:"delta_query_count"`
	IsActive            bool         `db:"is_active"`
	Error               string       `db:"error"`
}

func (r *deltaCursorRow) toCursor() *types.DeltaCursor {
	dc := &types.DeltaCursor{
		ID: r.ID, ScopeID: r.ScopeID, DeltaType: types.DeltaType(r.DeltaType), CustodianEmail: r.CustodianEmail,
		DeltaToken: r.DeltaToken, LastDeltaItems: r.LastDeltaItems, LastDeltaBytes: r.LastDeltaBytes,
		DeltaQueryCount: r.DeltaQueryCount, IsActive: r.IsActive, Error: r.Error,
	}
	if r.LastDeltaAt.Valid {
		dc.LastDeltaAt = r.LastDeltaAt.Time
	}
	if r.BaselineCompletedAt.Valid {
		dc.BaselineCompletedAt = &r.BaselineCompletedAt.Time
	}
	return dc
}

func (s *PostgresStore) GetDeltaCursor(ctx context.Context, scopeID string, deltaType types.DeltaType) (*types.DeltaCursor, error) {
	var r deltaCursorRow
	err := s.db.GetContext(ctx, &r, `
		SELECT `+deltaCursorColumns+` FROM delta_cursors WHERE scope_id = $1 AND delta_type = $2`,
		scopeID, string(deltaType))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get delta cursor: %w", err)
	}
	return r.toCursor(), nil
}

func (s *PostgresStore) UpsertDeltaCursor(ctx context.Context, cursor *types.DeltaCursor) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO delta_cursors (scope_id, delta_type, custodian_email, delta_token, last_delta_at, last_delta_items, last_delta_bytes, delta_query_count, is_active, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (scope_id, delta_type) DO UPDATE SET
			delta_token = EXCLUDED.delta_token, last_delta_at = EXCLUDED.last_delta_at,
			last_delta_items = EXCLUDED.last_delta_items, last_delta_bytes = EXCLUDED.last_delta_bytes,
			delta_query_count = EXCLUDED.delta_query_count, is_active = EXCLUDED.is_active, error = EXCLUDED.error
		RETURNING id`,
		cursor.ScopeID, string(cursor.DeltaType), cursor.CustodianEmail, cursor.DeltaToken,
		nullTime(cursor.LastDeltaAt), cursor.LastDeltaItems, cursor.LastDeltaBytes, cursor.DeltaQueryCount, cursor.IsActive, cursor.Error,
	).Scan(&cursor.ID)
	if err != nil {
		return fmt.Errorf("store: upsert delta cursor: %w", err)
	}
	return nil
}

// --- Job manifests ---

const jobManifestColumns = `id, job_id, manifest_id, items_hash, manifest_hash, json_path, csv_path, worm_path, worm_compliant, signature_algo, verification, created_at, finalized_at`

type jobManifestRow struct {
	ID            int64          `db:"id"`
	JobID         int64          `db:"job_id"`
	ManifestID    string         `db:"manifest_id"`
	ItemsHash     string         `db:"items_hash"`
	ManifestHash  string         `db:"manifest_hash"`
	JSONPath      string         `db:"json_path"`
	CSVPath       string         `db:"csv_path"`
	WORMPath      string         `db:"worm_path"`
	WormCompliant bool           `db:"worm_compliant"`
	SignatureAlgo string         `db:"signature_algo"`
	Verification  string         `db:"verification"`
	CreatedAt     time.Time      `db:"created_at"`
	FinalizedAt   sql.NullTime   `db:"finalized_at"`
}

func (r *jobManifestRow) toManifest() *types.JobManifest {
	m := &types.JobManifest{
		ID: r.ID, JobID: r.JobID, ManifestID: r.ManifestID, ItemsHash: r.ItemsHash, ManifestHash: r.ManifestHash,
		JSONPath: r.JSONPath, CSVPath: r.CSVPath, WORMPath: r.WORMPath, WormCompliant: r.WormCompliant,
		SignatureAlgo: r.SignatureAlgo, Verification: types.ManifestVerification(r.Verification), CreatedAt: r.CreatedAt,
	}
	if r.FinalizedAt.Valid {
		m.FinalizedAt = &r.FinalizedAt.Time
	}
	return m
}

func (s *PostgresStore) CreateJobManifest(ctx context.Context, m *types.JobManifest) (*types.JobManifest, error) {
	out := *m
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO job_manifests (job_id, manifest_id, items_hash, manifest_hash, json_path, csv_path, worm_path, worm_compliant, signature_algo, verification)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at`,
		m.JobID, m.ManifestID, m.ItemsHash, m.ManifestHash, m.JSONPath, m.CSVPath, m.WORMPath, m.WormCompliant, m.SignatureAlgo, string(m.Verification),
	).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("store: manifest for job %d: %w", m.JobID, ErrConflict)
		}
		return nil, fmt.Errorf("store: create job manifest for job %d: %w", m.JobID, err)
	}
	return &out, nil
}

func (s *PostgresStore) GetJobManifestByJobID(ctx context.Context, jobID int64) (*types.JobManifest, error) {
	var r jobManifestRow
	err := s.db.GetContext(ctx, &r, `SELECT `+jobManifestColumns+` FROM job_manifests WHERE job_id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job manifest for job %d: %w", jobID, err)
	}
	return r.toManifest(), nil
}

func (s *PostgresStore) GetJobManifestByManifestID(ctx context.Context, manifestID string) (*types.JobManifest, error) {
	var r jobManifestRow
	err := s.db.GetContext(ctx, &r, `SELECT `+jobManifestColumns+` FROM job_manifests WHERE manifest_id = $1`, manifestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job manifest %s: %w", manifestID, err)
	}
	return r.toManifest(), nil
}

func (s *PostgresStore) SealJobManifest(ctx context.Context, manifestID string, wormPath string, finalizedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_manifests SET worm_path = $1, worm_compliant = true, finalized_at = $2
		WHERE manifest_id = $3 AND finalized_at IS NULL`, wormPath, finalizedAt, manifestID)
	if err != nil {
		return fmt.Errorf("store: seal job manifest %s: %w", manifestID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: seal job manifest %s rows affected: %w", manifestID, err)
	}
	if n == 0 {
		return fmt.Errorf("store: seal job manifest %s: %w", manifestID, ErrAlreadySealed)
	}
	return nil
}

func (s *PostgresStore) SetManifestVerification(ctx context.Context, manifestID string, v types.ManifestVerification) error {
	_, err := s.db.ExecContext(ctx, `UPDATE job_manifests SET verification = $1 WHERE manifest_id = $2`, string(v), manifestID)
	if err != nil {
		return fmt.Errorf("store: set verification for manifest %s: %w", manifestID, err)
	}
	return nil
}

// --- helpers ---

func countByStatus(ctx context.Context, db *sqlx.DB, query string) (map[string]int64, error) {
	rows, err := db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w", query, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store: scan status count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

func checkRowsAffected(res sql.Result, id int64, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: %s shard %d rows affected: %w", op, id, err)
	}
	if n == 0 {
		return fmt.Errorf("store: %s shard %d: %w", op, id, ErrLeaseMismatch)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

package api

import (
	"time"

	"github.com/cuemby/hco/pkg/router"
	"github.com/cuemby/hco/pkg/types"
)

// createMatterBody is the POST /matters request body.
type createMatterBody struct {
	Name       string `json:"name" validate:"required,max=200"`
	CaseNumber string `json:"case_number" validate:"required,max=100"`
	CreatedBy  string `json:"created_by" validate:"required"`
}

// createJobBody is the POST /jobs request body (spec §6's
// CreateJobRequest).
type createJobBody struct {
	MatterID           int64     `json:"matter_id" validate:"required,gt=0"`
	CustodianEmail     string    `json:"custodian_email" validate:"required,email"`
	JobType            string    `json:"job_type" validate:"required,oneof=Email OneDrive SharePoint Teams Mixed"`
	Start              time.Time `json:"start" validate:"required"`
	End                time.Time `json:"end" validate:"required"`
	Priority           int       `json:"priority" validate:"omitempty,min=1,max=10"`
	MaxRetries         int       `json:"max_retries" validate:"omitempty,min=0"`
	Keywords           []string  `json:"keywords"`
	IncludeAttachments bool      `json:"include_attachments"`
}

// createJobResponse bundles the persisted Job with the routing decision
// snapshot, per spec §6: "Response: Job + routing decision snapshot."
type createJobResponse struct {
	Job      *types.Job      `json:"job"`
	Decision router.Decision `json:"routing_decision"`
}

// startJobBody is the POST /jobs/{id}/start request body.
type startJobBody struct {
	MaxRetries int `json:"max_retries" validate:"omitempty,min=0"`
}

// completeJobBody is the POST /jobs/{id}/complete request body — "body
// carries actuals" per spec §6.
type completeJobBody struct {
	Status      string `json:"status" validate:"required,oneof=Completed Failed PartiallyCompleted Cancelled"`
	ActualBytes int64  `json:"actual_bytes" validate:"min=0"`
	ActualItems int64  `json:"actual_items" validate:"min=0"`
	Error       string `json:"error"`
}

// ingestItemsBody is the POST /jobs/{id}/items request body — "batches
// of <= 100 per call" per spec §6.
type ingestItemsBody struct {
	Items []collectedItemBody `json:"items" validate:"required,min=1,max=100,dive"`
}

type collectedItemBody struct {
	ShardID      int64      `json:"shard_id" validate:"required,gt=0"`
	SourceItemID string     `json:"source_item_id" validate:"required"`
	ItemType     string     `json:"item_type" validate:"required"`
	Subject      string     `json:"subject"`
	From         string     `json:"from"`
	To           string     `json:"to"`
	ItemDate     *time.Time `json:"item_date"`
	CollectedAt  time.Time  `json:"collected_at" validate:"required"`
	SizeBytes    int64      `json:"size_bytes" validate:"min=0"`
	SHA256       string     `json:"sha256"`
	ArtifactPath string     `json:"artifact_path"`
	IsSuccessful bool       `json:"is_successful"`
	Error        string     `json:"error"`
}

func (b collectedItemBody) toItem() *types.CollectedItem {
	return &types.CollectedItem{
		ShardID:      b.ShardID,
		SourceItemID: b.SourceItemID,
		ItemType:     b.ItemType,
		Subject:      b.Subject,
		From:         b.From,
		To:           b.To,
		ItemDate:     b.ItemDate,
		CollectedAt:  b.CollectedAt,
		SizeBytes:    b.SizeBytes,
		SHA256:       b.SHA256,
		ArtifactPath: b.ArtifactPath,
		IsSuccessful: b.IsSuccessful,
		Error:        b.Error,
	}
}

// reconcileBody is the POST /jobs/{id}/reconcile request body, matching
// spec §6's `{ source_manifest_path, collected_manifest_path, custodian?, dry_run }`.
type reconcileBody struct {
	SourceManifestPath    string `json:"source_manifest_path" validate:"required"`
	CollectedManifestPath string `json:"collected_manifest_path" validate:"required"`
	Custodian             string `json:"custodian"`
	DryRun                bool   `json:"dry_run"`
}

// reconcileAcceptedResponse is what spec §6 calls "accepted + job id"
// for the reconcile endpoint.
type reconcileAcceptedResponse struct {
	Accepted     bool   `json:"accepted"`
	JobID        int64  `json:"job_id"`
	OverallPassed bool  `json:"overall_passed"`
}

// claimNextRequest is the POST /sharded-jobs/shards/next request body —
// a worker identifying itself for the claim.
type claimNextRequest struct {
	WorkerID string `json:"worker_id" validate:"required"`
}

// shardProgressBody is the PUT /sharded-jobs/shards/{id}/progress
// request body.
type shardProgressBody struct {
	LeaseToken     string  `json:"lease_token" validate:"required"`
	ProcessedItems int64   `json:"processed_items" validate:"min=0"`
	ProcessedBytes int64   `json:"processed_bytes" validate:"min=0"`
	ProgressPct    float64 `json:"progress_pct" validate:"min=0,max=100"`
}

// shardCompleteBody is the PUT /sharded-jobs/shards/{id}/complete
// request body.
type shardCompleteBody struct {
	LeaseToken string `json:"lease_token" validate:"required"`
}

// shardReleaseBody is the POST /sharded-jobs/shards/{id}/release
// request body.
type shardReleaseBody struct {
	LeaseToken string `json:"lease_token" validate:"required"`
}

// shardRetryBody is the POST /sharded-jobs/shards/{id}/retry request
// body.
type shardRetryBody struct {
	LeaseToken string `json:"lease_token" validate:"required"`
	Reason     string `json:"reason"`
}

// shardRetryResponse reports which branch Scheduler.Retry took.
type shardRetryResponse struct {
	Retried bool `json:"retried"`
}

// cleanupLocksResponse reports how many expired leases were reaped.
type cleanupLocksResponse struct {
	Reaped int64 `json:"reaped"`
}

// manifestVerifyResponse is the body of POST /custody/manifest/verify/{id}.
type manifestVerifyResponse struct {
	ManifestID   string `json:"manifest_id"`
	Verification string `json:"verification"`
}

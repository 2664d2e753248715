package types

import (
	"encoding/json"
	"time"
)

// Matter is an investigation container that owns zero or more Jobs.
type Matter struct {
	ID         int64
	Name       string
	CaseNumber string
	CreatedAt  time.Time
	CreatedBy  string
	IsActive   bool
}

// JobType identifies the kind of data source a Job collects from.
type JobType string

const (
	JobTypeEmail      JobType = "Email"
	JobTypeOneDrive   JobType = "OneDrive"
	JobTypeSharePoint JobType = "SharePoint"
	JobTypeTeams      JobType = "Teams"
	JobTypeMixed      JobType = "Mixed"
)

// Route identifies which collection back-end a Job or Shard uses.
type Route string

const (
	RoutePerItemApi   Route = "PerItemApi"
	RouteBulkPipeline Route = "BulkPipeline"
	RouteHybrid       Route = "Hybrid"
)

// JobStatus is the Job lifecycle state machine from spec §3:
// Pending -> Planning -> Running -> (Completed | Failed | PartiallyCompleted | Cancelled).
type JobStatus string

const (
	JobStatusPending            JobStatus = "Pending"
	JobStatusPlanning           JobStatus = "Planning"
	JobStatusRunning            JobStatus = "Running"
	JobStatusCompleted          JobStatus = "Completed"
	JobStatusFailed             JobStatus = "Failed"
	JobStatusPartiallyCompleted JobStatus = "PartiallyCompleted"
	JobStatusCancelled          JobStatus = "Cancelled"
)

// Terminal reports whether status is one from which no further transition is permitted.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusPartiallyCompleted, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Job is one collection request against a Matter.
type Job struct {
	ID             int64
	MatterID       int64
	CustodianEmail string
	JobType        JobType
	Status         JobStatus
	Route          Route
	Priority       int // 1 (highest) .. 10 (lowest)
	RangeStart     time.Time // collection window passed to the Shard Planner on Start
	RangeEnd       time.Time
	CreatedAt      time.Time
	StartedAt      *time.Time
	EndedAt        *time.Time
	EstimatedBytes int64
	EstimatedItems int64
	ActualBytes    int64
	ActualItems    int64
	OutputPrefix   string
	ManifestHash   string
	Error          string
}

// ShardStatus is the canonical, richer Shard lifecycle per spec §3 and §9 —
// the "divergent CollectionJobStatus" open question is resolved in favor of
// this set, which includes Assigned/Retrying.
type ShardStatus string

const (
	ShardStatusPending            ShardStatus = "Pending"
	ShardStatusAssigned           ShardStatus = "Assigned"
	ShardStatusRunning            ShardStatus = "Running"
	ShardStatusCompleted          ShardStatus = "Completed"
	ShardStatusFailed             ShardStatus = "Failed"
	ShardStatusPartiallyCompleted ShardStatus = "PartiallyCompleted"
	ShardStatusCancelled          ShardStatus = "Cancelled"
	ShardStatusRetrying           ShardStatus = "Retrying"
)

// Terminal reports whether status is one from which no further transition is permitted.
func (s ShardStatus) Terminal() bool {
	switch s {
	case ShardStatusCompleted, ShardStatusFailed, ShardStatusPartiallyCompleted, ShardStatusCancelled:
		return true
	default:
		return false
	}
}

// Leased reports whether a shard in this status is expected to carry lease fields.
func (s ShardStatus) Leased() bool {
	switch s {
	case ShardStatusAssigned, ShardStatusRunning, ShardStatusRetrying:
		return true
	default:
		return false
	}
}

// Shard is an independently executable slice of a Job, bounded by a
// custodian and a date window.
type Shard struct {
	ID               int64
	ParentJobID      int64
	ShardIndex       int
	TotalShards      int
	ShardIdentifier  string // "custodian|YYYYMMDD|YYYYMMDD|jobtype"
	CustodianEmail   string
	StartDate        time.Time
	EndDate          time.Time
	JobType          JobType
	Route            Route
	Status           ShardStatus
	AssignedWorkerID string
	LeaseToken       string // UUID, empty when unleased
	LeaseExpiresAt   *time.Time
	StartedAt        *time.Time
	EndedAt          *time.Time
	EstimatedBytes   int64
	EstimatedItems   int64
	ActualBytes      int64
	ActualItems      int64
	ProcessedBytes   int64
	ProcessedItems   int64
	ProgressPct      float64
	RetryCount       int
	MaxRetries       int
	OutputPrefix     string
	ManifestHash     string
	Error            string
	CreatedAt        time.Time
	Version          int64 // row version, incremented on claim, retry and reap; no query compares it
}

// CheckpointType tags the shape of a Checkpoint's opaque payload.
type CheckpointType string

const (
	CheckpointMailFolder CheckpointType = "MailFolder"
	CheckpointOneDrive   CheckpointType = "OneDrive"
	CheckpointSharePoint CheckpointType = "SharePoint"
	CheckpointTeams      CheckpointType = "Teams"
	CheckpointBatch      CheckpointType = "Batch"
)

// Checkpoint is a progress marker inside a Shard. Payload is tagged by
// CheckpointType and decoded per-tag by pkg/checkpoint; see spec §4.7.
type Checkpoint struct {
	ID              int64
	ShardID         int64
	CheckpointType  CheckpointType
	CheckpointKey   string
	Payload         json.RawMessage
	CreatedAt       time.Time
	CompletedAt     *time.Time
	IsCompleted     bool
	ItemsProcessed  int64
	BytesProcessed  int64
	CorrelationID   string
}

// MailFolderPayload is the CheckpointMailFolder payload shape.
type MailFolderPayload struct {
	FolderID      string `json:"folder_id"`
	FolderName    string `json:"folder_name"`
	DeltaToken    string `json:"delta_token,omitempty"`
	ItemsInFolder int64  `json:"items_in_folder"`
}

// OneDrivePayload is the CheckpointOneDrive payload shape.
type OneDrivePayload struct {
	DriveID      string `json:"drive_id"`
	DeltaToken   string `json:"delta_token,omitempty"`
	ItemsInDrive int64  `json:"items_in_drive"`
}

// SharePointPayload is the CheckpointSharePoint payload shape.
type SharePointPayload struct {
	SiteID      string `json:"site_id"`
	ListID      string `json:"list_id"`
	DeltaToken  string `json:"delta_token,omitempty"`
	ItemsInList int64  `json:"items_in_list"`
}

// TeamsPayload is the CheckpointTeams payload shape.
type TeamsPayload struct {
	TeamID          string `json:"team_id"`
	ChannelID       string `json:"channel_id"`
	LastMessageID   string `json:"last_message_id,omitempty"`
	ItemsInChannel  int64  `json:"items_in_channel"`
}

// BatchPayload is the CheckpointBatch payload shape.
type BatchPayload struct {
	BatchIndex        int             `json:"batch_index"`
	ContextOpaqueBlob json.RawMessage `json:"context_opaque_blob,omitempty"`
}

// CollectedItem is a single collected artifact's metadata row.
type CollectedItem struct {
	ID            int64
	ShardID       int64
	SourceItemID  string
	ItemType      string
	Subject       string
	From          string
	To            string
	ItemDate      *time.Time
	CollectedAt   time.Time
	SizeBytes     int64
	SHA256        string // lowercase hex, 64 chars
	ArtifactPath  string
	IsSuccessful  bool
	Error         string
}

// LogLevel is the severity of a JobLog entry.
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

// JobLog is an append-only audit entry keyed by Job.
type JobLog struct {
	ID            int64
	JobID         int64
	Ts            time.Time
	Level         LogLevel
	Category      string
	Message       string
	Details       json.RawMessage
	CorrelationID string
}

// DeltaType identifies the upstream source a DeltaCursor bookmarks.
type DeltaType string

const (
	DeltaTypeMail       DeltaType = "Mail"
	DeltaTypeOneDrive   DeltaType = "OneDrive"
	DeltaTypeSharePoint DeltaType = "SharePoint"
	DeltaTypeTeams      DeltaType = "Teams"
	DeltaTypeCalendar   DeltaType = "Calendar"
)

// DeltaCursor is an incremental-collection bookmark, owned independently of
// any Job and keyed in pkg/store by (ScopeID, DeltaType).
type DeltaCursor struct {
	ID                  int64
	ScopeID             string
	DeltaType           DeltaType
	CustodianEmail      string
	DeltaToken          string // opaque, <= 2KB
	LastDeltaAt         time.Time
	BaselineCompletedAt *time.Time
	LastDeltaItems      int64
	LastDeltaBytes      int64
	DeltaQueryCount     int64
	IsActive            bool
	Error               string
}

// ManifestVerification is the outcome of pkg/manifest's verify operation.
type ManifestVerification string

const (
	ManifestValid        ManifestVerification = "Valid"
	ManifestInvalid      ManifestVerification = "Invalid"
	ManifestInconclusive ManifestVerification = "Inconclusive"
	ManifestError        ManifestVerification = "Error"
)

// JobManifest is the durable record of a sealed per-job manifest: spec
// §4.9's build procedure produces the JSON/CSV artifacts and this row
// tracks where they live and whether sealing succeeded.
type JobManifest struct {
	ID             int64
	JobID          int64
	ManifestID     string // opaque UUID, also embedded in the manifest JSON
	ItemsHash      string
	ManifestHash   string
	JSONPath       string
	CSVPath        string
	WORMPath       string
	WormCompliant  bool
	SignatureAlgo  string
	Verification   ManifestVerification
	CreatedAt      time.Time
	FinalizedAt    *time.Time
}

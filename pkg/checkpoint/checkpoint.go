package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/hco/pkg/hcoerr"
	"github.com/cuemby/hco/pkg/store"
	"github.com/cuemby/hco/pkg/types"
)

// ErrCompleted is returned by Update when the checkpoint is already
// completed; per spec §4.7 a completed checkpoint is append-only.
var ErrCompleted = errors.New("checkpoint: already completed")

// ErrConflict is returned by Create when (shard_id, key) already exists.
var ErrConflict = store.ErrConflict

// Store is the slice of pkg/store.MetadataStore the Engine needs.
type Store interface {
	CreateCheckpoint(ctx context.Context, cp *types.Checkpoint) (*types.Checkpoint, error)
	UpdateCheckpoint(ctx context.Context, cp *types.Checkpoint) error
	GetCheckpoint(ctx context.Context, checkpointID int64) (*types.Checkpoint, error)
	ListCheckpointsByShard(ctx context.Context, shardID int64) ([]*types.Checkpoint, error)
}

// Engine implements the C7 create/update/complete/resumeSet/validate
// surface over a Store.
type Engine struct {
	store Store
}

// New builds an Engine over s.
func New(s Store) *Engine {
	return &Engine{store: s}
}

// Create inserts a new checkpoint. Conflicts on the (shard_id, key) pair
// surface as ErrConflict.
func (e *Engine) Create(ctx context.Context, shardID int64, cpType types.CheckpointType, key string, payload json.RawMessage, correlationID string) (*types.Checkpoint, error) {
	if err := validatePayload(cpType, payload); err != nil {
		return nil, hcoerr.Validation("checkpoint: invalid payload for "+string(cpType), err)
	}
	cp := &types.Checkpoint{
		ShardID:        shardID,
		CheckpointType: cpType,
		CheckpointKey:  key,
		Payload:        payload,
		CorrelationID:  correlationID,
	}
	out, err := e.store.CreateCheckpoint(ctx, cp)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrConflict
		}
		return nil, err
	}
	return out, nil
}

// Update shallow-merges deltaPayload's top-level keys into the existing
// payload and persists items/bytes processed so far. Disallowed once the
// checkpoint is completed.
func (e *Engine) Update(ctx context.Context, checkpointID int64, deltaPayload json.RawMessage, itemsProcessed, bytesProcessed int64) (*types.Checkpoint, error) {
	cp, err := e.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("checkpoint: %d: %w", checkpointID, errNotFound)
	}
	if cp.IsCompleted {
		return nil, ErrCompleted
	}

	merged, err := shallowMerge(cp.Payload, deltaPayload)
	if err != nil {
		return nil, hcoerr.Validation("checkpoint: merge delta payload", err)
	}
	if err := validatePayload(cp.CheckpointType, merged); err != nil {
		return nil, hcoerr.Validation("checkpoint: invalid merged payload for "+string(cp.CheckpointType), err)
	}

	cp.Payload = merged
	if itemsProcessed > cp.ItemsProcessed {
		cp.ItemsProcessed = itemsProcessed
	}
	if bytesProcessed > cp.BytesProcessed {
		cp.BytesProcessed = bytesProcessed
	}
	if err := e.store.UpdateCheckpoint(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// Complete marks a checkpoint terminal. Idempotent: calling it again on
// an already-completed checkpoint is a no-op that returns the existing
// row unchanged.
func (e *Engine) Complete(ctx context.Context, checkpointID int64, itemsProcessed, bytesProcessed int64) (*types.Checkpoint, error) {
	cp, err := e.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("checkpoint: %d: %w", checkpointID, errNotFound)
	}
	if cp.IsCompleted {
		return cp, nil
	}

	now := time.Now().UTC()
	if itemsProcessed > cp.ItemsProcessed {
		cp.ItemsProcessed = itemsProcessed
	}
	if bytesProcessed > cp.BytesProcessed {
		cp.BytesProcessed = bytesProcessed
	}
	cp.IsCompleted = true
	cp.CompletedAt = &now
	if err := e.store.UpdateCheckpoint(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// ResumeSet returns all non-completed checkpoints for shardID, ordered
// by created_at, which a collector driver must treat as the authoritative
// starting position for its next collect pass.
func (e *Engine) ResumeSet(ctx context.Context, shardID int64) ([]*types.Checkpoint, error) {
	all, err := e.store.ListCheckpointsByShard(ctx, shardID)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Checkpoint, 0, len(all))
	for _, cp := range all {
		if !cp.IsCompleted {
			out = append(out, cp)
		}
	}
	return out, nil
}

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Validate checks that every checkpoint for shardID has a payload
// parseable for its tag and that item counts are monotonically
// non-decreasing in created_at order. A failing result means the shard
// must restart from scratch per spec §4.7.
func (e *Engine) Validate(ctx context.Context, shardID int64) (ValidationResult, error) {
	all, err := e.store.ListCheckpointsByShard(ctx, shardID)
	if err != nil {
		return ValidationResult{}, err
	}

	var errs []string
	var lastItems int64 = -1
	for _, cp := range all {
		if err := validatePayload(cp.CheckpointType, cp.Payload); err != nil {
			errs = append(errs, fmt.Sprintf("checkpoint %d: %v", cp.ID, err))
			continue
		}
		if lastItems >= 0 && cp.ItemsProcessed < lastItems {
			errs = append(errs, fmt.Sprintf("checkpoint %d: items_processed %d regressed from %d", cp.ID, cp.ItemsProcessed, lastItems))
		}
		lastItems = cp.ItemsProcessed
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}, nil
}

var errNotFound = errors.New("checkpoint: not found")

func shallowMerge(base, delta json.RawMessage) (json.RawMessage, error) {
	if len(delta) == 0 {
		return base, nil
	}
	var baseMap map[string]json.RawMessage
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseMap); err != nil {
			return nil, fmt.Errorf("base payload is not a JSON object: %w", err)
		}
	}
	if baseMap == nil {
		baseMap = map[string]json.RawMessage{}
	}
	var deltaMap map[string]json.RawMessage
	if err := json.Unmarshal(delta, &deltaMap); err != nil {
		return nil, fmt.Errorf("delta payload is not a JSON object: %w", err)
	}
	for k, v := range deltaMap {
		baseMap[k] = v
	}
	out, err := json.Marshal(baseMap)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func validatePayload(cpType types.CheckpointType, payload json.RawMessage) error {
	switch cpType {
	case types.CheckpointMailFolder:
		var p types.MailFolderPayload
		return decodeStrict(payload, &p)
	case types.CheckpointOneDrive:
		var p types.OneDrivePayload
		return decodeStrict(payload, &p)
	case types.CheckpointSharePoint:
		var p types.SharePointPayload
		return decodeStrict(payload, &p)
	case types.CheckpointTeams:
		var p types.TeamsPayload
		return decodeStrict(payload, &p)
	case types.CheckpointBatch:
		var p types.BatchPayload
		return decodeStrict(payload, &p)
	default:
		return fmt.Errorf("unknown checkpoint type %q", cpType)
	}
}

func decodeStrict(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(payload, v)
}

package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/hco/pkg/types"
)

// DeltaCursorStore is the slice of pkg/store.MetadataStore that
// incremental collector drivers (Mail/OneDrive/SharePoint/Teams) use to
// read and advance their (custodian, delta_type) bookmark. Per spec §9,
// cursor writes happen in a transaction separate from CollectedItem
// writes, so drivers must tolerate "item persisted, cursor not yet
// advanced" on restart — AdvanceDeltaCursor is safe to call again with
// the same token after a crash.
type DeltaCursorStore interface {
	GetDeltaCursor(ctx context.Context, scopeID string, deltaType types.DeltaType) (*types.DeltaCursor, error)
	UpsertDeltaCursor(ctx context.Context, cursor *types.DeltaCursor) error
}

// AdvanceDeltaCursor loads the existing cursor for (scopeID, deltaType)
// if any, then upserts it with newToken, adding itemsDelta/bytesDelta to
// its running totals and incrementing DeltaQueryCount. A call whose
// newToken equals the stored token returns the stored cursor without
// writing, so replaying an advance after a crash does not count twice.
func AdvanceDeltaCursor(ctx context.Context, store DeltaCursorStore, scopeID, custodianEmail string, deltaType types.DeltaType, newToken string, itemsDelta, bytesDelta int64) (*types.DeltaCursor, error) {
	existing, err := store.GetDeltaCursor(ctx, scopeID, deltaType)
	if err != nil {
		return nil, fmt.Errorf("collector: get delta cursor %s/%s: %w", scopeID, deltaType, err)
	}
	if existing != nil && existing.DeltaToken == newToken {
		return existing, nil
	}

	now := time.Now().UTC()
	cursor := &types.DeltaCursor{
		ScopeID:        scopeID,
		DeltaType:      deltaType,
		CustodianEmail: custodianEmail,
		DeltaToken:     newToken,
		LastDeltaAt:    now,
		IsActive:       true,
	}
	if existing != nil {
		cursor.ID = existing.ID
		cursor.BaselineCompletedAt = existing.BaselineCompletedAt
		cursor.LastDeltaItems = existing.LastDeltaItems + itemsDelta
		cursor.LastDeltaBytes = existing.LastDeltaBytes + bytesDelta
		cursor.DeltaQueryCount = existing.DeltaQueryCount + 1
	} else {
		cursor.BaselineCompletedAt = &now
		cursor.LastDeltaItems = itemsDelta
		cursor.LastDeltaBytes = bytesDelta
		cursor.DeltaQueryCount = 1
	}

	if err := store.UpsertDeltaCursor(ctx, cursor); err != nil {
		return nil, fmt.Errorf("collector: upsert delta cursor %s/%s: %w", scopeID, deltaType, err)
	}
	return cursor, nil
}

// IsStale reports whether cursor needs a full resync: either marked
// inactive, or its last successful delta is older than maxAge.
func IsStale(cursor *types.DeltaCursor, maxAge time.Duration, now time.Time) bool {
	if cursor == nil {
		return true
	}
	if !cursor.IsActive {
		return true
	}
	return now.Sub(cursor.LastDeltaAt) > maxAge
}

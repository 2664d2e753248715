package collector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hco/pkg/types"
)

type fakeDeltaStore struct {
	cursor *types.DeltaCursor
}

func (f *fakeDeltaStore) GetDeltaCursor(ctx context.Context, scopeID string, deltaType types.DeltaType) (*types.DeltaCursor, error) {
	return f.cursor, nil
}

func (f *fakeDeltaStore) UpsertDeltaCursor(ctx context.Context, cursor *types.DeltaCursor) error {
	f.cursor = cursor
	return nil
}

func TestAdvanceDeltaCursorCreatesOnFirstCall(t *testing.T) {
	store := &fakeDeltaStore{}
	cursor, err := AdvanceDeltaCursor(context.Background(), store, "scope-1", "a@example.com", types.DeltaTypeMail, "tok-1", 5, 500)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", cursor.DeltaToken)
	assert.Equal(t, int64(5), cursor.LastDeltaItems)
	assert.Equal(t, int64(1), cursor.DeltaQueryCount)
}

func TestAdvanceDeltaCursorAccumulates(t *testing.T) {
	store := &fakeDeltaStore{}
	_, err := AdvanceDeltaCursor(context.Background(), store, "scope-1", "a@example.com", types.DeltaTypeMail, "tok-1", 5, 500)
	require.NoError(t, err)

	cursor, err := AdvanceDeltaCursor(context.Background(), store, "scope-1", "a@example.com", types.DeltaTypeMail, "tok-2", 3, 100)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", cursor.DeltaToken)
	assert.Equal(t, int64(8), cursor.LastDeltaItems)
	assert.Equal(t, int64(2), cursor.DeltaQueryCount)
}

func TestIsStale(t *testing.T) {
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	assert.True(t, IsStale(nil, 24*time.Hour, now))
	assert.True(t, IsStale(&types.DeltaCursor{IsActive: false, LastDeltaAt: now}, 24*time.Hour, now))
	assert.True(t, IsStale(&types.DeltaCursor{IsActive: true, LastDeltaAt: now.Add(-48 * time.Hour)}, 24*time.Hour, now))
	assert.False(t, IsStale(&types.DeltaCursor{IsActive: true, LastDeltaAt: now.Add(-time.Hour)}, 24*time.Hour, now))
}

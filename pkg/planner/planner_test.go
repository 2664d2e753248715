package planner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/hco/pkg/config"
	"github.com/cuemby/hco/pkg/types"
)

func baseConfig() config.ShardConfig {
	return config.ShardConfig{
		MaxWindowDays:   30,
		MaxBytes:        1 << 30,
		MaxItems:        50000,
		MaxPerCustodian: 10,
		Adaptive:        true,
		MinWindowDays:   1,
		MaxRetries:      5,
		MaxTotalShards:  1000,
	}
}

func smallEstimate(string, time.Time, time.Time) (int64, int64) {
	return 1024, 10
}

func TestPlanRejectsEmptyCustodians(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	req := Request{Start: start, End: start.Add(48 * time.Hour), JobType: types.JobTypeEmail}
	_, err := Plan(req, baseConfig(), smallEstimate)
	assert.ErrorIs(t, err, ErrEmptyPlan)
}

func TestPlanRejectsEmptyRange(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	req := Request{Custodians: []string{"a@example.com"}, Start: start, End: start, JobType: types.JobTypeEmail}
	_, err := Plan(req, baseConfig(), smallEstimate)
	assert.ErrorIs(t, err, ErrEmptyPlan)
}

func TestPlanSingleCustodianSingleWindow(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	req := Request{
		ParentJobID: 7,
		Custodians:  []string{"a@example.com"},
		Start:       start,
		End:         start.Add(10 * 24 * time.Hour),
		JobType:     types.JobTypeEmail,
		Route:       types.RoutePerItemApi,
	}
	shards, err := Plan(req, baseConfig(), smallEstimate)
	assert.NoError(t, err)
	assert.Len(t, shards, 1)
	assert.Equal(t, 0, shards[0].ShardIndex)
	assert.Equal(t, 1, shards[0].TotalShards)
	assert.Equal(t, int64(7), shards[0].ParentJobID)
	assert.Equal(t, types.ShardStatusPending, shards[0].Status)
	assert.NotEmpty(t, shards[0].ShardIdentifier)
}

func TestPlanDenseIndexAcrossCustodians(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	req := Request{
		Custodians: []string{"a@example.com", "b@example.com"},
		Start:      start,
		End:        start.Add(10 * 24 * time.Hour),
		JobType:    types.JobTypeEmail,
	}
	shards, err := Plan(req, baseConfig(), smallEstimate)
	assert.NoError(t, err)
	assert.Len(t, shards, 2)
	for i, sh := range shards {
		assert.Equal(t, i, sh.ShardIndex)
		assert.Equal(t, 2, sh.TotalShards)
	}
	assert.NotEqual(t, shards[0].ShardIdentifier, shards[1].ShardIdentifier)
}

func TestPlanBisectsOversizedWindow(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := baseConfig()
	cfg.MaxBytes = 100
	cfg.MaxItems = 5
	cfg.MinWindowDays = 1

	req := Request{
		Custodians: []string{"a@example.com"},
		Start:      start,
		End:        start.Add(8 * 24 * time.Hour),
		JobType:    types.JobTypeEmail,
	}
	shards, err := Plan(req, cfg, smallEstimate)
	assert.NoError(t, err)
	assert.Greater(t, len(shards), 1)
}

func TestPlanRejectsTooLarge(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := baseConfig()
	cfg.MaxTotalShards = 1
	req := Request{
		Custodians: []string{"a@example.com", "b@example.com"},
		Start:      start,
		End:        start.Add(48 * time.Hour),
		JobType:    types.JobTypeEmail,
	}
	_, err := Plan(req, cfg, smallEstimate)
	assert.ErrorIs(t, err, ErrPlanTooLarge)
}

func TestCapPerCustodianMergesTail(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := baseConfig()
	cfg.MaxWindowDays = 1
	cfg.MaxPerCustodian = 3

	req := Request{
		Custodians: []string{"a@example.com"},
		Start:      start,
		End:        start.Add(10 * 24 * time.Hour),
		JobType:    types.JobTypeEmail,
	}
	shards, err := Plan(req, cfg, smallEstimate)
	assert.NoError(t, err)
	assert.Len(t, shards, 3)
	assert.True(t, shards[len(shards)-1].EndDate.Equal(start.Add(10*24*time.Hour)))
}

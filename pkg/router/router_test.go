package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/hco/pkg/config"
	"github.com/cuemby/hco/pkg/types"
)

func thresholds() config.AutoRouterConfig {
	return config.AutoRouterConfig{
		MaxBytes:         10 * 1024 * 1024 * 1024,
		MaxItems:         100000,
		ConfidenceHigh:   90,
		ConfidenceMedium: 60,
		ConfidenceLow:    20,
	}
}

func openQuota() Quota {
	return Quota{LimitBytes: 1 << 40, LimitItems: 10_000_000, LastUpdated: time.Now()}
}

func TestDecideRejectsEmptyCustodian(t *testing.T) {
	req := Request{Start: time.Now(), End: time.Now().Add(24 * time.Hour)}
	_, err := Decide(req, openQuota(), nil, thresholds())
	assert.Error(t, err)
}

func TestDecideRejectsInvertedRange(t *testing.T) {
	now := time.Now()
	req := Request{CustodianEmail: "a@example.com", Start: now, End: now.Add(-time.Hour)}
	_, err := Decide(req, openQuota(), nil, thresholds())
	assert.Error(t, err)
}

func TestDecideFallsBackWithoutEstimate(t *testing.T) {
	now := time.Now()
	req := Request{CustodianEmail: "a@example.com", Start: now, End: now}
	d, err := Decide(req, openQuota(), nil, thresholds())
	assert.NoError(t, err)
	assert.Equal(t, types.RoutePerItemApi, d.Route)
	assert.Equal(t, ConfidenceLow, d.Confidence)
	assert.Equal(t, "fallback", d.Reason)
}

func TestDecideRoutesPerItemWhenWithinPlan(t *testing.T) {
	now := time.Now()
	req := Request{CustodianEmail: "a@example.com", Start: now, End: now.Add(48 * time.Hour)}
	profile := &Profile{BytesPerDay: 1024, ItemsPerDay: 10}
	d, err := Decide(req, openQuota(), profile, thresholds())
	assert.NoError(t, err)
	assert.Equal(t, types.RoutePerItemApi, d.Route)
	assert.Equal(t, ConfidenceHigh, d.Confidence)
}

func TestDecideRoutesBulkWhenFarOverThreshold(t *testing.T) {
	now := time.Now()
	req := Request{CustodianEmail: "a@example.com", Start: now, End: now.Add(48 * time.Hour)}
	profile := &Profile{BytesPerDay: 20 * 1024 * 1024 * 1024, ItemsPerDay: 1}
	d, err := Decide(req, openQuota(), profile, thresholds())
	assert.NoError(t, err)
	assert.Equal(t, types.RouteBulkPipeline, d.Route)
	assert.Equal(t, ConfidenceHigh, d.Confidence)
}

func TestDecideLowersConfidenceWhenQuotaExhausted(t *testing.T) {
	now := time.Now()
	req := Request{CustodianEmail: "a@example.com", Start: now, End: now.Add(24 * time.Hour)}
	profile := &Profile{BytesPerDay: 1024, ItemsPerDay: 10}
	quota := Quota{UsedBytes: 1 << 40, LimitBytes: 1<<40 + 1, UsedItems: 0, LimitItems: 10_000_000}
	d, err := Decide(req, quota, profile, thresholds())
	assert.NoError(t, err)
	assert.NotEqual(t, ConfidenceHigh, d.Confidence)
}

func TestDecideMediumConfidenceNearThreshold(t *testing.T) {
	th := thresholds()
	now := time.Now()
	req := Request{CustodianEmail: "a@example.com", Start: now, End: now.Add(24 * time.Hour)}
	// One day's estimate sits at 1.2x the byte threshold: over step-2's
	// plan check, under step-3's 2x cutoff.
	profile := &Profile{BytesPerDay: int64(float64(th.MaxBytes) * 1.2), ItemsPerDay: 1}
	d, err := Decide(req, openQuota(), profile, th)
	assert.NoError(t, err)
	assert.Equal(t, ConfidenceMedium, d.Confidence)
	assert.Equal(t, types.RouteBulkPipeline, d.Route)
	assert.Contains(t, d.Metrics, "bytes_ratio_to_threshold")
}

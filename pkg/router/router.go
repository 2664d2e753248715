// Package router implements C4, the AutoRouter: a pure function that
// chooses between the synchronous per-item API path and the
// asynchronous bulk-pipeline path for a collection request, based on
// estimated volume, tenant quota, and configured thresholds.
package router

import (
	"time"

	"github.com/cuemby/hco/pkg/config"
	"github.com/cuemby/hco/pkg/hcoerr"
	"github.com/cuemby/hco/pkg/types"
)

// Request describes the job the router is deciding on.
type Request struct {
	CustodianEmail     string
	JobType            types.JobType
	Start              time.Time
	End                time.Time
	Keywords           []string
	IncludeAttachments bool
}

// Quota carries a tenant's current consumption against its plan limits.
type Quota struct {
	UsedBytes   int64
	LimitBytes  int64
	UsedItems   int64
	LimitItems  int64
	LastUpdated time.Time
}

// Profile is an optional per-custodian volume estimator. When absent,
// Decide falls back to a conservative estimate derived from the date
// span alone.
type Profile struct {
	BytesPerDay int64
	ItemsPerDay int64
}

// Confidence is how strongly Decide stands behind its route choice.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Decision is the AutoRouter's pure output.
type Decision struct {
	Route          types.Route
	Reason         string
	EstimatedBytes int64
	EstimatedItems int64
	Confidence     Confidence
	Metrics        map[string]float64
}

// fallbackBytesPerDay and fallbackItemsPerDay back the conservative
// estimate used when no Profile is supplied.
const (
	fallbackBytesPerDay = 50 * 1024 * 1024
	fallbackItemsPerDay = 40
)

// Decide is the pure decide(request, quota, thresholds) operation from
// spec §4.4. It performs no I/O and returns InvalidRequest if custodian
// is empty or the date range is inverted.
func Decide(req Request, quota Quota, profile *Profile, thresholds config.AutoRouterConfig) (Decision, error) {
	if req.CustodianEmail == "" {
		return Decision{}, hcoerr.Validation("router: custodian is required", nil)
	}
	if req.End.Before(req.Start) {
		return Decision{}, hcoerr.Validation("router: date_range is inverted", nil)
	}

	estBytes, estItems, hasEstimate := estimate(req, profile)

	if !hasEstimate {
		return Decision{
			Route:          types.RoutePerItemApi,
			Reason:         "fallback",
			EstimatedBytes: estBytes,
			EstimatedItems: estItems,
			Confidence:     ConfidenceLow,
			Metrics:        map[string]float64{},
		}, nil
	}

	withinPlan := estBytes < thresholds.MaxBytes && estItems < thresholds.MaxItems &&
		quota.UsedBytes+estBytes <= quota.LimitBytes && quota.UsedItems+estItems <= quota.LimitItems
	if withinPlan {
		return Decision{
			Route:          types.RoutePerItemApi,
			Reason:         "within thresholds and quota",
			EstimatedBytes: estBytes,
			EstimatedItems: estItems,
			Confidence:     ConfidenceHigh,
			Metrics:        map[string]float64{},
		}, nil
	}

	farOverThreshold := estBytes >= 2*thresholds.MaxBytes || estItems >= 2*thresholds.MaxItems
	if farOverThreshold {
		return Decision{
			Route:          types.RouteBulkPipeline,
			Reason:         "estimate at least double a threshold",
			EstimatedBytes: estBytes,
			EstimatedItems: estItems,
			Confidence:     ConfidenceHigh,
			Metrics:        map[string]float64{},
		}, nil
	}

	// Neither comfortably within plan (step 2) nor far enough over to be
	// an obvious bulk case (step 3): within ±50% of a threshold. The
	// route whose threshold is less violated is the one the highest
	// ratio belongs to — a bytes-driven overage favors the bulk
	// pipeline, a quota-only overage (both ratios under 1) still fits
	// the per-item path.
	bytesRatio := ratio(estBytes, thresholds.MaxBytes)
	itemsRatio := ratio(estItems, thresholds.MaxItems)
	metrics := map[string]float64{
		"bytes_ratio_to_threshold": bytesRatio,
		"items_ratio_to_threshold": itemsRatio,
	}

	route := types.RoutePerItemApi
	if bytesRatio >= 1.0 || itemsRatio >= 1.0 {
		route = types.RouteBulkPipeline
	}

	return Decision{
		Route:          route,
		Reason:         "within ±50% of threshold, routed by least-violated side",
		EstimatedBytes: estBytes,
		EstimatedItems: estItems,
		Confidence:     ConfidenceMedium,
		Metrics:        metrics,
	}, nil
}

// estimate computes (est_bytes, est_items) per spec §4.4 step 1: from a
// profile when supplied, otherwise a conservative default derived from
// the date span. hasEstimate is false only when neither a profile nor a
// non-zero date span is available.
func estimate(req Request, profile *Profile) (bytes int64, items int64, hasEstimate bool) {
	days := int64(req.End.Sub(req.Start).Hours() / 24)
	if days < 1 {
		days = 1
	}

	if profile != nil {
		return profile.BytesPerDay * days, profile.ItemsPerDay * days, true
	}
	if req.End.Equal(req.Start) {
		return 0, 0, false
	}
	return fallbackBytesPerDay * days, fallbackItemsPerDay * days, true
}

func ratio(estimate, threshold int64) float64 {
	if threshold <= 0 {
		return 0
	}
	return float64(estimate) / float64(threshold)
}

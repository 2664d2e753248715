// Package planner implements C5, the Shard Planner: expands a
// collection request into an independently executable set of Shards,
// partitioned along custodian × date-window boundaries and sized to
// configured caps.
package planner

import (
	"errors"
	"time"

	"github.com/cuemby/hco/pkg/config"
	"github.com/cuemby/hco/pkg/types"
)

// ErrEmptyPlan is returned when the request has no custodians or a
// non-positive date range.
var ErrEmptyPlan = errors.New("planner: empty plan")

// ErrPlanTooLarge is returned when the expanded shard count exceeds
// cfg.MaxTotalShards.
var ErrPlanTooLarge = errors.New("planner: plan exceeds max_total_shards")

// Estimator predicts the volume a (custodian, window) pair will yield.
// Callers inject a profile-backed estimator in production and a fixed
// stub in tests.
type Estimator func(custodian string, start, end time.Time) (estBytes, estItems int64)

// Request describes the job being expanded into shards.
type Request struct {
	ParentJobID int64
	Custodians  []string
	Start       time.Time
	End         time.Time
	JobType     types.JobType
	Route       types.Route
	MaxRetries  int
}

// window is a candidate shard before sizing decisions are finalized.
type window struct {
	custodian string
	start     time.Time
	end       time.Time
}

// Plan expands req into shards per spec §4.5. It returns PlanTooLarge
// if the resulting shard count exceeds cfg.MaxTotalShards, and
// EmptyPlan if the request has no custodians or an empty date range.
func Plan(req Request, cfg config.ShardConfig, estimate Estimator) ([]*types.Shard, error) {
	if len(req.Custodians) == 0 || !req.End.After(req.Start) {
		return nil, ErrEmptyPlan
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = cfg.MaxRetries
	}

	var allWindows []window
	for _, custodian := range req.Custodians {
		windows := candidateWindows(req.Start, req.End, cfg)
		windows = sizeWindows(custodian, windows, cfg, estimate)
		windows = capPerCustodian(windows, cfg.MaxPerCustodian)
		for _, w := range windows {
			allWindows = append(allWindows, window{custodian: custodian, start: w.start, end: w.end})
		}
	}

	if cfg.MaxTotalShards > 0 && len(allWindows) > cfg.MaxTotalShards {
		return nil, ErrPlanTooLarge
	}

	total := len(allWindows)
	shards := make([]*types.Shard, 0, total)
	for i, w := range allWindows {
		shards = append(shards, &types.Shard{
			ParentJobID:     req.ParentJobID,
			ShardIndex:      i,
			TotalShards:     total,
			ShardIdentifier: shardIdentifier(w.custodian, w.start, w.end, req.JobType),
			CustodianEmail:  w.custodian,
			StartDate:       w.start,
			EndDate:         w.end,
			JobType:         req.JobType,
			Route:           req.Route,
			Status:          types.ShardStatusPending,
			MaxRetries:      maxRetries,
			CreatedAt:       time.Time{}, // set by the store on insert
		})
	}
	return shards, nil
}

// candidateWindows splits [start, end) into consecutive windows of
// cfg.MaxWindowDays. With calendar alignment configured, alignToCalendar
// may move a window's end out to the first of the following month, so an
// aligned window can be longer than cfg.MaxWindowDays.
func candidateWindows(start, end time.Time, cfg config.ShardConfig) []window {
	maxWindow := time.Duration(cfg.MaxWindowDays) * 24 * time.Hour
	if maxWindow <= 0 {
		maxWindow = end.Sub(start)
	}

	var out []window
	cursor := start
	for cursor.Before(end) {
		winEnd := cursor.Add(maxWindow)
		if winEnd.After(end) {
			winEnd = end
		}
		if cfg.AlignCalendar {
			winEnd = alignToCalendar(cursor, winEnd, cfg.MinWindowDays, end)
		}
		out = append(out, window{start: cursor, end: winEnd})
		cursor = winEnd
	}
	return out
}

// alignToCalendar returns the first day of the month after winStart's
// month (clamped to hardEnd) when that boundary lies after candidateEnd
// and leaves a window of at least minWindowDays; otherwise it returns
// candidateEnd unchanged. Only month boundaries are used, and an end that
// already lies past the month boundary is not pulled back to it.
func alignToCalendar(winStart, candidateEnd time.Time, minWindowDays int, hardEnd time.Time) time.Time {
	monthEnd := time.Date(winStart.Year(), winStart.Month(), 1, 0, 0, 0, 0, winStart.Location()).AddDate(0, 1, 0)
	if monthEnd.After(hardEnd) {
		monthEnd = hardEnd
	}
	if monthEnd.Sub(winStart) < time.Duration(minWindowDays)*24*time.Hour {
		return candidateEnd
	}
	if monthEnd.Before(candidateEnd) || monthEnd.Equal(candidateEnd) {
		return candidateEnd
	}
	return monthEnd
}

// sizeWindows estimates each window and, when over cap and cfg.Adaptive
// is set, bisects it until the estimate fits or the window would fall
// below cfg.MinWindowDays.
func sizeWindows(custodian string, windows []window, cfg config.ShardConfig, estimate Estimator) []window {
	minWindow := time.Duration(cfg.MinWindowDays) * 24 * time.Hour
	var out []window
	for _, w := range windows {
		out = append(out, bisectToFit(custodian, w, cfg, estimate, minWindow)...)
	}
	return out
}

func bisectToFit(custodian string, w window, cfg config.ShardConfig, estimate Estimator, minWindow time.Duration) []window {
	bytes, items := estimate(custodian, w.start, w.end)
	overCap := (cfg.MaxBytes > 0 && bytes > cfg.MaxBytes) || (cfg.MaxItems > 0 && items > cfg.MaxItems)
	if !overCap || !cfg.Adaptive {
		return []window{w}
	}

	span := w.end.Sub(w.start)
	if span <= minWindow {
		return []window{w}
	}

	mid := w.start.Add(span / 2)
	left := bisectToFit(custodian, window{custodian: custodian, start: w.start, end: mid}, cfg, estimate, minWindow)
	right := bisectToFit(custodian, window{custodian: custodian, start: mid, end: w.end}, cfg, estimate, minWindow)
	return append(left, right...)
}

// capPerCustodian merges trailing windows tail-first until the count
// is at most maxPerCustodian.
func capPerCustodian(windows []window, maxPerCustodian int) []window {
	if maxPerCustodian <= 0 || len(windows) <= maxPerCustodian {
		return windows
	}
	out := append([]window(nil), windows[:maxPerCustodian-1]...)
	tailStart := windows[maxPerCustodian-1].start
	tailEnd := windows[len(windows)-1].end
	out = append(out, window{start: tailStart, end: tailEnd})
	return out
}

func shardIdentifier(custodian string, start, end time.Time, jobType types.JobType) string {
	const layout = "20060102"
	return custodian + "|" + start.Format(layout) + "|" + end.Format(layout) + "|" + string(jobType)
}

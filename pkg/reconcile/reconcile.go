package reconcile

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/cuemby/hco/pkg/artifact"
	"github.com/cuemby/hco/pkg/clockid"
	"github.com/cuemby/hco/pkg/metrics"
	"github.com/cuemby/hco/pkg/types"
)

var systemPathSubstrings = []string{"recoverableitems", "versions", "recyclebin"}

// Config holds C10's tolerances and behavior flags.
type Config struct {
	SizeTolerancePct  float64 // percent, e.g. 0.1 means 0.1%
	ExtraTolerancePct float64 // percent, e.g. 0.05 means 0.05%
	RequireHashMatch  bool
	NormalizePaths    bool
	IncludeFolders    bool
	DryRun            bool
}

// HashMismatch pairs a key's source and collected entries whose sha256
// values disagree.
type HashMismatch struct {
	Key              string
	SourceSHA256     string
	CollectedSHA256  string
	Entry            Entry
}

// SkipRecord is a normalized-away entry (system path or excluded folder),
// reported under the CSV report's ExpectedSkips section rather than
// silently vanishing.
type SkipRecord struct {
	Entry  Entry
	Reason string
}

// Result is the outcome of one reconciliation run.
type Result struct {
	OverallPassed     bool
	CardinalityPassed bool
	ExtrasPassed      bool
	SizePassed        bool
	HashPassed        bool

	SourceCount     int
	CollectedCount  int
	MissedCount     int
	ExtrasCount     int
	HashMismatchCount int

	SourceBytes    int64
	CollectedBytes int64
	SizeDeltaBytes int64
	SizeDeltaPct   float64 // percent
	ExtrasPct      float64 // percent

	ReportPath string
	Warnings   []string
}

// Store is the slice of pkg/store.MetadataStore the Reconciler needs: a
// single audit append, per spec §4.10's "pure except for one audit event"
// invariant.
type Store interface {
	AppendJobLog(ctx context.Context, entry *types.JobLog) error
}

// Reconciler implements C10's compare/gate/report algorithm.
type Reconciler struct {
	store   Store
	reports artifact.Store
	clock   clockid.Clock
}

// New builds a Reconciler. reports is rooted at Reconcile.reports_dir; the
// emitted report's artifact key is relative to that root.
func New(s Store, reports artifact.Store, clock clockid.Clock) *Reconciler {
	return &Reconciler{store: s, reports: reports, clock: clock}
}

// Run performs the full spec §4.10 algorithm against the manifests at
// sourcePath and collectedPath (read directly from the filesystem — these
// are caller-supplied paths, not pkg/artifact keys).
func (r *Reconciler) Run(ctx context.Context, jobID int64, sourcePath, collectedPath, custodian string, cfg Config, correlationID string) (Result, error) {
	start := r.clock.Now()

	sourceData, err := os.ReadFile(sourcePath)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: read source manifest %s: %w", sourcePath, err)
	}
	collectedData, err := os.ReadFile(collectedPath)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: read collected manifest %s: %w", collectedPath, err)
	}

	sourceRaw, sourceWarn, err := loadEntries(sourceData)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: parse source manifest: %w", err)
	}
	collectedRaw, collectedWarn, err := loadEntries(collectedData)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: parse collected manifest: %w", err)
	}

	warnings := append(append([]string{}, sourceWarn...), collectedWarn...)
	if len(sourceRaw) == 0 && len(collectedRaw) == 0 {
		return Result{Warnings: warnings}, fmt.Errorf("reconcile: both manifests produced zero rows")
	}

	sourceSet, sourceSkips := normalizeSet(sourceRaw, custodian, cfg)
	collectedSet, collectedSkips := normalizeSet(collectedRaw, custodian, cfg)
	skips := append(sourceSkips, collectedSkips...)

	var missed, extras []Entry
	for k, e := range sourceSet {
		if _, ok := collectedSet[k]; !ok {
			missed = append(missed, e)
		}
	}
	for k, e := range collectedSet {
		if _, ok := sourceSet[k]; !ok {
			extras = append(extras, e)
		}
	}

	var hashMismatches []HashMismatch
	if cfg.RequireHashMatch {
		for k, se := range sourceSet {
			if ce, ok := collectedSet[k]; ok && !strings.EqualFold(se.SHA256, ce.SHA256) {
				hashMismatches = append(hashMismatches, HashMismatch{Key: k, SourceSHA256: se.SHA256, CollectedSHA256: ce.SHA256, Entry: ce})
			}
		}
	}

	var sourceBytes, collectedBytes int64
	for _, e := range sourceSet {
		sourceBytes += e.SizeBytes
	}
	for _, e := range collectedSet {
		collectedBytes += e.SizeBytes
	}
	sizeDeltaBytes := collectedBytes - sourceBytes
	sizeDenom := sourceBytes
	if sizeDenom == 0 {
		sizeDenom = 1
	}
	sizeDeltaPctFraction := math.Abs(float64(sizeDeltaBytes)) / float64(sizeDenom)

	extrasDenom := len(sourceSet)
	if extrasDenom == 0 {
		extrasDenom = 1
	}
	extrasPctFraction := float64(len(extras)) / float64(extrasDenom)

	// Config values are percent units (spec §9: "0.1" means 0.1%, not
	// 10%), so the computed fractions are scaled up before comparing.
	sizeDeltaPct := sizeDeltaPctFraction * 100
	extrasPct := extrasPctFraction * 100

	result := Result{
		CardinalityPassed: len(missed) == 0,
		ExtrasPassed:      extrasPct <= cfg.ExtraTolerancePct,
		SizePassed:        sizeDeltaPct <= cfg.SizeTolerancePct,
		HashPassed:        !cfg.RequireHashMatch || len(hashMismatches) == 0,
		SourceCount:       len(sourceSet),
		CollectedCount:    len(collectedSet),
		MissedCount:       len(missed),
		ExtrasCount:       len(extras),
		HashMismatchCount: len(hashMismatches),
		SourceBytes:       sourceBytes,
		CollectedBytes:    collectedBytes,
		SizeDeltaBytes:    sizeDeltaBytes,
		SizeDeltaPct:      sizeDeltaPct,
		ExtrasPct:         extrasPct,
		Warnings:          warnings,
	}
	result.OverallPassed = result.CardinalityPassed && result.ExtrasPassed && result.SizePassed && result.HashPassed

	if !cfg.DryRun {
		reportKey := fmt.Sprintf("recon_report_%d.csv", jobID)
		report := buildReportCSV(jobID, missed, extras, hashMismatches, skips, result)
		if _, err := r.reports.Put(ctx, reportKey, bytes.NewReader(report)); err != nil {
			return result, fmt.Errorf("reconcile: write report: %w", err)
		}
		result.ReportPath = reportKey
	}

	level := types.LogLevelInfo
	if !result.OverallPassed {
		level = types.LogLevelWarn
	}
	if err := r.store.AppendJobLog(ctx, &types.JobLog{
		JobID:         jobID,
		Level:         level,
		Category:      "Reconciliation",
		Message:       fmt.Sprintf("reconciliation overall_passed=%t missed=%d extras=%d hash_mismatches=%d", result.OverallPassed, result.MissedCount, result.ExtrasCount, result.HashMismatchCount),
		CorrelationID: correlationID,
	}); err != nil {
		return result, err
	}

	metrics.ReconciliationDuration.Observe(r.clock.Now().Sub(start).Seconds())
	metrics.ReconciliationsTotal.WithLabelValues(strconv.FormatBool(result.OverallPassed)).Inc()
	return result, nil
}

func isSystemPath(p string) bool {
	lower := strings.ToLower(p)
	for _, s := range systemPathSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func isFolderKind(kind string) bool {
	return strings.EqualFold(kind, "Folder") || strings.EqualFold(kind, "Directory")
}

func normalizePath(p string) string {
	p = strings.ToLower(p)
	p = strings.ReplaceAll(p, `\`, "/")
	p = strings.TrimRight(p, "/")
	return p
}

func buildKey(e Entry, normalizePaths bool) string {
	if e.DriveID != "" && e.ItemID != "" {
		return "id:" + strings.ToLower(e.DriveID) + "|" + strings.ToLower(e.ItemID)
	}
	p := e.Path
	if normalizePaths {
		p = normalizePath(p)
	}
	return "path:" + p
}

// normalizeSet applies spec §4.10 steps 2-4: drop system paths, drop
// folders unless configured otherwise, filter to custodian, then key each
// surviving entry.
func normalizeSet(entries []Entry, custodian string, cfg Config) (map[string]Entry, []SkipRecord) {
	out := make(map[string]Entry, len(entries))
	var skipped []SkipRecord
	for _, e := range entries {
		if custodian != "" && !strings.EqualFold(e.Custodian, custodian) {
			continue
		}
		if isSystemPath(e.Path) {
			skipped = append(skipped, SkipRecord{Entry: e, Reason: "system path"})
			continue
		}
		if isFolderKind(e.Kind) && !cfg.IncludeFolders {
			skipped = append(skipped, SkipRecord{Entry: e, Reason: "folder excluded"})
			continue
		}
		out[buildKey(e, cfg.NormalizePaths)] = e
	}
	return out, skipped
}

func buildReportCSV(jobID int64, missed, extras []Entry, hashMismatches []HashMismatch, skips []SkipRecord, result Result) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	writeSection(w, "Missed", []string{"Custodian", "DriveId", "ItemId", "Path", "SizeBytes", "SHA256"}, func() [][]string {
		rows := make([][]string, 0, len(missed))
		for _, e := range missed {
			rows = append(rows, []string{e.Custodian, e.DriveID, e.ItemID, e.Path, strconv.FormatInt(e.SizeBytes, 10), e.SHA256})
		}
		return rows
	}())

	writeSection(w, "Extras", []string{"Custodian", "DriveId", "ItemId", "Path", "SizeBytes", "SHA256"}, func() [][]string {
		rows := make([][]string, 0, len(extras))
		for _, e := range extras {
			rows = append(rows, []string{e.Custodian, e.DriveID, e.ItemID, e.Path, strconv.FormatInt(e.SizeBytes, 10), e.SHA256})
		}
		return rows
	}())

	writeSection(w, "HashMismatches", []string{"Key", "SourceSHA256", "CollectedSHA256", "Path"}, func() [][]string {
		rows := make([][]string, 0, len(hashMismatches))
		for _, h := range hashMismatches {
			rows = append(rows, []string{h.Key, h.SourceSHA256, h.CollectedSHA256, h.Entry.Path})
		}
		return rows
	}())

	writeSection(w, "ExpectedSkips", []string{"Custodian", "Path", "Reason"}, func() [][]string {
		rows := make([][]string, 0, len(skips))
		for _, s := range skips {
			rows = append(rows, []string{s.Entry.Custodian, s.Entry.Path, s.Reason})
		}
		return rows
	}())

	writeSection(w, "Summary", []string{"Metric", "Value"}, [][]string{
		{"job_id", strconv.FormatInt(jobID, 10)},
		{"overall_passed", strconv.FormatBool(result.OverallPassed)},
		{"cardinality_passed", strconv.FormatBool(result.CardinalityPassed)},
		{"extras_passed", strconv.FormatBool(result.ExtrasPassed)},
		{"size_passed", strconv.FormatBool(result.SizePassed)},
		{"hash_passed", strconv.FormatBool(result.HashPassed)},
		{"source_count", strconv.Itoa(result.SourceCount)},
		{"collected_count", strconv.Itoa(result.CollectedCount)},
		{"missed_count", strconv.Itoa(result.MissedCount)},
		{"extras_count", strconv.Itoa(result.ExtrasCount)},
		{"hash_mismatch_count", strconv.Itoa(result.HashMismatchCount)},
		{"source_bytes", strconv.FormatInt(result.SourceBytes, 10)},
		{"collected_bytes", strconv.FormatInt(result.CollectedBytes, 10)},
		{"size_delta_bytes", strconv.FormatInt(result.SizeDeltaBytes, 10)},
		{"size_delta_pct", strconv.FormatFloat(result.SizeDeltaPct, 'f', 4, 64)},
		{"extras_pct", strconv.FormatFloat(result.ExtrasPct, 'f', 4, 64)},
	})

	w.Flush()
	return buf.Bytes()
}

func writeSection(w *csv.Writer, title string, header []string, rows [][]string) {
	_ = w.Write([]string{title})
	_ = w.Write(header)
	for _, r := range rows {
		_ = w.Write(r)
	}
	_ = w.Write([]string{})
}

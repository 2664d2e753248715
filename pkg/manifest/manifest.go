package manifest

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cuemby/hco/pkg/artifact"
	"github.com/cuemby/hco/pkg/clockid"
	"github.com/cuemby/hco/pkg/config"
	"github.com/cuemby/hco/pkg/hcoerr"
	"github.com/cuemby/hco/pkg/metrics"
	"github.com/cuemby/hco/pkg/store"
	"github.com/cuemby/hco/pkg/types"
)

// ErrAlreadySealed is returned by Seal once a manifest has already been
// finalized into the WORM namespace.
var ErrAlreadySealed = store.ErrAlreadySealed

var errNotFound = errors.New("manifest: not found")

// Totals summarizes a Manifest's items.
type Totals struct {
	Items          int64 `json:"items"`
	Successful     int64 `json:"successful"`
	Failed         int64 `json:"failed"`
	Bytes          int64 `json:"bytes"`
	EstimatedBytes int64 `json:"estimated_bytes"`
}

// ManifestEntry is one collected item's chain-of-custody record.
type ManifestEntry struct {
	SourceItemID  string     `json:"source_item_id"`
	ItemType      string     `json:"item_type"`
	Subject       string     `json:"subject,omitempty"`
	From          string     `json:"from,omitempty"`
	To            string     `json:"to,omitempty"`
	ItemDate      *time.Time `json:"item_date,omitempty"`
	CollectedAt   time.Time  `json:"collected_at"`
	SizeBytes     int64      `json:"size_bytes"`
	SHA256        string     `json:"sha256"`
	ArtifactPath  string     `json:"artifact_path,omitempty"`
	IsSuccessful  bool       `json:"is_successful"`
	Error         string     `json:"error,omitempty"`
	Sequence      int64      `json:"sequence"`
	Custodian     string     `json:"custodian"`
	CorrelationID string     `json:"correlation_id"`
}

// Integrity is the hashing/signing block described by spec §4.9.
type Integrity struct {
	HashAlgo              string `json:"hash_algo"`
	ItemsHash             string `json:"items_hash"`
	ManifestHash          string `json:"manifest_hash"`
	SignatureAlgo         string `json:"signature_algo,omitempty"`
	Signature             string `json:"signature,omitempty"`
	SigningCertThumbprint string `json:"signing_cert_thumbprint,omitempty"`
	ImmutablePolicyID     string `json:"immutable_policy_id,omitempty"`
	WormCompliant         bool   `json:"worm_compliant"`
}

// Manifest is the full per-job chain-of-custody record, serialized with a
// fixed field order (see canonicalManifestBytes) rather than reflection
// over struct tags, so that two builds of the same logical content always
// hash identically.
type Manifest struct {
	ManifestID  string        `json:"manifest_id"`
	JobID       int64         `json:"job_id"`
	MatterID    int64         `json:"matter_id"`
	Custodian   string        `json:"custodian"`
	JobType     types.JobType `json:"job_type"`
	Route       types.Route   `json:"route"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	FinalizedAt *time.Time    `json:"finalized_at,omitempty"`
	Totals      Totals        `json:"totals"`
	Items       []ManifestEntry `json:"items"`
	Integrity   Integrity     `json:"integrity"`
}

// Signer produces a detached signature over an opaque byte string, used
// here to sign a manifest's hash.
type Signer interface {
	Sign(data []byte) (signature string, algo string, err error)
}

// Ed25519Signer is the default Signer. No example repo in the retrieval
// pack ships a library for this shape of detached signature, so this one
// ambient piece is built directly on the standard library.
type Ed25519Signer struct {
	key ed25519.PrivateKey
}

// NewEd25519Signer wraps an existing private key.
func NewEd25519Signer(key ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{key: key}
}

// LoadEd25519SignerFromSeed builds a signer from a hex-encoded 32-byte seed,
// the format written to ManifestConfig.SigningKeyPath.
func LoadEd25519SignerFromSeed(hexSeed string) (*Ed25519Signer, error) {
	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil, fmt.Errorf("manifest: decode signing seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("manifest: signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Ed25519Signer{key: ed25519.NewKeyFromSeed(seed)}, nil
}

// Sign returns a hex-encoded Ed25519 signature over data.
func (s *Ed25519Signer) Sign(data []byte) (string, string, error) {
	sig := ed25519.Sign(s.key, data)
	return hex.EncodeToString(sig), "Ed25519", nil
}

// Store is the slice of pkg/store.MetadataStore the Generator needs.
type Store interface {
	GetJob(ctx context.Context, id int64) (*types.Job, error)
	GetMatter(ctx context.Context, id int64) (*types.Matter, error)
	ListShardsByJob(ctx context.Context, jobID int64) ([]*types.Shard, error)
	ListCollectedItemsByJob(ctx context.Context, jobID int64) ([]*types.CollectedItem, error)
	CreateJobManifest(ctx context.Context, m *types.JobManifest) (*types.JobManifest, error)
	GetJobManifestByJobID(ctx context.Context, jobID int64) (*types.JobManifest, error)
	GetJobManifestByManifestID(ctx context.Context, manifestID string) (*types.JobManifest, error)
	SealJobManifest(ctx context.Context, manifestID string, wormPath string, finalizedAt time.Time) error
	SetManifestVerification(ctx context.Context, manifestID string, v types.ManifestVerification) error
}

// Generator implements C9's build/seal/verify surface.
type Generator struct {
	store     Store
	artifacts artifact.Store
	ids       clockid.IDGenerator
	clock     clockid.Clock
	signer    Signer
	cfg       config.ManifestConfig
}

// New builds a Generator. signer may be nil when signing is disabled.
func New(s Store, artifacts artifact.Store, ids clockid.IDGenerator, clock clockid.Clock, signer Signer, cfg config.ManifestConfig) *Generator {
	return &Generator{store: s, artifacts: artifacts, ids: ids, clock: clock, signer: signer, cfg: cfg}
}

// Build assembles, hashes, optionally signs, and persists (unsealed) the
// manifest for jobID, per spec §4.9 steps 1-4 plus the JobManifest row.
func (g *Generator) Build(ctx context.Context, jobID int64, correlationID string) (*Manifest, error) {
	start := g.clock.Now()

	job, err := g.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("manifest: job %d: %w", jobID, errNotFound)
	}
	matter, err := g.store.GetMatter(ctx, job.MatterID)
	if err != nil {
		return nil, err
	}
	if matter == nil {
		return nil, fmt.Errorf("manifest: matter %d: %w", job.MatterID, errNotFound)
	}

	shards, err := g.store.ListShardsByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	custodianByShard := make(map[int64]string, len(shards))
	for _, sh := range shards {
		custodianByShard[sh.ID] = sh.CustodianEmail
	}

	rows, err := g.store.ListCollectedItemsByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	entries := make([]ManifestEntry, 0, len(rows))
	var totals Totals
	for i, row := range rows {
		custodian := custodianByShard[row.ShardID]
		if custodian == "" {
			custodian = job.CustodianEmail
		}
		entries = append(entries, ManifestEntry{
			SourceItemID:  row.SourceItemID,
			ItemType:      row.ItemType,
			Subject:       row.Subject,
			From:          row.From,
			To:            row.To,
			ItemDate:      row.ItemDate,
			CollectedAt:   row.CollectedAt,
			SizeBytes:     row.SizeBytes,
			SHA256:        row.SHA256,
			ArtifactPath:  row.ArtifactPath,
			IsSuccessful:  row.IsSuccessful,
			Error:         row.Error,
			Sequence:      int64(i + 1),
			Custodian:     custodian,
			CorrelationID: correlationID,
		})
		totals.Items++
		totals.Bytes += row.SizeBytes
		if row.IsSuccessful {
			totals.Successful++
		} else {
			totals.Failed++
		}
	}
	totals.EstimatedBytes = job.EstimatedBytes

	m := &Manifest{
		ManifestID: g.ids.NewID(),
		JobID:      job.ID,
		MatterID:   job.MatterID,
		Custodian:  job.CustodianEmail,
		JobType:    job.JobType,
		Route:      job.Route,
		StartedAt:  job.StartedAt,
		EndedAt:    job.EndedAt,
		CreatedAt:  g.clock.Now(),
		Totals:     totals,
		Items:      entries,
		Integrity: Integrity{
			HashAlgo:          "SHA-256",
			ImmutablePolicyID: g.cfg.ImmutablePolicyID,
		},
	}

	itemsHash := sha256.Sum256(canonicalItemsBytes(m.Items))
	m.Integrity.ItemsHash = hex.EncodeToString(itemsHash[:])

	manifestHash := sha256.Sum256(canonicalManifestForHash(m))
	m.Integrity.ManifestHash = hex.EncodeToString(manifestHash[:])

	if g.cfg.SigningEnabled && g.signer != nil {
		sig, algo, err := g.signer.Sign(manifestHash[:])
		if err != nil {
			return nil, hcoerr.Fatal("manifest: sign", err)
		}
		m.Integrity.Signature = sig
		m.Integrity.SignatureAlgo = algo
	}

	jsonBytes := canonicalManifestBytes(m)
	jsonKey := artifact.JobManifestKey(matter.Name, job.ID, "json")
	if _, err := g.artifacts.Put(ctx, jsonKey, bytes.NewReader(jsonBytes)); err != nil {
		return nil, fmt.Errorf("manifest: persist json: %w", err)
	}

	var csvKey string
	if g.cfg.IncludeCSV {
		csvBytes := writeCSV(m.Items)
		csvKey = artifact.JobManifestKey(matter.Name, job.ID, "csv")
		if _, err := g.artifacts.Put(ctx, csvKey, bytes.NewReader(csvBytes)); err != nil {
			return nil, fmt.Errorf("manifest: persist csv: %w", err)
		}

		// manifest.sha256 covers the CSV manifest bytes, not the JSON
		// integrity block's manifest_hash.
		csvHash := sha256.Sum256(csvBytes)
		shaKey := artifact.JobManifestKey(matter.Name, job.ID, "sha256")
		if _, err := g.artifacts.Put(ctx, shaKey, bytes.NewReader([]byte(hex.EncodeToString(csvHash[:])))); err != nil {
			return nil, fmt.Errorf("manifest: persist sha256 sidecar: %w", err)
		}
	}

	row := &types.JobManifest{
		JobID:         job.ID,
		ManifestID:    m.ManifestID,
		ItemsHash:     m.Integrity.ItemsHash,
		ManifestHash:  m.Integrity.ManifestHash,
		JSONPath:      jsonKey,
		CSVPath:       csvKey,
		SignatureAlgo: m.Integrity.SignatureAlgo,
		Verification:  types.ManifestInconclusive,
	}
	if _, err := g.store.CreateJobManifest(ctx, row); err != nil {
		return nil, err
	}

	metrics.ManifestBuildDuration.Observe(g.clock.Now().Sub(start).Seconds())
	return m, nil
}

// Seal copies the already-built manifest into the immutable WORM namespace
// and marks its JobManifest row finalized. Idempotent: calling Seal again
// on an already-sealed manifest returns ErrAlreadySealed.
func (g *Generator) Seal(ctx context.Context, manifestID, correlationID string) error {
	row, err := g.store.GetJobManifestByManifestID(ctx, manifestID)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("manifest: %s: %w", manifestID, errNotFound)
	}
	if row.FinalizedAt != nil {
		return ErrAlreadySealed
	}

	r, err := g.artifacts.Open(ctx, row.JSONPath)
	if err != nil {
		return fmt.Errorf("manifest: open %s: %w", row.JSONPath, err)
	}
	defer r.Close()

	now := g.clock.Now()
	wormKey := artifact.WORMKey(now, correlationID, int(row.ID))
	if _, err := g.artifacts.PutImmutable(ctx, wormKey, r); err != nil {
		return fmt.Errorf("manifest: seal into worm namespace: %w", err)
	}

	if err := g.store.SealJobManifest(ctx, manifestID, wormKey, now); err != nil {
		if errors.Is(err, store.ErrAlreadySealed) {
			return ErrAlreadySealed
		}
		return err
	}
	metrics.ManifestsSealedTotal.Inc()
	return nil
}

// Verify re-derives manifest_hash from the persisted JSON and, once the
// manifest is sealed, checks that the WORM copy exists. A signature, if
// present, is not checked cryptographically: a signed manifest whose hash
// matches and whose WORM copy exists reports Valid.
func (g *Generator) Verify(ctx context.Context, manifestID string) (types.ManifestVerification, error) {
	row, err := g.store.GetJobManifestByManifestID(ctx, manifestID)
	if err != nil {
		return types.ManifestError, err
	}
	if row == nil {
		return types.ManifestError, fmt.Errorf("manifest: %s: %w", manifestID, errNotFound)
	}

	r, err := g.artifacts.Open(ctx, row.JSONPath)
	if err != nil {
		result := types.ManifestError
		_ = g.store.SetManifestVerification(ctx, manifestID, result)
		return result, fmt.Errorf("manifest: open %s: %w", row.JSONPath, err)
	}
	defer r.Close()

	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		result := types.ManifestError
		_ = g.store.SetManifestVerification(ctx, manifestID, result)
		return result, fmt.Errorf("manifest: decode persisted json: %w", err)
	}

	wantHash := m.Integrity.ManifestHash
	wantSig := m.Integrity.Signature

	gotHash := sha256.Sum256(canonicalManifestForHash(&m))
	result := types.ManifestValid
	if hex.EncodeToString(gotHash[:]) != wantHash {
		result = types.ManifestInvalid
	}
	if result == types.ManifestValid && wantSig != "" {
		// The signer only exposes Sign, not verify; absent a public-key
		// verifier configured alongside it, a present signature whose
		// manifest_hash matches is the best this pass can confirm.
		result = types.ManifestValid
	}
	if result == types.ManifestValid && row.FinalizedAt != nil {
		exists, _, err := g.artifacts.Stat(ctx, row.WORMPath)
		if err != nil || !exists {
			result = types.ManifestInvalid
		}
	}

	if err := g.store.SetManifestVerification(ctx, manifestID, result); err != nil {
		return result, err
	}
	return result, nil
}

// canonicalManifestForHash renders m with items_hash, manifest_hash, and
// signature zeroed, per spec §4.9 step 3.
func canonicalManifestForHash(m *Manifest) []byte {
	cp := *m
	cp.Integrity.ItemsHash = ""
	cp.Integrity.ManifestHash = ""
	cp.Integrity.Signature = ""
	return canonicalManifestBytes(&cp)
}

// canonicalManifestBytes hand-serializes m with a fixed key order, UTF-8,
// no insignificant whitespace, and no reflection over struct tags — two
// builds of equal logical content always produce identical bytes.
func canonicalManifestBytes(m *Manifest) []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	writeKey(&buf, "manifest_id", true)
	writeJSONString(&buf, m.ManifestID)
	writeKey(&buf, "job_id", false)
	buf.WriteString(strconv.FormatInt(m.JobID, 10))
	writeKey(&buf, "matter_id", false)
	buf.WriteString(strconv.FormatInt(m.MatterID, 10))
	writeKey(&buf, "custodian", false)
	writeJSONString(&buf, m.Custodian)
	writeKey(&buf, "job_type", false)
	writeJSONString(&buf, string(m.JobType))
	writeKey(&buf, "route", false)
	writeJSONString(&buf, string(m.Route))
	writeKey(&buf, "started_at", false)
	writeJSONTimePtr(&buf, m.StartedAt)
	writeKey(&buf, "ended_at", false)
	writeJSONTimePtr(&buf, m.EndedAt)
	writeKey(&buf, "created_at", false)
	writeJSONTime(&buf, m.CreatedAt)
	writeKey(&buf, "finalized_at", false)
	writeJSONTimePtr(&buf, m.FinalizedAt)
	writeKey(&buf, "totals", false)
	writeTotals(&buf, m.Totals)
	writeKey(&buf, "items", false)
	buf.Write(canonicalItemsBytes(m.Items))
	writeKey(&buf, "integrity", false)
	writeIntegrity(&buf, m.Integrity)
	buf.WriteByte('}')
	return buf.Bytes()
}

func canonicalItemsBytes(items []ManifestEntry) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, e := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeEntry(&buf, e)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

func writeEntry(buf *bytes.Buffer, e ManifestEntry) {
	buf.WriteByte('{')
	writeKey(buf, "source_item_id", true)
	writeJSONString(buf, e.SourceItemID)
	writeKey(buf, "item_type", false)
	writeJSONString(buf, e.ItemType)
	writeKey(buf, "subject", false)
	writeJSONString(buf, e.Subject)
	writeKey(buf, "from", false)
	writeJSONString(buf, e.From)
	writeKey(buf, "to", false)
	writeJSONString(buf, e.To)
	writeKey(buf, "item_date", false)
	writeJSONTimePtr(buf, e.ItemDate)
	writeKey(buf, "collected_at", false)
	writeJSONTime(buf, e.CollectedAt)
	writeKey(buf, "size_bytes", false)
	buf.WriteString(strconv.FormatInt(e.SizeBytes, 10))
	writeKey(buf, "sha256", false)
	writeJSONString(buf, e.SHA256)
	writeKey(buf, "artifact_path", false)
	writeJSONString(buf, e.ArtifactPath)
	writeKey(buf, "is_successful", false)
	buf.WriteString(strconv.FormatBool(e.IsSuccessful))
	writeKey(buf, "error", false)
	writeJSONString(buf, e.Error)
	writeKey(buf, "sequence", false)
	buf.WriteString(strconv.FormatInt(e.Sequence, 10))
	writeKey(buf, "custodian", false)
	writeJSONString(buf, e.Custodian)
	writeKey(buf, "correlation_id", false)
	writeJSONString(buf, e.CorrelationID)
	buf.WriteByte('}')
}

func writeTotals(buf *bytes.Buffer, t Totals) {
	buf.WriteByte('{')
	writeKey(buf, "items", true)
	buf.WriteString(strconv.FormatInt(t.Items, 10))
	writeKey(buf, "successful", false)
	buf.WriteString(strconv.FormatInt(t.Successful, 10))
	writeKey(buf, "failed", false)
	buf.WriteString(strconv.FormatInt(t.Failed, 10))
	writeKey(buf, "bytes", false)
	buf.WriteString(strconv.FormatInt(t.Bytes, 10))
	writeKey(buf, "estimated_bytes", false)
	buf.WriteString(strconv.FormatInt(t.EstimatedBytes, 10))
	buf.WriteByte('}')
}

func writeIntegrity(buf *bytes.Buffer, in Integrity) {
	buf.WriteByte('{')
	writeKey(buf, "hash_algo", true)
	writeJSONString(buf, in.HashAlgo)
	writeKey(buf, "items_hash", false)
	writeJSONString(buf, in.ItemsHash)
	writeKey(buf, "manifest_hash", false)
	writeJSONString(buf, in.ManifestHash)
	writeKey(buf, "signature_algo", false)
	writeJSONString(buf, in.SignatureAlgo)
	writeKey(buf, "signature", false)
	writeJSONString(buf, in.Signature)
	writeKey(buf, "signing_cert_thumbprint", false)
	writeJSONString(buf, in.SigningCertThumbprint)
	writeKey(buf, "immutable_policy_id", false)
	writeJSONString(buf, in.ImmutablePolicyID)
	writeKey(buf, "worm_compliant", false)
	buf.WriteString(strconv.FormatBool(in.WormCompliant))
	buf.WriteByte('}')
}

func writeKey(buf *bytes.Buffer, key string, first bool) {
	if !first {
		buf.WriteByte(',')
	}
	writeJSONString(buf, key)
	buf.WriteByte(':')
}

func writeJSONString(buf *bytes.Buffer, s string) {
	// encoding/json's string escaping is reused here only as a byte-level
	// primitive, not as a reflection-based marshaller.
	b, _ := json.Marshal(s)
	buf.Write(b)
}

func writeJSONTime(buf *bytes.Buffer, t time.Time) {
	writeJSONString(buf, t.UTC().Format(time.RFC3339Nano))
}

func writeJSONTimePtr(buf *bytes.Buffer, t *time.Time) {
	if t == nil {
		buf.WriteString("null")
		return
	}
	writeJSONTime(buf, *t)
}

// csvTimestampMs formats t as ISO-8601 UTC with millisecond precision,
// the collected-manifest CSV's required timestamp shape (spec §6).
func csvTimestampMs(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// writeCSV renders the collected manifest in the stable column order
// spec §6 defines for the CSV wire format, which pkg/reconcile in turn
// parses back when one side of a reconciliation is an HCO-produced
// manifest. DriveId is left blank: this domain keys collected items by
// source_item_id alone, never by a (drive_id, item_id) pair.
func writeCSV(items []ManifestEntry) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"Custodian", "Kind", "DriveId", "ItemId", "Path", "Size", "SHA256", "StorageUri", "CollectedUtc"})
	for _, e := range items {
		_ = w.Write([]string{
			e.Custodian,
			e.ItemType,
			"",
			e.SourceItemID,
			e.ArtifactPath,
			strconv.FormatInt(e.SizeBytes, 10),
			e.SHA256,
			e.ArtifactPath,
			csvTimestampMs(e.CollectedAt),
		})
	}
	w.Flush()
	return buf.Bytes()
}

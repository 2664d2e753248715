// Package artifact implements C2, the ArtifactStore: named-blob
// persistence with an atomic write path (write to a temp file, fsync,
// rename) and a SHA-256 computed in the same pass as the write, per spec
// §5's ArtifactStore requirements. A second, write-once namespace holds
// sealed manifests under the WORM policy described in spec §4.9 and §6.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ErrSealed is returned when a caller attempts to overwrite a key already
// present in the immutable (WORM) namespace.
var ErrSealed = errors.New("artifact: key already sealed")

// WriteResult reports what was actually persisted.
type WriteResult struct {
	SHA256 string
	Size   int64
}

// Store is the ArtifactStore capability.
type Store interface {
	// Put writes r under key atomically and returns its size and hash.
	Put(ctx context.Context, key string, r io.Reader) (WriteResult, error)

	// PutImmutable writes r under key in the WORM namespace. It fails
	// with ErrSealed if key already exists there.
	PutImmutable(ctx context.Context, key string, r io.Reader) (WriteResult, error)

	// Open returns a reader for a previously-written key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Stat reports whether key exists and, if so, its size.
	Stat(ctx context.Context, key string) (exists bool, size int64, err error)
}

// FilesystemStore is the default ArtifactStore, rooted at a local
// directory laid out per spec §6:
//
//	<root>/matter/<matter_name>/GDC/<custodian>/<000000_filename>
//	<root>/logs/<matter_name>/<job_id>/manifest.{csv,json,sha256}
//	<root>/immutable/worm/<YYYY-MM-DD>/sealed_manifest_<correlation>_<seq>_<ts>.json
type FilesystemStore struct {
	root string
}

// NewFilesystemStore returns a FilesystemStore rooted at root. root is
// created if it does not exist.
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: mkdir root: %w", err)
	}
	return &FilesystemStore{root: root}, nil
}

func (s *FilesystemStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put writes r to <root>/key atomically: it streams into a temp file in
// the destination directory, computing SHA-256 as it goes, fsyncs, then
// renames over the final path.
func (s *FilesystemStore) Put(ctx context.Context, key string, r io.Reader) (WriteResult, error) {
	return s.writeAtomic(s.path(key), r)
}

// PutImmutable writes r into the WORM namespace. The caller is
// responsible for shaping key under "immutable/worm/...", matching
// pkg/manifest's sealing convention; PutImmutable itself only refuses to
// overwrite an existing key.
func (s *FilesystemStore) PutImmutable(ctx context.Context, key string, r io.Reader) (WriteResult, error) {
	dest := s.path(key)
	if _, err := os.Stat(dest); err == nil {
		return WriteResult{}, ErrSealed
	} else if !os.IsNotExist(err) {
		return WriteResult{}, fmt.Errorf("artifact: stat %s: %w", dest, err)
	}
	return s.writeAtomic(dest, r)
}

func (s *FilesystemStore) writeAtomic(dest string, r io.Reader) (WriteResult, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return WriteResult{}, fmt.Errorf("artifact: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return WriteResult{}, fmt.Errorf("artifact: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath) // no-op once renamed
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return WriteResult{}, fmt.Errorf("artifact: write %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return WriteResult{}, fmt.Errorf("artifact: fsync %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return WriteResult{}, fmt.Errorf("artifact: close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return WriteResult{}, fmt.Errorf("artifact: rename %s -> %s: %w", tmpPath, dest, err)
	}

	return WriteResult{SHA256: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

// Open returns a reader for key.
func (s *FilesystemStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		return nil, fmt.Errorf("artifact: open %s: %w", key, err)
	}
	return f, nil
}

// Stat reports whether key exists and its size.
func (s *FilesystemStore) Stat(ctx context.Context, key string) (bool, int64, error) {
	info, err := os.Stat(s.path(key))
	if os.IsNotExist(err) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("artifact: stat %s: %w", key, err)
	}
	return true, info.Size(), nil
}

// MatterGDCKey builds the persisted-state key for a collected artifact per
// spec §6: matter/<matter>/GDC/<custodian>/<seq>_<filename>, with seq
// zero-padded to six digits.
func MatterGDCKey(matterName, custodian string, seq int, filename string) string {
	return filepath.ToSlash(filepath.Join("matter", matterName, "GDC", custodian, fmt.Sprintf("%06d_%s", seq, filename)))
}

// JobManifestKey builds the key for a job's manifest side-file
// (manifest.json, manifest.csv, manifest.sha256) under logs/.
func JobManifestKey(matterName string, jobID int64, ext string) string {
	return filepath.ToSlash(filepath.Join("logs", matterName, fmt.Sprintf("%d", jobID), "manifest."+ext))
}

// WORMKey builds the key for a sealed manifest copy under immutable/worm/.
func WORMKey(sealedAt time.Time, correlationID string, seq int) string {
	day := sealedAt.UTC().Format("2006-01-02")
	ts := sealedAt.UTC().Format("20060102T150405Z")
	name := fmt.Sprintf("sealed_manifest_%s_%d_%s.json", correlationID, seq, ts)
	return filepath.ToSlash(filepath.Join("immutable", "worm", day, name))
}

package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/hco/pkg/hcoerr"
)

// handleGenerateManifest implements POST /custody/manifest/generate/{job_id}.
func (s *Server) handleGenerateManifest(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathID64(r, "job_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	m, err := s.deps.Manifests.Build(r.Context(), jobID, correlationIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// handleSealManifest implements POST /custody/manifest/seal/{id}.
func (s *Server) handleSealManifest(w http.ResponseWriter, r *http.Request) {
	manifestID := chi.URLParam(r, "id")
	if manifestID == "" {
		writeError(w, r, hcoerr.Validation("missing manifest id", nil))
		return
	}
	if err := s.deps.Manifests.Seal(r.Context(), manifestID, correlationIDFromContext(r.Context())); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleVerifyManifest implements POST /custody/manifest/verify/{id}.
func (s *Server) handleVerifyManifest(w http.ResponseWriter, r *http.Request) {
	manifestID := chi.URLParam(r, "id")
	if manifestID == "" {
		writeError(w, r, hcoerr.Validation("missing manifest id", nil))
		return
	}
	verification, err := s.deps.Manifests.Verify(r.Context(), manifestID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, manifestVerifyResponse{ManifestID: manifestID, Verification: string(verification)})
}

// handleGetManifest implements GET /custody/manifest/{id} — the manifest
// row itself, not its artifact bytes.
func (s *Server) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	manifestID := chi.URLParam(r, "id")
	if manifestID == "" {
		writeError(w, r, hcoerr.Validation("missing manifest id", nil))
		return
	}

	row, err := s.deps.ManifestRows.GetJobManifestByManifestID(r.Context(), manifestID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if row == nil {
		writeNotFound(w, r, "manifest")
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// handleDownloadManifest implements GET /custody/manifest/{id}/download,
// streaming the CSV or JSON artifact per ?format=csv|json.
func (s *Server) handleDownloadManifest(w http.ResponseWriter, r *http.Request) {
	manifestID := chi.URLParam(r, "id")
	if manifestID == "" {
		writeError(w, r, hcoerr.Validation("missing manifest id", nil))
		return
	}

	row, err := s.deps.ManifestRows.GetJobManifestByManifestID(r.Context(), manifestID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if row == nil {
		writeNotFound(w, r, "manifest")
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	var key, contentType string
	switch format {
	case "json":
		key, contentType = row.JSONPath, "application/json"
	case "csv":
		key, contentType = row.CSVPath, "text/csv"
	default:
		writeError(w, r, hcoerr.Validation("format must be csv or json", nil))
		return
	}
	if key == "" {
		writeNotFound(w, r, "manifest "+format+" artifact")
		return
	}

	rc, err := s.deps.Artifacts.Open(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

// handleListJobManifests implements GET /custody/job/{job_id}/manifests.
// The store tracks one manifest row per job, so this returns a
// zero-or-one-element list rather than a true collection.
func (s *Server) handleListJobManifests(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathID64(r, "job_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	row, err := s.deps.ManifestRows.GetJobManifestByJobID(r.Context(), jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if row == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, []interface{}{row})
}

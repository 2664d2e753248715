package api

import (
	"net/http"

	"github.com/cuemby/hco/pkg/jobcontrol"
	"github.com/cuemby/hco/pkg/types"
)

// handleCreateShardedJob implements POST /sharded-jobs: create a Job and
// immediately plan it into shards, collapsing the usual
// create-then-start sequence into the one call a sharded worker pool
// expects to make up front.
func (s *Server) handleCreateShardedJob(w http.ResponseWriter, r *http.Request) {
	var body createJobBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(body); err != nil {
		writeError(w, r, err)
		return
	}

	correlationID := correlationIDFromContext(r.Context())
	job, decision, err := s.deps.Jobs.CreateJob(r.Context(), jobcontrol.CreateJobRequest{
		MatterID:           body.MatterID,
		CustodianEmail:     body.CustodianEmail,
		JobType:            types.JobType(body.JobType),
		Start:              body.Start,
		End:                body.End,
		Priority:           body.Priority,
		MaxRetries:         body.MaxRetries,
		Keywords:           body.Keywords,
		IncludeAttachments: body.IncludeAttachments,
	}, correlationID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	maxRetries := body.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	job, err = s.deps.Jobs.StartJob(r.Context(), job.ID, maxRetries, correlationID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createJobResponse{Job: job, Decision: decision})
}

// handleClaimNext implements POST /sharded-jobs/shards/next — the
// worker-pull endpoint for an external (non-in-process) worker.
func (s *Server) handleClaimNext(w http.ResponseWriter, r *http.Request) {
	var body claimNextRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(body); err != nil {
		writeError(w, r, err)
		return
	}

	shard, err := s.deps.Scheduler.ClaimNext(r.Context(), body.WorkerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if shard == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, shard)
}

// handleShardProgress implements PUT /sharded-jobs/shards/{id}/progress.
func (s *Server) handleShardProgress(w http.ResponseWriter, r *http.Request) {
	shardID, err := pathID64(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body shardProgressBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(body); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.deps.Shards.UpdateShardProgress(r.Context(), shardID, body.LeaseToken, body.ProcessedItems, body.ProcessedBytes, body.ProgressPct); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleShardComplete implements PUT /sharded-jobs/shards/{id}/complete.
func (s *Server) handleShardComplete(w http.ResponseWriter, r *http.Request) {
	shardID, err := pathID64(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body shardCompleteBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(body); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.deps.Scheduler.Complete(r.Context(), shardID, body.LeaseToken); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleShardRelease implements POST /sharded-jobs/shards/{id}/release.
func (s *Server) handleShardRelease(w http.ResponseWriter, r *http.Request) {
	shardID, err := pathID64(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body shardReleaseBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(body); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.deps.Scheduler.Release(r.Context(), shardID, body.LeaseToken); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleShardRetry implements POST /sharded-jobs/shards/{id}/retry.
func (s *Server) handleShardRetry(w http.ResponseWriter, r *http.Request) {
	shardID, err := pathID64(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body shardRetryBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(body); err != nil {
		writeError(w, r, err)
		return
	}

	retried, err := s.deps.Scheduler.Retry(r.Context(), shardID, body.LeaseToken, body.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, shardRetryResponse{Retried: retried})
}

// handleCleanupLocks implements POST /sharded-jobs/maintenance/cleanup-locks.
func (s *Server) handleCleanupLocks(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Scheduler.ReapExpired(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cleanupLocksResponse{Reaped: n})
}

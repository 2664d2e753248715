package api

import (
	"net/http"

	"github.com/cuemby/hco/pkg/jobcontrol"
	"github.com/cuemby/hco/pkg/types"
)

// handleCreateJob implements POST /jobs.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
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
	writeJSON(w, http.StatusCreated, createJobResponse{Job: job, Decision: decision})
}

// handleStartJob implements POST /jobs/{id}/start.
func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathID64(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var body startJobBody
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, r, err)
			return
		}
	}
	maxRetries := body.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	job, err := s.deps.Jobs.StartJob(r.Context(), jobID, maxRetries, correlationIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleCompleteJob implements POST /jobs/{id}/complete.
func (s *Server) handleCompleteJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathID64(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var body completeJobBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(body); err != nil {
		writeError(w, r, err)
		return
	}

	job, err := s.deps.Jobs.CompleteManually(r.Context(), jobID, jobcontrol.CompleteManuallyRequest{
		Status:      types.JobStatus(body.Status),
		ActualBytes: body.ActualBytes,
		ActualItems: body.ActualItems,
		Error:       body.Error,
	}, correlationIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleIngestItems implements POST /jobs/{id}/items.
func (s *Server) handleIngestItems(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathID64(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var body ingestItemsBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(body); err != nil {
		writeError(w, r, err)
		return
	}

	items := make([]*types.CollectedItem, 0, len(body.Items))
	for _, b := range body.Items {
		items = append(items, b.toItem())
	}
	if err := s.deps.Jobs.IngestItems(r.Context(), jobID, items); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": len(items)})
}

// handleReconcile implements POST /jobs/{id}/reconcile.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathID64(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var body reconcileBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(body); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := s.deps.Jobs.Reconcile(r.Context(), jobID, jobcontrol.ReconcileRequest{
		SourceManifestPath:    body.SourceManifestPath,
		CollectedManifestPath: body.CollectedManifestPath,
		Custodian:             body.Custodian,
		DryRun:                body.DryRun,
	}, s.deps.ReconcileConfig, correlationIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reconcileAcceptedResponse{Accepted: true, JobID: jobID, OverallPassed: result.OverallPassed})
}

// handleGetJob implements GET /jobs/{id}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathID64(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.deps.Jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if job == nil {
		writeNotFound(w, r, "job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleListShards implements GET /jobs/{id}/shards.
func (s *Server) handleListShards(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathID64(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	shards, err := s.deps.Jobs.ListShards(r.Context(), jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, shards)
}

// handleListCheckpoints implements GET /shards/{id}/checkpoints.
func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	shardID, err := pathID64(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	checkpoints, err := s.deps.Jobs.ListCheckpoints(r.Context(), shardID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, checkpoints)
}

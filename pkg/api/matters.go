package api

import (
	"net/http"

	"github.com/cuemby/hco/pkg/types"
)

// handleCreateMatter implements POST /matters.
func (s *Server) handleCreateMatter(w http.ResponseWriter, r *http.Request) {
	var body createMatterBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(body); err != nil {
		writeError(w, r, err)
		return
	}

	m, err := s.deps.Jobs.CreateMatter(r.Context(), &types.Matter{
		Name:       body.Name,
		CaseNumber: body.CaseNumber,
		CreatedBy:  body.CreatedBy,
		IsActive:   true,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// handleListMatters implements GET /matters.
func (s *Server) handleListMatters(w http.ResponseWriter, r *http.Request) {
	matters, err := s.deps.Jobs.ListMatters(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, matters)
}

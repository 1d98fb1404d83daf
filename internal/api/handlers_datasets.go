package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cloudkeep/versionstore/internal/api/apierrors"
	"github.com/cloudkeep/versionstore/internal/core"
	"github.com/cloudkeep/versionstore/internal/orchestrator"
)

func (s *Server) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CreateDatasetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.Write(w, s.logger, core.NewValidationError("invalid-request", "malformed JSON body"))
		return
	}

	d, err := s.orch.CreateDataset(r.Context(), req)
	if err != nil {
		apierrors.Write(w, s.logger, err)
		return
	}

	w.Header().Set("Location", "/v1/datasets/"+d.Name)
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	datasets, err := s.orch.ListDatasets(r.Context())
	if err != nil {
		apierrors.Write(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, datasets)
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["dataset"]
	d, err := s.orch.GetDataset(r.Context(), name)
	if err != nil {
		apierrors.Write(w, s.logger, err)
		return
	}
	if d == nil {
		apierrors.Write(w, s.logger, core.NewNotFoundError("dataset-not-found", "dataset not found"))
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

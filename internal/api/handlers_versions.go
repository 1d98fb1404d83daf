package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cloudkeep/versionstore/internal/api/apierrors"
	"github.com/cloudkeep/versionstore/internal/core"
)

type createVersionRequest struct {
	Dataset            string         `json:"dataset"`
	Label              string         `json:"label,omitempty"`
	VerificationPolicy map[string]any `json:"verification-policy,omitempty"`
}

func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	var req createVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.Write(w, s.logger, core.NewValidationError("invalid-request", "malformed JSON body"))
		return
	}

	v, err := s.orch.CreateVersion(r.Context(), req.Dataset, req.Label)
	if err != nil {
		apierrors.Write(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	dataset := r.URL.Query().Get("dataset")
	if dataset == "" {
		versions, err := s.orch.MS.ListAllVersions(r.Context())
		if err != nil {
			apierrors.Write(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, versions)
		return
	}

	versions, err := s.orch.ListVersionsByDataset(r.Context(), dataset)
	if err != nil {
		apierrors.Write(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	v, err := s.orch.GetVersion(r.Context(), id)
	if err != nil {
		apierrors.Write(w, s.logger, err)
		return
	}
	if v == nil {
		apierrors.Write(w, s.logger, core.NewNotFoundError("version-not-found", "version not found"))
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	v, err := s.orch.Save(r.Context(), id)
	if err != nil {
		apierrors.Write(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, v)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	v, err := s.orch.Publish(r.Context(), id)
	if err != nil {
		apierrors.Write(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, v)
}

type discardRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req discardRequest
	if r.Body != nil && r.ContentLength != 0 {
		// The body is optional; a malformed-but-present body is still an error.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apierrors.Write(w, s.logger, core.NewValidationError("invalid-request", "malformed JSON body"))
			return
		}
	}

	v, err := s.orch.Discard(r.Context(), id, req.Reason)
	if err != nil {
		apierrors.Write(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

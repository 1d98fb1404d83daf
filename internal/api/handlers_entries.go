package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cloudkeep/versionstore/internal/api/apierrors"
	"github.com/cloudkeep/versionstore/internal/core"
	"github.com/cloudkeep/versionstore/internal/orchestrator"
)

type entryWire struct {
	Table string          `json:"table,omitempty"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func (s *Server) handleLoadEntriesMulti(w http.ResponseWriter, r *http.Request) {
	dataset := mux.Vars(r)["dataset"]
	versionID := r.URL.Query().Get("version-id")

	var wire []entryWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		apierrors.Write(w, s.logger, core.NewValidationError("invalid-request", "malformed JSON body"))
		return
	}

	entries := make([]orchestrator.LoadEntry, len(wire))
	for i, e := range wire {
		entries[i] = orchestrator.LoadEntry{Table: e.Table, Key: e.Key, Value: []byte(e.Value)}
	}

	if err := s.orch.LoadEntries(r.Context(), versionID, dataset, entries); err != nil {
		apierrors.Write(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLoadEntriesForTable(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	dataset, table := vars["dataset"], vars["table"]
	versionID := r.URL.Query().Get("version-id")

	var wire []entryWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		apierrors.Write(w, s.logger, core.NewValidationError("invalid-request", "malformed JSON body"))
		return
	}

	entries := make([]orchestrator.LoadEntry, len(wire))
	for i, e := range wire {
		entries[i] = orchestrator.LoadEntry{Table: table, Key: e.Key, Value: []byte(e.Value)}
	}

	if err := s.orch.LoadEntries(r.Context(), versionID, dataset, entries); err != nil {
		apierrors.Write(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	dataset, table, key := vars["dataset"], vars["table"], vars["key"]
	versionID := r.URL.Query().Get("version-id")

	result, err := s.orch.GetEntry(r.Context(), versionID, dataset, table, key)
	if err != nil {
		apierrors.Write(w, s.logger, err)
		return
	}

	value, found := result.Data[key]
	w.Header().Set("X-Active-Version-Id", result.ActiveVersionID)
	w.Header().Set("X-Version-Id", result.VersionID)
	if !found {
		apierrors.Write(w, s.logger, core.NewNotFoundError("key-not-found", "key not found"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(value)
}

type keyOnly struct {
	Key string `json:"key"`
}

func (s *Server) handleGetEntries(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	dataset, table := vars["dataset"], vars["table"]
	versionID := r.URL.Query().Get("version-id")

	var wire []keyOnly
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		apierrors.Write(w, s.logger, core.NewValidationError("invalid-request", "malformed JSON body"))
		return
	}
	keys := make([]string, len(wire))
	for i, k := range wire {
		keys[i] = k.Key
	}

	result, err := s.orch.GetEntries(r.Context(), versionID, dataset, table, keys)
	if err != nil {
		apierrors.Write(w, s.logger, err)
		return
	}

	var found, missing []string
	data := make(map[string]json.RawMessage, len(result.Data))
	for _, k := range keys {
		if v, ok := result.Data[k]; ok {
			found = append(found, k)
			data[k] = json.RawMessage(v)
		} else {
			missing = append(missing, k)
		}
	}

	w.Header().Set("X-Active-Version-Id", result.ActiveVersionID)
	w.Header().Set("X-Version-Id", result.VersionID)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"keys-found":   found,
		"keys-missing": missing,
		"data":         data,
	})
}

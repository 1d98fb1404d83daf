// Package api exposes the orchestrator over a RESTful, JSON HTTP surface
// using gorilla/mux, matching the route table and error-body contract
// external clients rely on.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cloudkeep/versionstore/internal/api/middleware"
	"github.com/cloudkeep/versionstore/internal/orchestrator"
)

// Server bundles the orchestrator and logger every handler needs.
type Server struct {
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
}

// NewRouter builds the full route table under contextRoot (e.g. "" or
// "/versionstore"), with request-id, logging and metrics middleware
// applied globally.
func NewRouter(o *orchestrator.Orchestrator, contextRoot string, logger *slog.Logger, reg *prometheus.Registry) *mux.Router {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{orch: o, logger: logger}

	router := mux.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logging(logger))
	router.Use(middleware.Metrics)

	root := router.PathPrefix(contextRoot).Subrouter()

	root.HandleFunc("/healthcheck", s.handleHealthcheck).Methods(http.MethodGet)

	if reg != nil {
		root.Handle("/metrics", promhttp.HandlerFor(prometheus.Gatherers{reg, prometheus.DefaultGatherer}, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := root.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/datasets", s.handleCreateDataset).Methods(http.MethodPost)
	v1.HandleFunc("/datasets", s.handleListDatasets).Methods(http.MethodGet)
	v1.HandleFunc("/datasets/{dataset}", s.handleGetDataset).Methods(http.MethodGet)

	v1.HandleFunc("/versions", s.handleCreateVersion).Methods(http.MethodPost)
	v1.HandleFunc("/versions", s.handleListVersions).Methods(http.MethodGet)
	v1.HandleFunc("/versions/{id}", s.handleGetVersion).Methods(http.MethodGet)
	v1.HandleFunc("/versions/{id}/save", s.handleSave).Methods(http.MethodPost)
	v1.HandleFunc("/versions/{id}/publish", s.handlePublish).Methods(http.MethodPost)
	v1.HandleFunc("/versions/{id}/discard", s.handleDiscard).Methods(http.MethodPost)

	v1.HandleFunc("/datasets/{dataset}", s.handleLoadEntriesMulti).Methods(http.MethodPost)
	v1.HandleFunc("/datasets/{dataset}/tables/{table}", s.handleLoadEntriesForTable).Methods(http.MethodPost)
	v1.HandleFunc("/datasets/{dataset}/tables/{table}/entries/{key}", s.handleGetEntry).Methods(http.MethodGet)
	v1.HandleFunc("/datasets/{dataset}/tables/{table}/entries", s.handleGetEntries).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	return router
}

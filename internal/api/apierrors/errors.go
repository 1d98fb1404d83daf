// Package apierrors translates core.Error into the HTTP status and JSON
// body shape the external HTTP surface promises callers.
package apierrors

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cloudkeep/versionstore/internal/core"
)

// statusForKind maps a core.ErrorKind to the HTTP status the surface
// promises for it.
func statusForKind(kind core.ErrorKind) int {
	switch kind {
	case core.KindValidationError:
		return http.StatusBadRequest
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindConflict:
		return http.StatusConflict
	case core.KindTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Write serializes err as {status: "error", message, ...context} and sets
// the status code derived from its core.ErrorKind. Errors that are not a
// *core.Error are treated as Internal and logged, never echoed to the
// caller verbatim — backend errors may carry details we don't want to leak.
func Write(w http.ResponseWriter, logger *slog.Logger, err error) {
	var coreErr *core.Error
	status := http.StatusInternalServerError
	body := map[string]any{"status": "error"}

	if errors.As(err, &coreErr) {
		status = statusForKind(coreErr.Kind)
		body["message"] = coreErr.Message
		for k, v := range coreErr.Context {
			body[k] = v
		}
		if coreErr.Kind == core.KindInternal && logger != nil {
			logger.Error("internal error", "error", err)
		}
	} else {
		body["message"] = "internal error"
		if logger != nil {
			logger.Error("unclassified error", "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

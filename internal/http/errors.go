// Package httpapi exposes the HTTP API layer of the service.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/juju/errors"

	"github.com/fairyhunter13/product-catalog-service/internal/model"
	"github.com/fairyhunter13/product-catalog-service/internal/obs"
	"github.com/fairyhunter13/product-catalog-service/internal/propagate"
)

// jsonError represents a JSON error payload.
type jsonError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// WriteJSONError writes a JSON error payload with the given status code.
func WriteJSONError(w http.ResponseWriter, status int, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonError{Error: message, Details: details})
}

// WriteError maps a domain error onto a status code and error payload.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		obs.Logger.Error("request_failed",
			"method", r.Method, "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()), "error", err)
	}
	WriteJSONError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrNotFound),
		errors.Is(err, propagate.ErrDeadLetterNotFound),
		errors.Is(err, errors.NotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrVersionConflict):
		return http.StatusConflict, "version_conflict"
	case errors.Is(err, propagate.ErrSuperseded):
		return http.StatusConflict, "superseded"
	case errors.Is(err, propagate.ErrLaneBusy):
		return http.StatusConflict, "lane_busy"
	case errors.Is(err, model.ErrInvalidInput), errors.Is(err, errors.NotValid):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, errors.NotSupported):
		return http.StatusUnprocessableEntity, "not_supported"
	case errors.Is(err, propagate.ErrReplayFailed):
		return http.StatusBadGateway, "replay_failed"
	case errors.Is(err, propagate.ErrPartitionUnavailable):
		return http.StatusServiceUnavailable, "partition_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

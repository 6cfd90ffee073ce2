package server

import (
	"encoding/json"
	"net/http"

	"github.com/whirr-ml/whirr/errors"
	"github.com/whirr-ml/whirr/logger"
)

// errorBody is the uniform error shape: a stable machine-readable kind plus
// a human-readable detail.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Logger.Warnw("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, kind, detail string) {
	writeJSON(w, status, errorBody{Error: kind, Detail: detail})
}

// writeStoreError maps the store's sentinel error kinds onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.IsNotOwner(err):
		writeError(w, http.StatusConflict, "not_owner", err.Error())
	case errors.Is(err, errors.ErrNotRetryable):
		writeError(w, http.StatusConflict, "not_retryable", err.Error())
	case errors.IsStoreUnavailable(err):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
	default:
		logger.Logger.Errorw("Internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// readJSON decodes the request body into v, writing the 400 itself on
// failure. Returns false when the caller should stop.
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body: "+err.Error())
		return false
	}
	return true
}

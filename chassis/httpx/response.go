// Package httpx holds the JSON transport helpers and middleware shared by the API handlers.
package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/freundallein/acm/backend/chassis/apperr"
	log "github.com/freundallein/acm/backend/chassis/logging"
	"github.com/freundallein/acm/backend/chassis/storage"
)

// ErrorBody - error envelope returned by every endpoint
type ErrorBody struct {
	Code    int    `json:"errorCode"`
	Message string `json:"errorMessage"`
}

// WriteJSON ...
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.WithFields(log.Fields{
			"event": "response_encode_failed",
		}).Error(err)
	}
}

// WriteError renders err as the error envelope.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	body, status := Describe(err)
	entry := log.WithContext(r.Context()).WithFields(map[string]interface{}{
		"event":  "request_failed",
		"path":   r.URL.Path,
		"method": r.Method,
		"status": status,
	})
	if status >= http.StatusInternalServerError {
		entry.Error(err)
	} else {
		entry.Debug(err)
	}
	WriteJSON(w, status, body)
}

// Describe maps err onto the envelope and HTTP status.
func Describe(err error) (ErrorBody, int) {
	if appErr, ok := apperr.From(err); ok {
		status := appErr.Status
		if status == 0 {
			status = http.StatusBadRequest
		}
		return ErrorBody{Code: appErr.Code, Message: appErr.Message}, status
	}
	if errors.Is(err, storage.ErrNotFound) {
		return ErrorBody{Code: apperr.HTTPNotFound, Message: "Not found."}, http.StatusNotFound
	}
	return ErrorBody{Code: apperr.HTTPServerError, Message: "Internal server error"}, http.StatusInternalServerError
}

// shared/api/response.go
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Ftotnem/arena-cluster/shared/errs"
)

// ErrorResponse is the body of every error response. Code is the same client code the
// websocket acks carry.
type ErrorResponse struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
	Code    string `json:"code,omitempty"`
}

// WriteJSON writes data as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a JSON error body. It falls back to plain text if encoding fails.
func WriteError(w http.ResponseWriter, status int, message string) {
	writeErrorResponse(w, ErrorResponse{Message: message, Status: status})
}

// WriteErr answers with the status and client code err maps to. Details of internal
// errors are not exposed.
func WriteErr(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	code, details := errs.CodeOf(err)
	if status >= http.StatusInternalServerError {
		details = http.StatusText(status)
	}
	writeErrorResponse(w, ErrorResponse{Message: details, Status: status, Code: code})
}

func writeErrorResponse(w http.ResponseWriter, body ErrorResponse) {
	if err := WriteJSON(w, body.Status, body); err != nil {
		http.Error(w, body.Message, body.Status)
	}
}

// StatusOf maps the cluster error taxonomy onto HTTP statuses.
func StatusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrAuthRequired):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, errs.ErrLockTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func WriteInternalServerError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, message)
}

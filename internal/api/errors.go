package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/JohanCodinha/qatrack/internal/jira"
	"github.com/JohanCodinha/qatrack/internal/logger"
	"github.com/JohanCodinha/qatrack/internal/store"
)

// Error codes of structured error responses.
const (
	ErrCodeBadRequest      = "bad_request"
	ErrCodeNotFound        = "not_found"
	ErrCodeInternal        = "internal"
	ErrCodeUnauthorized    = "unauthorized"
	ErrCodeForbidden       = "forbidden"
	ErrCodeUnavailable     = "remote_unavailable"
	ErrCodeNotConfigured   = "not_configured"
	ErrCodeInvalidQAStatus = "invalid_qa_status"
)

// APIError is the body of an error response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps an APIError for JSON serialization.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: APIError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Slog().Error("write json response", "err", err)
	}
}

// writeErr maps err to a status and code. The message is err's text.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, ErrCodeInternal
	switch {
	case errors.Is(err, store.ErrNotFound):
		status, code = http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, store.ErrInvalidQAStatus):
		status, code = http.StatusBadRequest, ErrCodeInvalidQAStatus
	case jira.IsUnauthorized(err):
		status, code = http.StatusUnauthorized, ErrCodeUnauthorized
	case jira.IsForbidden(err):
		status, code = http.StatusForbidden, ErrCodeForbidden
	case jira.IsConnectivity(err):
		status, code = http.StatusBadGateway, ErrCodeUnavailable
	}

	l := logFor(r.Context())
	if status >= http.StatusInternalServerError {
		l.Error("request failed", "status", status, "err", err)
	} else {
		l.Warn("request failed", "status", status, "err", err)
	}
	writeError(w, status, code, err.Error())
}

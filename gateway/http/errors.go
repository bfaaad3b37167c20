package http

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/T-en1991/demo111/errors"
)

// mapErrorToHTTPStatus maps classified errors to HTTP status codes
func mapErrorToHTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case errors.Is(err, errors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrConflict), errors.Is(err, errors.ErrBindFailed):
		return http.StatusConflict
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case errors.IsTransient(err):
		if errors.Is(err, errors.ErrConnectionTimeout) || strings.Contains(err.Error(), "timeout") {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage returns a message safe to show API clients. Validation
// details are kept; storage and transport internals are not.
func publicMessage(err error) string {
	switch {
	case err == nil:
		return "internal server error"
	case errors.Is(err, errors.ErrRateLimited):
		return "rate limit exceeded"
	case errors.IsNotFound(err):
		return "resource not found"
	case errors.Is(err, errors.ErrConflict):
		return "resource already exists"
	case errors.Is(err, errors.ErrBindFailed):
		return "listener could not bind its address"
	case errors.Is(err, errors.ErrInvalidData):
		return deepest(err, errors.ErrInvalidData)
	case errors.IsInvalid(err):
		return "invalid request"
	case errors.IsTransient(err):
		return "service temporarily unavailable"
	default:
		return "internal server error"
	}
}

// deepest returns the innermost message in err's chain that still wraps sentinel
func deepest(err, sentinel error) string {
	msg := sentinel.Error()
	for e := err; e != nil; e = stderrors.Unwrap(e) {
		var ce *errors.ClassifiedError
		if stderrors.As(e, &ce) && ce == e {
			continue
		}
		if e != sentinel && errors.Is(e, sentinel) {
			msg = e.Error()
		}
	}
	return msg
}

// writeJSON writes v with the given status
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]any{
		"error":  message,
		"status": statusCode,
	})
}

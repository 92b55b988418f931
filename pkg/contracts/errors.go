package contracts

import (
	"encoding/json"
	"errors"
	"net/http"
)

var (
	ErrInvalidInput    = errors.New("invalid_input")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrConflict        = errors.New("conflict")
	ErrUpstreamFailure = errors.New("upstream_failure")
)

type ErrorEnvelope struct {
	Message string    `json:"message"`
	Error   ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// StatusFor maps an error chain onto the HTTP status of the first known
// sentinel it wraps. Unknown errors are internal.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func CodeFor(err error) string {
	for _, sentinel := range []error{ErrInvalidInput, ErrUnauthorized, ErrConflict, ErrUpstreamFailure} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "internal_error"
}

func WriteError(w http.ResponseWriter, status int, code, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorEnvelope{
		Message: message,
		Error: ErrorBody{
			Code:      code,
			Message:   message,
			RequestID: requestID,
		},
	})
}

package authbroker

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/workspacehub/authbroker/broker"
)

// OAuth-style error codes used in JSON error responses.
const (
	ErrorCodeInvalidRequest    = "invalid_request"
	ErrorCodeInvalidGrant      = "invalid_grant"
	ErrorCodeAccessDenied      = "access_denied"
	ErrorCodeServerError       = "server_error"
	ErrorCodeRateLimitExceeded = "rate_limit_exceeded"
	ErrorCodeNotFound          = "not_found"
)

// APIError is the JSON error envelope returned by every endpoint.
type APIError struct {
	Code        string // machine-readable error code
	Description string
	Status      int // HTTP status
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// mapBrokerError translates broker error classes to the HTTP boundary.
// Validation and policy errors carry their message; crypto and upstream
// failures are logged by the broker and surface as opaque 500s.
func mapBrokerError(err error) *APIError {
	var verr *broker.ValidationError
	if errors.As(err, &verr) {
		return &APIError{Code: ErrorCodeInvalidRequest, Description: verr.Msg, Status: http.StatusBadRequest}
	}

	var nerr *broker.NotAllowedError
	if errors.As(err, &nerr) {
		return &APIError{Code: ErrorCodeAccessDenied, Description: nerr.Msg, Status: http.StatusForbidden}
	}

	if errors.Is(err, broker.ErrInvalidGrant) {
		// Deliberately low-information.
		return &APIError{Code: ErrorCodeInvalidGrant, Description: "invalid grant", Status: http.StatusBadRequest}
	}

	if errors.Is(err, broker.ErrAPIKeysDisabled) {
		return &APIError{Code: ErrorCodeNotFound, Description: "not found", Status: http.StatusNotFound}
	}

	var uerr *broker.UpstreamError
	if errors.As(err, &uerr) {
		return &APIError{Code: ErrorCodeServerError, Description: "upstream authorization failed", Status: http.StatusInternalServerError}
	}

	return &APIError{Code: ErrorCodeServerError, Description: "internal error", Status: http.StatusInternalServerError}
}

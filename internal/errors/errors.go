// Package errors provides the HTTP error envelope and error constructors
// shared by the server and command layers.
package errors

import (
	"context"
	"fmt"
)

// HTTPErrorResponse is the JSON envelope for all HTTP error responses.
//
// The shape is stable: clients match on error.code, which is always an
// UPPER_SNAKE constant.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// HTTPError carries the machine-readable code and human-readable message.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Error codes used across HTTP responses.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeInvalidSignature   = "INVALID_SIGNATURE"
)

// ExternalServiceError marks a failure in a dependency outside this
// process (EC2, systemd, the deployed service) so callers can map it to
// the external-service exit code without string matching.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// NewExternalServiceError wraps err with the name of the failed service.
func NewExternalServiceError(service string, err error) error {
	return &ExternalServiceError{Service: service, Err: err}
}

// WrapInternal wraps err with a message, preserving any context error so
// cancellation is still detectable with errors.Is.
func WrapInternal(ctx context.Context, err error, message string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w (context: %w)", message, err, ctxErr)
	}
	return fmt.Errorf("%s: %w", message, err)
}

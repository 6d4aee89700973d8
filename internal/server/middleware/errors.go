// Package middleware provides HTTP middleware for the agent server.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/galadon/pushdeploy/internal/observability"
)

// ErrorResponse is the JSON error envelope written by middleware.
type ErrorResponse struct {
	Error struct {
		Code      string                 `json:"code"`
		Message   string                 `json:"message"`
		RequestID string                 `json:"request_id,omitempty"`
		Details   map[string]interface{} `json:"details,omitempty"`
	} `json:"error"`
}

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDHeader is the inbound/outbound correlation header.
const RequestIDHeader = "X-Request-ID"

// RequestID attaches a correlation ID to the request context and echoes
// it in the response. An inbound X-Request-ID is honored; otherwise a
// UUID is generated.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the correlation ID from the context, or "".
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Recovery converts panics into a 500 error envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				requestID := GetRequestID(r.Context())
				observability.CLILogger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("request_id", requestID),
					zap.String("path", r.URL.Path))

				envelope := errors.NewErrorEnvelope("INTERNAL_ERROR", fmt.Sprintf("panic: %v", rec))
				if requestID != "" {
					envelope = envelope.WithCorrelationID(requestID)
				}
				writeErrorResponse(w, envelope, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery, kept for router readability.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

// writeErrorResponse writes an error envelope as JSON.
func writeErrorResponse(w http.ResponseWriter, envelope *errors.ErrorEnvelope, statusCode int) {
	var resp ErrorResponse
	resp.Error.Code = envelope.Code
	resp.Error.Message = envelope.Message
	resp.Error.RequestID = envelope.CorrelationID
	if len(envelope.Context) > 0 {
		resp.Error.Details = envelope.Context
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

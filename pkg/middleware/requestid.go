// Package middleware carries the cross-cutting HTTP middleware the
// server wraps around its router: request ids, CORS, rate limiting,
// and panic recovery.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

// contextRequestID keys the per-request correlation id in the context.
const contextRequestID contextKey = "requestID"

// RequestIDHeader is the header the id travels in, inbound and out.
const RequestIDHeader = "X-Request-ID"

// RequestID assigns every request a correlation id, honoring one the
// caller already sent, and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(SetRequestID(r.Context(), requestID)))
	})
}

// SetRequestID sets request ID in context
func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextRequestID, requestID)
}

// GetRequestID gets request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(contextRequestID).(string); ok {
		return requestID
	}
	return ""
}

package middleware

import (
	"log"
	"net/http"
	"runtime/debug"
)

// SimpleRecovery converts a handler panic into the standard error
// envelope, tagged with the request's correlation id so the 500 a
// client sees can be matched to the stack trace in the logs.
func SimpleRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				requestID := GetRequestID(r.Context())
				if requestID == "" {
					// RequestID may wrap inside this handler; it sets the
					// response header before calling through.
					requestID = w.Header().Get(RequestIDHeader)
				}
				log.Printf("panic recovered: %v request_id=%s path=%s\n%s",
					err, requestID, r.URL.Path, debug.Stack())

				w.Header().Set("Content-Type", "application/json")
				if requestID != "" {
					w.Header().Set(RequestIDHeader, requestID)
				}
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"success":false,"error":{"code":"INTERNAL_ERROR","message":"An unexpected error occurred"}}`))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

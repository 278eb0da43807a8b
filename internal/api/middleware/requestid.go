// Package middleware provides HTTP middleware for the e-prescribing API.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/drfirst/go-erx/internal/domain"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// longer ids are replaced rather than echoed into logs
const maxRequestIDLen = 128

// RequestID keeps a caller supplied X-Request-ID or generates one, and echoes
// it on the response. The id becomes the correlation id of every domain event
// the request causes.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(domain.WithCorrelationID(r.Context(), id)))
	})
}

// GetRequestID returns the id stored by RequestID, or "".
func GetRequestID(ctx context.Context) string {
	return domain.CorrelationID(ctx)
}

package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// CorrelationIDHeader carries the correlation ID on requests and responses.
const CorrelationIDHeader = "X-Correlation-ID"

const maxCorrelationIDLength = 128

type correlationIDKey struct{}

// CorrelationID reuses the caller's X-Correlation-ID or generates one, and
// echoes it on the response.
func CorrelationID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(CorrelationIDHeader))
			if id == "" || len(id) > maxCorrelationIDLength || strings.ContainsAny(id, "\r\n") {
				id = newCorrelationID()
			}

			w.Header().Set(CorrelationIDHeader, id)

			next.ServeHTTP(w, r.WithContext(WithCorrelationIDContext(r.Context(), id)))
		})
	}
}

// WithCorrelationIDContext returns ctx carrying id.
func WithCorrelationIDContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// GetCorrelationID returns the request's correlation ID, or "unknown".
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}

	return "unknown"
}

// newCorrelationID returns 16 hex characters.
func newCorrelationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

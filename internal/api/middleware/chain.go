// Package middleware provides the HTTP middleware of the lakeside API.
package middleware

import (
	"log/slog"
	"net/http"
)

// Option wraps a handler with one middleware.
type Option func(http.Handler) http.Handler

// Apply wraps handler with options. The first option becomes the outermost
// middleware, so it runs first on every request.
//
//	handler := middleware.Apply(mux,
//	    middleware.WithCorrelationID(),
//	    middleware.WithRecovery(logger),
//	    middleware.WithRateLimit(limiter, logger),
//	    middleware.WithRequestLogger(logger),
//	    middleware.WithCORS(corsConfig),
//	)
func Apply(handler http.Handler, options ...Option) http.Handler {
	for i := len(options) - 1; i >= 0; i-- {
		handler = options[i](handler)
	}

	return handler
}

// WithCorrelationID tags every request and response with a correlation ID.
func WithCorrelationID() Option {
	return CorrelationID()
}

// WithRecovery turns handler panics into 500 problem responses.
func WithRecovery(logger *slog.Logger) Option {
	return Recovery(logger)
}

// WithRateLimit throttles requests per client. A nil limiter disables it.
func WithRateLimit(limiter RateLimiter, logger *slog.Logger) Option {
	if limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	return RateLimit(limiter, logger)
}

// WithRequestLogger logs request completion.
func WithRequestLogger(logger *slog.Logger) Option {
	return RequestLogger(logger)
}

// WithCORS adds CORS headers and answers preflight requests.
func WithCORS(config CORSConfig) Option {
	return CORS(config)
}

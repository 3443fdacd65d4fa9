package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/lakeside-io/lakeside/internal/api/middleware"
)

const (
	healthCheckTimeout     = 2 * time.Second
	contentTypeJSON        = "application/json"
	contentTypeProblemJSON = "application/problem+json"
	serviceName            = "lakeside"
	serviceVersion         = "v1.0.0"
	versionHeader          = "X-Lakeside-Version"
)

func (s *Server) setupRoutes(mux *http.ServeMux) {
	s.register(mux,
		Route{"GET /ping", s.handlePing},     // K8s liveness check
		Route{"GET /ready", s.handleReady},   // K8s readiness check
		Route{"GET /health", s.handleHealth}, // status, uptime, version
		Route{"/", s.handleNotFound},         // catch-all 404

		Route{"POST /api/v1/clients/{clientId}/models/{modelId}/ingestions", s.handleIngest},
		Route{"GET /api/v1/clients/{clientId}/models/{modelId}/view", s.handlePreviewView},
		Route{"GET /api/v1/ingestions/{runId}", s.handleGetRun},
	)
}

func (s *Server) register(mux *http.ServeMux, routes ...Route) {
	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)
	}
}

// handlePing responds to ping requests for basic server validation.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(versionHeader, serviceVersion)
	s.writeText(w, r, http.StatusOK, "pong")
}

// handleReady reports whether the run ledger and the default bucket are
// reachable. K8s stops routing traffic to the pod while it returns 503.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.service.HealthCheck(ctx); err != nil {
		s.logger.Error("Readiness check failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)

		s.writeText(w, r, http.StatusServiceUnavailable, "storage unavailable")

		return
	}

	s.writeText(w, r, http.StatusOK, "ready")
}

// handleHealth returns status, version and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var uptime string

	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	w.Header().Set(versionHeader, serviceVersion)
	s.writeJSON(w, r, http.StatusOK, HealthStatus{
		Status:      "healthy",
		ServiceName: serviceName,
		Version:     serviceVersion,
		Uptime:      uptime,
	})
}

// handleNotFound returns RFC 7807 compliant 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

// writeJSON marshals before touching headers so an encoding failure can still
// become a 500 problem.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("Failed to encode response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) writeText(w http.ResponseWriter, r *http.Request, status int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)

	if _, err := w.Write([]byte(body)); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

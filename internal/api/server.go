package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lakeside-io/lakeside/internal/api/middleware"
	"github.com/lakeside-io/lakeside/internal/ingestion"
	"github.com/lakeside-io/lakeside/internal/query"
)

// IngestionService is what the API needs from ingestor.Service.
type IngestionService interface {
	Ingest(ctx context.Context, req *ingestion.Request) (*ingestion.Result, error)
	GetRun(ctx context.Context, runID string) (*ingestion.Run, error)
	PreviewView(ctx context.Context, clientID, modelID, database string, limit int) (*query.ResultSet, error)
	HealthCheck(ctx context.Context) error
}

// Server represents the HTTP API server.
type Server struct {
	httpServer  *http.Server
	handler     http.Handler
	logger      *slog.Logger
	config      *ServerConfig
	startTime   time.Time
	service     IngestionService
	rateLimiter middleware.RateLimiter
}

// NewServer creates a new HTTP server instance with structured logging and middleware stack.
//
// Configuration and dependencies are passed separately:
//   - cfg: pure server configuration (ports, timeouts, upload limits, CORS)
//   - service: the ingestion service behind every /api/v1 route
//   - rateLimiter: nil disables rate limiting
//   - logger: nil creates a JSON logger at cfg.LogLevel
func NewServer(
	cfg *ServerConfig,
	service IngestionService,
	rateLimiter middleware.RateLimiter,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: cfg.LogLevel,
		}))
	}

	mux := http.NewServeMux()

	server := &Server{
		logger:      logger,
		config:      cfg,
		service:     service,
		rateLimiter: rateLimiter,
	}

	server.setupRoutes(mux)

	if rateLimiter != nil {
		logger.Info("Rate limiting middleware enabled")
	} else {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID - every response carries one, including rejections
	//   2. Recovery - catch panics in all downstream middleware
	//   3. RateLimit - block requests before uploads are read
	//   4. RequestLogger - log only requests that got past the limiter
	//   5. CORS - lightweight header manipulation
	server.handler = middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithRateLimit(rateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      server.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server and blocks until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting lakeside API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Int64("max_upload_size", s.config.MaxUploadSize),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		s.closeRateLimiter()

		return err
	case sig := <-stop:
		s.logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

		return s.shutdown()
	}
}

// shutdown drains in-flight requests. Running ingestions finish or are
// cancelled by the deadline.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	defer s.closeRateLimiter()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("Server shutdown completed successfully")

	return nil
}

// closeRateLimiter stops the InMemoryRateLimiter cleanup goroutine.
func (s *Server) closeRateLimiter() {
	limiter, ok := s.rateLimiter.(io.Closer)
	if !ok {
		return
	}

	if err := limiter.Close(); err != nil {
		s.logger.Error("Failed to close rate limiter", slog.String("error", err.Error()))
	}
}

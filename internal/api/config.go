// Package api provides the HTTP API of the lakeside ingestion service.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lakeside-io/lakeside/internal/config"
)

const (
	defaultPort                  = 8080
	maxPort                      = 65535
	defaultHost                  = "0.0.0.0"
	defaultCORSMaxAge            = 86400
	defaultTimeout               = 30 * time.Second
	defaultWriteTimeout          = 30 * time.Minute
	defaultLogLevel              = slog.LevelInfo
	defaultMaxUploadSize   int64 = 1 << 30
	defaultMaxUploadMemory int64 = 32 << 20
)

var (
	// ErrInvalidPort indicates the port number is outside valid range (1-65535).
	ErrInvalidPort = errors.New("invalid port")

	// ErrEmptyHost indicates the server host address is empty.
	ErrEmptyHost = errors.New("host cannot be empty")

	// ErrInvalidReadTimeout indicates the read timeout is zero or negative.
	ErrInvalidReadTimeout = errors.New("read timeout must be positive")

	// ErrInvalidWriteTimeout indicates the write timeout is zero or negative.
	ErrInvalidWriteTimeout = errors.New("write timeout must be positive")

	// ErrInvalidShutdownTimeout indicates the shutdown timeout is zero or negative.
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")

	// ErrInvalidMaxUploadSize indicates the upload limit is zero or negative.
	ErrInvalidMaxUploadSize = errors.New("max upload size must be positive")

	// ErrInvalidMaxUploadMemory indicates the in-memory multipart limit is out of range.
	ErrInvalidMaxUploadMemory = errors.New("max upload memory must be positive and not exceed max upload size")
)

type (
	// ServerConfig holds HTTP server configuration.
	// Pure configuration only - no runtime dependencies.
	ServerConfig struct {
		Port            int
		Host            string
		ReadTimeout     time.Duration
		WriteTimeout    time.Duration
		ShutdownTimeout time.Duration
		LogLevel        slog.Level

		// MaxUploadSize caps the whole multipart request body.
		MaxUploadSize int64

		// MaxUploadMemory is how much of a multipart form is held in memory;
		// larger file parts spill to temporary files.
		MaxUploadMemory int64

		// DefaultBucket and DefaultDatabase fill manifests that omit them.
		DefaultBucket   string
		DefaultDatabase string

		CORSAllowedOrigins []string
		CORSAllowedMethods []string
		CORSAllowedHeaders []string
		CORSMaxAge         int
	}

	// CORSConfig holds CORS configuration options.
	CORSConfig struct {
		AllowedOrigins []string
		AllowedMethods []string
		AllowedHeaders []string
		MaxAge         int
	}
)

// LoadServerConfig loads server configuration from environment variables with sensible defaults.
func LoadServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            config.GetEnvInt("LAKESIDE_SERVER_PORT", defaultPort),
		Host:            config.GetEnvStr("LAKESIDE_SERVER_HOST", defaultHost),
		ReadTimeout:     config.GetEnvDuration("LAKESIDE_SERVER_READ_TIMEOUT", defaultTimeout),
		WriteTimeout:    config.GetEnvDuration("LAKESIDE_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
		ShutdownTimeout: config.GetEnvDuration("LAKESIDE_SERVER_TIMEOUT", defaultTimeout),
		LogLevel:        config.GetEnvLogLevel("LAKESIDE_LOG_LEVEL", defaultLogLevel),
		MaxUploadSize:   config.GetEnvInt64("LAKESIDE_MAX_UPLOAD_SIZE", defaultMaxUploadSize),
		MaxUploadMemory: config.GetEnvInt64("LAKESIDE_MAX_UPLOAD_MEMORY", defaultMaxUploadMemory),
		DefaultBucket:   config.GetEnvStr("LAKESIDE_BUCKET", ""),
		DefaultDatabase: config.GetEnvStr("LAKESIDE_DATABASE", ""),
		CORSAllowedOrigins: config.ParseCommaSeparatedList(
			config.GetEnvStr("LAKESIDE_CORS_ALLOWED_ORIGINS", "*"),
		), // "*" is the development default; restrict it in production
		CORSAllowedMethods: config.ParseCommaSeparatedList(
			config.GetEnvStr("LAKESIDE_CORS_ALLOWED_METHODS", "GET,POST,OPTIONS"),
		),
		CORSAllowedHeaders: config.ParseCommaSeparatedList(
			config.GetEnvStr("LAKESIDE_CORS_ALLOWED_HEADERS", "Content-Type,X-Correlation-ID"),
		),
		CORSMaxAge: config.GetEnvInt("LAKESIDE_CORS_MAX_AGE", defaultCORSMaxAge),
	}
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ToCORSConfig extracts the CORS policy handed to middleware.CORS.
func (c *ServerConfig) ToCORSConfig() *CORSConfig {
	return &CORSConfig{
		AllowedOrigins: c.CORSAllowedOrigins,
		AllowedMethods: c.CORSAllowedMethods,
		AllowedHeaders: c.CORSAllowedHeaders,
		MaxAge:         c.CORSMaxAge,
	}
}

// GetAllowedOrigins returns the allowed origins for CORS.
func (c *CORSConfig) GetAllowedOrigins() []string {
	return c.AllowedOrigins
}

// GetAllowedMethods returns the allowed methods for CORS.
func (c *CORSConfig) GetAllowedMethods() []string {
	return c.AllowedMethods
}

// GetAllowedHeaders returns the allowed headers for CORS.
func (c *CORSConfig) GetAllowedHeaders() []string {
	return c.AllowedHeaders
}

// GetMaxAge returns the max age for CORS preflight cache.
func (c *CORSConfig) GetMaxAge() int {
	return c.MaxAge
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > maxPort {
		return fmt.Errorf("%w: %d, must be between 1 and %d", ErrInvalidPort, c.Port, maxPort)
	}

	if c.Host == "" {
		return ErrEmptyHost
	}

	if c.ReadTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidReadTimeout, c.ReadTimeout)
	}

	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidWriteTimeout, c.WriteTimeout)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidShutdownTimeout, c.ShutdownTimeout)
	}

	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidMaxUploadSize, c.MaxUploadSize)
	}

	if c.MaxUploadMemory <= 0 || c.MaxUploadMemory > c.MaxUploadSize {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidMaxUploadMemory, c.MaxUploadMemory)
	}

	return nil
}

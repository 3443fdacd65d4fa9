package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/athena"

	"github.com/lakeside-io/lakeside/internal/config"
)

// Backend names accepted by LAKESIDE_QUERY_ENGINE.
const (
	BackendAthena = "athena"
	BackendMemory = "memory"
)

// ErrUnknownBackend is returned for an unsupported LAKESIDE_QUERY_ENGINE value.
var ErrUnknownBackend = errors.New("unknown query engine backend")

// Config holds query engine settings.
type Config struct {
	Backend string

	// Database is the default database for callers that do not name one.
	Database string

	Region         string
	Workgroup      string
	OutputLocation string
	PollInterval   time.Duration
	QueryTimeout   time.Duration
}

// LoadConfig loads query engine configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		Backend:        strings.ToLower(config.GetEnvStr("LAKESIDE_QUERY_ENGINE", BackendAthena)),
		Database:       config.GetEnvStr("LAKESIDE_DATABASE", "lakeside"),
		Region:         config.GetEnvStr("AWS_REGION", "us-east-1"),
		Workgroup:      config.GetEnvStr("ATHENA_WORKGROUP", "primary"),
		OutputLocation: config.GetEnvStr("ATHENA_OUTPUT_LOCATION", ""),
		PollInterval:   config.GetEnvDuration("ATHENA_POLL_INTERVAL", defaultPollInterval),
		QueryTimeout:   config.GetEnvDuration("ATHENA_QUERY_TIMEOUT", defaultQueryTimeout),
	}
}

// Validate checks if the query engine configuration is valid.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendAthena, BackendMemory:
	default:
		return fmt.Errorf("%w: %q (valid: athena, memory)", ErrUnknownBackend, c.Backend)
	}

	if c.Backend == BackendAthena && c.OutputLocation != "" && !strings.HasPrefix(c.OutputLocation, "s3://") {
		return fmt.Errorf("ATHENA_OUTPUT_LOCATION must be an s3:// URL, got %q", c.OutputLocation)
	}

	if c.QueryTimeout <= 0 {
		return fmt.Errorf("ATHENA_QUERY_TIMEOUT must be positive, got %s", c.QueryTimeout)
	}

	return nil
}

// NewOpener creates the AWS session once and returns an Opener binding
// engines to databases.
func NewOpener(cfg *Config, logger *slog.Logger) (Opener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Backend == BackendMemory {
		return MemoryOpener(), nil
	}

	sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.Region)})
	if err != nil {
		return nil, fmt.Errorf("creating AWS session: %w", err)
	}

	client := athena.New(sess)

	return func(_ context.Context, database string) (Engine, error) {
		return NewAthenaEngine(client, database,
			WithWorkgroup(cfg.Workgroup),
			WithOutputLocation(cfg.OutputLocation),
			WithPollInterval(cfg.PollInterval),
			WithDefaultTimeout(cfg.QueryTimeout),
			WithLogger(logger),
		), nil
	}, nil
}

package ingestor

import (
	"errors"
	"time"

	"github.com/lakeside-io/lakeside/internal/config"
)

const (
	defaultSampleRows   = 1000
	defaultForkBuffer   = 256
	defaultQueryTimeout = 5 * time.Minute
	defaultLockTimeout  = 2 * time.Minute
)

// Config validation errors.
var (
	ErrInvalidSampleRows   = errors.New("LAKESIDE_SAMPLE_ROWS must be positive")
	ErrInvalidForkBuffer   = errors.New("LAKESIDE_FORK_BUFFER must be positive")
	ErrInvalidMaxRowErrors = errors.New("LAKESIDE_MAX_ROW_ERRORS must not be negative")
)

// Config tunes the per-file pipeline.
type Config struct {
	// SampleRows is how many rows the transformer samples before locking the
	// Parquet schema.
	SampleRows int

	// ForkBuffer is the per-fork channel capacity.
	ForkBuffer int

	// MaxRowErrors fails a file once it produced more row errors. Zero means
	// unlimited.
	MaxRowErrors int

	// ContinueOnError is the default for requests that do not ask for it.
	ContinueOnError bool

	// QueryTimeout bounds every DDL statement.
	QueryTimeout time.Duration

	// LockTimeout bounds the wait for a model lock.
	LockTimeout time.Duration
}

// DefaultConfig returns the built-in tuning.
func DefaultConfig() *Config {
	return &Config{
		SampleRows:   defaultSampleRows,
		ForkBuffer:   defaultForkBuffer,
		QueryTimeout: defaultQueryTimeout,
		LockTimeout:  defaultLockTimeout,
	}
}

// LoadConfig reads pipeline tuning from the environment.
func LoadConfig() *Config {
	return &Config{
		SampleRows:      config.GetEnvInt("LAKESIDE_SAMPLE_ROWS", defaultSampleRows),
		ForkBuffer:      config.GetEnvInt("LAKESIDE_FORK_BUFFER", defaultForkBuffer),
		MaxRowErrors:    config.GetEnvInt("LAKESIDE_MAX_ROW_ERRORS", 0),
		ContinueOnError: config.GetEnvBool("LAKESIDE_CONTINUE_ON_ERROR", false),
		QueryTimeout:    config.GetEnvDuration("ATHENA_QUERY_TIMEOUT", defaultQueryTimeout),
		LockTimeout:     config.GetEnvDuration("LAKESIDE_LOCK_TIMEOUT", defaultLockTimeout),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.SampleRows <= 0 {
		return ErrInvalidSampleRows
	}

	if c.ForkBuffer <= 0 {
		return ErrInvalidForkBuffer
	}

	if c.MaxRowErrors < 0 {
		return ErrInvalidMaxRowErrors
	}

	return nil
}

package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lakeside-io/lakeside/internal/config"
)

// Backend names accepted by LAKESIDE_OBJECT_STORE.
const (
	BackendMinio  = "minio"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

const defaultBucket = "lakeside"

var (
	// ErrUnknownBackend is returned for an unsupported LAKESIDE_OBJECT_STORE value.
	ErrUnknownBackend = errors.New("unknown object store backend")

	// ErrMissingEndpoint is returned when the minio backend has no endpoint.
	ErrMissingEndpoint = errors.New("MINIO_ENDPOINT is required for the minio backend")
)

// Config holds object store connection settings.
type Config struct {
	Backend string

	// Bucket is the default bucket for callers that do not name one.
	Bucket string

	Endpoint  string
	AccessKey string
	SecretKey string // Never logged; use MaskSecret.
	UseSSL    bool
	Region    string

	// PartSize is the multipart upload part size in bytes.
	PartSize int64
}

// LoadConfig loads object store configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		Backend:   strings.ToLower(config.GetEnvStr("LAKESIDE_OBJECT_STORE", BackendMinio)),
		Bucket:    config.GetEnvStr("LAKESIDE_BUCKET", defaultBucket),
		Endpoint:  config.GetEnvStr("MINIO_ENDPOINT", ""),
		AccessKey: config.GetEnvStr("MINIO_ACCESS_KEY", ""),
		SecretKey: config.GetEnvStr("MINIO_SECRET_KEY", ""),
		UseSSL:    config.GetEnvBool("MINIO_USE_SSL", false),
		Region:    config.GetEnvStr("AWS_REGION", "us-east-1"),
		PartSize:  config.GetEnvInt64("LAKESIDE_UPLOAD_PART_SIZE", defaultPartSize),
	}
}

// Validate checks if the object store configuration is valid.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMinio:
		if strings.TrimSpace(c.Endpoint) == "" {
			return ErrMissingEndpoint
		}
	case BackendS3, BackendMemory:
	default:
		return fmt.Errorf("%w: %q (valid: minio, s3, memory)", ErrUnknownBackend, c.Backend)
	}

	return nil
}

// MaskSecret returns the secret key masked for logging.
func (c *Config) MaskSecret() string {
	return MaskSecret(c.SecretKey)
}

// MaskSecret keeps the first two characters of a secret.
func MaskSecret(secret string) string {
	const visible = 2

	if secret == "" {
		return ""
	}

	if len(secret) <= visible {
		return "***"
	}

	return secret[:visible] + "***"
}

// NewOpener builds the SDK client for the configured backend once and returns
// an Opener binding it to buckets.
func NewOpener(cfg *Config) (Opener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case BackendMinio:
		client, err := NewMinioClient(cfg)
		if err != nil {
			return nil, err
		}

		return func(_ context.Context, bucket string) (Store, error) {
			return NewMinioStore(client, bucket, uint64(max(cfg.PartSize, 0))), nil
		}, nil
	case BackendS3:
		sess, err := NewAWSSession(cfg)
		if err != nil {
			return nil, err
		}

		return func(_ context.Context, bucket string) (Store, error) {
			return NewS3StoreFromSession(sess, bucket, cfg.PartSize), nil
		}, nil
	default:
		return MemoryOpener(), nil
	}
}

package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	defaultPartSize    = 16 << 20
	defaultContentType = "application/octet-stream"
)

// MinioStore implements Store using the minio-go SDK against MinIO or any
// S3-compatible endpoint.
type MinioStore struct {
	client   *minio.Client
	bucket   string
	partSize uint64
}

var _ Store = (*MinioStore)(nil)

// NewMinioClient creates a minio-go client from config.
func NewMinioClient(cfg *Config) (*minio.Client, error) {
	if cfg == nil || cfg.Endpoint == "" {
		return nil, wrapError(CodeInvalidConfig, false, "", fmt.Errorf("endpoint is required"))
	}

	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, wrapError(CodeAuthInvalid, false, "", fmt.Errorf("credentials are required"))
	}

	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL

	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		useSSL = useSSL || u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, wrapError(CodeEndpointUnreachable, true, "", fmt.Errorf("failed to create minio client: %w", err))
	}

	return client, nil
}

// NewMinioStore binds client to bucket. A zero partSize uses 16 MiB parts.
func NewMinioStore(client *minio.Client, bucket string, partSize uint64) *MinioStore {
	if partSize == 0 {
		partSize = defaultPartSize
	}

	return &MinioStore{client: client, bucket: bucket, partSize: partSize}
}

// Get implements Store. The object is stat-ed first so that a missing key
// surfaces here rather than on the first Read.
func (s *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyMinioError(key, err)
	}

	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()

		return nil, classifyMinioError(key, err)
	}

	return obj, nil
}

// Put implements Store. The size is unknown up front, so minio-go performs a
// multipart upload with partSize buffers.
func (s *MinioStore) Put(ctx context.Context, key string, r io.Reader) error {
	if key == "" {
		return wrapError(CodeWriteFailed, false, key, fmt.Errorf("object key is required"))
	}

	_, err := s.client.PutObject(ctx, s.bucket, key, r, -1, minio.PutObjectOptions{
		ContentType: contentTypeFor(key),
		PartSize:    s.partSize,
	})
	if err != nil {
		return classifyMinioError(key, err)
	}

	return nil
}

// List implements Store.
func (s *MinioStore) List(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)

	objectCh := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	for obj := range objectCh {
		if obj.Err != nil {
			return nil, classifyMinioError(prefix, obj.Err)
		}

		keys = append(keys, obj.Key)
	}

	return keys, nil
}

// Remove implements Store.
func (s *MinioStore) Remove(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return classifyMinioError(key, err)
	}

	return nil
}

// Ping implements Store.
func (s *MinioStore) Ping(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return classifyMinioError("", err)
	}

	if !exists {
		return wrapError(CodeBucketNotFound, false, "", fmt.Errorf("bucket %s not found", s.bucket))
	}

	return nil
}

// EnsureBucket creates the bucket when it does not exist.
func (s *MinioStore) EnsureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return classifyMinioError("", err)
	}

	if exists {
		return nil
	}

	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return classifyMinioError("", err)
	}

	return nil
}

func contentTypeFor(key string) string {
	switch {
	case strings.HasSuffix(key, ".csv"):
		return "text/csv"
	case strings.HasSuffix(key, ".parquet"):
		return "application/vnd.apache.parquet"
	default:
		return defaultContentType
	}
}

// classifyMinioError converts minio-go errors to *Error.
func classifyMinioError(key string, err error) *Error {
	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) {
		switch minioErr.Code {
		case "NoSuchBucket":
			return wrapError(CodeBucketNotFound, false, key, err)
		case "NoSuchKey":
			return wrapError(CodeObjectNotFound, false, key, err)
		case "AccessDenied":
			return wrapError(CodePermissionDenied, false, key, err)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return wrapError(CodeAuthInvalid, false, key, err)
		}
	}

	return classifyByMessage(key, err)
}

// classifyByMessage is the string-matching fallback shared by both SDK backends.
func classifyByMessage(key string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return wrapError(CodeTimeout, true, key, err)
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "no such bucket"):
		return wrapError(CodeBucketNotFound, false, key, err)
	case strings.Contains(msg, "no such key") || strings.Contains(msg, "does not exist"):
		return wrapError(CodeObjectNotFound, false, key, err)
	case strings.Contains(msg, "access denied"):
		return wrapError(CodePermissionDenied, false, key, err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return wrapError(CodeTimeout, true, key, err)
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host"):
		return wrapError(CodeEndpointUnreachable, true, key, err)
	default:
		return wrapError(CodeWriteFailed, true, key, err)
	}
}

package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
)

// S3Store implements Store against AWS S3. Uploads go through s3manager so
// that a stream of unknown length is sent as a multipart upload.
type S3Store struct {
	client   s3iface.S3API
	uploader s3manageriface.UploaderAPI
	bucket   string
}

var _ Store = (*S3Store)(nil)

// NewAWSSession creates an AWS session from config. Static credentials are used
// when both keys are set; otherwise the default credential chain applies.
func NewAWSSession(cfg *Config) (*session.Session, error) {
	awsCfg := &aws.Config{}

	if cfg.Region != "" {
		awsCfg.Region = aws.String(cfg.Region)
	}

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, wrapError(CodeInvalidConfig, false, "", fmt.Errorf("creating AWS session: %w", err))
	}

	return sess, nil
}

// NewS3Store binds an S3 client and uploader to bucket.
func NewS3Store(client s3iface.S3API, uploader s3manageriface.UploaderAPI, bucket string) *S3Store {
	return &S3Store{client: client, uploader: uploader, bucket: bucket}
}

// NewS3StoreFromSession builds the client and a multipart uploader with the
// given part size from sess.
func NewS3StoreFromSession(sess *session.Session, bucket string, partSize int64) *S3Store {
	client := s3.New(sess)
	uploader := s3manager.NewUploaderWithClient(client, func(u *s3manager.Uploader) {
		if partSize > 0 {
			u.PartSize = partSize
		}
	})

	return NewS3Store(client, uploader, bucket)
}

// Get implements Store.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyAWSError(key, err)
	}

	return out.Body, nil
}

// Put implements Store.
func (s *S3Store) Put(ctx context.Context, key string, r io.Reader) error {
	if key == "" {
		return wrapError(CodeWriteFailed, false, key, fmt.Errorf("object key is required"))
	}

	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String(contentTypeFor(key)),
	})
	if err != nil {
		return classifyAWSError(key, err)
	}

	return nil
}

// List implements Store.
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)

	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}

		return true
	})
	if err != nil {
		return nil, classifyAWSError(prefix, err)
	}

	return keys, nil
}

// Remove implements Store.
func (s *S3Store) Remove(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classifyAWSError(key, err)
	}

	return nil
}

// Ping implements Store.
func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return classifyAWSError("", err)
	}

	return nil
}

// classifyAWSError converts aws-sdk-go errors to *Error.
func classifyAWSError(key string, err error) *Error {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		switch reqErr.StatusCode() {
		case http.StatusNotFound:
			if reqErr.Code() == s3.ErrCodeNoSuchBucket {
				return wrapError(CodeBucketNotFound, false, key, err)
			}

			return wrapError(CodeObjectNotFound, false, key, err)
		case http.StatusForbidden:
			return wrapError(CodePermissionDenied, false, key, err)
		}
	}

	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchBucket:
			return wrapError(CodeBucketNotFound, false, key, err)
		case s3.ErrCodeNoSuchKey, "NotFound":
			return wrapError(CodeObjectNotFound, false, key, err)
		case "AccessDenied":
			return wrapError(CodePermissionDenied, false, key, err)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return wrapError(CodeAuthInvalid, false, key, err)
		case request.CanceledErrorCode:
			return wrapError(CodeTimeout, true, key, err)
		}
	}

	return classifyByMessage(key, err)
}

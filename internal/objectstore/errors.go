package objectstore

import (
	"errors"
	"fmt"

	"github.com/lakeside-io/lakeside/internal/ingestion"
)

// Error codes classify object store failures.
const (
	CodeEndpointUnreachable = "E_ENDPOINT_UNREACHABLE"
	CodeAuthInvalid         = "E_AUTH_INVALID"
	CodeBucketNotFound      = "E_BUCKET_NOT_FOUND"
	CodeObjectNotFound      = "E_OBJECT_NOT_FOUND"
	CodePermissionDenied    = "E_PERMISSION_DENIED"
	CodeTimeout             = "E_TIMEOUT"
	CodeReadFailed          = "E_READ_FAILED"
	CodeWriteFailed         = "E_WRITE_FAILED"
	CodeInvalidConfig       = "E_INVALID_CONFIG"
)

// Error wraps object store failures with a code and a retryability hint.
// Every *Error matches ingestion.ErrExternal with errors.Is.
type Error struct {
	Code      string
	Retryable bool
	Key       string
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	msg := e.Code
	if e.Key != "" {
		msg += " " + e.Key
	}

	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}

	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match for ingestion.ErrExternal.
func (e *Error) Is(target error) bool {
	return target == ingestion.ErrExternal
}

func wrapError(code string, retryable bool, key string, err error) *Error {
	return &Error{Code: code, Retryable: retryable, Key: key, Err: err}
}

// IsNotFound reports whether err is an object store error for a missing object.
func IsNotFound(err error) bool {
	var storeErr *Error

	return errors.As(err, &storeErr) && storeErr.Code == CodeObjectNotFound
}

// IsRetryable reports whether err is an object store error worth retrying.
func IsRetryable(err error) bool {
	var storeErr *Error

	return errors.As(err, &storeErr) && storeErr.Retryable
}

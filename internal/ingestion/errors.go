package ingestion

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the ingestion pipeline matches exactly one
// of these with errors.Is, except row-level ProcessingErrors which are returned
// as data.
var (
	// ErrInvalidOperation indicates a stateful call made before required setup,
	// e.g. Process before Init.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrInvalidArgument indicates caller-supplied data failed precondition checks,
	// or that initialization failed. The original cause is always wrapped.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrExternal indicates an object store or query engine call failed.
	ErrExternal = errors.New("external service failure")
)

// Validation failures. Returned wrapped in ErrInvalidArgument.
var (
	ErrNilRequest           = errors.New("request cannot be nil")
	ErrMissingClientID      = errors.New("clientId is required")
	ErrMissingModelID       = errors.New("modelId is required")
	ErrMissingBucket        = errors.New("bucket is required")
	ErrMissingDatabase      = errors.New("database is required")
	ErrNoFiles              = errors.New("at least one file task is required")
	ErrInvalidIdentifier    = errors.New("identifier may only contain letters, digits and underscores")
	ErrMissingTableName     = errors.New("tableName is required")
	ErrMissingFileName      = errors.New("fileName is required")
	ErrInvalidFileName      = errors.New("fileName must not contain path separators")
	ErrInvalidFileOperation = errors.New("operation must be one of ADD, APPEND, REPLACE, DELETE")
	ErrMissingBody          = errors.New("file contents are required")
	ErrUnexpectedBody       = errors.New("DELETE does not accept file contents")
)

func invalidArgument(cause error, detail string) error {
	if detail == "" {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, cause)
	}

	return fmt.Errorf("%w: %w: %s", ErrInvalidArgument, cause, detail)
}

// External wraps err as an ErrExternal failure of op. Nil stays nil.
func External(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrExternal) {
		return fmt.Errorf("%s: %w", op, err)
	}

	return fmt.Errorf("%w: %s: %w", ErrExternal, op, err)
}

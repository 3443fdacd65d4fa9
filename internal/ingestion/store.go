package ingestion

import (
	"context"
	"errors"
)

// ErrRunNotFound is returned by RunStore.GetRun for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// RunStore defines the run ledger the ingestion service records requests in.
//
// The domain package defines this interface to specify what it needs, without
// depending on concrete implementations. PostgreSQL and in-memory
// implementations live in internal/storage.
type RunStore interface {
	// CreateRun records a new run with status RUNNING.
	CreateRun(ctx context.Context, run *Run) error

	// CompleteRun moves a run to a terminal status and stores its result.
	// Transitions are validated with ValidateRunTransition.
	CompleteRun(ctx context.Context, runID string, status RunStatus, result *Result, errMsg string) error

	// GetRun returns ErrRunNotFound for unknown IDs.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// HealthCheck returns nil if the ledger is ready to serve requests.
	HealthCheck(ctx context.Context) error
}

// ModelLocker serializes requests touching the same client/model pair, so that
// two requests never race on the model's view drop and rebuild.
type ModelLocker interface {
	// Lock blocks until the model is held or ctx is done. The returned function
	// releases the lock and must be called exactly once.
	Lock(ctx context.Context, clientID, modelID string) (unlock func(context.Context) error, err error)
}

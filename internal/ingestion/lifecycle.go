package ingestion

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for run status transitions.
var (
	// ErrInvalidTransition indicates a run status change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid run status transition")

	// ErrTerminalStateImmutable indicates an attempt to move a finished run to a different status.
	ErrTerminalStateImmutable = errors.New("terminal run status is immutable")
)

type (
	// RunStatus is the state of an ingestion run in the run ledger.
	RunStatus string

	// Run is one ingestion request as recorded in the run ledger - Domain Model.
	Run struct {
		ID        string
		ClientID  string
		ModelID   string
		Status    RunStatus
		FileCount int

		StartedAt   time.Time
		CompletedAt *time.Time

		// Result is the final ingestion result. Nil while RUNNING.
		Result *Result

		// Error is the fatal error message for FAILED and PARTIAL runs.
		Error string
	}
)

const (
	// RunStatusRunning is the status of an accepted run that has not finished.
	RunStatusRunning RunStatus = "RUNNING"

	// RunStatusSucceeded means every task succeeded. Terminal.
	RunStatusSucceeded RunStatus = "SUCCEEDED"

	// RunStatusPartial means some tasks failed while others applied. Terminal.
	RunStatusPartial RunStatus = "PARTIAL"

	// RunStatusFailed means no task applied. Terminal.
	RunStatusFailed RunStatus = "FAILED"
)

// IsTerminal returns true for SUCCEEDED, PARTIAL and FAILED.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusPartial || s == RunStatusFailed
}

// IsValid checks if the status is known.
func (s RunStatus) IsValid() bool {
	return s == RunStatusRunning || s.IsTerminal()
}

// ValidateRunTransition validates a status change.
//
// Valid transitions:
//   - RUNNING → {SUCCEEDED, PARTIAL, FAILED}
//   - terminal → same status (idempotent)
func ValidateRunTransition(from, to RunStatus) error {
	if !to.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}

	if from.IsTerminal() {
		if from != to {
			return fmt.Errorf("%w: %s → %s", ErrTerminalStateImmutable, from, to)
		}

		return nil
	}

	if from == RunStatusRunning && to.IsTerminal() {
		return nil
	}

	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}

// StatusFor derives the terminal status of a run from its result and the
// error returned by Process.
//
//   - no error and no failed task: SUCCEEDED
//   - at least one task succeeded: PARTIAL
//   - otherwise: FAILED
func StatusFor(result *Result, processErr error) RunStatus {
	if result == nil {
		return RunStatusFailed
	}

	failed := result.FailedTasks()
	if processErr == nil && failed == 0 {
		return RunStatusSucceeded
	}

	for _, task := range result.Tasks {
		if task.Status == TaskStatusSucceeded {
			return RunStatusPartial
		}
	}

	return RunStatusFailed
}

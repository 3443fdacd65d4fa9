package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/lakeside-io/lakeside/internal/config"
	"github.com/lakeside-io/lakeside/internal/ingestion"
)

// uniqueViolation is the PostgreSQL error code for unique constraint violations.
const uniqueViolation = "23505"

// Sentinel errors for run ledger operations.
var (
	// ErrRunAlreadyExists is returned when a run ID is recorded twice.
	ErrRunAlreadyExists = errors.New("run already exists")

	// ErrNilRun is returned when a nil run is recorded.
	ErrNilRun = errors.New("run cannot be nil")

	_ ingestion.RunStore = (*RunStore)(nil)
)

// RunStore implements ingestion.RunStore on the ingestion_runs table.
type RunStore struct {
	conn   *Connection
	logger *slog.Logger
}

// RunStoreOption configures a RunStore.
type RunStoreOption func(*RunStore)

// WithRunStoreLogger sets the logger.
func WithRunStoreLogger(logger *slog.Logger) RunStoreOption {
	return func(s *RunStore) {
		s.logger = logger
	}
}

// NewRunStore creates a run ledger on conn. The connection is owned by the caller.
func NewRunStore(conn *Connection, opts ...RunStoreOption) (*RunStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	s := &RunStore{conn: conn}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = config.NewLogger()
	}

	return s, nil
}

// CreateRun implements ingestion.RunStore.
func (s *RunStore) CreateRun(ctx context.Context, run *ingestion.Run) error {
	if run == nil {
		return ErrNilRun
	}

	const stmt = `
		INSERT INTO ingestion_runs (id, client_id, model_id, status, file_count, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.conn.ExecContext(ctx, stmt,
		run.ID, run.ClientID, run.ModelID, string(run.Status), run.FileCount, run.StartedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrRunAlreadyExists, run.ID)
		}

		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}

	s.logger.Debug("Recorded run",
		slog.String("run_id", run.ID),
		slog.String("client_id", run.ClientID),
		slog.String("model_id", run.ModelID))

	return nil
}

// CompleteRun implements ingestion.RunStore. The status change is validated
// against the stored status inside one transaction.
func (s *RunStore) CompleteRun(
	ctx context.Context, runID string, status ingestion.RunStatus, result *ingestion.Result, errMsg string,
) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	var current string

	err = tx.QueryRowContext(ctx, `SELECT status FROM ingestion_runs WHERE id = $1 FOR UPDATE`, runID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ingestion.ErrRunNotFound, runID)
	}

	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}

	if err := ingestion.ValidateRunTransition(ingestion.RunStatus(current), status); err != nil {
		return err
	}

	const stmt = `
		UPDATE ingestion_runs
		SET status = $2, result = $3, error = NULLIF($4, ''), completed_at = $5
		WHERE id = $1
	`

	if _, err := tx.ExecContext(ctx, stmt, runID, string(status), payload, errMsg, time.Now().UTC()); err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w", runID, err)
	}

	return nil
}

// GetRun implements ingestion.RunStore.
func (s *RunStore) GetRun(ctx context.Context, runID string) (*ingestion.Run, error) {
	const stmt = `
		SELECT id, client_id, model_id, status, file_count, started_at, completed_at, result, error
		FROM ingestion_runs
		WHERE id = $1
	`

	var (
		run         ingestion.Run
		status      string
		completedAt sql.NullTime
		payload     []byte
		errMsg      sql.NullString
	)

	err := s.conn.QueryRowContext(ctx, stmt, runID).Scan(
		&run.ID, &run.ClientID, &run.ModelID, &status, &run.FileCount,
		&run.StartedAt, &completedAt, &payload, &errMsg,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ingestion.ErrRunNotFound, runID)
	}

	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}

	run.Status = ingestion.RunStatus(status)
	run.Error = errMsg.String

	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}

	if len(payload) > 0 {
		var result ingestion.Result
		if err := json.Unmarshal(payload, &result); err != nil {
			return nil, fmt.Errorf("decode result of run %s: %w", runID, err)
		}

		run.Result = &result
	}

	return &run, nil
}

// HealthCheck implements ingestion.RunStore.
func (s *RunStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

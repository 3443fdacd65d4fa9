package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zeebo/xxh3"

	"github.com/lakeside-io/lakeside/internal/config"
	"github.com/lakeside-io/lakeside/internal/ingestion"
)

var _ ingestion.ModelLocker = (*AdvisoryLocker)(nil)

// AdvisoryLocker serializes requests per model with PostgreSQL session
// advisory locks, so the guarantee holds across server replicas.
//
// Each held lock pins one pooled connection until it is released.
type AdvisoryLocker struct {
	conn   *Connection
	logger *slog.Logger
}

// NewAdvisoryLocker creates a locker on conn.
func NewAdvisoryLocker(conn *Connection, logger *slog.Logger) (*AdvisoryLocker, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if logger == nil {
		logger = config.NewLogger()
	}

	return &AdvisoryLocker{conn: conn, logger: logger}, nil
}

// Lock implements ingestion.ModelLocker. It blocks in pg_advisory_lock until
// the lock is granted or ctx is done.
func (l *AdvisoryLocker) Lock(ctx context.Context, clientID, modelID string) (func(context.Context) error, error) {
	key := LockKey(clientID, modelID)

	c, err := l.conn.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	if _, err := c.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		_ = c.Close()

		return nil, fmt.Errorf("advisory lock %s/%s: %w", clientID, modelID, err)
	}

	l.logger.Debug("Acquired model lock",
		slog.String("client_id", clientID),
		slog.String("model_id", modelID),
		slog.Int64("lock_key", key))

	return func(ctx context.Context) error {
		defer func() {
			_ = c.Close()
		}()

		if _, err := c.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
			return fmt.Errorf("advisory unlock %s/%s: %w", clientID, modelID, err)
		}

		return nil
	}, nil
}

// LockKey maps a model to its 64-bit advisory lock key.
func LockKey(clientID, modelID string) int64 {
	return int64(xxh3.HashString(clientID + "\x00" + modelID)) //nolint:gosec // wraparound is intended
}

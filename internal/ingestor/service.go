package ingestor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lakeside-io/lakeside/internal/config"
	"github.com/lakeside-io/lakeside/internal/events"
	"github.com/lakeside-io/lakeside/internal/ingestion"
	"github.com/lakeside-io/lakeside/internal/materialize"
	"github.com/lakeside-io/lakeside/internal/objectstore"
	"github.com/lakeside-io/lakeside/internal/query"
)

const (
	defaultPreviewLimit = 100
	maxPreviewLimit     = 10000
)

// ErrLockTimeout is returned when the model lock could not be acquired in time.
var ErrLockTimeout = errors.New("timed out waiting for model lock")

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceConfig sets the pipeline tuning handed to every FileIngestor.
func WithServiceConfig(cfg *Config) ServiceOption {
	return func(s *Service) {
		s.cfg = cfg
	}
}

// WithServiceJoinConfig sets the join policy handed to every FileIngestor.
func WithServiceJoinConfig(join *materialize.JoinConfig) ServiceOption {
	return func(s *Service) {
		s.join = join
	}
}

// WithServiceLogger sets the logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithDefaultBucket sets the bucket checked by HealthCheck.
func WithDefaultBucket(bucket string) ServiceOption {
	return func(s *Service) {
		s.defaultBucket = bucket
	}
}

// Service runs ingestion requests end to end: validation, the per-model lock,
// the run ledger and completion events around one FileIngestor per request.
type Service struct {
	stores    objectstore.Opener
	engines   query.Opener
	runs      ingestion.RunStore
	locker    ingestion.ModelLocker
	publisher events.Publisher

	cfg           *Config
	join          *materialize.JoinConfig
	logger        *slog.Logger
	defaultBucket string
}

// NewService creates a Service. A nil publisher disables events.
func NewService(
	stores objectstore.Opener,
	engines query.Opener,
	runs ingestion.RunStore,
	locker ingestion.ModelLocker,
	publisher events.Publisher,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		stores:    stores,
		engines:   engines,
		runs:      runs,
		locker:    locker,
		publisher: publisher,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.cfg == nil {
		s.cfg = DefaultConfig()
	}

	if s.join == nil {
		s.join = materialize.DefaultJoinConfig()
	}

	if s.logger == nil {
		s.logger = config.NewLogger()
	}

	if s.publisher == nil {
		s.publisher = events.NoopPublisher{}
	}

	return s
}

// Ingest processes req while holding its model's lock and records the run.
//
// The result is nil only when the request was rejected before a run was
// recorded (validation or lock failure). Otherwise it carries everything the
// ingestor accumulated, even alongside an error.
func (s *Service) Ingest(ctx context.Context, req *ingestion.Request) (*ingestion.Result, error) {
	if err := ingestion.Validate(req); err != nil {
		closeRequestBodies(req)

		return nil, err
	}

	if req.RunID == "" {
		req.RunID = ingestion.NewRunID()
	}

	unlock, err := s.lock(ctx, req)
	if err != nil {
		closeRequestBodies(req)

		return nil, err
	}

	// Bookkeeping after this point must survive a cancelled request.
	bg := context.WithoutCancel(ctx)

	defer func() {
		if err := unlock(bg); err != nil {
			s.logger.Warn("Failed to release model lock",
				slog.String("run_id", req.RunID),
				slog.String("error", err.Error()))
		}
	}()

	run := &ingestion.Run{
		ID:        req.RunID,
		ClientID:  req.ClientID,
		ModelID:   req.ModelID,
		Status:    ingestion.RunStatusRunning,
		FileCount: len(req.Files),
		StartedAt: time.Now().UTC(),
	}

	if err := s.runs.CreateRun(ctx, run); err != nil {
		closeRequestBodies(req)

		return nil, fmt.Errorf("record run: %w", err)
	}

	ing := New(req, s.stores, s.engines,
		WithConfig(s.cfg),
		WithJoinConfig(s.join),
		WithLogger(s.logger))

	var result *ingestion.Result

	processErr := ing.Init(ctx)
	if processErr == nil {
		result, processErr = ing.Process(ctx)
	} else {
		closeRequestBodies(req)
		result = ingestion.NewResult(req.RunID)
	}

	s.complete(bg, run, result, processErr)

	return result, processErr
}

func (s *Service) lock(ctx context.Context, req *ingestion.Request) (func(context.Context) error, error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockTimeout)
	defer cancel()

	unlock, err := s.locker.Lock(lockCtx, req.ClientID, req.ModelID)
	if err == nil {
		return unlock, nil
	}

	if lockCtx.Err() != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrLockTimeout, req.ClientID, req.ModelID)
	}

	return nil, fmt.Errorf("lock model %s/%s: %w", req.ClientID, req.ModelID, err)
}

func (s *Service) complete(ctx context.Context, run *ingestion.Run, result *ingestion.Result, processErr error) {
	run.Status = ingestion.StatusFor(result, processErr)
	run.Result = result

	completed := time.Now().UTC()
	run.CompletedAt = &completed

	if processErr != nil {
		run.Error = processErr.Error()
	} else if failed := result.FailedTasks(); failed > 0 {
		run.Error = fmt.Sprintf("%d of %d tasks failed", failed, len(result.Tasks))
	}

	if err := s.runs.CompleteRun(ctx, run.ID, run.Status, result, run.Error); err != nil {
		s.logger.Error("Failed to record run completion",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()))
	}

	if err := s.publisher.PublishIngestionCompleted(ctx, events.NewIngestionCompleted(run, result)); err != nil {
		s.logger.Warn("Failed to publish ingestion event",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()))
	}

	s.logger.Info("Ingestion run completed",
		slog.String("run_id", run.ID),
		slog.String("client_id", run.ClientID),
		slog.String("model_id", run.ModelID),
		slog.String("status", string(run.Status)),
		slog.Duration("duration", completed.Sub(run.StartedAt)))
}

// GetRun returns a run from the ledger.
func (s *Service) GetRun(ctx context.Context, runID string) (*ingestion.Run, error) {
	return s.runs.GetRun(ctx, runID)
}

// PreviewView returns up to limit rows of the model's view. A limit outside
// 1..10000 is clamped.
func (s *Service) PreviewView(
	ctx context.Context, clientID, modelID, database string, limit int,
) (*query.ResultSet, error) {
	if err := ingestion.NewValidator().ValidateModel(clientID, modelID); err != nil {
		return nil, err
	}

	if strings.TrimSpace(database) == "" {
		return nil, fmt.Errorf("%w: %w", ingestion.ErrInvalidArgument, ingestion.ErrMissingDatabase)
	}

	if limit <= 0 {
		limit = defaultPreviewLimit
	}

	limit = min(limit, maxPreviewLimit)

	engine, err := s.engines(ctx, database)
	if err != nil {
		return nil, ingestion.External("open query engine", err)
	}

	view := ingestion.ViewName(clientID, modelID)

	rs, err := engine.RunQuery(ctx, fmt.Sprintf(`SELECT * FROM "%s" LIMIT %d`, view, limit),
		query.WithTimeout(s.cfg.QueryTimeout))
	if err != nil {
		return nil, ingestion.External("preview "+view, err)
	}

	return rs, nil
}

// HealthCheck verifies the run ledger and the default bucket are reachable.
func (s *Service) HealthCheck(ctx context.Context) error {
	if err := s.runs.HealthCheck(ctx); err != nil {
		return fmt.Errorf("run store: %w", err)
	}

	if s.defaultBucket == "" {
		return nil
	}

	store, err := s.stores(ctx, s.defaultBucket)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}

	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("object store: %w", err)
	}

	return nil
}

func closeRequestBodies(req *ingestion.Request) {
	if req == nil {
		return
	}

	for i := range req.Files {
		closeBody(&req.Files[i])
	}
}

// Package ingestor drives the end-to-end processing of an ingestion request:
// per-file operation handlers, archival, forked CSV/Parquet uploads and the
// single view rebuild at the end.
package ingestor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lakeside-io/lakeside/internal/config"
	"github.com/lakeside-io/lakeside/internal/ingestion"
	"github.com/lakeside-io/lakeside/internal/materialize"
	"github.com/lakeside-io/lakeside/internal/objectstore"
	"github.com/lakeside-io/lakeside/internal/query"
	"github.com/lakeside-io/lakeside/internal/schema"
)

// Option configures a FileIngestor.
type Option func(*FileIngestor)

// WithConfig sets the pipeline tuning.
func WithConfig(cfg *Config) Option {
	return func(f *FileIngestor) {
		f.cfg = cfg
	}
}

// WithJoinConfig sets the view join policy.
func WithJoinConfig(join *materialize.JoinConfig) Option {
	return func(f *FileIngestor) {
		f.join = join
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *FileIngestor) {
		f.logger = logger
	}
}

// WithClock replaces time.Now, which stamps archive keys.
func WithClock(now func() time.Time) Option {
	return func(f *FileIngestor) {
		f.now = now
	}
}

// WithTypeCalculator replaces the column type inference strategy.
func WithTypeCalculator(calc schema.TypeCalculator) Option {
	return func(f *FileIngestor) {
		f.typeCalculator = calc
	}
}

// WithNameCleaner replaces the column name cleaning strategy.
func WithNameCleaner(cleaner schema.NameCleaner) Option {
	return func(f *FileIngestor) {
		f.nameCleaner = cleaner
	}
}

// FileIngestor processes one Request. It owns its object store and query
// engine handles exclusively; create one per request.
type FileIngestor struct {
	req        *ingestion.Request
	openStore  objectstore.Opener
	openEngine query.Opener

	cfg            *Config
	join           *materialize.JoinConfig
	logger         *slog.Logger
	now            func() time.Time
	typeCalculator schema.TypeCalculator
	nameCleaner    schema.NameCleaner

	mu           sync.Mutex
	initialized  bool
	store        objectstore.Store
	engine       query.Engine
	materializer *materialize.Materializer

	// viewDropped guards the view drop so it runs at most once per request.
	viewDropped bool

	// timestamp is the Unix millisecond time of Process, shared by every
	// archive key of the request.
	timestamp int64
}

// New creates a FileIngestor for req. Connections are established by Init.
func New(req *ingestion.Request, stores objectstore.Opener, engines query.Opener, opts ...Option) *FileIngestor {
	f := &FileIngestor{
		req:        req,
		openStore:  stores,
		openEngine: engines,
	}

	for _, opt := range opts {
		opt(f)
	}

	if f.cfg == nil {
		f.cfg = DefaultConfig()
	}

	if f.join == nil {
		f.join = materialize.DefaultJoinConfig()
	}

	if f.logger == nil {
		f.logger = config.NewLogger()
	}

	if f.now == nil {
		f.now = time.Now
	}

	if f.typeCalculator == nil {
		f.typeCalculator = schema.DefaultTypeCalculator{}
	}

	if f.nameCleaner == nil {
		f.nameCleaner = schema.DefaultNameCleaner{}
	}

	return f
}

// Init validates the request and connects to the object store, the query
// engine and the materializer. A second call is a no-op. Every failure is
// returned as ingestion.ErrInvalidArgument wrapping the cause.
func (f *FileIngestor) Init(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.initialized {
		return nil
	}

	if err := ingestion.Validate(f.req); err != nil {
		return err
	}

	if f.openStore == nil || f.openEngine == nil {
		return fmt.Errorf("%w: init: missing object store or query engine", ingestion.ErrInvalidArgument)
	}

	store, err := f.openStore(ctx, f.req.Bucket)
	if err != nil {
		return fmt.Errorf("%w: init object store: %w", ingestion.ErrInvalidArgument, err)
	}

	engine, err := f.openEngine(ctx, f.req.Database)
	if err != nil {
		return fmt.Errorf("%w: init query engine: %w", ingestion.ErrInvalidArgument, err)
	}

	f.store = store
	f.engine = engine
	f.materializer = materialize.New(engine, materialize.Options{
		Bucket:       f.req.Bucket,
		ClientID:     f.req.ClientID,
		ModelID:      f.req.ModelID,
		Store:        store,
		Join:         f.join,
		QueryTimeout: f.cfg.QueryTimeout,
		Logger:       f.logger,
	})
	f.initialized = true

	f.logger.Debug("Ingestor initialized",
		slog.String("run_id", f.req.RunID),
		slog.String("client_id", f.req.ClientID),
		slog.String("model_id", f.req.ModelID),
		slog.String("bucket", f.req.Bucket),
		slog.String("database", f.req.Database))

	return nil
}

// Process runs every file task in order, then rebuilds the model view once if
// any task was view-affecting.
//
// The returned result is never nil and holds everything accumulated before a
// failure. Without ContinueOnError the first failing task aborts the request:
// later tasks are marked SKIPPED and the view is not rebuilt. With it, failed
// tasks are recorded and processing continues. The context is checked before
// every task.
func (f *FileIngestor) Process(ctx context.Context) (*ingestion.Result, error) {
	result := ingestion.NewResult(f.req.RunID)

	f.mu.Lock()
	initialized := f.initialized
	f.mu.Unlock()

	if !initialized {
		f.closeBodies(0)

		return result, fmt.Errorf("%w: Process called before Init", ingestion.ErrInvalidOperation)
	}

	f.timestamp = f.now().UnixMilli()
	continueOnError := f.req.ContinueOnError || f.cfg.ContinueOnError
	start := time.Now()

	f.logger.Info("Processing ingestion request",
		slog.String("run_id", f.req.RunID),
		slog.String("client_id", f.req.ClientID),
		slog.String("model_id", f.req.ModelID),
		slog.Int("files", len(f.req.Files)),
		slog.Bool("continue_on_error", continueOnError))

	viewAffected := false

	for i := range f.req.Files {
		task := &f.req.Files[i]

		if err := ctx.Err(); err != nil {
			f.skipFrom(result, i)

			return result, fmt.Errorf("cancelled before task %d (%s): %w", i+1, task.TableName, err)
		}

		if task.Operation.IsViewAffecting() {
			viewAffected = true
		}

		err := f.handle(ctx, task, result)
		if err == nil {
			result.Tasks = append(result.Tasks, taskResult(task, ingestion.TaskStatusSucceeded, nil))

			continue
		}

		f.logger.Error("File task failed",
			slog.String("run_id", f.req.RunID),
			slog.String("table_name", task.TableName),
			slog.String("file_name", task.FileName),
			slog.String("operation", string(task.Operation)),
			slog.String("error", err.Error()))

		result.Tasks = append(result.Tasks, taskResult(task, ingestion.TaskStatusFailed, err))

		if !continueOnError {
			f.skipFrom(result, i+1)

			return result, err
		}
	}

	if viewAffected {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("cancelled before view rebuild: %w", err)
		}

		defs, err := f.materializer.ProcessTables(ctx,
			ingestion.ViewName(f.req.ClientID, f.req.ModelID), reconcileFileInformation(result))
		if err != nil {
			return result, fmt.Errorf("rebuild view: %w", err)
		}

		result.JoinInformation = defs
	}

	f.logger.Info("Processed ingestion request",
		slog.String("run_id", f.req.RunID),
		slog.Int("files", len(result.FileInformation)),
		slog.Int("row_errors", len(result.FileProcessingErrors)),
		slog.Int("failed_tasks", result.FailedTasks()),
		slog.Bool("view_rebuilt", viewAffected),
		slog.Duration("duration", time.Since(start)))

	return result, nil
}

func (f *FileIngestor) handle(ctx context.Context, task *ingestion.FileTask, result *ingestion.Result) error {
	if err := ingestion.NewValidator().ValidateFileTask(task); err != nil {
		closeBody(task)

		return err
	}

	switch task.Operation {
	case ingestion.OperationAdd:
		return f.handleAdd(ctx, task, result)
	case ingestion.OperationAppend:
		return f.handleAppend(ctx, task, result)
	case ingestion.OperationReplace:
		return f.handleReplace(ctx, task, result)
	case ingestion.OperationDelete:
		return f.handleDelete(ctx, task)
	default:
		closeBody(task)

		return fmt.Errorf("%w: %w: %q", ingestion.ErrInvalidArgument, ingestion.ErrInvalidFileOperation, task.Operation)
	}
}

// skipFrom marks tasks[i:] SKIPPED and closes their bodies.
func (f *FileIngestor) skipFrom(result *ingestion.Result, i int) {
	for ; i < len(f.req.Files); i++ {
		task := &f.req.Files[i]
		closeBody(task)
		result.Tasks = append(result.Tasks, taskResult(task, ingestion.TaskStatusSkipped, nil))
	}
}

func (f *FileIngestor) closeBodies(i int) {
	for ; i < len(f.req.Files); i++ {
		closeBody(&f.req.Files[i])
	}
}

func closeBody(task *ingestion.FileTask) {
	if task.Body != nil {
		_ = task.Body.Close()
	}
}

func taskResult(task *ingestion.FileTask, status ingestion.TaskStatus, err error) ingestion.TaskResult {
	tr := ingestion.TaskResult{
		TableName: task.TableName,
		FileName:  task.FileName,
		Operation: task.Operation,
		Status:    status,
		Err:       err,
	}

	if err != nil {
		tr.Error = err.Error()
	}

	return tr
}

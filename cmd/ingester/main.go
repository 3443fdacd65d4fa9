// Package main provides a one-shot command line ingester.
//
// It runs one ingestion request from local files against the configured
// object store and query engine, prints the JSON result and exits non-zero
// when the run did not fully succeed.
//
//	ingester -client c1 -model m1 -file orders:REPLACE:./orders.csv -file stale:DELETE
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/lakeside-io/lakeside/internal/config"
	"github.com/lakeside-io/lakeside/internal/ingestion"
	"github.com/lakeside-io/lakeside/internal/ingestor"
	"github.com/lakeside-io/lakeside/internal/materialize"
	"github.com/lakeside-io/lakeside/internal/objectstore"
	"github.com/lakeside-io/lakeside/internal/query"
	"github.com/lakeside-io/lakeside/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "ingester"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailed  = 1
	exitPartial = 2
	exitUsage   = 64
)

var errFileArg = errors.New("file must be table:OPERATION[:path]")

// fileArg is one -file flag: table:OPERATION[:path].
type fileArg struct {
	table string
	op    ingestion.Operation
	path  string
}

// fileFlags collects repeated -file flags in order.
type fileFlags []fileArg

func (f *fileFlags) String() string {
	parts := make([]string, 0, len(*f))
	for _, arg := range *f {
		parts = append(parts, arg.table+":"+string(arg.op))
	}

	return strings.Join(parts, ",")
}

func (f *fileFlags) Set(value string) error {
	arg, err := parseFileArg(value)
	if err != nil {
		return err
	}

	*f = append(*f, arg)

	return nil
}

// parseFileArg splits on the first two colons so paths may contain colons.
func parseFileArg(value string) (fileArg, error) {
	parts := strings.SplitN(value, ":", 3)
	if len(parts) < 2 || parts[0] == "" {
		return fileArg{}, fmt.Errorf("%w: %q", errFileArg, value)
	}

	op, err := ingestion.ParseOperation(parts[1])
	if err != nil {
		return fileArg{}, err
	}

	arg := fileArg{table: parts[0], op: op}
	if len(parts) == 3 {
		arg.path = parts[2]
	}

	if op.HasUpload() && arg.path == "" {
		return fileArg{}, fmt.Errorf("%w: %s needs a path", errFileArg, op)
	}

	return arg, nil
}

// options holds the parsed command line.
type options struct {
	clientID        string
	modelID         string
	bucket          string
	database        string
	continueOnError bool
	files           fileFlags
}

func parseArgs(args []string, stderr io.Writer) (*options, bool, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)

	opts := &options{}
	showVersion := fs.Bool("version", false, "show version information")

	fs.StringVar(&opts.clientID, "client", "", "client id (required)")
	fs.StringVar(&opts.modelID, "model", "", "model id (required)")
	fs.StringVar(&opts.bucket, "bucket", config.GetEnvStr("LAKESIDE_BUCKET", ""), "object store bucket")
	fs.StringVar(&opts.database, "database", config.GetEnvStr("LAKESIDE_DATABASE", ""), "query engine database")
	fs.BoolVar(&opts.continueOnError, "continue-on-error", false, "record failing files and keep going")
	fs.Var(&opts.files, "file", "table:OPERATION[:path], repeatable, processed in order")

	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	return opts, *showVersion, nil
}

// buildRequest opens every path. On error the already opened files are closed.
func buildRequest(opts *options) (*ingestion.Request, error) {
	req := &ingestion.Request{
		RunID:           ingestion.NewRunID(),
		ClientID:        opts.clientID,
		ModelID:         opts.modelID,
		Bucket:          opts.bucket,
		Database:        opts.database,
		ContinueOnError: opts.continueOnError,
	}

	for _, arg := range opts.files {
		task := ingestion.FileTask{TableName: arg.table, Operation: arg.op}

		if arg.path != "" {
			task.FileName = filepath.Base(arg.path)
		}

		if arg.op.HasUpload() {
			f, err := os.Open(arg.path)
			if err != nil {
				for _, opened := range req.Files {
					if opened.Body != nil {
						_ = opened.Body.Close()
					}
				}

				return nil, fmt.Errorf("open %s: %w", arg.path, err)
			}

			task.Body = f
		}

		req.Files = append(req.Files, task)
	}

	return req, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, showVersion, err := parseArgs(args, stderr)
	if err != nil {
		return exitUsage
	}

	if showVersion {
		_, _ = fmt.Fprintf(stdout, "%s v%s\n", name, version)

		return exitOK
	}

	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LAKESIDE_LOG_LEVEL", slog.LevelInfo),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	service, closeFn, err := newService(logger)
	if err != nil {
		logger.Error("Failed to initialize", slog.String("error", err.Error()))

		return exitFailed
	}
	defer closeFn()

	req, err := buildRequest(opts)
	if err != nil {
		logger.Error("Failed to read input", slog.String("error", err.Error()))

		return exitFailed
	}

	result, err := service.Ingest(ctx, req)

	if result != nil {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")

		if encErr := enc.Encode(result); encErr != nil {
			logger.Error("Failed to write result", slog.String("error", encErr.Error()))
		}
	}

	switch status := ingestion.StatusFor(result, err); status {
	case ingestion.RunStatusSucceeded:
		return exitOK
	case ingestion.RunStatusPartial:
		if err != nil {
			logger.Error("Ingestion stopped", slog.String("error", err.Error()))
		}

		return exitPartial
	default:
		if err != nil {
			logger.Error("Ingestion failed", slog.String("error", err.Error()))
		}

		if errors.Is(err, ingestion.ErrInvalidArgument) && result == nil {
			return exitUsage
		}

		return exitFailed
	}
}

// newService wires the same backends as the server. Without DATABASE_URL the
// run ledger lives in memory for the duration of the command.
func newService(logger *slog.Logger) (*ingestor.Service, func(), error) {
	stores, err := objectstore.NewOpener(objectstore.LoadConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("object store: %w", err)
	}

	engines, err := query.NewOpener(query.LoadConfig(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("query engine: %w", err)
	}

	pipelineConfig := ingestor.LoadConfig()
	if err := pipelineConfig.Validate(); err != nil {
		return nil, nil, fmt.Errorf("pipeline configuration: %w", err)
	}

	joinConfig, err := materialize.LoadJoinConfigFromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("join configuration: %w", err)
	}

	var (
		runs    ingestion.RunStore    = storage.NewInMemoryRunStore()
		locker  ingestion.ModelLocker = storage.NewInMemoryLocker()
		closeFn                       = func() {}
	)

	if storageConfig := storage.LoadConfig(); storageConfig.Enabled() {
		conn, err := storage.NewConnection(storageConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}

		closeFn = func() { _ = conn.Close() }

		if runs, err = storage.NewRunStore(conn, storage.WithRunStoreLogger(logger)); err != nil {
			closeFn()

			return nil, nil, fmt.Errorf("run store: %w", err)
		}

		if locker, err = storage.NewAdvisoryLocker(conn, logger); err != nil {
			closeFn()

			return nil, nil, fmt.Errorf("model locker: %w", err)
		}
	}

	service := ingestor.NewService(stores, engines, runs, locker, nil,
		ingestor.WithServiceConfig(pipelineConfig),
		ingestor.WithServiceJoinConfig(joinConfig),
		ingestor.WithServiceLogger(logger))

	return service, closeFn, nil
}

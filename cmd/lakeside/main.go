// Package main runs the lakeside ingestion API server.
//
// Uploaded CSV files are archived, converted to Parquet, registered as query
// engine tables and joined into one view per client model.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/lakeside-io/lakeside/internal/api"
	"github.com/lakeside-io/lakeside/internal/api/middleware"
	"github.com/lakeside-io/lakeside/internal/events"
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
	name    = "lakeside"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	if err := run(serverConfig, logger); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("lakeside service stopped")
}

func run(serverConfig *api.ServerConfig, logger *slog.Logger) error {
	logger.Info("Starting lakeside service",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("address", serverConfig.Address()),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Int64("max_upload_size", serverConfig.MaxUploadSize),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	storeConfig := objectstore.LoadConfig()

	stores, err := objectstore.NewOpener(storeConfig)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}

	logger.Info("Object store configured",
		slog.String("backend", storeConfig.Backend),
		slog.String("endpoint", storeConfig.Endpoint),
		slog.String("bucket", storeConfig.Bucket),
		slog.String("secret_key", storeConfig.MaskSecret()),
	)

	queryConfig := query.LoadConfig()

	engines, err := query.NewOpener(queryConfig, logger)
	if err != nil {
		return fmt.Errorf("query engine: %w", err)
	}

	logger.Info("Query engine configured",
		slog.String("backend", queryConfig.Backend),
		slog.String("database", queryConfig.Database),
		slog.String("workgroup", queryConfig.Workgroup),
	)

	runs, locker, closeLedger, err := openLedger(logger)
	if err != nil {
		return err
	}
	defer closeLedger()

	publisher, err := events.NewPublisher(events.LoadConfig(), logger)
	if err != nil {
		return fmt.Errorf("event publisher: %w", err)
	}

	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("Failed to close event publisher", slog.String("error", err.Error()))
		}
	}()

	pipelineConfig := ingestor.LoadConfig()
	if err := pipelineConfig.Validate(); err != nil {
		return fmt.Errorf("pipeline configuration: %w", err)
	}

	joinConfig, err := materialize.LoadJoinConfigFromEnv()
	if err != nil {
		return fmt.Errorf("join configuration: %w", err)
	}

	service := ingestor.NewService(stores, engines, runs, locker, publisher,
		ingestor.WithServiceConfig(pipelineConfig),
		ingestor.WithServiceJoinConfig(joinConfig),
		ingestor.WithServiceLogger(logger),
		ingestor.WithDefaultBucket(storeConfig.Bucket),
	)

	if serverConfig.DefaultBucket == "" {
		serverConfig.DefaultBucket = storeConfig.Bucket
	}

	if serverConfig.DefaultDatabase == "" {
		serverConfig.DefaultDatabase = queryConfig.Database
	}

	limiterConfig := middleware.LoadConfig()

	// Closed by the server on shutdown.
	rateLimiter := middleware.NewInMemoryRateLimiter(limiterConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", limiterConfig.GlobalRPS),
		slog.Int("client_rps", limiterConfig.ClientRPS),
		slog.Int("anonymous_rps", limiterConfig.AnonymousRPS),
	)

	return api.NewServer(serverConfig, service, rateLimiter, logger).Start()
}

// openLedger connects the run ledger and model lock to PostgreSQL when
// DATABASE_URL is set, and falls back to process-local state otherwise.
func openLedger(logger *slog.Logger) (ingestion.RunStore, ingestion.ModelLocker, func(), error) {
	storageConfig := storage.LoadConfig()

	if !storageConfig.Enabled() {
		logger.Warn("DATABASE_URL not set - run ledger and model locks are in memory",
			slog.String("note", "runs are lost on restart and locks do not span replicas"))

		return storage.NewInMemoryRunStore(), storage.NewInMemoryLocker(), func() {}, nil
	}

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	closeConn := func() {
		if err := conn.Close(); err != nil {
			logger.Warn("Failed to close database connection", slog.String("error", err.Error()))
		}
	}

	runs, err := storage.NewRunStore(conn, storage.WithRunStoreLogger(logger))
	if err != nil {
		closeConn()

		return nil, nil, nil, fmt.Errorf("run store: %w", err)
	}

	locker, err := storage.NewAdvisoryLocker(conn, logger)
	if err != nil {
		closeConn()

		return nil, nil, nil, fmt.Errorf("model locker: %w", err)
	}

	logger.Info("Run ledger initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
	)

	return runs, locker, closeConn, nil
}

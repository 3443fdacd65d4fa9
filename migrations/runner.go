package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver
)

type (
	// MigrationRunner runs the migrator commands.
	MigrationRunner interface {
		Up() error
		Down() error
		Status() error
		Version() error
		Drop() error
		Close() error
	}

	// Runner implements MigrationRunner with golang-migrate over the
	// embedded files.
	Runner struct {
		migrate    *migrate.Migrate
		db         *sql.DB
		migrations *EmbeddedMigrations
		logger     *slog.Logger
	}

	// migrateLogger adapts slog to migrate.Logger.
	migrateLogger struct {
		logger *slog.Logger
	}
)

var _ migrate.Logger = (*migrateLogger)(nil)

// NewMigrationRunner validates the embedded migrations and connects to the database.
func NewMigrationRunner(cfg *Config, logger *slog.Logger) (*Runner, error) {
	logger.Info("Initializing migration runner", slog.String("config", cfg.String()))

	migrations := NewEmbeddedMigrations(nil)
	if err := migrations.Validate(); err != nil {
		return nil, fmt.Errorf("embedded migration validation failed: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: cfg.MigrationTable})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create postgres driver: %w", err)
	}

	source, err := iofs.New(migrations.FS(), ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create migrate instance: %w", err)
	}

	m.Log = &migrateLogger{logger: logger}

	return &Runner{migrate: m, db: db, migrations: migrations, logger: logger}, nil
}

// Up applies all pending migrations.
func (r *Runner) Up() error {
	err := r.migrate.Up()

	switch {
	case errors.Is(err, migrate.ErrNoChange):
		r.logger.Info("No new migrations to apply")
	case err != nil:
		return fmt.Errorf("migration up failed: %w", err)
	default:
		r.logger.Info("All migrations applied", slog.Int("version", r.migrations.MaxVersion()))
	}

	return nil
}

// Down rolls back the last migration.
func (r *Runner) Down() error {
	err := r.migrate.Steps(-1)

	switch {
	case errors.Is(err, migrate.ErrNoChange), errors.Is(err, os.ErrNotExist):
		r.logger.Info("No migrations to roll back")
	case err != nil:
		return fmt.Errorf("migration down failed: %w", err)
	default:
		r.logger.Info("Last migration rolled back")
	}

	return nil
}

// Status logs the schema version, whether it is dirty and what is pending.
func (r *Runner) Status() error {
	current, dirty, err := r.current()
	if err != nil {
		return err
	}

	pending, err := r.migrations.Pending(current)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(pending))
	for _, m := range pending {
		names = append(names, m.Filename)
	}

	r.logger.Info("Migration status",
		slog.Int("database_version", current),
		slog.Int("migrator_version", r.migrations.MaxVersion()),
		slog.Bool("dirty", dirty),
		slog.String("pending", strings.Join(names, ",")))

	if current > r.migrations.MaxVersion() {
		r.logger.Warn("Database schema is newer than this migrator supports")
	}

	return nil
}

// Version logs the current schema version.
func (r *Runner) Version() error {
	current, dirty, err := r.current()
	if err != nil {
		return err
	}

	r.logger.Info("Current schema version", slog.Int("version", current), slog.Bool("dirty", dirty))

	return nil
}

// Drop drops every table in the database.
func (r *Runner) Drop() error {
	r.logger.Warn("Dropping all tables")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop failed: %w", err)
	}

	return nil
}

// Close closes the migrate instance and the database.
func (r *Runner) Close() error {
	var errs []error

	if r.migrate != nil {
		sourceErr, dbErr := r.migrate.Close()
		errs = append(errs, sourceErr, dbErr)
	}

	if r.db != nil {
		errs = append(errs, r.db.Close())
	}

	return errors.Join(errs...)
}

// current returns 0 when no migration was ever applied.
func (r *Runner) current() (int, bool, error) {
	version, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("read migration version: %w", err)
	}

	return int(version), dirty, nil //nolint:gosec // sequence numbers are three digits
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)), slog.String("component", "migrate"))
}

func (l *migrateLogger) Verbose() bool {
	return false
}

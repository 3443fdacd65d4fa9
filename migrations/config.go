package main

import (
	"errors"
	"fmt"

	"github.com/lakeside-io/lakeside/internal/config"
	"github.com/lakeside-io/lakeside/internal/storage"
)

const defaultMigrationTable = "schema_migrations"

// Configuration errors.
var (
	ErrEmptyDatabaseURL    = errors.New("DATABASE_URL cannot be empty")
	ErrEmptyMigrationTable = errors.New("MIGRATION_TABLE cannot be empty")
)

// Config holds the migrator configuration.
type Config struct {
	DatabaseURL    string
	MigrationTable string
}

// LoadConfig reads DATABASE_URL and MIGRATION_TABLE and validates them.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", defaultMigrationTable),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrEmptyDatabaseURL
	}

	if c.MigrationTable == "" {
		return ErrEmptyMigrationTable
	}

	return nil
}

// String is safe to log: the password is masked.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		storage.NewConfig(c.DatabaseURL).MaskDatabaseURL(), c.MigrationTable)
}

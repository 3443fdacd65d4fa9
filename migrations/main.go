// Package main provides the database migration CLI for the lakeside run ledger.
//
// Migrations are embedded in the binary, so the tool runs with nothing but
// DATABASE_URL:
//
//	migrator up | down | status | version | drop
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lakeside-io/lakeside/internal/config"
)

// Build-time version information, set with -ldflags.
var (
	Version   = "1.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
	name      = "migrator"
)

func main() {
	var (
		showHelp    = flag.Bool("help", false, "show help information")
		showVersion = flag.Bool("version", false, "show version information")
		assumeYes   = flag.Bool("yes", false, "do not ask for confirmation before drop")
	)

	flag.Parse()

	if *showVersion {
		printVersionInfo(os.Stdout)

		return
	}

	if *showHelp || flag.NArg() == 0 {
		printUsage(os.Stdout)

		return
	}

	logger := config.NewLogger()

	cfg, err := LoadConfig()
	if err != nil {
		logger.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	runner, err := NewMigrationRunner(cfg, logger)
	if err != nil {
		logger.Error("Failed to create migration runner", slog.String("error", err.Error()))
		os.Exit(1)
	}

	confirm := func() bool { return *assumeYes || askConfirmation(os.Stdin, os.Stdout) }

	err = executeCommand(flag.Arg(0), runner, confirm)

	if closeErr := runner.Close(); closeErr != nil {
		logger.Warn("Failed to close migration runner", slog.String("error", closeErr.Error()))
	}

	if err != nil {
		logger.Error("Migration failed", slog.String("command", flag.Arg(0)), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// executeCommand runs one migration command. confirm gates drop.
func executeCommand(command string, runner MigrationRunner, confirm func() bool) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status":
		return runner.Status()
	case "version":
		return runner.Version()
	case "drop":
		if !confirm() {
			return nil
		}

		return runner.Drop()
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func askConfirmation(in io.Reader, out io.Writer) bool {
	_, _ = fmt.Fprint(out, "WARNING: This will drop all tables. Are you sure? (y/N): ")

	answer, _ := bufio.NewReader(in).ReadString('\n')
	if strings.EqualFold(strings.TrimSpace(answer), "y") {
		return true
	}

	_, _ = fmt.Fprintln(out, "Operation cancelled.")

	return false
}

func printVersionInfo(out io.Writer) {
	_, _ = fmt.Fprintf(out, "%s v%s\nGit Commit: %s\nBuild Time: %s\n", name, Version, GitCommit, BuildTime)
}

func printUsage(out io.Writer) {
	_, _ = fmt.Fprintf(out, `%s v%s - run ledger migrations for lakeside

USAGE:
    %s [OPTIONS] COMMAND

COMMANDS:
    up       Apply all pending migrations
    down     Roll back the last migration
    status   Show applied and pending migrations
    version  Show the current schema version
    drop     Drop all tables (asks for confirmation)

OPTIONS:
    -help     Show this help message
    -version  Show version information
    -yes      Skip the drop confirmation

ENVIRONMENT VARIABLES:
    DATABASE_URL     PostgreSQL connection string (required)
    MIGRATION_TABLE  Migration tracking table (default: schema_migrations)
    LAKESIDE_LOG_LEVEL
`, name, Version, name)
}

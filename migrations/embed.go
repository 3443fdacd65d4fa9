package main

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
)

//go:embed *.sql
var embeddedMigrations embed.FS

// Validation errors.
var (
	ErrNoMigrations      = errors.New("no embedded migration files found")
	ErrInvalidFilename   = errors.New("invalid migration filename")
	ErrUnpairedMigration = errors.New("migration has no counterpart")
	ErrSequenceGap       = errors.New("gap in migration sequence")
)

// migrationFilename matches 001_name.up.sql and 001_name.down.sql.
var migrationFilename = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// MigrationInfo is a parsed migration filename.
type MigrationInfo struct {
	Sequence  int
	Name      string
	Direction string
	Filename  string
}

// EmbeddedMigrations validates and lists the migration files compiled into
// the binary.
type EmbeddedMigrations struct {
	fs fs.FS
}

// NewEmbeddedMigrations wraps filesystem, or the embedded files when nil.
func NewEmbeddedMigrations(filesystem fs.FS) *EmbeddedMigrations {
	if filesystem == nil {
		filesystem = embeddedMigrations
	}

	return &EmbeddedMigrations{fs: filesystem}
}

// FS returns the migration filesystem handed to golang-migrate.
func (e *EmbeddedMigrations) FS() fs.FS {
	return e.fs
}

// List returns every .sql file in lexicographic order, which is also
// sequence order.
func (e *EmbeddedMigrations) List() ([]string, error) {
	entries, err := fs.ReadDir(e.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("read embedded migrations: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if !entry.IsDir() && path.Ext(entry.Name()) == ".sql" {
			files = append(files, entry.Name())
		}
	}

	slices.Sort(files)

	return files, nil
}

// Validate checks filenames, up/down pairing and that sequences run from 001
// without gaps.
func (e *EmbeddedMigrations) Validate() error {
	migrations, err := e.parseAll()
	if err != nil {
		return err
	}

	if len(migrations) == 0 {
		return ErrNoMigrations
	}

	directions := make(map[string]map[string]bool)
	sequences := make(map[int]bool)

	for _, m := range migrations {
		key := fmt.Sprintf("%03d_%s", m.Sequence, m.Name)
		if directions[key] == nil {
			directions[key] = make(map[string]bool)
		}

		directions[key][m.Direction] = true
		sequences[m.Sequence] = true
	}

	for key, dirs := range directions {
		if !dirs["up"] {
			return fmt.Errorf("%w: %s has no up migration", ErrUnpairedMigration, key)
		}

		if !dirs["down"] {
			return fmt.Errorf("%w: %s has no down migration", ErrUnpairedMigration, key)
		}
	}

	for seq := 1; seq <= len(sequences); seq++ {
		if !sequences[seq] {
			return fmt.Errorf("%w: missing %03d", ErrSequenceGap, seq)
		}
	}

	return nil
}

// MaxVersion returns the highest embedded sequence number.
func (e *EmbeddedMigrations) MaxVersion() int {
	migrations, err := e.parseAll()
	if err != nil {
		return 0
	}

	maxSequence := 0
	for _, m := range migrations {
		maxSequence = max(maxSequence, m.Sequence)
	}

	return maxSequence
}

// Pending returns the up migrations newer than current.
func (e *EmbeddedMigrations) Pending(current int) ([]MigrationInfo, error) {
	migrations, err := e.parseAll()
	if err != nil {
		return nil, err
	}

	var pending []MigrationInfo

	for _, m := range migrations {
		if m.Direction == "up" && m.Sequence > current {
			pending = append(pending, m)
		}
	}

	return pending, nil
}

func (e *EmbeddedMigrations) parseAll() ([]MigrationInfo, error) {
	files, err := e.List()
	if err != nil {
		return nil, err
	}

	migrations := make([]MigrationInfo, 0, len(files))

	for _, file := range files {
		m, err := parseMigrationFilename(file)
		if err != nil {
			return nil, err
		}

		migrations = append(migrations, m)
	}

	return migrations, nil
}

func parseMigrationFilename(filename string) (MigrationInfo, error) {
	matches := migrationFilename.FindStringSubmatch(filename)
	if matches == nil {
		return MigrationInfo{}, fmt.Errorf("%w: %s (expected 001_name.up.sql or 001_name.down.sql)",
			ErrInvalidFilename, filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return MigrationInfo{}, fmt.Errorf("%w: %s: %w", ErrInvalidFilename, filename, err)
	}

	return MigrationInfo{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

// Package query provides the query engine client the ingestion pipeline uses
// to run DDL and SELECT statements against tables stored in the object store.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lakeside-io/lakeside/internal/ingestion"
)

// Engine executes one statement at a time against a database.
type Engine interface {
	// RunQuery runs statement and blocks until it finished. Unless WithoutResults
	// is given, the returned ResultSet holds every row.
	RunQuery(ctx context.Context, statement string, opts ...Option) (*ResultSet, error)
}

// Opener binds an Engine to a database. It is how the ingestor establishes its
// query engine connection during Init.
type Opener func(ctx context.Context, database string) (Engine, error)

// Column describes one result column.
type Column struct {
	Name string
	Type string
}

// ResultSet is the materialized result of a statement. Null cells are empty strings.
type ResultSet struct {
	Columns []Column
	Rows    [][]string
}

// Option configures a single RunQuery call.
type Option func(*runOptions)

type runOptions struct {
	timeout  time.Duration
	wantRows bool
}

// WithTimeout bounds the statement's total run time. The engine stops the
// statement when it expires.
func WithTimeout(d time.Duration) Option {
	return func(o *runOptions) {
		o.timeout = d
	}
}

// WithoutResults skips fetching result rows; used for DDL.
func WithoutResults() Option {
	return func(o *runOptions) {
		o.wantRows = false
	}
}

func applyOptions(defaultTimeout time.Duration, opts []Option) runOptions {
	o := runOptions{timeout: defaultTimeout, wantRows: true}
	for _, opt := range opts {
		opt(&o)
	}

	return o
}

var (
	// ErrQueryFailed indicates the engine reported the statement as failed or cancelled.
	ErrQueryFailed = errors.New("query failed")

	// ErrQueryTimeout indicates the statement did not finish within its timeout.
	ErrQueryTimeout = errors.New("query timed out")
)

// Error describes a failed statement. It matches ingestion.ErrExternal and
// unwraps to ErrQueryFailed, ErrQueryTimeout or an SDK error.
type Error struct {
	Statement string
	QueryID   string
	State     string
	Reason    string
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("query %s", summarize(e.Statement))
	if e.QueryID != "" {
		msg += " (" + e.QueryID + ")"
	}

	if e.State != "" {
		msg += " " + e.State
	}

	if e.Reason != "" {
		msg += ": " + e.Reason
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match for ingestion.ErrExternal.
func (e *Error) Is(target error) bool {
	return target == ingestion.ErrExternal
}

// summarize keeps error messages readable for long CREATE VIEW statements.
func summarize(statement string) string {
	const maxLen = 120

	if len(statement) <= maxLen {
		return statement
	}

	return statement[:maxLen] + "..."
}

// Package ingestion provides the file ingestion domain model: requests, file
// tasks, per-file statistics, row-level errors, and the join description of a
// model's view.
package ingestion

import (
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/lakeside-io/lakeside/internal/schema"
)

type (
	// Request is one unit of work submitted by a caller - Domain Model.
	// It is owned exclusively by one FileIngestor for the duration of processing
	// and must not be mutated once submitted.
	Request struct {
		// RunID identifies the request in the run ledger. Assigned by the service
		// when empty.
		RunID string

		// ClientID and ModelID namespace every object key, table and view touched
		// by the request.
		ClientID string
		ModelID  string

		// Bucket is the object store bucket holding client data.
		Bucket string

		// Database is the query engine database/catalog the tables live in.
		Database string

		// Files are processed strictly in the order given.
		Files []FileTask

		// ContinueOnError records a failing task and moves on to the next one
		// instead of aborting the request.
		ContinueOnError bool
	}

	// FileTask holds one file's instructions - Domain Model.
	FileTask struct {
		// TableName is the short table name, without client/model prefix.
		TableName string

		// FileName is the uploaded file's name. Optional for DELETE.
		FileName string

		// Operation selects the handler.
		Operation Operation

		// Body streams the uploaded file's contents for ADD, APPEND and REPLACE.
		// It is consumed exactly once and closed by the ingestor.
		Body io.ReadCloser
	}

	// Operation is the tagged operation kind of a FileTask.
	Operation string

	// ColumnStatistics describes one output column of a transformed file.
	ColumnStatistics struct {
		// Name is the cleaned column name written to Parquet and used in DDL.
		Name string `json:"name"`

		// SourceName is the raw header cell.
		SourceName string `json:"sourceName"`

		// Type is the schema type the Parquet file was written with.
		Type schema.ColumnType `json:"type"`

		// ObservedType is the widest type seen across all rows. It differs from
		// Type when values after the sample window disproved the locked schema.
		ObservedType schema.ColumnType `json:"observedType"`

		// NullCount counts empty and uncoercible cells.
		NullCount int64 `json:"nullCount"`
	}

	// FileStatistics is the aggregate result of transforming one file - Domain Model.
	// Produced by the File Transformer and consumed by the Table/View Materializer.
	FileStatistics struct {
		TableName  string             `json:"tableName"`
		FileName   string             `json:"fileName"`
		Operation  Operation          `json:"operation"`
		Columns    []ColumnStatistics `json:"columns"`
		RowCount   int64              `json:"rowCount"`
		ErrorCount int64              `json:"errorCount"`

		// Bytes and Checksum (xxh3-64, 16 hex digits) describe the raw uploaded stream.
		Bytes    int64  `json:"bytes"`
		Checksum string `json:"checksum,omitempty"`

		// CSVKey and ParquetKey are the object keys the forks uploaded to.
		CSVKey     string `json:"csvKey,omitempty"`
		ParquetKey string `json:"parquetKey,omitempty"`
	}

	// ProcessingError is one row or column-level failure found while transforming
	// a file. It is reported, never fatal on its own.
	ProcessingError struct {
		TableName string `json:"tableName"`
		FileName  string `json:"fileName"`

		// Row is the 1-based data row number (the header is row 0).
		Row int64 `json:"row"`

		// Column is the cleaned column name, empty for row-shape errors.
		Column string `json:"column,omitempty"`
		Value  string `json:"value,omitempty"`

		Message string `json:"message"`
	}

	// JoinColumn is one column of a table as it participates in the model view.
	JoinColumn struct {
		Name string            `json:"name"`
		Type schema.ColumnType `json:"type"`

		// IsSelectedColumn is false for passthrough columns that are carried in
		// the table but not projected by the view.
		IsSelectedColumn bool `json:"isSelectedColumn"`
	}

	// JoinTableDefinition describes how one table participates in the model's
	// cross-table view - Domain Model.
	JoinTableDefinition struct {
		TableName string       `json:"tableName"`
		Columns   []JoinColumn `json:"columns"`
	}

	// TaskResult reports the outcome of one FileTask.
	TaskResult struct {
		TableName string     `json:"tableName"`
		FileName  string     `json:"fileName,omitempty"`
		Operation Operation  `json:"operation"`
		Status    TaskStatus `json:"status"`
		Error     string     `json:"error,omitempty"`

		// Err is the task's failure, kept for errors.Is checks by callers.
		Err error `json:"-"`
	}

	// TaskStatus is the outcome of a single FileTask.
	TaskStatus string

	// Result is what FileIngestor.Process returns. It always carries everything
	// accumulated before a fatal error.
	Result struct {
		RunID                string                `json:"runId,omitempty"`
		FileInformation      []FileStatistics      `json:"fileInformation"`
		FileProcessingErrors []ProcessingError     `json:"fileProcessingErrors"`
		JoinInformation      []JoinTableDefinition `json:"joinInformation"`
		Tasks                []TaskResult          `json:"tasks"`
	}
)

const (
	// OperationAdd creates a new table or adds a file to an existing one. View-affecting.
	OperationAdd Operation = "ADD"

	// OperationAppend adds data to an existing table. The view stays valid.
	OperationAppend Operation = "APPEND"

	// OperationReplace archives the table's existing objects and uploads a new file. View-affecting.
	OperationReplace Operation = "REPLACE"

	// OperationDelete archives the table's objects and drops the table. View-affecting.
	OperationDelete Operation = "DELETE"
)

const (
	TaskStatusSucceeded TaskStatus = "SUCCEEDED"
	TaskStatusFailed    TaskStatus = "FAILED"

	// TaskStatusSkipped marks tasks never started because the request aborted.
	TaskStatusSkipped TaskStatus = "SKIPPED"
)

// ValidOperations returns all operation kinds.
func ValidOperations() []Operation {
	return []Operation{
		OperationAdd,
		OperationAppend,
		OperationReplace,
		OperationDelete,
	}
}

// ParseOperation parses an operation name case-insensitively.
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToUpper(strings.TrimSpace(s)))
	if !op.IsValid() {
		return "", invalidArgument(ErrInvalidFileOperation, s)
	}

	return op, nil
}

// IsValid checks if the Operation is one of ADD, APPEND, REPLACE, DELETE.
func (o Operation) IsValid() bool {
	for _, valid := range ValidOperations() {
		if o == valid {
			return true
		}
	}

	return false
}

// IsViewAffecting returns true for operations that change the model's table
// set and therefore invalidate the view: ADD, REPLACE and DELETE.
func (o Operation) IsViewAffecting() bool {
	return o == OperationAdd || o == OperationReplace || o == OperationDelete
}

// HasUpload returns true for operations that stream a new file.
func (o Operation) HasUpload() bool {
	return o == OperationAdd || o == OperationAppend || o == OperationReplace
}

// ArchivesExisting returns true for operations that archive the table's
// current objects before anything else is written.
func (o Operation) ArchivesExisting() bool {
	return o == OperationReplace || o == OperationDelete
}

// Error implements error so row failures can flow through error channels.
func (e ProcessingError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("%s/%s row %d: %s", e.TableName, e.FileName, e.Row, e.Message)
	}

	return fmt.Sprintf("%s/%s row %d column %s: %s", e.TableName, e.FileName, e.Row, e.Column, e.Message)
}

// NewResult returns an empty result whose slices marshal as [] rather than null.
func NewResult(runID string) *Result {
	return &Result{
		RunID:                runID,
		FileInformation:      []FileStatistics{},
		FileProcessingErrors: []ProcessingError{},
		JoinInformation:      []JoinTableDefinition{},
		Tasks:                []TaskResult{},
	}
}

// FailedTasks returns the number of tasks with status FAILED.
func (r *Result) FailedTasks() int {
	n := 0

	for _, task := range r.Tasks {
		if task.Status == TaskStatusFailed {
			n++
		}
	}

	return n
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

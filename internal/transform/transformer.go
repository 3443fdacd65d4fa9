// Package transform converts parsed CSV records into typed Parquet files and
// raw CSV copies, each streamed straight into the object store.
package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	writerfile "github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/lakeside-io/lakeside/internal/config"
	"github.com/lakeside-io/lakeside/internal/fork"
	"github.com/lakeside-io/lakeside/internal/ingestion"
	"github.com/lakeside-io/lakeside/internal/objectstore"
	"github.com/lakeside-io/lakeside/internal/schema"
)

const (
	defaultSampleRows = 1000
	rowGroupSize      = 16 * 1024 * 1024
	parquetRootTag    = "name=parquet_go_root, repetitiontype=REQUIRED"
)

var (
	// ErrTooManyRowErrors is returned once a file exceeds its row error budget.
	ErrTooManyRowErrors = errors.New("too many row errors")

	// ErrNotStarted is returned by Write or Close before Begin.
	ErrNotStarted = errors.New("transformer has not received a header")
)

// Options configures a FileTransformer.
type Options struct {
	TableName string
	FileName  string
	Operation ingestion.Operation

	// OutputKey is the object key the Parquet file is uploaded to.
	OutputKey string

	// SampleRows is how many rows are buffered for type inference before the
	// Parquet schema is locked. Zero means 1000.
	SampleRows int

	// MaxErrors fails the file once more row errors than this were reported.
	// Zero means unlimited.
	MaxErrors int

	TypeCalculator schema.TypeCalculator
	NameCleaner    schema.NameCleaner

	// OnStatistics is called once, after the Parquet object is fully uploaded.
	OnStatistics func(ingestion.FileStatistics)

	// OnError is called for every row-level error. It may be called from
	// several goroutines.
	OnError func(ingestion.ProcessingError)

	Logger *slog.Logger
}

type columnState struct {
	stats ingestion.ColumnStatistics
}

// FileTransformer is a fork.Sink that infers column types over a bounded
// sample, then streams rows into a Parquet file being uploaded.
//
// State carried between rows is limited to the sample buffer (at most
// SampleRows records), per-column types, and counters.
type FileTransformer struct {
	store objectstore.Store
	opts  Options

	columns []columnState
	width   int
	sample  []fork.Record
	locked  bool

	upload *objectstore.Writer
	pw     *writer.JSONWriter

	rowCount int64

	mu         sync.Mutex
	errorCount int64
}

var _ fork.Sink = (*FileTransformer)(nil)

// NewFileTransformer creates a transformer uploading to store.
func NewFileTransformer(store objectstore.Store, opts Options) *FileTransformer {
	if opts.SampleRows <= 0 {
		opts.SampleRows = defaultSampleRows
	}

	if opts.TypeCalculator == nil {
		opts.TypeCalculator = schema.DefaultTypeCalculator{}
	}

	if opts.NameCleaner == nil {
		opts.NameCleaner = schema.DefaultNameCleaner{}
	}

	if opts.OnStatistics == nil {
		opts.OnStatistics = func(ingestion.FileStatistics) {}
	}

	if opts.OnError == nil {
		opts.OnError = func(ingestion.ProcessingError) {}
	}

	if opts.Logger == nil {
		opts.Logger = config.NewLogger()
	}

	return &FileTransformer{store: store, opts: opts}
}

// Begin implements fork.Sink.
func (t *FileTransformer) Begin(_ context.Context, header []string) error {
	names := t.opts.NameCleaner.Clean(header)

	t.width = len(header)
	t.columns = make([]columnState, len(header))

	for i := range header {
		t.columns[i].stats = ingestion.ColumnStatistics{
			Name:         names[i],
			SourceName:   header[i],
			Type:         schema.TypeUnknown,
			ObservedType: schema.TypeUnknown,
		}
	}

	t.sample = make([]fork.Record, 0, min(t.opts.SampleRows, 1024))

	return nil
}

// Write implements fork.Sink.
func (t *FileTransformer) Write(ctx context.Context, rec fork.Record) error {
	if t.columns == nil {
		return ErrNotStarted
	}

	rec.Values = t.reshape(rec)

	for i, v := range rec.Values {
		col := &t.columns[i].stats
		col.ObservedType = schema.Refine(t.opts.TypeCalculator, col.ObservedType, v)
	}

	if !t.locked {
		t.sample = append(t.sample, rec)
		if len(t.sample) < t.opts.SampleRows {
			return nil
		}

		return t.lockSchema(ctx)
	}

	return t.writeRow(rec)
}

// Close implements fork.Sink. It returns once the Parquet object is uploaded.
func (t *FileTransformer) Close(ctx context.Context) error {
	if t.columns == nil {
		return ErrNotStarted
	}

	if !t.locked {
		if err := t.lockSchema(ctx); err != nil {
			return err
		}
	}

	if err := t.pw.WriteStop(); err != nil {
		return fmt.Errorf("finish parquet %s: %w", t.opts.OutputKey, err)
	}

	if err := t.upload.Close(); err != nil {
		return fmt.Errorf("upload parquet %s: %w", t.opts.OutputKey, err)
	}

	t.opts.Logger.Info("Uploaded parquet file",
		slog.String("table_name", t.opts.TableName),
		slog.String("file_name", t.opts.FileName),
		slog.String("key", t.opts.OutputKey),
		slog.Int64("rows", t.rowCount),
		slog.Int64("row_errors", t.ErrorCount()))

	t.opts.OnStatistics(t.Statistics())

	return nil
}

// Abort implements fork.Sink.
func (t *FileTransformer) Abort(cause error) {
	t.sample = nil

	if t.upload != nil {
		_ = t.upload.Abort(cause)
	}
}

// Statistics returns the statistics accumulated so far.
func (t *FileTransformer) Statistics() ingestion.FileStatistics {
	columns := make([]ingestion.ColumnStatistics, len(t.columns))
	for i := range t.columns {
		columns[i] = t.columns[i].stats
	}

	return ingestion.FileStatistics{
		TableName:  t.opts.TableName,
		FileName:   t.opts.FileName,
		Operation:  t.opts.Operation,
		Columns:    columns,
		RowCount:   t.rowCount,
		ErrorCount: t.ErrorCount(),
		ParquetKey: t.opts.OutputKey,
	}
}

// ErrorCount returns the number of row errors reported for this file.
func (t *FileTransformer) ErrorCount() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.errorCount
}

// ReportRowError records a parse failure found upstream of the transformer.
// It is safe to use as a fork row error handler.
func (t *FileTransformer) ReportRowError(_ string, err *fork.RowError) {
	t.report(ingestion.ProcessingError{Row: err.Row, Message: err.Err.Error()})
}

func (t *FileTransformer) report(pe ingestion.ProcessingError) {
	pe.TableName = t.opts.TableName
	pe.FileName = t.opts.FileName

	t.mu.Lock()
	t.errorCount++
	t.mu.Unlock()

	t.opts.Logger.Debug("Row error",
		slog.String("table_name", pe.TableName),
		slog.String("file_name", pe.FileName),
		slog.Int64("row", pe.Row),
		slog.String("column", pe.Column),
		slog.String("error", pe.Message))

	t.opts.OnError(pe)
}

func (t *FileTransformer) overBudget() bool {
	return t.opts.MaxErrors > 0 && t.ErrorCount() > int64(t.opts.MaxErrors)
}

// reshape pads short rows with empty cells and truncates long ones, reporting both.
func (t *FileTransformer) reshape(rec fork.Record) []string {
	if len(rec.Values) == t.width {
		return rec.Values
	}

	t.report(ingestion.ProcessingError{
		Row:     rec.Row,
		Message: fmt.Sprintf("expected %d fields, got %d", t.width, len(rec.Values)),
	})

	values := make([]string, t.width)
	copy(values, rec.Values)

	return values
}

// lockSchema fixes every column's type to its sampled estimate, opens the
// Parquet writer, and flushes the sample.
func (t *FileTransformer) lockSchema(ctx context.Context) error {
	for i := range t.columns {
		col := &t.columns[i].stats

		col.Type = col.ObservedType
		if col.Type == schema.TypeUnknown {
			col.Type = schema.TypeString
		}
	}

	t.locked = true
	t.upload = objectstore.NewWriter(ctx, t.store, t.opts.OutputKey)

	pw, err := writer.NewJSONWriter(t.parquetSchema(), writerfile.NewWriterFile(t.upload), 1)
	if err != nil {
		return fmt.Errorf("create parquet writer: %w", err)
	}

	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	pw.RowGroupSize = rowGroupSize
	t.pw = pw

	sample := t.sample
	t.sample = nil

	for _, rec := range sample {
		if err := t.writeRow(rec); err != nil {
			return err
		}
	}

	return nil
}

func (t *FileTransformer) parquetSchema() string {
	fields := make([]map[string]string, 0, len(t.columns))
	for _, c := range t.columns {
		fields = append(fields, map[string]string{
			"Tag": fmt.Sprintf("name=%s, %s, repetitiontype=OPTIONAL", c.stats.Name, c.stats.Type.ParquetTag()),
		})
	}

	out := map[string]any{
		"Tag":    parquetRootTag,
		"Fields": fields,
	}

	b, _ := json.Marshal(out)

	return string(b)
}

// writeRow coerces every value to its locked type. Values that do not coerce
// are written as NULL and reported.
func (t *FileTransformer) writeRow(rec fork.Record) error {
	row := make(map[string]any, len(t.columns))

	for i, raw := range rec.Values {
		col := &t.columns[i].stats

		v, err := t.opts.TypeCalculator.Coerce(raw, col.Type)
		if err != nil {
			t.report(ingestion.ProcessingError{
				Row:     rec.Row,
				Column:  col.Name,
				Value:   raw,
				Message: err.Error(),
			})

			v = nil
		}

		if v == nil {
			col.NullCount++
		}

		row[col.Name] = v
	}

	if t.overBudget() {
		return fmt.Errorf("%w: %s exceeded %d", ErrTooManyRowErrors, t.opts.FileName, t.opts.MaxErrors)
	}

	b, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode row %d: %w", rec.Row, err)
	}

	if err := t.pw.Write(string(b)); err != nil {
		return fmt.Errorf("write parquet row %d: %w", rec.Row, err)
	}

	t.rowCount++

	return nil
}

package ingestor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/lakeside-io/lakeside/internal/fork"
	"github.com/lakeside-io/lakeside/internal/ingestion"
	"github.com/lakeside-io/lakeside/internal/objectstore"
	"github.com/lakeside-io/lakeside/internal/query"
	"github.com/lakeside-io/lakeside/internal/transform"
)

func (f *FileIngestor) handleAdd(ctx context.Context, task *ingestion.FileTask, result *ingestion.Result) error {
	if err := f.dropView(ctx); err != nil {
		closeBody(task)

		return err
	}

	return f.processAndUploadNewFiles(ctx, task, result)
}

func (f *FileIngestor) handleAppend(ctx context.Context, task *ingestion.FileTask, result *ingestion.Result) error {
	return f.processAndUploadNewFiles(ctx, task, result)
}

func (f *FileIngestor) handleReplace(ctx context.Context, task *ingestion.FileTask, result *ingestion.Result) error {
	if err := f.removeTable(ctx, task.TableName); err != nil {
		closeBody(task)

		return err
	}

	return f.processAndUploadNewFiles(ctx, task, result)
}

func (f *FileIngestor) handleDelete(ctx context.Context, task *ingestion.FileTask) error {
	closeBody(task)

	return f.removeTable(ctx, task.TableName)
}

// removeTable drops the view, then the table, then archives the table's CSV
// and Parquet objects, in that order.
func (f *FileIngestor) removeTable(ctx context.Context, tableName string) error {
	if err := f.dropView(ctx); err != nil {
		return err
	}

	if err := f.dropTable(ctx, tableName); err != nil {
		return err
	}

	if err := f.archive(ctx, ingestion.CSVPrefix(f.req.ClientID, f.req.ModelID, tableName)); err != nil {
		return err
	}

	return f.archive(ctx, ingestion.DataPrefix(f.req.ClientID, f.req.ModelID, tableName))
}

// dropView drops the model view the first time it is called in a request.
func (f *FileIngestor) dropView(ctx context.Context) error {
	if f.viewDropped {
		return nil
	}

	view := ingestion.ViewName(f.req.ClientID, f.req.ModelID)

	_, err := f.engine.RunQuery(ctx, fmt.Sprintf(`DROP VIEW IF EXISTS "%s"`, view),
		query.WithoutResults(), query.WithTimeout(f.cfg.QueryTimeout))
	if err != nil {
		return ingestion.External("drop view "+view, err)
	}

	f.viewDropped = true

	f.logger.Info("Dropped view",
		slog.String("run_id", f.req.RunID),
		slog.String("view", view))

	return nil
}

func (f *FileIngestor) dropTable(ctx context.Context, tableName string) error {
	table := ingestion.TableName(f.req.ClientID, f.req.ModelID, tableName)

	_, err := f.engine.RunQuery(ctx, fmt.Sprintf("DROP TABLE IF EXISTS `%s`", table),
		query.WithoutResults(), query.WithTimeout(f.cfg.QueryTimeout))
	if err != nil {
		return ingestion.External("drop table "+table, err)
	}

	f.logger.Info("Dropped table",
		slog.String("run_id", f.req.RunID),
		slog.String("table_name", table))

	return nil
}

// archive moves every object under prefix to its archive key. Each object is
// copied before the original is removed, so a failed copy never loses data.
func (f *FileIngestor) archive(ctx context.Context, prefix string) error {
	keys, err := f.store.List(ctx, prefix)
	if err != nil {
		return ingestion.External("list "+prefix, err)
	}

	for _, key := range keys {
		dst, err := ingestion.ArchiveKey(key, f.timestamp)
		if err != nil {
			return err
		}

		if err := objectstore.Copy(ctx, f.store, key, dst); err != nil {
			return ingestion.External("archive "+key, err)
		}

		if err := f.store.Remove(ctx, key); err != nil {
			return ingestion.External("remove "+key, err)
		}

		f.logger.Info("Archived object",
			slog.String("run_id", f.req.RunID),
			slog.String("key", key),
			slog.String("archive_key", dst))
	}

	return nil
}

// processAndUploadNewFiles parses the task body once and forks it into a raw
// CSV upload and a typed Parquet upload. It returns only after both uploads
// completed.
func (f *FileIngestor) processAndUploadNewFiles(
	ctx context.Context, task *ingestion.FileTask, result *ingestion.Result,
) error {
	defer closeBody(task)

	csvKey := ingestion.CSVKey(f.req.ClientID, f.req.ModelID, task.TableName, task.FileName)
	parquetKey := ingestion.ParquetKey(f.req.ClientID, f.req.ModelID, task.TableName, task.FileName)

	var (
		mu        sync.Mutex
		rowErrors []ingestion.ProcessingError
		stats     *ingestion.FileStatistics
	)

	transformer := transform.NewFileTransformer(f.store, transform.Options{
		TableName:      task.TableName,
		FileName:       task.FileName,
		Operation:      task.Operation,
		OutputKey:      parquetKey,
		SampleRows:     f.cfg.SampleRows,
		MaxErrors:      f.cfg.MaxRowErrors,
		TypeCalculator: f.typeCalculator,
		NameCleaner:    f.nameCleaner,
		OnStatistics: func(s ingestion.FileStatistics) {
			stats = &s
		},
		OnError: func(pe ingestion.ProcessingError) {
			mu.Lock()
			defer mu.Unlock()

			rowErrors = append(rowErrors, pe)
		},
		Logger: f.logger,
	})

	hasher := xxh3.New()
	counter := &countingReader{r: task.Body}

	stream := fork.NewStream(
		fork.NewCSVParser(io.TeeReader(counter, hasher)),
		fork.WithBufferSize(f.cfg.ForkBuffer),
		fork.WithRowErrorHandler(transformer.ReportRowError),
		fork.WithLogger(f.logger),
	)

	if err := stream.Fork("csv", transform.NewCSVSink(f.store, csvKey, f.logger)); err != nil {
		return err
	}

	if err := stream.Fork("parquet", transformer, fork.TrimSpace); err != nil {
		return err
	}

	err := stream.Start(ctx)

	mu.Lock()
	result.FileProcessingErrors = append(result.FileProcessingErrors, rowErrors...)
	mu.Unlock()

	if err != nil {
		if errors.Is(err, fork.ErrEmptyInput) || errors.Is(err, transform.ErrTooManyRowErrors) {
			return fmt.Errorf("%w: %s/%s: %w", ingestion.ErrInvalidArgument, task.TableName, task.FileName, err)
		}

		return fmt.Errorf("process %s/%s: %w", task.TableName, task.FileName, err)
	}

	if stats == nil {
		return fmt.Errorf("process %s/%s: transformer reported no statistics", task.TableName, task.FileName)
	}

	stats.Bytes = counter.n
	stats.Checksum = fmt.Sprintf("%016x", hasher.Sum64())
	stats.CSVKey = csvKey
	result.FileInformation = append(result.FileInformation, *stats)

	f.logger.Info("Processed file",
		slog.String("run_id", f.req.RunID),
		slog.String("table_name", task.TableName),
		slog.String("file_name", task.FileName),
		slog.String("operation", string(task.Operation)),
		slog.Int64("rows", stats.RowCount),
		slog.Int64("row_errors", stats.ErrorCount),
		slog.Int64("bytes", stats.Bytes))

	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)

	return n, err
}

package transform

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"

	"github.com/lakeside-io/lakeside/internal/config"
	"github.com/lakeside-io/lakeside/internal/fork"
	"github.com/lakeside-io/lakeside/internal/objectstore"
)

// CSVSink is a fork.RawSink uploading the source CSV. Fed raw bytes it stores
// the input verbatim, malformed rows included; fed records it re-encodes them.
type CSVSink struct {
	store  objectstore.Store
	key    string
	logger *slog.Logger

	upload   *objectstore.Writer
	w        *csv.Writer
	header   []string
	verbatim bool
	rows     int64
}

var _ fork.RawSink = (*CSVSink)(nil)

// NewCSVSink creates a sink uploading to key. A nil logger uses the default.
func NewCSVSink(store objectstore.Store, key string, logger *slog.Logger) *CSVSink {
	if logger == nil {
		logger = config.NewLogger()
	}

	return &CSVSink{store: store, key: key, logger: logger}
}

// Begin implements fork.Sink. The upload starts here.
func (s *CSVSink) Begin(ctx context.Context, header []string) error {
	s.upload = objectstore.NewWriter(ctx, s.store, s.key)
	s.w = csv.NewWriter(s.upload)
	s.header = header

	return nil
}

// WriteRaw implements fork.RawSink.
func (s *CSVSink) WriteRaw(_ context.Context, raw []byte) error {
	s.verbatim = true
	s.header = nil

	if _, err := s.upload.Write(raw); err != nil {
		return fmt.Errorf("write csv bytes: %w", err)
	}

	return nil
}

// Write implements fork.Sink.
func (s *CSVSink) Write(_ context.Context, rec fork.Record) error {
	if err := s.writeHeader(); err != nil {
		return err
	}

	if err := s.w.Write(rec.Values); err != nil {
		return fmt.Errorf("write csv row %d: %w", rec.Row, err)
	}

	s.rows++

	return nil
}

// writeHeader re-encodes the header once, before the first record.
func (s *CSVSink) writeHeader() error {
	if s.verbatim || s.header == nil {
		return nil
	}

	header := s.header
	s.header = nil

	if err := s.w.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	return nil
}

// Close implements fork.Sink. It returns once the object is uploaded.
func (s *CSVSink) Close(context.Context) error {
	if err := s.writeHeader(); err != nil {
		_ = s.upload.Abort(err)

		return err
	}

	s.w.Flush()

	if err := s.w.Error(); err != nil {
		_ = s.upload.Abort(err)

		return fmt.Errorf("flush csv %s: %w", s.key, err)
	}

	if err := s.upload.Close(); err != nil {
		return fmt.Errorf("upload csv %s: %w", s.key, err)
	}

	s.logger.Info("Uploaded csv file",
		slog.String("key", s.key),
		slog.Bool("verbatim", s.verbatim),
		slog.Int64("rows", s.rows),
		slog.Int64("bytes", s.upload.BytesWritten()))

	return nil
}

// Abort implements fork.Sink.
func (s *CSVSink) Abort(cause error) {
	if s.upload != nil {
		_ = s.upload.Abort(cause)
	}
}

// Key returns the object key the sink uploads to.
func (s *CSVSink) Key() string {
	return s.key
}

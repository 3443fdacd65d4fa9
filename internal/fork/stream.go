// Package fork duplicates one parsed record stream into several independently
// paced pipelines, each ending in its own sink.
//
// The source is parsed exactly once. Every record is handed to every fork over
// a bounded channel, so the producer runs at most bufferSize records ahead of
// the slowest fork and overall throughput is bounded by that fork.
package fork

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lakeside-io/lakeside/internal/config"
)

const defaultBufferSize = 256

var (
	// ErrAlreadyStarted is returned by Fork and Start once Start has been called.
	ErrAlreadyStarted = errors.New("stream already started")

	// ErrNoForks is returned by Start when no fork was registered.
	ErrNoForks = errors.New("stream has no forks")

	// ErrDuplicateFork is returned by Fork for a name already registered.
	ErrDuplicateFork = errors.New("fork name already registered")
)

// Sink is the terminal stage of a fork, e.g. an upload stream.
type Sink interface {
	// Begin receives the header before any record.
	Begin(ctx context.Context, header []string) error

	// Write consumes one record.
	Write(ctx context.Context, rec Record) error

	// Close flushes the sink and waits until its output is durable. The fork
	// is only complete once Close returned.
	Close(ctx context.Context) error

	// Abort discards partial output after a failure anywhere in the stream.
	Abort(cause error)
}

// RawSink is a Sink that stores the source verbatim. When the parser is a
// RawSource it gets the source bytes of the header and of every row, malformed
// rows included, through WriteRaw instead of Write, and stages do not apply.
// Otherwise it is fed like any other Sink.
type RawSink interface {
	Sink

	WriteRaw(ctx context.Context, raw []byte) error
}

// Stage transforms a record on its way to a fork's sink. A *RowError result
// drops the record from that fork only and is reported; any other error fails
// the stream.
type Stage func(Record) (Record, error)

// TrimSpace is a Stage removing leading and trailing white space from every value.
func TrimSpace(rec Record) (Record, error) {
	for i, v := range rec.Values {
		rec.Values[i] = strings.TrimSpace(v)
	}

	return rec, nil
}

// Option configures a Stream.
type Option func(*Stream)

// WithBufferSize sets the per-fork channel capacity.
func WithBufferSize(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// WithRowErrorHandler receives recoverable parser and stage errors. The
// handler may be called from several goroutines.
func WithRowErrorHandler(fn func(fork string, err *RowError)) Option {
	return func(s *Stream) {
		s.onRowError = fn
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stream) {
		s.logger = logger
	}
}

type pipeline struct {
	name   string
	sink   Sink
	raw    RawSink
	stages []Stage
	ch     chan delivery
}

// delivery is one unit sent to every fork. rawOnly marks source bytes that
// carry no record: malformed rows and trailing input.
type delivery struct {
	rec     Record
	raw     []byte
	rawOnly bool
}

// Stream fans one Parser out to named forks.
type Stream struct {
	parser     Parser
	bufferSize int
	onRowError func(fork string, err *RowError)
	logger     *slog.Logger

	source RawSource

	mu       sync.Mutex
	started  bool
	forks    []*pipeline
	rowCount int64
}

// NewStream creates a stream reading from parser. Register every fork with
// Fork before calling Start.
func NewStream(parser Parser, opts ...Option) *Stream {
	s := &Stream{
		parser:     parser,
		bufferSize: defaultBufferSize,
		onRowError: func(string, *RowError) {},
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = config.NewLogger()
	}

	return s
}

// Fork registers a named pipeline: records pass through stages in order and
// end in sink.
func (s *Stream) Fork(name string, sink Sink, stages ...Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("%w: cannot add fork %q", ErrAlreadyStarted, name)
	}

	for _, f := range s.forks {
		if f.name == name {
			return fmt.Errorf("%w: %q", ErrDuplicateFork, name)
		}
	}

	s.forks = append(s.forks, &pipeline{name: name, sink: sink, stages: stages})

	return nil
}

// Start parses the source and feeds every fork. It returns once every sink's
// Close returned, or with the first error. On error every sink that has not
// been closed is aborted.
func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()

		return ErrAlreadyStarted
	}

	s.started = true
	forks := s.forks
	s.mu.Unlock()

	if len(forks) == 0 {
		return ErrNoForks
	}

	header, err := s.parser.Header()
	if err != nil {
		for _, f := range forks {
			f.sink.Abort(err)
		}

		return err
	}

	s.source, _ = s.parser.(RawSource)
	headerRaw := s.takeRaw()

	g, gctx := errgroup.WithContext(ctx)

	for _, f := range forks {
		f.ch = make(chan delivery, s.bufferSize)
		if s.source != nil {
			f.raw, _ = f.sink.(RawSink)
		}

		g.Go(func() error {
			return s.consume(gctx, f, header, headerRaw)
		})
	}

	g.Go(func() error {
		return s.produce(gctx, forks)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	s.logger.Debug("Stream completed",
		slog.Int("forks", len(forks)),
		slog.Int64("rows", s.rowCount))

	return nil
}

// RowCount returns the number of records read from the source.
func (s *Stream) RowCount() int64 {
	return s.rowCount
}

// produce reads the source and broadcasts each record. Channels are closed only
// after the whole source was read, so a fork never mistakes a failed stream for
// a finished one.
func (s *Stream) produce(ctx context.Context, forks []*pipeline) error {
	for {
		rec, err := s.parser.Next()
		if errors.Is(err, io.EOF) {
			if rest := s.takeRaw(); len(rest) > 0 {
				if err := s.broadcast(ctx, forks, delivery{raw: rest, rawOnly: true}); err != nil {
					return err
				}
			}

			break
		}

		var rowErr *RowError
		if errors.As(err, &rowErr) {
			s.onRowError("", rowErr)

			if raw := s.takeRaw(); len(raw) > 0 {
				if err := s.broadcast(ctx, forks, delivery{raw: raw, rawOnly: true}); err != nil {
					return err
				}
			}

			continue
		}

		if err != nil {
			return fmt.Errorf("parse: %w", err)
		}

		s.rowCount++

		if err := s.broadcast(ctx, forks, delivery{rec: rec, raw: s.takeRaw()}); err != nil {
			return err
		}
	}

	for _, f := range forks {
		close(f.ch)
	}

	return nil
}

// broadcast hands d to every fork. Forks other than the last get their own
// copy of the record values; raw bytes are shared read-only.
func (s *Stream) broadcast(ctx context.Context, forks []*pipeline, d delivery) error {
	for i, f := range forks {
		out := d
		if i < len(forks)-1 && !d.rawOnly {
			out.rec = d.rec.Clone()
		}

		select {
		case f.ch <- out:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (s *Stream) takeRaw() []byte {
	if s.source == nil {
		return nil
	}

	return s.source.Raw()
}

func (s *Stream) consume(ctx context.Context, f *pipeline, header []string, headerRaw []byte) (err error) {
	defer func() {
		if err != nil {
			f.sink.Abort(err)
		}
	}()

	if err := f.sink.Begin(ctx, header); err != nil {
		return fmt.Errorf("fork %s: begin: %w", f.name, err)
	}

	if f.raw != nil && len(headerRaw) > 0 {
		if err := f.raw.WriteRaw(ctx, headerRaw); err != nil {
			return fmt.Errorf("fork %s: write header: %w", f.name, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-f.ch:
			if !ok {
				if err := f.sink.Close(ctx); err != nil {
					return fmt.Errorf("fork %s: close: %w", f.name, err)
				}

				return nil
			}

			if f.raw != nil {
				if len(d.raw) == 0 {
					continue
				}

				if err := f.raw.WriteRaw(ctx, d.raw); err != nil {
					return fmt.Errorf("fork %s: write row %d: %w", f.name, d.rec.Row, err)
				}

				continue
			}

			if d.rawOnly {
				continue
			}

			rec, keep, err := s.applyStages(f, d.rec)
			if err != nil {
				return err
			}

			if !keep {
				continue
			}

			if err := f.sink.Write(ctx, rec); err != nil {
				return fmt.Errorf("fork %s: write row %d: %w", f.name, rec.Row, err)
			}
		}
	}
}

func (s *Stream) applyStages(f *pipeline, rec Record) (Record, bool, error) {
	for _, stage := range f.stages {
		out, err := stage(rec)
		if err != nil {
			var rowErr *RowError
			if errors.As(err, &rowErr) {
				s.onRowError(f.name, rowErr)

				return rec, false, nil
			}

			return rec, false, fmt.Errorf("fork %s: stage: %w", f.name, err)
		}

		rec = out
	}

	return rec, true, nil
}

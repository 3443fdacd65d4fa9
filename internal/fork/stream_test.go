package fork

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink collects everything it receives. Hooks allow tests to slow it
// down or make it fail.
type recordingSink struct {
	mu      sync.Mutex
	header  []string
	records []Record
	closed  bool
	aborted error

	onWrite func(rec Record) error
	onClose func() error
}

func (r *recordingSink) Begin(_ context.Context, header []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.header = header

	return nil
}

func (r *recordingSink) Write(_ context.Context, rec Record) error {
	if r.onWrite != nil {
		if err := r.onWrite(rec); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = append(r.records, rec)

	return nil
}

func (r *recordingSink) Close(context.Context) error {
	if r.onClose != nil {
		if err := r.onClose(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true

	return nil
}

func (r *recordingSink) Abort(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.aborted = cause
}

func (r *recordingSink) values() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([][]string, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.Values
	}

	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStream(input string, opts ...Option) *Stream {
	opts = append([]Option{WithLogger(quietLogger())}, opts...)

	return NewStream(NewCSVParser(strings.NewReader(input)), opts...)
}

func TestStream_BroadcastsToEveryFork(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	stream := newTestStream("\ufeffid,name\n1,a\n2,b\n3\n")
	csvSink, parquetSink := &recordingSink{}, &recordingSink{}

	require.NoError(t, stream.Fork("csv", csvSink))
	require.NoError(t, stream.Fork("parquet", parquetSink, func(rec Record) (Record, error) {
		rec.Values[0] = "x" + rec.Values[0]

		return rec, nil
	}))

	require.NoError(t, stream.Start(t.Context()))

	assert.Equal(t, []string{"id", "name"}, csvSink.header)
	assert.Equal(t, [][]string{{"1", "a"}, {"2", "b"}, {"3"}}, csvSink.values())
	assert.Equal(t, [][]string{{"x1", "a"}, {"x2", "b"}, {"x3"}}, parquetSink.values())
	assert.True(t, csvSink.closed)
	assert.True(t, parquetSink.closed)
	assert.Nil(t, csvSink.aborted)
	assert.Equal(t, int64(3), stream.RowCount())
	assert.Equal(t, int64(3), parquetSink.records[2].Row)
	assert.Equal(t, 4, parquetSink.records[2].Line)
}

func TestStream_RegistrationRules(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	stream := newTestStream("a\n1\n")
	require.ErrorIs(t, stream.Start(t.Context()), ErrNoForks)
	require.ErrorIs(t, stream.Fork("late", &recordingSink{}), ErrAlreadyStarted)
	require.ErrorIs(t, stream.Start(t.Context()), ErrAlreadyStarted)

	stream = newTestStream("a\n1\n")
	require.NoError(t, stream.Fork("csv", &recordingSink{}))
	require.ErrorIs(t, stream.Fork("csv", &recordingSink{}), ErrDuplicateFork)
}

func TestStream_EmptyInputAbortsSinks(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	stream := newTestStream("")
	sink := &recordingSink{}
	require.NoError(t, stream.Fork("csv", sink))

	require.ErrorIs(t, stream.Start(t.Context()), ErrEmptyInput)
	assert.ErrorIs(t, sink.aborted, ErrEmptyInput)
	assert.False(t, sink.closed)
}

func TestStream_SinkFailureAbortsOtherForks(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var input strings.Builder

	input.WriteString("n\n")

	for i := range 1000 {
		fmt.Fprintf(&input, "%d\n", i)
	}

	boom := errors.New("upload failed")
	failing := &recordingSink{onWrite: func(rec Record) error {
		if rec.Row == 10 {
			return boom
		}

		return nil
	}}
	healthy := &recordingSink{}

	stream := newTestStream(input.String(), WithBufferSize(4))
	require.NoError(t, stream.Fork("parquet", failing))
	require.NoError(t, stream.Fork("csv", healthy))

	err := stream.Start(t.Context())
	require.ErrorIs(t, err, boom)
	assert.ErrorIs(t, failing.aborted, boom)
	assert.Error(t, healthy.aborted)
	assert.False(t, healthy.closed)
	assert.False(t, failing.closed)
}

// A fork whose Close never returns keeps Start from returning: one finished
// upload is not a finished file.
func TestStream_WaitsForEverySinkClose(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	release := make(chan struct{})
	fast := &recordingSink{}
	stuck := &recordingSink{onClose: func() error {
		<-release

		return nil
	}}

	stream := newTestStream("a\n1\n2\n")
	require.NoError(t, stream.Fork("csv", fast))
	require.NoError(t, stream.Fork("parquet", stuck))

	done := make(chan error, 1)

	go func() { done <- stream.Start(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("Start returned before every sink closed: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	assert.True(t, fast.closed)

	close(release)

	require.NoError(t, <-done)
	assert.True(t, stuck.closed)
}

// countingParser tracks how far the producer got.
type countingParser struct {
	Parser
	produced atomic.Int64
}

func (c *countingParser) Next() (Record, error) {
	rec, err := c.Parser.Next()
	if err == nil {
		c.produced.Add(1)
	}

	return rec, err
}

func TestStream_BackpressureBoundedBySlowestFork(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	const bufferSize = 2

	var input strings.Builder

	input.WriteString("n\n")

	for i := range 200 {
		fmt.Fprintf(&input, "%d\n", i)
	}

	parser := &countingParser{Parser: NewCSVParser(strings.NewReader(input.String()))}

	var consumed atomic.Int64

	var maxLead atomic.Int64

	slow := &recordingSink{onWrite: func(Record) error {
		lead := parser.produced.Load() - consumed.Load()
		if lead > maxLead.Load() {
			maxLead.Store(lead)
		}

		time.Sleep(100 * time.Microsecond)
		consumed.Add(1)

		return nil
	}}

	stream := NewStream(parser, WithBufferSize(bufferSize), WithLogger(quietLogger()))
	require.NoError(t, stream.Fork("fast", &recordingSink{}))
	require.NoError(t, stream.Fork("slow", slow))

	require.NoError(t, stream.Start(t.Context()))

	assert.Len(t, slow.values(), 200)
	// channel capacity, the record being handed off, and the record being written
	assert.LessOrEqual(t, maxLead.Load(), int64(bufferSize+2))
}

func TestStream_RowErrorsAreReportedNotFatal(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var (
		mu     sync.Mutex
		errs   []*RowError
		source []string
	)

	handler := func(fork string, err *RowError) {
		mu.Lock()
		defer mu.Unlock()

		errs = append(errs, err)
		source = append(source, fork)
	}

	dropOdd := func(rec Record) (Record, error) {
		if rec.Values[0] == "3" {
			return rec, &RowError{Row: rec.Row, Line: rec.Line, Err: errors.New("odd")}
		}

		return rec, nil
	}

	stream := newTestStream("a,b\n1,x\n2,\"bad\"quote\n3,y\n", WithRowErrorHandler(handler))
	sink := &recordingSink{}
	require.NoError(t, stream.Fork("parquet", sink, TrimSpace, dropOdd))

	require.NoError(t, stream.Start(t.Context()))

	assert.Equal(t, [][]string{{"1", "x"}}, sink.values())
	require.Len(t, errs, 2)
	assert.Equal(t, []string{"", "parquet"}, source)
	assert.Equal(t, int64(2), errs[0].Row)
}

// verbatimSink is a RawSink collecting the bytes it receives.
type verbatimSink struct {
	recordingSink

	buf strings.Builder
}

func (v *verbatimSink) WriteRaw(_ context.Context, raw []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.buf.Write(raw)

	return nil
}

func (v *verbatimSink) bytes() string {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.buf.String()
}

func TestStream_RawSinkReceivesSourceVerbatim(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	inputs := map[string]string{
		"malformed row":      "a,b\n1,x\n2,bad\"quote\n3,y\n",
		"crlf and bom":       "\ufeffa,b\r\n1,x\r\n2,y\r\n",
		"blank lines":        "a,b\n\n1,x\n\n\n",
		"no final newline":   "a,b\n1,x",
		"quoted newline":     "a,b\n1,\"multi\nline\"\n",
		"unterminated quote": "a,b\n1,x\n2,\"open\n3,y\n",
		"header only":        "a,b\n",
	}

	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			raw := &verbatimSink{}
			parsed := &recordingSink{}

			stream := newTestStream(input)
			require.NoError(t, stream.Fork("csv", raw))
			require.NoError(t, stream.Fork("parquet", parsed))
			require.NoError(t, stream.Start(t.Context()))

			assert.Equal(t, input, raw.bytes())
			assert.Empty(t, raw.values(), "raw sinks are not fed records")
			assert.True(t, raw.closed)
			assert.Equal(t, []string{"a", "b"}, parsed.header)
		})
	}
}

func TestStream_RawSinkWithoutRawSourceGetsRecords(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	raw := &verbatimSink{}
	stream := NewStream(&countingParser{Parser: NewCSVParser(strings.NewReader("n\n1\n2\n3\n"))}, WithLogger(quietLogger()))
	require.NoError(t, stream.Fork("csv", raw))
	require.NoError(t, stream.Start(t.Context()))

	assert.Len(t, raw.values(), 3)
	assert.Empty(t, raw.bytes())
}

func TestStream_CancelledContextAbortsSinks(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())

	sink := &recordingSink{onWrite: func(Record) error {
		cancel()

		return nil
	}}

	var input strings.Builder

	input.WriteString("n\n")

	for i := range 100 {
		fmt.Fprintf(&input, "%d\n", i)
	}

	stream := newTestStream(input.String(), WithBufferSize(1))
	require.NoError(t, stream.Fork("csv", sink))

	err := stream.Start(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, sink.aborted, context.Canceled)
	assert.False(t, sink.closed)
}

package fork

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

const utf8BOM = "\ufeff"

// Record is one parsed data row.
type Record struct {
	// Row is the 1-based data row number; the header is row 0.
	Row int64

	// Line is the source line the row started on.
	Line int

	Values []string
}

// Clone returns a deep copy so that forks never share a Values slice.
func (r Record) Clone() Record {
	r.Values = append([]string(nil), r.Values...)

	return r
}

// RowError is a recoverable parse failure. The stream reports it and moves on.
type RowError struct {
	Row  int64
	Line int
	Err  error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d (line %d): %v", e.Row, e.Line, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// ErrEmptyInput is returned by Header when the source has no header row.
var ErrEmptyInput = errors.New("input has no header row")

// Parser turns a byte stream into a header and a sequence of records.
type Parser interface {
	// Header reads and returns the header row. Called once, before Next.
	Header() ([]string, error)

	// Next returns the next record, io.EOF at the end of input, a *RowError
	// for a recoverable malformed row, or any other error for a fatal one.
	Next() (Record, error)
}

// RawSource is implemented by parsers that keep the source bytes of what they
// parsed.
type RawSource interface {
	// Raw returns the source bytes consumed since the previous call. After
	// Next returned io.EOF it returns everything left, trailing blank lines
	// included.
	Raw() []byte
}

// rawCapture records what a reader hands to the CSV decoder until the bytes
// are claimed by a record.
type rawCapture struct {
	r    io.Reader
	buf  []byte
	base int64
}

func (c *rawCapture) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.buf = append(c.buf, p[:n]...)

	return n, err
}

// take returns the captured bytes before input offset end.
func (c *rawCapture) take(end int64) []byte {
	n := min(max(int(end-c.base), 0), len(c.buf))
	out := bytes.Clone(c.buf[:n])
	c.buf = c.buf[n:]
	c.base += int64(n)

	return out
}

// CSVOption configures a CSVParser.
type CSVOption func(*csv.Reader)

// WithComma sets the field delimiter.
func WithComma(r rune) CSVOption {
	return func(cr *csv.Reader) {
		cr.Comma = r
	}
}

// WithLazyQuotes tolerates bare quotes inside fields.
func WithLazyQuotes() CSVOption {
	return func(cr *csv.Reader) {
		cr.LazyQuotes = true
	}
}

// CSVParser parses RFC 4180 CSV with a header row. Rows may have a different
// number of fields than the header; reconciling that is left to the sinks.
type CSVParser struct {
	reader  *csv.Reader
	capture *rawCapture
	row     int64
	eof     bool
}

var (
	_ Parser    = (*CSVParser)(nil)
	_ RawSource = (*CSVParser)(nil)
)

// NewCSVParser wraps r.
func NewCSVParser(r io.Reader, opts ...CSVOption) *CSVParser {
	capture := &rawCapture{r: r}

	cr := csv.NewReader(capture)
	cr.FieldsPerRecord = -1

	for _, opt := range opts {
		opt(cr)
	}

	return &CSVParser{reader: cr, capture: capture}
}

// Raw implements RawSource.
func (p *CSVParser) Raw() []byte {
	if p.eof {
		return p.capture.take(p.capture.base + int64(len(p.capture.buf)))
	}

	return p.capture.take(p.reader.InputOffset())
}

// Header implements Parser. A leading UTF-8 BOM is stripped.
func (p *CSVParser) Header() ([]string, error) {
	header, err := p.reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyInput
	}

	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], utf8BOM)
	}

	return header, nil
}

// Next implements Parser.
func (p *CSVParser) Next() (Record, error) {
	values, err := p.reader.Read()
	if err == nil {
		p.row++
		line, _ := p.reader.FieldPos(0)

		return Record{Row: p.row, Line: line, Values: values}, nil
	}

	if errors.Is(err, io.EOF) {
		p.eof = true

		return Record{}, io.EOF
	}

	var parseErr *csv.ParseError
	if errors.As(err, &parseErr) {
		p.row++

		return Record{}, &RowError{Row: p.row, Line: parseErr.StartLine, Err: parseErr.Err}
	}

	return Record{}, err
}

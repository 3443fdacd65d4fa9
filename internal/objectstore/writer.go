package objectstore

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrUploadAborted is the error an upload reader observes after Abort.
var ErrUploadAborted = errors.New("upload aborted")

// Writer is an upload stream: bytes written to it are piped into Store.Put
// running in its own goroutine. Close is the "done" signal: it returns only
// after the object store acknowledged the whole object.
type Writer struct {
	pw   *io.PipeWriter
	done chan struct{}
	once sync.Once
	err  error
	n    int64
}

var _ io.WriteCloser = (*Writer)(nil)

// NewWriter starts uploading to key and returns the stream to write into.
func NewWriter(ctx context.Context, store Store, key string) *Writer {
	pr, pw := io.Pipe()
	w := &Writer{pw: pw, done: make(chan struct{})}

	go func() {
		defer close(w.done)

		err := store.Put(ctx, key, pr)
		if err != nil {
			_ = pr.CloseWithError(err)
		} else {
			_ = pr.Close()
		}

		w.err = err
	}()

	return w
}

// Write implements io.Writer. It blocks until the upload consumed p.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.pw.Write(p)
	w.n += int64(n)

	return n, err
}

// Close ends the stream and waits for the upload to finish.
func (w *Writer) Close() error {
	w.once.Do(func() { _ = w.pw.Close() })
	<-w.done

	return w.err
}

// Abort fails the stream with cause and waits for the upload goroutine to exit.
func (w *Writer) Abort(cause error) error {
	if cause == nil {
		cause = ErrUploadAborted
	}

	w.once.Do(func() { _ = w.pw.CloseWithError(cause) })
	<-w.done

	return w.err
}

// Done is closed once the upload goroutine has exited.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

// BytesWritten returns the number of bytes accepted so far.
func (w *Writer) BytesWritten() int64 {
	return w.n
}

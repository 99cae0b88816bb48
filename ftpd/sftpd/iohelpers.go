package sftpd

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/quietstack/ftpd/storage"
)

// backendReaderAt adapts storage.Backend.Get, a sequential stream-from-
// offset call, to io.ReaderAt by reopening the stream at the requested
// offset on every call.
type backendReaderAt struct {
	backend storage.Backend
	ctx     context.Context
	user    any
	path    string
	size    int64
}

func (r *backendReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= r.size {
		return 0, io.EOF
	}
	src, err := r.backend.Get(r.ctx, r.user, r.path, off)
	if err != nil {
		return 0, mapStorageErr(err)
	}
	defer src.Close()

	n, err := io.ReadFull(src, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

// backendWriterAt adapts storage.Backend.Put, a single streamed write,
// to io.WriterAt for SFTP clients, which in practice write sequentially
// even though the protocol's WriteAt signature allows random access. A
// pipe feeds one Put call running on its own goroutine; WriteAt rejects
// any offset that doesn't match the next expected byte.
type backendWriterAt struct {
	mu       sync.Mutex
	expected int64
	pw       *io.PipeWriter
	done     chan error
	started  bool
}

func newBackendWriterAt(ctx context.Context, backend storage.Backend, user any, path string) *backendWriterAt {
	pr, pw := io.Pipe()
	w := &backendWriterAt{pw: pw, done: make(chan error, 1)}
	go func() {
		_, err := backend.Put(ctx, user, pr, path, 0, false)
		pr.CloseWithError(err)
		w.done <- err
	}()
	w.started = true
	return w
}

func (w *backendWriterAt) WriteAt(p []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if off != w.expected {
		return 0, fmt.Errorf("sftpd: out-of-order write at offset %d, expected %d", off, w.expected)
	}
	n, err := w.pw.Write(p)
	w.expected += int64(n)
	return n, err
}

// Close flushes the pipe and waits for the backing Put call to finish,
// surfacing its error. github.com/pkg/sftp calls Close on a WriterAt
// that also implements io.Closer once the client is done writing.
func (w *backendWriterAt) Close() error {
	w.pw.Close()
	return <-w.done
}

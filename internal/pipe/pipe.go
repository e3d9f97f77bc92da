// Package pipe opens the controller's named pipes in a way that lets
// another goroutine force a pending open or read to return.
//
// Opening a FIFO blocks until the other end is opened by somebody. A
// pending open is interrupted by briefly opening the opposite end of the
// same FIFO without blocking, which satisfies the kernel's rendezvous and
// lets the blocked open return; the result is then discarded by the
// caller's cancel.Token. Pending reads are interrupted through
// github.com/muesli/cancelreader.
package pipe

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ErrUnsupported is returned on platforms without named pipes.
var ErrUnsupported = errors.New("named pipes are not supported on this platform")

// unblockRetryInterval is how often an interrupt retries the rendezvous
// while the interrupted open has not yet returned.
const unblockRetryInterval = 10 * time.Millisecond

// endpoint tracks a single blocking open so Interrupt knows when to stop.
type endpoint struct {
	path     string
	returned chan struct{}
	once     sync.Once
}

func newEndpoint(path string) endpoint {
	return endpoint{path: path, returned: make(chan struct{})}
}

// Path returns the filesystem path of the pipe.
func (e *endpoint) Path() string { return e.path }

func (e *endpoint) markReturned() {
	e.once.Do(func() { close(e.returned) })
}

// unblock repeatedly performs the opposite-end rendezvous until the
// pending open has returned. The first attempt can race the open syscall
// (the reader may not have reached the kernel yet), hence the retry.
func (e *endpoint) unblock(opposite func(path string) error) {
	for {
		select {
		case <-e.returned:
			return
		default:
		}
		_ = opposite(e.path)
		select {
		case <-e.returned:
			return
		case <-time.After(unblockRetryInterval):
		}
	}
}

// ReadEndpoint is a named pipe the controller reads from.
type ReadEndpoint struct {
	endpoint
}

// NewReadEndpoint returns an endpoint for the pipe at path. The FIFO is
// created on Open when it does not exist yet.
func NewReadEndpoint(path string) *ReadEndpoint {
	return &ReadEndpoint{endpoint: newEndpoint(path)}
}

// WriteEndpoint is a named pipe the controller writes to (the log pipe).
type WriteEndpoint struct {
	endpoint
}

// NewWriteEndpoint returns an endpoint for the pipe at path.
func NewWriteEndpoint(path string) *WriteEndpoint {
	return &WriteEndpoint{endpoint: newEndpoint(path)}
}

// canceler is the subset of cancelreader.CancelReader the Reader needs.
type canceler interface {
	io.ReadCloser
	Cancel() bool
}

// Reader is an open read end of a pipe whose pending Read can be
// interrupted. After Interrupt, the current and all later reads fail; the
// reader must not be reused.
type Reader struct {
	file *os.File
	cr   canceler
}

// Read reads from the pipe.
func (r *Reader) Read(p []byte) (int, error) {
	return r.cr.Read(p)
}

// Interrupt forces a pending Read to return with an error.
func (r *Reader) Interrupt() {
	r.cr.Cancel()
}

// Close releases the reader and the underlying file.
func (r *Reader) Close() error {
	crErr := r.cr.Close()
	fileErr := r.file.Close()
	if crErr != nil {
		return fmt.Errorf("close cancel reader: %w", crErr)
	}
	return fileErr
}

// fileReader serves inputs that never block (regular files, /dev/null),
// where epoll registration is refused. Interrupt only poisons later reads.
type fileReader struct {
	r         io.Reader
	cancelled atomic.Bool
}

func (f *fileReader) Read(p []byte) (int, error) {
	if f.cancelled.Load() {
		return 0, ErrInterrupted
	}
	return f.r.Read(p)
}

func (f *fileReader) Cancel() bool {
	f.cancelled.Store(true)
	return true
}

func (f *fileReader) Close() error { return nil }

// ErrInterrupted is returned by reads on a Reader after Interrupt. Reads
// interrupted while blocked return cancelreader.ErrCanceled; IsInterrupted
// recognises both.
var ErrInterrupted = errors.New("pipe read interrupted")

//go:build unix

package pipe

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/muesli/cancelreader"
	"golang.org/x/sys/unix"
)

// Ensure makes sure path names a FIFO, creating it with mode 0600 when
// missing. Existing regular files are accepted so a prepared command file
// can stand in for the orchestrator. Symlinks and other file types are
// refused.
func Ensure(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := unix.Mkfifo(path, 0o600); err != nil && !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("mkfifo %s: %w", path, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	mode := info.Mode()
	switch {
	case mode&os.ModeNamedPipe != 0:
		return nil
	case mode.IsRegular():
		return nil
	default:
		return fmt.Errorf("%s is neither a named pipe nor a regular file (mode %s)", path, mode)
	}
}

// Open opens the read end, blocking until a writer connects. It must be
// called at most once per endpoint.
func (e *ReadEndpoint) Open() (*Reader, error) {
	defer e.markReturned()

	if err := Ensure(e.path); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(e.path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s for reading: %w", e.path, err)
	}
	reader, err := NewReader(file)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return reader, nil
}

// Interrupt forces a pending Open to return by opening the write end
// without blocking. Safe to call before Open starts; it keeps retrying
// until Open has returned.
func (e *ReadEndpoint) Interrupt() {
	e.unblock(rendezvous(unix.O_WRONLY))
}

// Open opens the write end, blocking until a reader connects.
func (e *WriteEndpoint) Open() (*os.File, error) {
	defer e.markReturned()

	if err := Ensure(e.path); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(e.path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s for writing: %w", e.path, err)
	}
	return file, nil
}

// Interrupt forces a pending Open to return by opening the read end
// without blocking.
func (e *WriteEndpoint) Interrupt() {
	e.unblock(rendezvous(unix.O_RDONLY))
}

func rendezvous(flag int) func(path string) error {
	return func(path string) error {
		fd, err := unix.Open(path, flag|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			return err
		}
		return unix.Close(fd)
	}
}

// NewReader wraps an open file so that blocked reads can be interrupted.
// Files the poller refuses (regular files, character devices such as
// /dev/null) never block and fall back to a plain reader.
func NewReader(file *os.File) (*Reader, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", file.Name(), err)
	}
	if info.Mode()&(os.ModeNamedPipe|os.ModeSocket|os.ModeCharDevice) == 0 {
		return &Reader{file: file, cr: &fileReader{r: file}}, nil
	}

	cr, err := cancelreader.NewReader(file)
	if err != nil {
		return &Reader{file: file, cr: &fileReader{r: file}}, nil
	}
	return &Reader{file: file, cr: cr}, nil
}

// IsInterrupted reports whether err came from an interrupted read.
func IsInterrupted(err error) bool {
	return errors.Is(err, cancelreader.ErrCanceled) || errors.Is(err, ErrInterrupted)
}

var _ io.ReadCloser = (*Reader)(nil)

// Package watchdog detects death of the parent process through an inherited
// liveness stream.
//
// The parent keeps the write end of the stream (normally the controller's
// stdin) open for as long as it lives. It never needs to write anything:
// when the parent exits, for any reason, the kernel closes its descriptors
// and the watchdog's read returns end-of-file. At that point the watchdog
// cancels whatever blocking call the main goroutine is performing.
package watchdog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/muesli/cancelreader"

	"github.com/mattjoyce/controller/internal/pipe"
)

// DefaultStopTimeout bounds how long Stop waits for the watchdog goroutine.
const DefaultStopTimeout = 2 * time.Second

var (
	ErrAlreadyStarted = errors.New("watchdog already started")
	ErrStopTimeout    = errors.New("watchdog did not stop in time")
)

// Canceller is what the watchdog cancels when the parent goes away.
// *cancel.Token satisfies it.
type Canceller interface {
	Cancel() bool
}

type interruptibleReader interface {
	io.Reader
	Interrupt()
	Close() error
}

// Watchdog watches one liveness stream.
type Watchdog struct {
	input  io.Reader
	target Canceller
	logger *slog.Logger

	// StopTimeout bounds Stop. Zero means DefaultStopTimeout.
	StopTimeout time.Duration

	reader   interruptibleReader
	done     chan struct{}
	started  atomic.Bool
	stopping atomic.Bool
	gone     atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// New creates a watchdog reading input and cancelling target on EOF or
// error. It does nothing until Start.
func New(input io.Reader, target Canceller, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Watchdog{
		input:  input,
		target: target,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start launches the watchdog goroutine and returns once it is about to
// issue its first read.
func (w *Watchdog) Start() error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	reader, err := wrap(w.input)
	if err != nil {
		close(w.done)
		return fmt.Errorf("watch liveness input: %w", err)
	}
	w.reader = reader

	running := make(chan struct{})
	go w.run(running)
	<-running

	w.logger.Debug("watchdog started")
	return nil
}

func (w *Watchdog) run(running chan<- struct{}) {
	defer close(w.done)
	defer func() { _ = w.reader.Close() }()

	buf := make([]byte, 512)
	close(running)
	for {
		_, err := w.reader.Read(buf)
		if err == nil {
			continue
		}
		if w.stopping.Load() {
			return
		}

		if errors.Is(err, io.EOF) {
			w.logger.Error("parent process gone: liveness stream closed")
		} else {
			w.logger.Error("parent process gone: liveness stream failed", "error", err)
		}
		w.gone.Store(true)
		w.target.Cancel()
		return
	}
}

// Stop shuts the watchdog down without treating it as parent death. It is
// idempotent, safe to call after the watchdog terminated on its own, and
// waits at most StopTimeout.
func (w *Watchdog) Stop() error {
	w.stopOnce.Do(func() {
		if !w.started.Load() {
			return
		}
		w.stopping.Store(true)
		if w.reader != nil {
			w.reader.Interrupt()
		}

		timeout := w.StopTimeout
		if timeout <= 0 {
			timeout = DefaultStopTimeout
		}
		select {
		case <-w.done:
		case <-time.After(timeout):
			w.logger.Warn("watchdog did not stop in time", "timeout", timeout)
			w.stopErr = ErrStopTimeout
		}
	})
	return w.stopErr
}

// ParentGone reports whether the liveness stream ended. Once true it stays
// true.
func (w *Watchdog) ParentGone() bool {
	return w.gone.Load()
}

// Done is closed when the watchdog goroutine has exited.
func (w *Watchdog) Done() <-chan struct{} {
	return w.done
}

func wrap(input io.Reader) (interruptibleReader, error) {
	if file, ok := input.(*os.File); ok {
		return pipe.NewReader(file)
	}
	cr, err := cancelreader.NewReader(input)
	if err != nil {
		return nil, err
	}
	return streamReader{cr}, nil
}

// streamReader adapts a cancel reader over a non-file stream. Such reads
// cannot be woken while blocked, so Stop may hit its timeout.
type streamReader struct {
	cancelreader.CancelReader
}

func (s streamReader) Interrupt() { s.Cancel() }

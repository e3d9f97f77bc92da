package dispatch

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/controller/internal/cancel"
	"github.com/mattjoyce/controller/internal/launch"
	"github.com/mattjoyce/controller/internal/pipe"
	"github.com/mattjoyce/controller/internal/protocol"
)

// ErrParentGone is the error of a loop that was cancelled because the
// parent process died.
var ErrParentGone = errors.New("parent process gone")

// State is the lifecycle state of a Loop.
type State int32

const (
	AwaitingChannel State = iota
	Reading
	TerminatedNormal
	TerminatedFatal
)

func (s State) String() string {
	switch s {
	case AwaitingChannel:
		return "awaiting_channel"
	case Reading:
		return "reading"
	case TerminatedNormal:
		return "terminated_normal"
	case TerminatedFatal:
		return "terminated_fatal"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether s is an end state.
func (s State) Terminal() bool {
	return s == TerminatedNormal || s == TerminatedFatal
}

// Stream is an open command channel whose pending read can be interrupted.
type Stream interface {
	io.ReadCloser
	Interrupt()
}

// Source opens the command channel. Interrupt forces a pending Open to
// return and may be called from another goroutine.
type Source interface {
	Open() (Stream, error)
	Interrupt()
}

// Launcher acts on parsed commands.
type Launcher interface {
	Launch(cmd protocol.Command) (launch.Result, error)
}

// Outcome is how a loop ended.
type Outcome struct {
	State State
	Err   error
}

// ExitCode maps the outcome to a process exit status.
func (o Outcome) ExitCode() int {
	if o.State == TerminatedNormal {
		return 0
	}
	return 1
}

// Loop reads commands from a Source until end-of-stream, failure, or
// cancellation.
type Loop struct {
	source    Source
	token     *cancel.Token
	launcher  Launcher
	logger    *slog.Logger
	observers []Observer
	state     atomic.Int32
}

// New creates a Loop. token must be the token the liveness watchdog
// cancels.
func New(source Source, token *cancel.Token, launcher Launcher, logger *slog.Logger, observers ...Observer) *Loop {
	return &Loop{
		source:    source,
		token:     token,
		launcher:  launcher,
		logger:    logger,
		observers: observers,
	}
}

// State returns the current state. Safe to call from any goroutine.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Run executes the loop on the calling goroutine and returns when it
// terminates. It must be called once.
func (l *Loop) Run() Outcome {
	l.setState(AwaitingChannel)

	stream, err := cancel.CallDiscard(l.token, l.source.Interrupt, l.source.Open, func(s Stream) {
		_ = s.Close()
	})
	if err != nil {
		if errors.Is(err, cancel.ErrCancelled) {
			l.logger.Error("cancelled while waiting for command channel")
			return l.terminate(TerminatedFatal, ErrParentGone)
		}
		l.logger.Error("failed to open command channel", "error", err)
		return l.terminate(TerminatedFatal, fmt.Errorf("open command channel: %w", err))
	}
	defer func() { _ = stream.Close() }()

	l.logger.Info("command channel open")
	l.setState(Reading)

	framer := protocol.NewFramer(stream)
	for {
		record, err := cancel.Call(l.token, stream.Interrupt, framer.ReadRecord)
		switch {
		case err == nil:
			l.handle(record)
		case errors.Is(err, io.EOF):
			l.logger.Info("command channel closed")
			return l.terminate(TerminatedNormal, nil)
		case errors.Is(err, cancel.ErrCancelled), pipe.IsInterrupted(err):
			l.logger.Error("cancelled while reading command channel")
			return l.terminate(TerminatedFatal, ErrParentGone)
		default:
			l.logger.Error("failed to read command channel", "error", err)
			return l.terminate(TerminatedFatal, fmt.Errorf("read command channel: %w", err))
		}
	}
}

func (l *Loop) handle(record string) {
	cmd, err := protocol.Parse(record)
	if errors.Is(err, protocol.ErrEmptyRecord) {
		return
	}
	if err != nil {
		l.logger.Warn("malformed command", "record", record, "error", err)
		l.emit(Event{Kind: EventParseError, Record: record, Err: err})
		return
	}

	l.logger.Debug("command received", "command", cmd.String())
	res, err := l.launcher.Launch(cmd)
	switch {
	case errors.Is(err, launch.ErrDenied):
		l.emit(Event{Kind: EventDenied, Record: record, Command: cmd, Err: err})
	case err != nil:
		l.emit(Event{Kind: EventLaunchFailed, Record: record, Command: cmd, Err: err})
	default:
		l.emit(Event{Kind: EventLaunched, Record: record, Command: cmd, Result: res})
	}
}

func (l *Loop) terminate(s State, err error) Outcome {
	l.setState(s)
	return Outcome{State: s, Err: err}
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
	l.emit(Event{Kind: EventState, State: s})
}

func (l *Loop) emit(ev Event) {
	ev.Time = time.Now()
	for _, o := range l.observers {
		o.Observe(ev)
	}
}

// PipeSource is a Source backed by a named pipe.
type PipeSource struct {
	endpoint *pipe.ReadEndpoint
}

// NewPipeSource returns a Source for the named pipe at path.
func NewPipeSource(path string) *PipeSource {
	return &PipeSource{endpoint: pipe.NewReadEndpoint(path)}
}

// Path returns the pipe path.
func (p *PipeSource) Path() string { return p.endpoint.Path() }

// Open blocks until a writer opens the pipe.
func (p *PipeSource) Open() (Stream, error) {
	r, err := p.endpoint.Open()
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Interrupt forces a pending Open to return.
func (p *PipeSource) Interrupt() { p.endpoint.Interrupt() }

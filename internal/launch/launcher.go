// Package launch starts allow-listed worker executables.
//
// The launcher is stateless per call: it checks a start command's target
// against the AllowList and, if permitted, spawns it detached and forgets
// about it. It never waits for, reaps or tracks the children it starts.
package launch

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mattjoyce/controller/internal/log"
	"github.com/mattjoyce/controller/internal/protocol"
)

var (
	// ErrDenied matches launch errors caused by a target not on the allow-list
	// (or a command that is not a start command).
	ErrDenied = errors.New("launch denied")

	// ErrLaunchFailed matches launch errors caused by the spawn itself.
	ErrLaunchFailed = errors.New("launch failed")
)

// Kind classifies a launch error.
type Kind string

const (
	KindDenied Kind = "denied"
	KindFailed Kind = "failed"
)

// Error describes a rejected or failed launch. Neither kind is fatal to
// the controller.
type Error struct {
	Kind   Kind
	Target string
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindDenied:
		return fmt.Sprintf("launch of %q denied: %v", e.Target, e.Err)
	default:
		return fmt.Sprintf("launch of %q failed: %v", e.Target, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrDenied and ErrLaunchFailed by kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrDenied:
		return e.Kind == KindDenied
	case ErrLaunchFailed:
		return e.Kind == KindFailed
	}
	return false
}

// Result describes an accepted launch.
type Result struct {
	ID     string
	Target string
	Args   []string
	PID    int
}

// Launcher validates and spawns start commands.
type Launcher struct {
	allow   *AllowList
	spawner Spawner
	logger  *slog.Logger
	newID   func() string
}

// New creates a Launcher. spawner performs the actual process creation.
func New(allow *AllowList, spawner Spawner, logger *slog.Logger) *Launcher {
	return &Launcher{
		allow:   allow,
		spawner: spawner,
		logger:  logger,
		newID:   uuid.NewString,
	}
}

// AllowList returns the launcher's allow-list.
func (l *Launcher) AllowList() *AllowList { return l.allow }

// Launch starts cmd's target with the remaining arguments passed through
// unmodified. Rejections return an *Error of KindDenied, spawn failures
// an *Error of KindFailed; in both cases nothing keeps running.
func (l *Launcher) Launch(cmd protocol.Command) (Result, error) {
	target := cmd.Target()

	if cmd.Verb != protocol.VerbStart {
		err := &Error{Kind: KindDenied, Target: target, Err: fmt.Errorf("verb %q does not launch processes", cmd.Verb)}
		l.logger.Warn("launch denied", "verb", cmd.Verb, "target", target, "error", err.Err)
		return Result{}, err
	}

	if !l.allow.Allowed(target) {
		err := &Error{Kind: KindDenied, Target: target, Err: errors.New("target is not on the allow-list")}
		l.logger.Warn("launch denied", "target", target, "reason", "not allow-listed")
		return Result{}, err
	}

	args := cmd.TargetArgs()
	id := l.newID()
	logger := log.WithLaunch(l.logger, id).With("target", target)

	pid, err := l.spawner.Spawn(target, args)
	if err != nil {
		logger.Error("launch failed", "error", err)
		return Result{}, &Error{Kind: KindFailed, Target: target, Err: err}
	}

	logger.Info("launched process", "pid", pid, "args", args)
	return Result{ID: id, Target: target, Args: args, PID: pid}, nil
}

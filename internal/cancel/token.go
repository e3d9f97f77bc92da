package cancel

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrCancelled is returned by a blocking call that was forced to return
// early by Cancel.
var ErrCancelled = errors.New("blocking call cancelled")

// State is the externally visible state of a Token.
type State int32

const (
	Unarmed State = iota
	Armed
	Cancelled
	Completed

	// arming is held while the interrupt function is being registered so a
	// concurrent Cancel never observes a half-armed call.
	arming
)

func (s State) String() string {
	switch s {
	case Unarmed:
		return "unarmed"
	case Armed:
		return "armed"
	case Cancelled:
		return "cancelled"
	case Completed:
		return "completed"
	case arming:
		return "arming"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Token coordinates one cancellable blocking call at a time between the
// goroutine performing it and a goroutine that may cancel it.
//
// The zero value is an unarmed token ready for use.
type Token struct {
	state     atomic.Int32
	poisoned  atomic.Bool
	interrupt atomic.Pointer[func()]
}

// State reports the current state of the token.
func (t *Token) State() State {
	s := State(t.state.Load())
	if s == arming {
		return Unarmed
	}
	return s
}

// Poisoned reports whether Cancel has ever been called on the token.
func (t *Token) Poisoned() bool {
	return t.poisoned.Load()
}

// Cancel requests early return of the call currently armed on the token.
// It returns true when an armed call was moved to Cancelled and its
// interrupt function was invoked. Calling Cancel when nothing is armed, or
// after the call completed, only poisons the token for future calls.
//
// Cancel is safe to call from any goroutine and any number of times.
func (t *Token) Cancel() bool {
	t.poisoned.Store(true)
	if !t.state.CompareAndSwap(int32(Armed), int32(Cancelled)) {
		return false
	}
	if fn := t.interrupt.Load(); fn != nil && *fn != nil {
		(*fn)()
	}
	return true
}

// Do runs op as a cancellable blocking call. interrupt must force op to
// return promptly when invoked from another goroutine; it may be nil for
// operations that cannot be interrupted (Cancel will then only take effect
// once op returns on its own).
//
// Do returns ErrCancelled if the token was cancelled before op completed,
// otherwise the error returned by op. Arming a token that already has a
// call outstanding panics.
func (t *Token) Do(interrupt func(), op func() error) error {
	_, err := Call(t, interrupt, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// Call is the value-returning form of Do. When the call is cancelled the
// value produced by op is discarded and the zero value is returned together
// with ErrCancelled; callers holding resources inside op must release them
// via the discard hook of CallDiscard instead.
func Call[T any](t *Token, interrupt func(), op func() (T, error)) (T, error) {
	return CallDiscard(t, interrupt, op, nil)
}

// CallDiscard is Call with a hook that receives a value op produced after
// the call had already been cancelled, so the caller can close it.
func CallDiscard[T any](t *Token, interrupt func(), op func() (T, error), discard func(T)) (T, error) {
	var zero T
	if err := t.arm(interrupt); err != nil {
		return zero, err
	}

	v, err := op()

	if !t.state.CompareAndSwap(int32(Armed), int32(Completed)) {
		// Cancel won the race; whatever op produced is stale.
		t.acknowledge()
		if err == nil && discard != nil {
			discard(v)
		}
		return zero, ErrCancelled
	}
	t.acknowledge()
	return v, err
}

func (t *Token) arm(interrupt func()) error {
	if !t.state.CompareAndSwap(int32(Unarmed), int32(arming)) {
		panic(fmt.Sprintf("cancel: token armed while %s", State(t.state.Load())))
	}
	t.interrupt.Store(&interrupt)
	t.state.Store(int32(Armed))

	// Parent death observed before (or while) arming: do not start op.
	// Either this CAS or a concurrent Cancel moves us to Cancelled; both
	// end the same way since op never ran.
	if t.poisoned.Load() {
		t.state.CompareAndSwap(int32(Armed), int32(Cancelled))
		t.acknowledge()
		return ErrCancelled
	}
	return nil
}

func (t *Token) acknowledge() {
	t.interrupt.Store(nil)
	t.state.Store(int32(Unarmed))
}

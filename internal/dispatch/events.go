package dispatch

import (
	"time"

	"github.com/mattjoyce/controller/internal/launch"
	"github.com/mattjoyce/controller/internal/protocol"
)

// EventKind identifies what the loop observed.
type EventKind string

const (
	EventParseError   EventKind = "parse_error"
	EventDenied       EventKind = "denied"
	EventLaunchFailed EventKind = "launch_failed"
	EventLaunched     EventKind = "launched"
	EventState        EventKind = "state"
)

// Event is one observation reported to Observers. Fields not relevant to
// Kind are zero.
type Event struct {
	Kind    EventKind
	Time    time.Time
	Record  string
	Command protocol.Command
	Result  launch.Result
	State   State
	Err     error
}

// Observer receives loop events on the loop's goroutine. Implementations
// must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

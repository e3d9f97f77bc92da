package watch

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/controller/internal/audit"
	"github.com/mattjoyce/controller/internal/events"
	"github.com/mattjoyce/controller/internal/status"
)

// Source is the status endpoint the TUI polls. *status.Client satisfies it.
type Source interface {
	Health(ctx context.Context) (*status.HealthzResponse, error)
	Launches(ctx context.Context, limit int) ([]audit.Entry, error)
}

// --- Message types ---

// snapshotMsg is one successful poll. LaunchesErr is set when health
// answered but the journal did not (typically because it is disabled).
type snapshotMsg struct {
	Health      status.HealthzResponse
	Launches    []audit.Entry
	LaunchesErr error
	At          time.Time
}

type pollMsg struct{}

type errMsg struct{ err error }

func (e errMsg) Error() string { return e.err.Error() }

// --- Commands ---

// fetch queries health and recent launches.
func fetch(src Source, limit int, timeout time.Duration) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		h, err := src.Health(ctx)
		if err != nil {
			return errMsg{err}
		}
		launches, lerr := src.Launches(ctx, limit)
		return snapshotMsg{Health: *h, Launches: launches, LaunchesErr: lerr, At: time.Now()}
	}
}

// schedulePoll fires pollMsg after d.
func schedulePoll(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return pollMsg{} })
}

// EventSource is implemented by sources that can also stream events.
// *status.Client satisfies it; the TUI falls back to polling alone
// when the source does not.
type EventSource interface {
	Events(ctx context.Context, ch chan<- events.Event) error
}

type eventMsg events.Event

type streamDroppedMsg struct{ err error }

type reconnectMsg struct{}

// subscribe follows the event stream, feeding ch. It returns
// streamDroppedMsg once the stream ends.
func subscribe(src EventSource, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		return streamDroppedMsg{src.Events(context.Background(), ch)}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

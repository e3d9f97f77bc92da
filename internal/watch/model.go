package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/controller/internal/events"
)

const (
	// DefaultInterval is how often the status socket is polled.
	DefaultInterval = 2 * time.Second
	launchLimit     = 100
	requestTimeout  = time.Second
)

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	source   Source
	socket   string
	interval time.Duration

	width  int
	height int

	health       HealthState
	launchCount  int
	lastSeq      int64
	launchesNote string

	events      EventSource
	hubEvents   chan events.Event
	eventLog    []events.Event
	lastEventID int64

	ticker   Ticker
	activity Activity
	table    table.Model
	theme    Theme

	lastError string
}

// New creates a watch model polling source every interval. socket is
// only displayed.
func New(source Source, socket string, interval time.Duration) Model {
	if interval <= 0 {
		interval = DefaultInterval
	}
	theme := NewDefaultTheme()
	t := table.New(
		table.WithColumns(launchColumns(0)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	t.SetStyles(theme.TableStyles())

	m := Model{
		source:   source,
		socket:   socket,
		interval: interval,
		ticker:   NewTicker(),
		table:    t,
		theme:    theme,
	}
	if es, ok := source.(EventSource); ok {
		m.events = es
		m.hubEvents = make(chan events.Event, 100)
	}
	return m
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		fetch(m.source, launchLimit, requestTimeout),
		tea.EnterAltScreen,
	}
	if m.events != nil {
		cmds = append(cmds, subscribe(m.events, m.hubEvents), receiveNextEvent(m.hubEvents))
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, fetch(m.source, launchLimit, requestTimeout)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetColumns(launchColumns(m.width))
		m.table.SetWidth(m.width - 6)
		reserved := 16
		if m.events != nil {
			reserved += eventsVisible + 3
		}
		if h := m.height - reserved; h > 3 {
			m.table.SetHeight(h)
		}
		return m, nil

	case pollMsg:
		return m, fetch(m.source, launchLimit, requestTimeout)

	case snapshotMsg:
		m.ticker.Tick()
		m.activity.Decay(msg.At)
		m.health = HealthState{HealthzResponse: msg.Health, Connected: true, LastCheck: msg.At}
		m.lastError = ""

		if msg.LaunchesErr != nil {
			m.launchesNote = msg.LaunchesErr.Error()
		} else {
			m.launchesNote = ""
			m.launchCount = len(msg.Launches)
			m.table.SetRows(launchRows(msg.Launches))
			if len(msg.Launches) > 0 {
				newest := msg.Launches[0]
				if m.lastSeq != 0 && newest.Seq > m.lastSeq {
					m.activity.OnLaunch(newest.CreatedAt)
				}
				m.lastSeq = newest.Seq
			}
		}
		return m, schedulePoll(m.interval)

	case eventMsg:
		e := events.Event(msg)
		// A reconnect replays the server's buffer.
		if e.ID > 0 && e.ID <= m.lastEventID {
			return m, receiveNextEvent(m.hubEvents)
		}
		m.lastEventID = e.ID
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		if e.Type == events.TypeLaunched {
			m.activity.OnLaunch(e.At)
		}
		return m, receiveNextEvent(m.hubEvents)

	case streamDroppedMsg:
		// The pending receiveNextEvent keeps waiting on the same channel.
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribe(m.events, m.hubEvents)

	case errMsg:
		m.health.Connected = false
		m.lastError = msg.Error()
		return m, schedulePoll(m.interval)
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to controller..."
	}

	header := renderHeader(m.health, m.socket, m.ticker, m.activity, m.theme, m.width)
	launches := renderLaunches(m.table, m.launchCount, m.launchesNote, m.theme, m.width)

	parts := []string{header, launches}
	if m.events != nil {
		parts = append(parts, renderEventStream(m.eventLog, m.health.Connected, m.theme, m.width))
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [r] Refresh • [↑/↓] Scroll"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

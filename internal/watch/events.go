package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/controller/internal/events"
)

const (
	eventLogSize  = 50
	eventsVisible = 8
)

func renderEventStream(eventLog []events.Event, streaming bool, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		note := "  Waiting for events..."
		if !streaming {
			note = "  Event stream unavailable"
		}
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render(note),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= eventsVisible {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TypeLaunched:
		typeStyle = theme.StatusOK
	case events.TypeDenied, events.TypeLaunchFailed:
		typeStyle = theme.StatusFailed
	case events.TypeParseError:
		typeStyle = theme.StatusWarn
	case events.TypeState:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	return fmt.Sprintf("%s %s %s", ts, typeStyle.Render(fmt.Sprintf("%-20s", e.Type)), describeEvent(e))
}

func describeEvent(e events.Event) string {
	var p events.Payload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}

	switch e.Type {
	case events.TypeState:
		return p.State
	case events.TypeParseError:
		return fmt.Sprintf("%q", p.Record)
	}

	parts := []string{p.Target}
	if p.PID > 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", p.PID))
	}
	if p.Error != "" {
		parts = append(parts, p.Error)
	} else if len(p.Args) > 0 {
		parts = append(parts, strings.Join(p.Args, " "))
	}
	return strings.Join(parts, " ")
}

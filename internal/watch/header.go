package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/controller/internal/status"
)

// HealthState tracks controller health from /healthz polling.
type HealthState struct {
	status.HealthzResponse
	Connected bool
	LastCheck time.Time
}

func renderHeader(health HealthState, socket string, ticker Ticker, activity Activity, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("SERVING")
	switch {
	case !health.Connected:
		statusText = theme.StatusFailed.Render("CONNECTING")
	case health.Status == "parent_gone":
		statusText = theme.StatusFailed.Render("PARENT GONE")
	case health.Status == "terminated":
		statusText = theme.StatusWarn.Render("TERMINATED")
	case health.Status != "ok":
		statusText = theme.StatusWarn.Render(strings.ToUpper(health.Status))
	}

	uptime := formatDuration(time.Duration(health.UptimeSeconds) * time.Second)

	lastLaunch := "never"
	if !activity.Last().IsZero() {
		lastLaunch = fmt.Sprintf("%s ago", time.Since(activity.Last()).Round(time.Second))
	}

	tickerStr := theme.Highlight.Render(ticker.Current())
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := fmt.Sprintf(" CONTROLLER WATCH %s", tickerStr)

	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  loop: %s  ⏱ %s  pid %d  parent %d",
		statusText,
		health.LoopState,
		uptime,
		health.PID,
		health.ParentPID,
	)

	pipeLine := theme.Dim.Render(fmt.Sprintf(" command pipe: %s  status: %s", health.CommandPipe, socket))

	activityLine := fmt.Sprintf(" Last journal entry: %s %s", lastLaunch, activity.Render(theme))

	content := lipgloss.JoinVertical(lipgloss.Left,
		titleLine,
		statsLine,
		pipeLine,
		activityLine,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

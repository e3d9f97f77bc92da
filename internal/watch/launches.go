package watch

import (
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/controller/internal/audit"
)

func launchColumns(width int) []table.Column {
	cols := []table.Column{
		{Title: "#", Width: 6},
		{Title: "Time", Width: 8},
		{Title: "Kind", Width: 13},
		{Title: "Target", Width: 24},
		{Title: "PID", Width: 7},
		{Title: "Args / Error", Width: 30},
	}
	// The last column absorbs any spare width.
	used := 0
	for _, c := range cols {
		used += c.Width + 2
	}
	if spare := width - 6 - used; spare > 0 {
		cols[len(cols)-1].Width += spare
	}
	return cols
}

func launchRows(entries []audit.Entry) []table.Row {
	rows := make([]table.Row, 0, len(entries))
	for _, e := range entries {
		pid := ""
		if e.PID > 0 {
			pid = strconv.Itoa(e.PID)
		}
		detail := e.Error
		if detail == "" {
			detail = strings.Join(e.Args, " ")
		}
		rows = append(rows, table.Row{
			strconv.FormatInt(e.Seq, 10),
			e.CreatedAt.Local().Format("15:04:05"),
			e.Kind,
			e.Target,
			pid,
			detail,
		})
	}
	return rows
}

func renderLaunches(t table.Model, count int, note string, theme Theme, width int) string {
	innerWidth := width - 4

	title := theme.Title.Render("LAUNCH JOURNAL")
	if note != "" {
		return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			title,
			theme.Dim.Render("  "+note),
		))
	}
	if count == 0 {
		return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			title,
			theme.Dim.Render("  No launch decisions yet..."),
		))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, title, t.View()))
}

package watch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/larder/internal/events"
)

// Theme holds the watch view's styles.
type Theme struct {
	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	status map[string]lipgloss.Style
}

func NewDefaultTheme() Theme {
	fg := func(c string) lipgloss.Style { return lipgloss.NewStyle().Foreground(lipgloss.Color(c)) }
	return Theme{
		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD")),
		Title:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA")).Padding(0, 1),
		Dim:       fg("#888888"),
		Highlight: fg("#E5C07B"),
		status: map[string]lipgloss.Style{
			"pending":    fg("#888888"),
			"processing": fg("#FFFF00"),
			"completed":  fg("#00FF00"),
			"failed":     fg("#FF0000"),
		},
	}
}

// statusStyle colors a job status; unknown statuses render dim.
func (t Theme) statusStyle(status string) lipgloss.Style {
	if st, ok := t.status[status]; ok {
		return st
	}
	return t.Dim
}

// HealthState tracks service health from /healthz polling and the stream.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	QueueDepth    int
	Connected     bool
	LastCheck     time.Time
	LastEvent     time.Time
}

func renderHeader(health HealthState, sp spinner.Model, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.statusStyle("completed").Render("HEALTHY")
	if !health.Connected {
		statusText = theme.statusStyle("processing").Render("CONNECTING " + sp.View())
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.statusStyle("failed").Render("DEGRADED")
	}

	lastEvent := "never"
	if !health.LastEvent.IsZero() {
		lastEvent = fmt.Sprintf("%s ago", time.Since(health.LastEvent).Round(time.Second))
	}

	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	title := " LARDER WATCH"
	pad := innerWidth - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := theme.Highlight.Render(title) + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  Up: %s  Unresolved jobs: %d  Last event: %s",
		statusText,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		health.QueueDepth,
		lastEvent,
	)

	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine))
}

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		))
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	))
}

func formatEvent(e events.Event, theme Theme) string {
	var d events.JobData
	_ = json.Unmarshal(e.Data, &d)

	ts := theme.Dim.Render(e.At.Local().Format("15:04:05"))
	typeName := theme.statusStyle(d.Status).Render(fmt.Sprintf("%-15s", e.Type))

	desc := fmt.Sprintf("[%s] %s", shortID(d.JobID), d.Kind)
	if d.Error != "" {
		desc += " " + theme.statusStyle("failed").Render(d.Error)
	}
	return fmt.Sprintf("%s %s %s", ts, typeName, desc)
}

// Package watch implements 'larder job watch', a terminal view of the
// caller's jobs fed by the /ws/jobs stream.
package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/larder/internal/events"
)

const maxEventLog = 50

// Model is the BubbleTea model for the watch view.
type Model struct {
	apiURL string
	token  string

	width  int
	height int

	health      HealthState
	jobs        map[string]*JobState
	eventLog    []events.Event
	lastEventID int64

	table   table.Model
	spinner spinner.Model
	theme   Theme

	stream chan events.Event

	lastError string
}

// New creates a watch model for the API at apiURL.
func New(apiURL, token string) *Model {
	t := table.New(
		table.WithColumns(jobColumns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	s := spinner.New()
	s.Spinner = spinner.Dot

	return &Model{
		apiURL:   apiURL,
		token:    token,
		jobs:     make(map[string]*JobState),
		eventLog: make([]events.Event, 0),
		stream:   make(chan events.Event, 100),
		table:    t,
		spinner:  s,
		theme:    NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToJobs(m.apiURL, m.token, 0, m.stream),
		receiveNextEvent(m.stream),
		func() tea.Msg { return fetchHealth(m.apiURL) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		m.spinner.Tick,
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetHeight(max(5, msg.Height-22))

	case tickMsg:
		m.table.SetRows(jobRows(m.jobs, time.Now()))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		e := events.Event(msg)
		if e.ID > m.lastEventID {
			m.lastEventID = e.ID
		}

		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}

		applyEvent(m.jobs, e)
		m.table.SetRows(jobRows(m.jobs, time.Now()))

		m.health.Connected = true
		m.health.LastEvent = time.Now()
		m.lastError = ""

		return m, receiveNextEvent(m.stream)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.QueueDepth = msg.QueueDepth
		m.health.LastCheck = time.Now()

		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL)
		})

	case streamClosedMsg:
		m.health.Connected = false
		m.lastError = "job stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		// Resume after the last event seen so nothing is missed or repeated.
		return m, subscribeToJobs(m.apiURL, m.token, m.lastEventID, m.stream)

	case streamRejectedMsg:
		m.health.Connected = false
		m.lastError = fmt.Sprintf("job stream rejected (%s); check the token's events:ro scope", msg.status)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL)
		})
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	header := renderHeader(m.health, m.spinner, m.theme, m.width)
	jobs := m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render(fmt.Sprintf("JOBS (%d)", len(m.jobs))),
		m.table.View(),
	))
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, jobs, eventStream}
	if m.lastError != "" {
		parts = append(parts, m.theme.statusStyle("failed").Render(" ! "+m.lastError))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [↑/↓] Scroll jobs"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

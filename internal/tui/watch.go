// Package tui provides the interactive session monitor for Agor.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/agor-sh/agor/internal/models"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Bold(true).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	statusIdle     = lipgloss.NewStyle().Foreground(successColor)
	statusRunning  = lipgloss.NewStyle().Foreground(warningColor)
	statusStopping = lipgloss.NewStyle().Foreground(errorColor)
)

const refreshInterval = 2 * time.Second

type sessionsMsg struct {
	sessions []models.Session
	err      error
}

type detailMsg struct {
	tasks []models.Task
	queue []models.QueuedMessage
	err   error
}

type tickMsg time.Time

// Watch is the session monitor model.
type Watch struct {
	client      *Client
	spinner     spinner.Model
	sessions    []models.Session
	tasks       []models.Task
	queue       []models.QueuedMessage
	selectedIdx int
	width       int
	err         error
	loading     bool
}

// NewWatch creates the watch model for a daemon address.
func NewWatch(apiAddr string) *Watch {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(primaryColor)

	return &Watch{
		client:  NewClient(apiAddr),
		spinner: sp,
		loading: true,
	}
}

// Run starts the watch UI.
func (m *Watch) Run() error {
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (m *Watch) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetchSessions(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Watch) fetchSessions() tea.Cmd {
	return func() tea.Msg {
		sessions, err := m.client.Sessions()
		return sessionsMsg{sessions: sessions, err: err}
	}
}

func (m *Watch) fetchDetail() tea.Cmd {
	if m.selectedIdx >= len(m.sessions) {
		return nil
	}
	id := m.sessions[m.selectedIdx].ID
	return func() tea.Msg {
		tasks, err := m.client.Tasks(id)
		if err != nil {
			return detailMsg{err: err}
		}
		queue, err := m.client.Queue(id)
		return detailMsg{tasks: tasks, queue: queue, err: err}
	}
}

// Update implements tea.Model
func (m *Watch) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.selectedIdx > 0 {
				m.selectedIdx--
			}
			return m, m.fetchDetail()
		case "down", "j":
			if m.selectedIdx < len(m.sessions)-1 {
				m.selectedIdx++
			}
			return m, m.fetchDetail()
		case "r":
			return m, tea.Batch(m.fetchSessions(), m.fetchDetail())
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tickMsg:
		return m, tea.Batch(m.fetchSessions(), m.fetchDetail(), tick())

	case sessionsMsg:
		m.loading = false
		m.err = msg.err
		if msg.err == nil {
			m.sessions = msg.sessions
			if m.selectedIdx >= len(m.sessions) {
				m.selectedIdx = 0
			}
		}

	case detailMsg:
		if msg.err == nil {
			m.tasks = msg.tasks
			m.queue = msg.queue
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View implements tea.Model
func (m *Watch) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Agor Sessions"))
	b.WriteString("\n\n")

	if m.loading {
		b.WriteString(m.spinner.View() + " loading...\n")
		return b.String()
	}
	if m.err != nil {
		b.WriteString(lipgloss.NewStyle().Foreground(errorColor).Render("daemon unreachable: "+m.err.Error()) + "\n")
		b.WriteString(helpStyle.Render("r: retry • q: quit"))
		return b.String()
	}
	if len(m.sessions) == 0 {
		b.WriteString(helpStyle.Render("no sessions") + "\n")
	}

	for i, sess := range m.sessions {
		line := fmt.Sprintf("%-10s %s %-8s ready=%-5v msgs=%-4d %s",
			shortID(sess.ID), formatStatus(sess.Status), sess.AgentTool,
			sess.ReadyForPrompt, sess.MessageCount, sess.WorktreePath)
		if i == m.selectedIdx {
			b.WriteString(selectedStyle.Render(line))
		} else {
			b.WriteString(rowStyle.Render(line))
		}
		b.WriteString("\n")
	}

	if len(m.sessions) > 0 {
		b.WriteString("\n" + titleStyle.Render("Tasks") + "\n")
		if len(m.tasks) == 0 {
			b.WriteString(helpStyle.Render("  none") + "\n")
		}
		for _, t := range m.tasks {
			line := fmt.Sprintf("  %-10s %-20s %s", shortID(t.ID), t.Status, t.Description)
			if t.ErrorMessage != "" {
				line += " — " + t.ErrorMessage
			}
			b.WriteString(rowStyle.Render(line) + "\n")
		}

		if len(m.queue) > 0 {
			b.WriteString("\n" + titleStyle.Render("Queued") + "\n")
			for _, q := range m.queue {
				b.WriteString(rowStyle.Render(fmt.Sprintf("  #%d %s (%s)", q.QueuePosition, q.Prompt, q.QueuedBy)) + "\n")
			}
		}
	}

	b.WriteString("\n" + helpStyle.Render("j/k: select • r: refresh • q: quit"))
	return b.String()
}

func formatStatus(status models.SessionStatus) string {
	switch status {
	case models.SessionStatusIdle:
		return statusIdle.Render("● idle    ")
	case models.SessionStatusRunning:
		return statusRunning.Render("● running ")
	case models.SessionStatusStopping:
		return statusStopping.Render("● stopping")
	default:
		return string(status)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

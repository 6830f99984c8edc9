// Package tui provides the interactive run status view.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/parwave/parwave/internal/status"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			MarginLeft(1)

	timestampStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			MarginLeft(1).
			MarginTop(1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			MarginLeft(1)

	countsStyle = lipgloss.NewStyle().
			Bold(true).
			MarginLeft(1).
			MarginBottom(1)
)

// Model is the interactive run status view state.
type Model struct {
	table      table.Model
	repoRoot   string
	lastUpdate time.Time
	runID      string
	runStatus  string
	counts     string
	err        error
	quitting   bool
}

type tickMsg time.Time

type snapshotMsg struct {
	snapshot status.Snapshot
}

type errMsg error

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// New creates the run status model.
func New(repoRoot string) Model {
	columns := []table.Column{
		{Title: "Wave", Width: 5},
		{Title: "Task", Width: 24},
		{Title: "Status", Width: 14},
		{Title: "Duration", Width: 10},
		{Title: "Detail", Width: 48},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(20),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true).
		Foreground(lipgloss.Color("12"))
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return Model{table: t, repoRoot: repoRoot}
}

// Init starts the refresh loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.refresh())
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.refresh()
		}

	case tea.WindowSizeMsg:
		m.table.SetHeight(msg.Height - 9)
		return m, nil

	case tickMsg:
		return m, tea.Batch(tickCmd(), m.refresh())

	case snapshotMsg:
		m.lastUpdate = time.Now()
		m.err = nil
		m.runID = msg.snapshot.RunID
		m.runStatus = string(msg.snapshot.Status)
		m.counts = fmt.Sprintf("waiting=%d in-progress=%d complete=%d failed=%d blocked=%d",
			msg.snapshot.Counts.Waiting,
			msg.snapshot.Counts.InProgress,
			msg.snapshot.Counts.Complete,
			msg.snapshot.Counts.Failed,
			msg.snapshot.Counts.Blocked)

		rows := make([]table.Row, len(msg.snapshot.Tasks))
		for i, tsk := range msg.snapshot.Tasks {
			duration := ""
			if tsk.DurationMS > 0 {
				duration = (time.Duration(tsk.DurationMS) * time.Millisecond).Round(time.Second).String()
			}
			rows[i] = table.Row{
				fmt.Sprintf("%d", tsk.Wave),
				tsk.ID,
				string(tsk.Status),
				duration,
				tsk.Detail,
			}
		}
		m.table.SetRows(rows)
		return m, nil

	case errMsg:
		m.err = msg
		return m, nil
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View renders the status screen.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	var b strings.Builder

	title := titleStyle.Render("Parwave Run Status")
	timestamp := timestampStyle.Render(fmt.Sprintf("Last update: %s", m.lastUpdate.Format("15:04:05")))
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, title, strings.Repeat(" ", 5), timestamp))
	b.WriteString("\n\n")

	b.WriteString(countsStyle.Render(fmt.Sprintf("Run %s: %s | %s", m.runID, m.runStatus, m.counts)))
	b.WriteString("\n")

	b.WriteString(m.table.View())
	b.WriteString("\n")

	b.WriteString(helpStyle.Render("↑/↓: navigate • r: refresh • q/esc: quit"))

	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
	}

	return b.String()
}

func (m Model) refresh() tea.Cmd {
	return func() tea.Msg {
		snapshot, err := status.Collect(m.repoRoot)
		if err != nil {
			return errMsg(err)
		}
		return snapshotMsg{snapshot: snapshot}
	}
}

// Run starts the interactive status view.
func Run(repoRoot string) error {
	p := tea.NewProgram(New(repoRoot), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

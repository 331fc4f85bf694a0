// Package tui renders a live terminal dashboard over the sync manager:
// one row per lesson queue with its pending, sending, and failed counts,
// the connectivity state, and the time of the last confirmed drain.
package tui

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/netmon"
	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/syncer"
)

// Source is the slice of the sync manager the dashboard reads and drives.
type Source interface {
	StatusAll() []syncer.Status
	SyncAll(ctx context.Context) error
	ConnectionState() netmon.State
}

// Run starts the dashboard and blocks until the user quits.
func Run(src Source, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	m := newModel(src, logger)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}

var (
	primaryColor = lipgloss.Color("#7C3AED")
	mutedColor   = lipgloss.Color("#6B7280")
	successColor = lipgloss.Color("#10B981")
	errorColor   = lipgloss.Color("#EF4444")
	warnColor    = lipgloss.Color("#F59E0B")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Padding(0, 1)

	tableStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2)

	colHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(warnColor).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	failedStyle  = lipgloss.NewStyle().Foreground(errorColor)

	footerStyle = lipgloss.NewStyle().Foreground(mutedColor)
)

type tickMsg struct{}

type syncDoneMsg struct{ err error }

type model struct {
	src    Source
	logger *slog.Logger

	spin     spinner.Model
	statuses []syncer.Status
	conn     netmon.State
	syncing  bool
	lastErr  error
	width    int
	height   int
}

func newModel(src Source, logger *slog.Logger) model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(primaryColor)

	return model{
		src:      src,
		logger:   logger.With("component", "tui"),
		spin:     sp,
		statuses: src.StatusAll(),
		conn:     src.ConnectionState(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "s":
			if m.syncing {
				return m, nil
			}
			m.syncing = true
			src := m.src
			return m, func() tea.Msg {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				defer cancel()
				return syncDoneMsg{err: src.SyncAll(ctx)}
			}
		}

	case tickMsg:
		m.statuses = m.src.StatusAll()
		m.conn = m.src.ConnectionState()
		return m, tickCmd()

	case syncDoneMsg:
		m.syncing = false
		m.lastErr = msg.err
		m.statuses = m.src.StatusAll()
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m model) View() string {
	header := headerStyle.Width(max(m.width, 40)).Render(
		"  Glassy School Nexus — Sync  " + m.connBadge(),
	)

	body := tableStyle.Render(m.renderTable())

	hint := "s: sync now │ q: quit"
	if m.syncing {
		hint = m.spin.View() + " syncing... │ q: quit"
	}
	if m.lastErr != nil {
		hint += "  " + failedStyle.Render(fmt.Sprintf("last sync: %v", m.lastErr))
	}
	footer := footerStyle.Render("  " + hint)

	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}

func (m model) connBadge() string {
	switch m.conn {
	case netmon.StateOnline:
		return onlineStyle.Render("● ONLINE")
	case netmon.StateReconnecting:
		return warnStyle.Render("◉ RECONNECTING")
	default:
		return offlineStyle.Render("○ OFFLINE")
	}
}

func (m model) renderTable() string {
	var sb strings.Builder

	sb.WriteString(colHeader.Render(fmt.Sprintf("%-24s %8s %8s %8s %8s  %s",
		"LESSON", "PENDING", "SENDING", "FAILED", "STATE", "LAST SYNC")))
	sb.WriteString("\n")

	if len(m.statuses) == 0 {
		sb.WriteString(mutedStyle.Render("no lesson queues open"))
		return sb.String()
	}

	for _, st := range m.statuses {
		state := "idle"
		if st.IsSyncing {
			state = "syncing"
		} else if st.Offline {
			state = "offline"
		}

		last := "never"
		if !st.LastSyncAt.IsZero() {
			last = formatAgo(time.Since(st.LastSyncAt))
		}

		failed := fmt.Sprintf("%8d", st.Failed)
		if st.Failed > 0 {
			failed = failedStyle.Render(failed)
		}

		sb.WriteString(fmt.Sprintf("%-24s %8d %8s %s %8s  %s\n",
			truncateName(st.Namespace, 24), st.Pending,
			fmt.Sprintf("%8d", st.Sending), failed, state, mutedStyle.Render(last)))
	}
	return sb.String()
}

func formatAgo(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh %dm ago", int(d.Hours()), int(d.Minutes())%60)
	}
}

func truncateName(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

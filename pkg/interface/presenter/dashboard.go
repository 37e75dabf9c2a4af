package presenter

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/WangYihang/IPv6-Lookup-Crawler/pkg/crawler"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const maxRecent = 12

// Dashboard is a TUI dashboard for crawling progress
type Dashboard struct {
	snapshot crawler.Snapshot
	recent   []string
	lastSeen string

	completion progress.Model
	budgetBar  progress.Model

	width  int
	height int
	mu     sync.RWMutex
}

type tickMsg time.Time

// NewDashboard creates a new TUI dashboard
func NewDashboard() *Dashboard {
	return &Dashboard{
		completion: progress.New(progress.WithDefaultGradient()),
		budgetBar:  progress.New(progress.WithSolidFill("#FF5F87")),
	}
}

// Init initializes the dashboard
func (d *Dashboard) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.EnterAltScreen,
	)
}

// Update handles dashboard updates
func (d *Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "Q", "ctrl+c":
			return d, tea.Quit
		}

	case tea.WindowSizeMsg:
		d.width = msg.Width
		d.height = msg.Height
		return d, nil

	case tickMsg:
		return d, tickCmd()
	}

	return d, nil
}

// View renders the dashboard
func (d *Dashboard) View() string {
	if d.width == 0 {
		return "Initializing..."
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var sections []string
	sections = append(sections, d.renderHeader())

	halfWidth := d.width / 2
	row := lipgloss.JoinHorizontal(
		lipgloss.Top,
		d.renderRunStats(halfWidth),
		d.renderBudget(d.width-halfWidth),
	)
	sections = append(sections, row)
	sections = append(sections, d.renderRecent(d.width))
	sections = append(sections, d.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// OnProgress implements crawler.Observer
func (d *Dashboard) OnProgress(s crawler.Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.snapshot = s
	if s.CurrentDomain != "" && s.CurrentDomain != d.lastSeen {
		d.lastSeen = s.CurrentDomain
		d.recent = append(d.recent, fmt.Sprintf("%5d  %s", s.CurrentIndex, s.CurrentDomain))
		if len(d.recent) > maxRecent {
			d.recent = d.recent[len(d.recent)-maxRecent:]
		}
	}
}

func (d *Dashboard) renderHeader() string {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#7D56F4")).
		Padding(0, 1)

	statusStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#999999"))

	var elapsed time.Duration
	if !d.snapshot.StartedAt.IsZero() {
		elapsed = time.Since(d.snapshot.StartedAt).Round(time.Second)
	}

	left := titleStyle.Render("IPv6 Lookup Crawler")
	right := statusStyle.Render(fmt.Sprintf("%s · %s", d.snapshot.Status, elapsed))
	gap := d.width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return left + strings.Repeat(" ", gap) + right
}

func (d *Dashboard) renderRunStats(width int) string {
	s := d.snapshot

	var fraction float64
	if s.Total > 0 {
		fraction = float64(s.LastCompletedIndex+1) / float64(s.Total)
	}

	lines := []string{
		fmt.Sprintf("Rows      %d / %d", s.LastCompletedIndex+1, s.Total),
		d.completion.ViewAs(fraction),
		"",
		fmt.Sprintf("Success    %d", s.Counters.Success),
		fmt.Sprintf("No record  %d", s.Counters.Empty),
		fmt.Sprintf("Failed     %d", s.Counters.Failed),
		fmt.Sprintf("Skipped    %d", s.Counters.Skipped),
		fmt.Sprintf("Duplicate  %d", s.Counters.Duplicate),
	}
	return panel("Run", lines, width)
}

func (d *Dashboard) renderBudget(width int) string {
	s := d.snapshot

	var lines []string
	if s.BudgetLimit > 0 {
		fraction := float64(s.BudgetUsed) / float64(s.BudgetLimit)
		if fraction > 1 {
			fraction = 1
		}
		lines = []string{
			fmt.Sprintf("Requests on current IP  %d / %d", s.BudgetUsed, s.BudgetLimit),
			d.budgetBar.ViewAs(fraction),
			"",
			"The crawl pauses when the budget is",
			"exhausted; rotate the exit IP and resume.",
		}
	} else {
		lines = []string{
			fmt.Sprintf("Requests on current IP  %d", s.BudgetUsed),
			"",
			"No per-IP budget configured.",
		}
	}
	return panel("Exit IP budget", lines, width)
}

func (d *Dashboard) renderRecent(width int) string {
	lines := d.recent
	if len(lines) == 0 {
		lines = []string{"waiting for the first row..."}
	}
	return panel("Recent rows", lines, width)
}

func (d *Dashboard) renderFooter() string {
	return lipgloss.NewStyle().
		Foreground(lipgloss.Color("#666666")).
		Render(" q: quit")
}

func panel(title string, lines []string, width int) string {
	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#555555")).
		Padding(0, 1).
		Width(width - 2)

	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	content := titleStyle.Render(title) + "\n" + strings.Join(lines, "\n")
	return style.Render(content)
}

func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Package statusui provides the Bubble Tea live status view.
package statusui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/goodtune/nudgeproxy/internal/bus"
	"github.com/goodtune/nudgeproxy/internal/status"
)

const (
	requestTimeout = 3 * time.Second
	historyDays    = 7
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F0F0F0")).
			Bold(true).
			Padding(0, 1).
			Border(lipgloss.RoundedBorder(), true).
			BorderForeground(lipgloss.Color("#4CAF50"))
	cardStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Border(lipgloss.RoundedBorder(), true).
			BorderForeground(lipgloss.Color("#4A4A4A"))
	cardTitleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#8C8C8C"))
	cardValueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F0F0F0")).Bold(true)
	positiveStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#81C784"))
	mutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#6E6E6E"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4D4F"))
	levelStyles    = map[float64]lipgloss.Style{
		0:   lipgloss.NewStyle().Foreground(lipgloss.Color("#81C784")),
		1:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD54F")),
		2:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF9800")),
		2.5: lipgloss.NewStyle().Foreground(lipgloss.Color("#E040FB")).Bold(true),
		3:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4D4F")).Bold(true),
	}
)

// Source is the status surface as seen by the view.
type Source interface {
	Stats(ctx context.Context) (bus.Stats, error)
	Daily(ctx context.Context) (bus.Daily, error)
	Insights(ctx context.Context) (status.InsightsResponse, error)
	Reset(ctx context.Context) error
	SetAnnoyanceMode(ctx context.Context, enabled bool) (bool, error)
}

type tickMsg time.Time

type snapshotMsg struct {
	stats    bus.Stats
	daily    bus.Daily
	insights status.InsightsResponse
	at       time.Time
}

type errMsg struct{ err error }

type noticeMsg string

// Model implements the Bubble Tea status view.
type Model struct {
	source   Source
	interval time.Duration
	now      func() time.Time

	stats    bus.Stats
	daily    bus.Daily
	insights status.InsightsResponse
	updated  time.Time
	loaded   bool

	notice string
	errMsg string
	width  int
}

// NewModel constructs a status view polling source every interval.
func NewModel(source Source, interval time.Duration) *Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Model{source: source, interval: interval, now: time.Now}
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), m.tick())
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "r":
			return m, m.reset()
		case "a":
			return m, m.toggleAnnoyance()
		}
		return m, nil
	case tickMsg:
		return m, tea.Batch(m.refresh(), m.tick())
	case snapshotMsg:
		m.stats = msg.stats
		m.daily = msg.daily
		m.insights = msg.insights
		m.updated = msg.at
		m.loaded = true
		m.errMsg = ""
		return m, nil
	case noticeMsg:
		m.notice = string(msg)
		return m, m.refresh()
	case errMsg:
		m.errMsg = msg.err.Error()
		return m, nil
	}
	return m, nil
}

// View implements tea.Model.
func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("🌱 nudgeproxy"))
	b.WriteString("\n")

	if !m.loaded {
		if m.errMsg != "" {
			b.WriteString(errorStyle.Render(m.errMsg))
		} else {
			b.WriteString(mutedStyle.Render("Connecting..."))
		}
		b.WriteString("\n")
		b.WriteString(m.renderFooter())
		return b.String()
	}

	cards := lipgloss.JoinHorizontal(lipgloss.Top,
		renderCard("Requests", humanize.Comma(m.stats.Requests)),
		renderCard("Today", humanize.Comma(m.insights.Today)),
		renderCard("CO2", m.insights.CO2+"g"),
		renderCard("Level", m.levelLabel()),
	)
	b.WriteString(cards)
	b.WriteString("\n")

	annoyance := "off"
	if m.stats.AnnoyanceMode {
		annoyance = "on 🎭"
	}
	fmt.Fprintf(&b, "Session: %s requests since %s · Annoyance mode: %s\n",
		humanize.Comma(m.stats.SessionRequests), humanize.Time(m.stats.SessionStart), annoyance)
	fmt.Fprintf(&b, "About %s\n\n", m.insights.Equivalent)

	for _, insight := range m.insights.Insights {
		line := "• " + insight.Text
		if insight.Type == status.InsightPositive {
			line = positiveStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if history := m.renderHistory(); history != "" {
		b.WriteString("\n")
		b.WriteString(history)
	}

	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m *Model) levelLabel() string {
	label := fmt.Sprintf("%g", m.stats.WarningLevel)
	if style, ok := levelStyles[m.stats.WarningLevel]; ok {
		return style.Render(label)
	}
	return label
}

func (m *Model) renderHistory() string {
	if len(m.daily.Days) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m.daily.Days))
	for key := range m.daily.Days {
		keys = append(keys, key)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	if len(keys) > historyDays {
		keys = keys[:historyDays]
	}

	var peak int64
	for _, key := range keys {
		if r := m.daily.Days[key].Requests; r > peak {
			peak = r
		}
	}

	var b strings.Builder
	b.WriteString(cardTitleStyle.Render("Last days"))
	b.WriteString("\n")
	for _, key := range keys {
		day := m.daily.Days[key]
		bar := 0
		if peak > 0 {
			bar = int(day.Requests * 20 / peak)
		}
		fmt.Fprintf(&b, "%s %-20s %s\n", key, strings.Repeat("█", bar), humanize.Comma(day.Requests))
	}
	return b.String()
}

func (m *Model) renderFooter() string {
	parts := []string{"r reset", "a toggle annoyance", "q quit"}
	footer := mutedStyle.Render(strings.Join(parts, " · "))
	if !m.updated.IsZero() {
		footer += mutedStyle.Render(" · updated " + humanize.RelTime(m.updated, m.now(), "ago", "from now"))
	}
	if m.notice != "" {
		footer += "\n" + m.notice
	}
	if m.loaded && m.errMsg != "" {
		footer += "\n" + errorStyle.Render(m.errMsg)
	}
	return footer
}

func renderCard(title, value string) string {
	return cardStyle.Render(cardTitleStyle.Render(title) + "\n" + cardValueStyle.Render(value))
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) refresh() tea.Cmd {
	source := m.source
	now := m.now
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		stats, err := source.Stats(ctx)
		if err != nil {
			return errMsg{err}
		}
		daily, err := source.Daily(ctx)
		if err != nil {
			return errMsg{err}
		}
		insights, err := source.Insights(ctx)
		if err != nil {
			return errMsg{err}
		}
		return snapshotMsg{stats: stats, daily: daily, insights: insights, at: now()}
	}
}

func (m *Model) reset() tea.Cmd {
	source := m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := source.Reset(ctx); err != nil {
			return errMsg{err}
		}
		return noticeMsg("Counters reset")
	}
}

func (m *Model) toggleAnnoyance() tea.Cmd {
	source := m.source
	want := !m.stats.AnnoyanceMode
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		enabled, err := source.SetAnnoyanceMode(ctx, want)
		if err != nil {
			return errMsg{err}
		}
		if enabled {
			return noticeMsg("🎭 Enabled! Prepare yourself...")
		}
		return noticeMsg("🎭 Disabled (boring)")
	}
}

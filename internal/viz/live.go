package viz

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"
	"github.com/san-kum/simcap/internal/capture"
)

const (
	historyCapacity = 240
	sparkWidth      = 32
	barWidth        = 40
	refresh         = time.Second / 20
)

var (
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true).MarginBottom(1)
	graphStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("49")).Padding(1, 0)
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).MarginTop(1)
)

// ProgressMsg carries one sealed tick into the view.
type ProgressMsg struct {
	Result  capture.TickResult
	Total   int
	Retries int
}

// DoneMsg ends the capture. Err is nil on a clean finish.
type DoneMsg struct {
	RunID string
	Err   error
}

type TickMsg time.Time

type seriesView struct {
	id       string
	channels []string
	samples  int
	partial  int
	late     int
	history  map[string][]float64
}

func (v *seriesView) observe(smp capture.Sample) {
	v.samples++
	if !smp.Complete {
		v.partial++
	}
	v.late += smp.Late
	for _, ch := range v.channels {
		val, ok := smp.Value(ch)
		if !ok {
			val = math.NaN()
		}
		h := append(v.history[ch], val)
		if len(h) > historyCapacity {
			h = h[len(h)-historyCapacity:]
		}
		v.history[ch] = h
	}
}

// Model is a live view of a running capture session.
type Model struct {
	title    string
	series   []*seriesView
	selected int
	channel  int
	tick     uint64
	time     float64
	total    int
	retries  int
	started  time.Time
	elapsed  time.Duration
	done     bool
	runID    string
	err      error
}

// NewModel builds a view for the given series schemas, keyed by series id.
func NewModel(title string, schemas map[string][]string) Model {
	ids := make([]string, 0, len(schemas))
	for id := range schemas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	m := Model{title: title, started: time.Now()}
	for _, id := range ids {
		m.series = append(m.series, &seriesView{
			id:       id,
			channels: append([]string(nil), schemas[id]...),
			history:  make(map[string][]float64),
		})
	}
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Tick(refresh, func(t time.Time) tea.Msg { return TickMsg(t) })
}

// Update folds progress into the view and handles keys.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab", "down", "j":
			if len(m.series) > 0 {
				m.selected = (m.selected + 1) % len(m.series)
				m.channel = 0
			}
		case "shift+tab", "up", "k":
			if len(m.series) > 0 {
				m.selected = (m.selected + len(m.series) - 1) % len(m.series)
				m.channel = 0
			}
		case "right", "l":
			if v := m.current(); v != nil && len(v.channels) > 0 {
				m.channel = (m.channel + 1) % len(v.channels)
			}
		case "left", "h":
			if v := m.current(); v != nil && len(v.channels) > 0 {
				m.channel = (m.channel + len(v.channels) - 1) % len(v.channels)
			}
		}
	case ProgressMsg:
		m.apply(msg)
	case DoneMsg:
		m.done = true
		m.runID = msg.RunID
		m.err = msg.Err
		m.elapsed = time.Since(m.started)
		return m, tea.Quit
	case TickMsg:
		if m.done {
			return m, nil
		}
		m.elapsed = time.Since(m.started)
		return m, tea.Tick(refresh, func(t time.Time) tea.Msg { return TickMsg(t) })
	}
	return m, nil
}

func (m *Model) apply(p ProgressMsg) {
	m.tick = p.Result.Tick
	m.time = p.Result.Time
	m.total = p.Total
	m.retries = p.Retries
	for _, v := range m.series {
		if smp, ok := p.Result.Samples[v.id]; ok {
			v.observe(smp)
		}
	}
}

func (m Model) current() *seriesView {
	if m.selected < 0 || m.selected >= len(m.series) {
		return nil
	}
	return m.series[m.selected]
}

func (m Model) View() string {
	var s strings.Builder
	s.WriteString(headerStyle.Render(strings.ToUpper(m.title)) + "\n")

	switch {
	case m.done && m.err != nil:
		s.WriteString(StatusFailed.Render("FAILED") + " " + Subtle.Render(m.err.Error()) + "\n")
	case m.done:
		s.WriteString(StatusDone.Render("DONE") + " " + Subtle.Render(m.runID) + "\n")
	default:
		s.WriteString(StatusRunning.Render("CAPTURING") + "\n")
	}

	fraction := 0.0
	if m.total > 0 {
		fraction = float64(m.tick+1) / float64(m.total)
	}
	s.WriteString(fmt.Sprintf("%s %s\n", ProgressBar(fraction, barWidth), MetricValue.Render(formatPercent(fraction))))
	s.WriteString(MetricLabel.Render("tick ") + MetricValue.Render(fmt.Sprintf("%d/%d", m.tick+1, m.total)) +
		MetricLabel.Render("  sim ") + MetricValue.Render(fmt.Sprintf("%.2fs", m.time)) +
		MetricLabel.Render("  wall ") + MetricValue.Render(m.elapsed.Round(100*time.Millisecond).String()) +
		MetricLabel.Render("  retries ") + MetricValue.Render(fmt.Sprint(m.retries)) + "\n\n")

	var rows strings.Builder
	rows.WriteString(MetricLabel.Render(fmt.Sprintf("%-24s %8s %8s %6s  %s", "series", "complete", "partial", "late", "trace")) + "\n")
	for i, v := range m.series {
		ratio := 1.0
		if v.samples > 0 {
			ratio = float64(v.samples-v.partial) / float64(v.samples)
		}
		name := fmt.Sprintf("%-24s", v.id)
		if i == m.selected {
			name = Selected.Render(name)
		}
		trace := ""
		if len(v.channels) > 0 {
			ch := v.channels[0]
			if i == m.selected {
				ch = v.channels[m.channel%len(v.channels)]
			}
			trace = Sparkline(v.history[ch], sparkWidth)
		}
		rows.WriteString(fmt.Sprintf("%s %8s %8d %6d  %s\n", name, Completeness(ratio), v.partial, v.late, trace))
	}
	s.WriteString(Panel.Render(strings.TrimRight(rows.String(), "\n")) + "\n")

	if v := m.current(); v != nil && len(v.channels) > 0 {
		ch := v.channels[m.channel%len(v.channels)]
		if vals := present(v.history[ch]); len(vals) > 1 {
			chart := asciigraph.Plot(vals, asciigraph.Height(6), asciigraph.Width(60), asciigraph.Caption(v.id+" "+ch))
			s.WriteString(graphStyle.Render(chart) + "\n")
		}
	}

	s.WriteString(helpStyle.Render("Q:Quit  Tab/↑↓:Series  ←→:Channel"))
	return s.String()
}

// present drops absent entries; asciigraph has no notion of gaps.
func present(vals []float64) []float64 {
	out := make([]float64, 0, len(vals))
	for _, v := range vals {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

func formatPercent(f float64) string {
	return fmt.Sprintf("%5.1f%%", 100*f)
}

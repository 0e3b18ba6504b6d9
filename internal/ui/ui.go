// Package ui renders a live terminal view of monitored property targets
// using Bubble Tea.
package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// freshFor is how long a freshly changed value stays highlighted.
const freshFor = 2 * time.Second

// PropertyMsg updates one property of a target. Removed marks a property
// that no longer has a value.
type PropertyMsg struct {
	Target  string
	Name    string
	Value   string
	Removed bool
}

// ResetMsg replaces a target's full property set.
type ResetMsg struct {
	Target string
	Props  map[string]string
}

// StateMsg updates a target's availability and error line.
type StateMsg struct {
	Target    string
	Available bool
	Err       string
}

type tickMsg time.Time

type targetState struct {
	name      string
	available bool
	err       string
	props     map[string]string
	changedAt map[string]time.Time
}

// Model is the root Bubble Tea model: one section per target, sorted
// property rows, recently changed values highlighted.
type Model struct {
	targets []*targetState
	byName  map[string]*targetState
	width   int
	styles  styles
}

type styles struct {
	title     lipgloss.Style
	target    lipgloss.Style
	available lipgloss.Style
	lost      lipgloss.Style
	errLine   lipgloss.Style
	key       lipgloss.Style
	value     lipgloss.Style
	fresh     lipgloss.Style
	help      lipgloss.Style
}

func newStyles() styles {
	return styles{
		title:     lipgloss.NewStyle().Bold(true),
		target:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		available: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		lost:      lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		errLine:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Faint(true),
		key:       lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
		value:     lipgloss.NewStyle(),
		fresh:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11")),
		help:      lipgloss.NewStyle().Faint(true),
	}
}

// New creates a model with one empty section per target name, in the given
// order.
func New(targetNames []string) Model {
	m := Model{
		byName: make(map[string]*targetState),
		styles: newStyles(),
	}
	for _, name := range targetNames {
		m.ensure(name)
	}
	return m
}

func (m *Model) ensure(name string) *targetState {
	if t, ok := m.byName[name]; ok {
		return t
	}
	t := &targetState{
		name:      name,
		props:     make(map[string]string),
		changedAt: make(map[string]time.Time),
	}
	m.targets = append(m.targets, t)
	m.byName[name] = t
	return t
}

func tick() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Init() tea.Cmd {
	return tick()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tickMsg:
		// Redraw so fresh highlights fade out.
		return m, tick()

	case PropertyMsg:
		t := m.ensure(msg.Target)
		if msg.Removed {
			delete(t.props, msg.Name)
			delete(t.changedAt, msg.Name)
		} else {
			t.props[msg.Name] = msg.Value
			t.changedAt[msg.Name] = time.Now()
		}

	case ResetMsg:
		t := m.ensure(msg.Target)
		t.props = make(map[string]string, len(msg.Props))
		t.changedAt = make(map[string]time.Time)
		for k, v := range msg.Props {
			t.props[k] = v
		}

	case StateMsg:
		t := m.ensure(msg.Target)
		t.available = msg.Available
		t.err = msg.Err
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.styles.title.Render("dbus-propmon"))
	b.WriteString("\n\n")

	now := time.Now()
	for _, t := range m.targets {
		status := m.styles.lost.Render("lost")
		if t.available {
			status = m.styles.available.Render("available")
		}
		fmt.Fprintf(&b, "%s  [%s]\n", m.styles.target.Render(t.name), status)
		if t.err != "" {
			b.WriteString("  " + m.styles.errLine.Render(t.err) + "\n")
		}

		names := make([]string, 0, len(t.props))
		for name := range t.props {
			names = append(names, name)
		}
		sort.Strings(names)

		width := 0
		for _, name := range names {
			if len(name) > width {
				width = len(name)
			}
		}
		for _, name := range names {
			valueStyle := m.styles.value
			if at, ok := t.changedAt[name]; ok && now.Sub(at) < freshFor {
				valueStyle = m.styles.fresh
			}
			fmt.Fprintf(&b, "  %s  %s\n",
				m.styles.key.Render(fmt.Sprintf("%-*s", width, name)),
				valueStyle.Render(t.props[name]))
		}
		b.WriteString("\n")
	}

	b.WriteString(m.styles.help.Render("q: quit"))
	b.WriteString("\n")
	return b.String()
}

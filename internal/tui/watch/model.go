package watch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/drover/internal/events"
)

type eventMsg events.Event
type tickMsg time.Time

// Model is the main BubbleTea model for the run watch TUI. It subscribes
// directly to the in-process events hub; there is no network hop.
type Model struct {
	hub *events.Hub

	width  int
	height int

	runID    string
	total    int
	finished bool
	summary  string

	targets  map[string]*TargetState
	eventLog []events.Event

	spin  spinner.Model
	theme Theme

	hubEvents chan events.Event
	unsub     func()
}

// New creates a new watch TUI model subscribed to hub.
func New(hub *events.Hub) *Model {
	theme := NewDefaultTheme()

	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = theme.Highlight

	return &Model{
		hub:       hub,
		targets:   make(map[string]*TargetState),
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		spin:      spin,
		theme:     theme,
	}
}

func (m *Model) Init() tea.Cmd {
	ch, cancel := m.hub.Subscribe()
	m.unsub = cancel
	go func() {
		for ev := range ch {
			m.hubEvents <- ev
		}
	}()

	return tea.Batch(
		receiveNextEvent(m.hubEvents),
		m.spin.Tick,
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func receiveNextEvent(ch chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.unsub != nil {
				m.unsub()
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case eventMsg:
		e := events.Event(msg)

		// Newest first, bounded.
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > 20 {
			m.eventLog = m.eventLog[:20]
		}

		switch e.Type {
		case events.TypeRunStarted:
			var data struct {
				RunID   string `json:"run_id"`
				Targets int    `json:"targets"`
			}
			if err := json.Unmarshal(e.Data, &data); err == nil {
				m.runID = data.RunID
				m.total = data.Targets
			}
		case events.TypeRunFinished:
			var data struct {
				Succeeded int `json:"succeeded"`
				Failed    int `json:"failed"`
				Stalls    int `json:"stalls"`
			}
			m.finished = true
			if err := json.Unmarshal(e.Data, &data); err == nil {
				m.summary = fmt.Sprintf("%d succeeded, %d failed, %d stalls", data.Succeeded, data.Failed, data.Stalls)
			}
		default:
			updateTargetState(m.targets, e)
		}

		return m, receiveNextEvent(m.hubEvents)
	}

	return m, nil
}

func (m *Model) View() string {
	if m.width == 0 {
		return "Initializing watch..."
	}

	var header string
	if m.finished {
		header = m.theme.Title.Render(fmt.Sprintf("drover run %s - finished: %s", m.runID, m.summary)) +
			m.theme.Dim.Render("  press q to exit")
	} else {
		header = m.spin.View() + m.theme.Title.Render(fmt.Sprintf("drover run %s - %d targets", m.runID, m.total))
	}

	targets := renderTargets(m.targets, m.theme, m.width)
	stream := m.renderEventStream()

	help := m.theme.Dim.Render(" [q] Quit")

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, header, targets, stream, help),
	)
}

func (m *Model) renderEventStream() string {
	var b strings.Builder
	b.WriteString(m.theme.Header.Render("EVENTS"))
	b.WriteString("\n")
	for _, ev := range m.eventLog {
		line := fmt.Sprintf("%s %-20s %s", ev.At.Local().Format("15:04:05"), ev.Type, string(ev.Data))
		if len(line) > m.width-8 && m.width > 12 {
			line = line[:m.width-8]
		}
		b.WriteString(m.theme.Dim.Render(line))
		b.WriteString("\n")
	}
	return m.theme.Border.Width(m.width - 6).Render(b.String())
}

// Package tui renders a live terminal view of the download manager.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"dlm/pkg/events"
	"dlm/pkg/manager"
	"dlm/pkg/task"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")).MarginBottom(1)
	selectedStyle = lipgloss.NewStyle().Bold(true)
	dimStyle      = lipgloss.NewStyle().Faint(true)
	greenStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	yellowStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	redStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	cyanStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
)

type eventMsg events.Event

// Model is the Bubble Tea model monitoring a running manager.
type Model struct {
	mgr     *manager.Manager
	tasks   []*task.Task
	cursor  int
	spin    spinner.Model
	bar     progress.Model
	eventCh <-chan events.Event
	unsub   func()
	width   int
	// quit when every task is terminal and the caller asked for that
	exitWhenDone bool
}

// New builds the model. When exitWhenDone is set the program quits as
// soon as every known task reaches a terminal state.
func New(mgr *manager.Manager, hub *events.Hub, exitWhenDone bool) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = cyanStyle

	bar := progress.New(progress.WithDefaultGradient())
	bar.Width = 40

	ch, unsub := hub.Subscribe(256)
	return Model{
		mgr:          mgr,
		tasks:        mgr.Tasks(),
		spin:         sp,
		bar:          bar,
		eventCh:      ch,
		unsub:        unsub,
		width:        80,
		exitWhenDone: exitWhenDone,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.waitEvent())
}

func (m Model) waitEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.eventCh
		if !ok {
			return tea.Quit()
		}
		return eventMsg(ev)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(20, msg.Width-40)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.unsub()
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.tasks)-1 {
				m.cursor++
			}
		case "p":
			if t := m.selected(); t != nil {
				m.mgr.Pause(t.ID)
			}
		case "r":
			if t := m.selected(); t != nil {
				m.mgr.Resume(t.ID)
			}
		case "c":
			if t := m.selected(); t != nil {
				m.mgr.Cancel(t.ID)
			}
		case "x":
			m.mgr.RemoveCompleted()
		}
		return m, nil

	case eventMsg:
		m.tasks = m.mgr.Tasks()
		if m.cursor >= len(m.tasks) {
			m.cursor = max(0, len(m.tasks)-1)
		}
		if m.exitWhenDone && m.allTerminal() {
			m.unsub()
			return m, tea.Quit
		}
		return m, m.waitEvent()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("dlm — downloads"))
	b.WriteString("\n")

	if len(m.tasks) == 0 {
		b.WriteString(dimStyle.Render("nothing queued"))
		b.WriteString("\n")
	}
	for i, t := range m.tasks {
		b.WriteString(m.renderTask(t, i == m.cursor))
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("↑/↓ select · p pause · r resume · c cancel · x clear done · q quit"))
	b.WriteString("\n")
	return b.String()
}

func (m Model) renderTask(t *task.Task, selected bool) string {
	marker := "  "
	if selected {
		marker = selectedStyle.Render("> ")
	}

	name := t.FileName
	if len(name) > 28 {
		name = name[:25] + "..."
	}

	var status string
	switch t.State {
	case task.StateDownloading:
		status = m.spin.View() + cyanStyle.Render(string(t.State))
	case task.StateCompleted:
		status = greenStyle.Render("✓ " + string(t.State))
	case task.StateFailed:
		status = redStyle.Render("✗ " + string(t.State))
	case task.StateCancelled:
		status = dimStyle.Render(string(t.State))
	case task.StatePaused:
		status = yellowStyle.Render(string(t.State))
	default:
		status = dimStyle.Render(string(t.State))
	}

	detail := humanize.Bytes(uint64(t.DownloadedBytes))
	if t.ExpectedBytes > 0 {
		detail += " / " + humanize.Bytes(uint64(t.ExpectedBytes))
	}
	if t.Speed > 0 {
		detail += fmt.Sprintf(" (%s/s)", humanize.Bytes(uint64(t.Speed)))
	}

	line := fmt.Sprintf("%s%-28s %s %s  %s\n",
		marker, name, m.bar.ViewAs(t.Progress), status, dimStyle.Render(detail))
	if t.Error != "" {
		line += "    " + redStyle.Render(t.Error) + "\n"
	}
	return line
}

func (m Model) selected() *task.Task {
	if m.cursor < 0 || m.cursor >= len(m.tasks) {
		return nil
	}
	return m.tasks[m.cursor]
}

func (m Model) allTerminal() bool {
	if len(m.tasks) == 0 {
		return false
	}
	for _, t := range m.tasks {
		if !t.State.Terminal() {
			return false
		}
	}
	return true
}

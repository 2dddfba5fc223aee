package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/koscakluka/ema-pipeline/core/frames"
	"github.com/muesli/reflow/wordwrap"
)

// conversation is the part of the orchestrator the console drives.
type conversation interface {
	SendPrompt(prompt string) error
	CancelTurn()
	EndSession()
}

type role int

const (
	roleUser role = iota
	roleAgent
	roleTool
	roleError
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	roleStyles = map[role]lipgloss.Style{
		roleUser:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		roleAgent: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170")),
		roleTool:  lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("241")),
		roleError: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
	}
	roleLabels = map[role]string{
		roleUser:  "you:",
		roleAgent: "agent:",
		roleTool:  "tool:",
		roleError: "error:",
	}
)

type entry struct {
	role        role
	text        string
	turnID      string
	done        bool
	interrupted bool
}

type (
	frameMsg        struct{ frame frames.Frame }
	errorMsg        struct{ err error }
	sessionEndedMsg struct{ err error }
)

type consoleModel struct {
	conversation conversation
	input        textinput.Model
	entries      []entry
	width        int
	ended        bool
}

func newConsoleModel(c conversation) consoleModel {
	input := textinput.New()
	input.Placeholder = "Ask the support agent..."
	input.CharLimit = 500
	input.Focus()

	return consoleModel{conversation: c, input: input, width: 80}
}

func (m consoleModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.conversation.EndSession()
			return m, tea.Quit
		case tea.KeyCtrlX:
			m.conversation.CancelTurn()
			return m, nil
		case tea.KeyEnter:
			m.submit()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.input.Width = max(msg.Width-4, 10)
		return m, nil

	case frameMsg:
		m.onFrame(msg.frame)
		return m, nil

	case errorMsg:
		m.entries = append(m.entries, entry{role: roleError, text: msg.err.Error()})
		return m, nil

	case sessionEndedMsg:
		m.ended = true
		if msg.err != nil {
			m.entries = append(m.entries, entry{role: roleError, text: msg.err.Error()})
		}
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *consoleModel) submit() {
	prompt := strings.TrimSpace(m.input.Value())
	if prompt == "" {
		return
	}
	m.input.Reset()

	if err := m.conversation.SendPrompt(prompt); err != nil {
		m.entries = append(m.entries, entry{role: roleError, text: err.Error()})
		return
	}
	m.entries = append(m.entries, entry{role: roleUser, text: prompt})
}

func (m *consoleModel) onFrame(frame frames.Frame) {
	switch f := frame.(type) {
	case frames.LLMTokenDelta:
		answer := m.answer(f.TurnID)
		answer.text += f.Text

	case frames.ToolCallRequest:
		m.entries = append(m.entries, entry{role: roleTool, text: fmt.Sprintf("%s %s", f.Name, f.Arguments)})

	case frames.EndOfTurn:
		for i := range m.entries {
			if m.entries[i].role == roleAgent && m.entries[i].turnID == f.TurnID {
				m.entries[i].done = true
				m.entries[i].interrupted = f.Cancelled
			}
		}
	}
}

// answer returns the entry the text of a turn goes to. Text that follows a
// tool call starts a new entry.
func (m *consoleModel) answer(turnID string) *entry {
	if last := len(m.entries) - 1; last >= 0 {
		if e := &m.entries[last]; e.role == roleAgent && e.turnID == turnID && !e.done {
			return e
		}
	}
	m.entries = append(m.entries, entry{role: roleAgent, turnID: turnID})
	return &m.entries[len(m.entries)-1]
}

func (m consoleModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Customer support") + "\n\n")

	width := max(m.width-2, 20)
	for _, e := range m.entries {
		b.WriteString(renderEntry(e, width))
		b.WriteString("\n")
	}

	if m.ended {
		b.WriteString("\n" + helpStyle.Render("session ended") + "\n")
		return b.String()
	}
	b.WriteString("\n" + m.input.View() + "\n")
	b.WriteString(helpStyle.Render("enter: send  ctrl+x: interrupt  esc: quit"))
	return b.String()
}

func renderEntry(e entry, width int) string {
	label := roleLabels[e.role]
	text := e.text
	if e.interrupted {
		text += " [interrupted]"
	}

	wrapped := wordwrap.String(label+" "+text, width)
	return roleStyles[e.role].Render(label) + strings.TrimPrefix(wrapped, label)
}

// Package tui is the terminal front-end of the chat session, built on Bubble Tea.
package tui

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/MegaGrindStone/curator-chat/internal/models"
	"github.com/MegaGrindStone/curator-chat/internal/session"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Session defines the chat session operations the terminal front-end drives. It is implemented by
// session.Controller.
type Session interface {
	Submit(text string) error
	Reset()
	Messages() []models.Message
	Busy() bool
	Subscribe(fn func(models.Change)) func()
}

// Model is the Bubble Tea model of the chat screen: a transcript viewport that follows the newest
// message, and an input that is disabled while a reply is streaming.
type Model struct {
	session     Session
	changes     chan struct{}
	unsubscribe func()
	// grown is set by the observer when the transcript gained content since the last render.
	grown *atomic.Bool

	viewport viewport.Model
	input    textarea.Model
	spinner  spinner.Model

	width  int
	height int
	notice string
}

// changedMsg tells the model the session changed since the last render.
type changedMsg struct{}

const (
	inputHeight  = 3
	headerHeight = 2
	footerHeight = 2

	busyNotice = "Please wait for the current reply to finish."
)

var welcomePrompts = []string{
	"I need emergency shelter assistance",
	"Where can I find food distribution centers?",
	"How do I apply for emergency aid?",
	"What mental health resources are available?",
}

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("33"))
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	mutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	noticeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// New creates the chat screen over s. Session changes are coalesced: however many arrive between two
// renders, the screen is rendered once from the latest snapshot.
func New(s Session) Model {
	ta := textarea.New()
	ta.Placeholder = "Describe how we can assist you..."
	ta.ShowLineNumbers = false
	ta.CharLimit = 0
	ta.SetHeight(inputHeight)
	// Enter submits, newlines are inserted by the model itself.
	ta.KeyMap.InsertNewline.SetEnabled(false)
	ta.Focus()

	sp := spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(mutedStyle))

	changes := make(chan struct{}, 1)
	grown := &atomic.Bool{}
	m := Model{
		session:  s,
		changes:  changes,
		grown:    grown,
		viewport: viewport.New(80, 20),
		input:    ta,
		spinner:  sp,
	}
	m.unsubscribe = s.Subscribe(func(c models.Change) {
		if c.Grows() {
			grown.Store(true)
		}
		select {
		case changes <- struct{}{}:
		default:
		}
	})
	m.refresh()
	m.viewport.GotoBottom()

	return m
}

// Close stops listening to the session.
func (m Model) Close() {
	m.unsubscribe()
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.spinner.Tick, waitForChange(m.changes))
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.SetWidth(msg.Width)
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-inputHeight-headerHeight-footerHeight, 1)
		m.refresh()
		m.viewport.GotoBottom()
		return m, nil

	case changedMsg:
		m.refresh()
		// New content follows the newest message, other changes keep the reading position.
		if m.grown.Swap(false) {
			m.viewport.GotoBottom()
		}
		if !m.session.Busy() {
			m.notice = ""
		}
		return m, waitForChange(m.changes)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if m.session.Busy() {
			m.refresh()
		}
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "ctrl+n":
		m.session.Reset()
		m.input.Reset()
		m.notice = ""
		return m, nil
	case "alt+enter", "ctrl+j":
		if !m.session.Busy() {
			m.input.InsertString("\n")
		}
		return m, nil
	case "enter":
		return m.submit()
	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	if m.session.Busy() {
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	err := m.session.Submit(m.input.Value())
	switch {
	case err == nil:
		m.input.Reset()
		m.notice = ""
	case errors.Is(err, session.ErrBusy):
		m.notice = busyNotice
	case errors.Is(err, session.ErrEmptyQuestion):
	default:
		m.notice = err.Error()
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render("Community Curator"))
	sb.WriteString("\n\n")
	sb.WriteString(m.viewport.View())
	sb.WriteString("\n")

	if m.notice != "" {
		sb.WriteString(noticeStyle.Render(m.notice))
	}
	sb.WriteString("\n")

	if m.session.Busy() {
		sb.WriteString(mutedStyle.Render("Waiting for the reply..."))
	} else {
		sb.WriteString(m.input.View())
	}
	sb.WriteString("\n")
	sb.WriteString(mutedStyle.Render("enter send • alt+enter newline • ctrl+n new chat • ctrl+c quit"))

	return sb.String()
}

// refresh re-renders the transcript from the session snapshot. The scroll position is kept unless it
// falls past the new content.
func (m *Model) refresh() {
	busy := m.session.Busy()
	if busy {
		m.input.Blur()
	} else {
		m.input.Focus()
	}

	m.viewport.SetContent(renderTranscript(m.session.Messages(), busy, m.spinner.View(), m.viewport.Width))
}

func renderTranscript(msgs []models.Message, busy bool, spinnerFrame string, width int) string {
	if len(msgs) == 0 {
		var sb strings.Builder
		sb.WriteString("How can we help you today?\n")
		sb.WriteString(mutedStyle.Render("Get assistance with emergency services, resources, and support."))
		sb.WriteString("\n\n")
		for _, p := range welcomePrompts {
			sb.WriteString(mutedStyle.Render("  • " + p))
			sb.WriteString("\n")
		}
		return sb.String()
	}

	body := lipgloss.NewStyle()
	if width > 2 {
		body = body.Width(width - 2)
	}

	var sb strings.Builder
	for i, msg := range msgs {
		if i > 0 {
			sb.WriteString("\n")
		}

		switch msg.Role {
		case models.RoleUser:
			sb.WriteString(userStyle.Render("You"))
		default:
			sb.WriteString(assistantStyle.Render("Curator"))
		}
		sb.WriteString(mutedStyle.Render(" " + msg.Timestamp.Format("15:04")))
		sb.WriteString("\n")

		switch models.StreamingStateOf(msg, i == len(msgs)-1, busy) {
		case models.StreamingStateLoading:
			sb.WriteString(spinnerFrame + " " + mutedStyle.Render("Thinking..."))
		case models.StreamingStateStreaming:
			sb.WriteString(body.Render(msg.Content + " " + spinnerFrame))
		default:
			sb.WriteString(body.Render(msg.Content))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func waitForChange(changes <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-changes
		return changedMsg{}
	}
}

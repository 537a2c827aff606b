package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	orchestration "github.com/koscakluka/ema-agent/core"
	"github.com/koscakluka/ema-agent/core/events"
	"github.com/koscakluka/ema-agent/core/maincontrol"
	"github.com/koscakluka/ema-agent/core/transport"
	"github.com/muesli/reflow/wordwrap"
)

const typedSessionID = "1"

type transcriptMsg maincontrol.Transcript

type statusMsg string

type entry struct {
	role      string
	streamID  int
	reasoning bool
	text      string
	final     bool
}

// transcriptLog merges streamed transcripts: a non-final transcript replaces
// the pending entry of the same stream until it is finalized.
type transcriptLog struct {
	entries []entry
}

func (l *transcriptLog) apply(t maincontrol.Transcript) {
	next := entry{role: t.Role, streamID: t.StreamID, text: t.Text, final: t.IsFinal}
	if t.DataType == maincontrol.TranscriptRaw {
		var reasoning maincontrol.ReasoningMessage
		if err := json.Unmarshal([]byte(t.Text), &reasoning); err == nil && reasoning.Type == "reasoning" {
			next.reasoning = true
			next.text = reasoning.Data.Text
		}
	}

	for i := len(l.entries) - 1; i >= 0; i-- {
		pending := &l.entries[i]
		if pending.final {
			continue
		}
		if pending.role == next.role && pending.streamID == next.streamID && pending.reasoning == next.reasoning {
			*pending = next
			return
		}
	}
	l.entries = append(l.entries, next)
}

type theme struct {
	header    lipgloss.Style
	panel     lipgloss.Style
	user      lipgloss.Style
	assistant lipgloss.Style
	reasoning lipgloss.Style
	pending   lipgloss.Style
	status    lipgloss.Style
	helpText  lipgloss.Style
}

func newTheme() theme {
	mint := lipgloss.Color("#05ffa1")
	blue := lipgloss.Color("#01cdfe")
	muted := lipgloss.Color("#9ca3d8")
	return theme{
		header: lipgloss.NewStyle().Bold(true).Foreground(blue).Padding(0, 1),
		panel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(muted).
			Padding(0, 1),
		user:      lipgloss.NewStyle().Foreground(mint).Bold(true),
		assistant: lipgloss.NewStyle().Foreground(blue).Bold(true),
		reasoning: lipgloss.NewStyle().Foreground(muted).Italic(true),
		pending:   lipgloss.NewStyle().Foreground(muted),
		status:    lipgloss.NewStyle().Foreground(blue),
		helpText:  lipgloss.NewStyle().Foreground(muted),
	}
}

type model struct {
	ctx     context.Context
	session *orchestration.Session

	input    textinput.Model
	timeline viewport.Model
	log      transcriptLog
	status   string
	theme    theme

	width  int
	height int
}

func newModel(ctx context.Context, session *orchestration.Session) model {
	input := textinput.New()
	input.Prompt = "> "
	input.CharLimit = 2000
	input.Placeholder = "Say something to the assistant"
	input.Focus()

	return model{
		ctx:      ctx,
		session:  session,
		input:    input,
		timeline: viewport.New(0, 0),
		status:   "connecting",
		theme:    newTheme(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.joinCmd())
}

func (m model) joinCmd() tea.Cmd {
	return func() tea.Msg {
		cmd, err := transport.NewCommand(mainControlTarget, orchestration.CommandUserJoined, nil)
		if err != nil {
			return statusMsg(fmt.Sprintf("failed to join: %v", err))
		}
		if result := m.session.OnCommand(m.ctx, cmd); result.Err() != nil {
			return statusMsg(fmt.Sprintf("failed to join: %v", result.Err()))
		}
		return statusMsg("connected")
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.renderTimeline()

	case transcriptMsg:
		m.log.apply(maincontrol.Transcript(msg))
		m.renderTimeline()

	case statusMsg:
		m.status = string(msg)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "esc":
			m.session.Flush(m.ctx)
			m.status = "interrupted"
			return m, nil
		case "enter":
			text := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if text == "" {
				return m, nil
			}
			m.session.OnRecognitionResult(events.NewRecognitionResult(text, true, map[string]any{"session_id": typedSessionID}))
			m.status = "thinking"
			return m, nil
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.timeline, cmd = m.timeline.Update(msg)
			return m, cmd
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m model) View() string {
	header := m.theme.header.Render("ema agent")
	timeline := m.theme.panel.Width(max(20, m.width-2)).Render(m.timeline.View())
	input := m.theme.panel.Width(max(20, m.width-2)).Render(m.input.View())
	footer := m.theme.status.Render(m.status) + "  " +
		m.theme.helpText.Render("Enter send · Esc interrupt · PgUp/PgDn scroll · Ctrl+C quit")
	return lipgloss.JoinVertical(lipgloss.Left, header, timeline, input, footer)
}

func (m *model) resize() {
	m.timeline.Width = max(20, m.width-4)
	m.timeline.Height = max(5, m.height-9)
	m.input.Width = max(20, m.width-8)
}

func (m *model) renderTimeline() {
	m.timeline.SetContent(m.renderEntries(max(20, m.timeline.Width)))
	m.timeline.GotoBottom()
}

func (m *model) renderEntries(width int) string {
	if len(m.log.entries) == 0 {
		return m.theme.helpText.Render("No messages yet.")
	}

	var b strings.Builder
	for _, e := range m.log.entries {
		label := m.theme.assistant.Render("assistant")
		switch {
		case e.reasoning:
			label = m.theme.reasoning.Render("reasoning")
		case e.role == "user":
			label = m.theme.user.Render("you")
		}
		text := wordwrap.String(e.text, width)
		if e.reasoning {
			text = m.theme.reasoning.Render(text)
		} else if !e.final {
			text = m.theme.pending.Render(text)
		}
		b.WriteString(label)
		b.WriteString("\n")
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

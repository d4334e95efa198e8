// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Terminal chat client. It dials the same websocket event channel a
// browser UI would and renders the frames as a scrolling transcript.
// Frames arrive asynchronously (the agent keeps emitting while a tool
// runs), so the whole screen is a bubbletea program: a viewport for the
// transcript, a textinput for prompts, and a reader goroutine feeding
// server frames in as messages.

package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/kodiakworks/kodiak/pkg/ux"
	"github.com/kodiakworks/kodiak/services/agent/datatypes"
)

func runChatCommand(cmd *cobra.Command, args []string) {
	if !isatty.IsTerminal(os.Stdin.Fd()) || !isatty.IsTerminal(os.Stdout.Fd()) {
		log.Fatal("chat needs an interactive terminal; use 'kodiak sessions' and friends for scripting")
	}

	ws, err := dialAgent()
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer ws.Close()

	sender := &wsSender{ws: ws}
	model := newChatModel(sender.send)

	p := tea.NewProgram(model, tea.WithAltScreen())

	// Reader goroutine: every server frame becomes a tea message. A read
	// error (disconnect, Close from our side) ends the program.
	go func() {
		for {
			var frame datatypes.Frame
			if err := ws.ReadJSON(&frame); err != nil {
				p.Send(connClosedMsg{err: err})
				return
			}
			p.Send(frameMsg{frame: frame})
		}
	}()

	final, err := p.Run()
	if err != nil {
		log.Fatalf("Chat error: %v", err)
	}
	if m, ok := final.(chatModel); ok && m.err != nil {
		ux.Error(fmt.Sprintf("Connection closed: %v", m.err))
		os.Exit(1)
	}
}

// wsSender serializes frame writes; the websocket allows one concurrent
// writer and tea commands run on their own goroutines.
type wsSender struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (s *wsSender) send(event string, payload any) error {
	frame, err := datatypes.NewFrame(event, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteJSON(frame)
}

// Messages delivered into the tea program.
type (
	frameMsg      struct{ frame datatypes.Frame }
	connClosedMsg struct{ err error }
	sendFailedMsg struct{ err error }
)

// chatLine is one transcript entry, stored unstyled so resizing can
// re-wrap the text.
type chatLine struct {
	style  lipgloss.Style
	prefix string
	text   string
}

type chatModel struct {
	send func(event string, payload any) error

	input   textinput.Model
	view    viewport.Model
	spin    spinner.Model
	lines   []chatLine
	session string

	width, height int
	ready         bool

	// working drives the spinner; it tracks observable activity, not
	// server state (the channel has no explicit task-lifecycle event).
	working         bool
	awaitingConfirm bool

	err      error
	quitting bool
}

func newChatModel(send func(event string, payload any) error) chatModel {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "ask the agent anything ('exit' to leave)"
	ti.CharLimit = 4096
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = ux.Styles.Muted

	return chatModel{
		send:    send,
		input:   ti,
		spin:    sp,
		session: "[New Session]",
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spin.Tick)
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			return m.submit()
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		chrome := 3 // header, status, input
		if !m.ready {
			m.view = viewport.New(msg.Width, max(1, msg.Height-chrome))
			m.ready = true
		} else {
			m.view.Width = msg.Width
			m.view.Height = max(1, msg.Height-chrome)
		}
		m.input.Width = max(16, msg.Width-4)
		m.refreshContent()
		return m, nil

	case frameMsg:
		m.apply(msg.frame)
		return m, nil

	case connClosedMsg:
		if !m.quitting {
			m.err = msg.err
		}
		return m, tea.Quit

	case sendFailedMsg:
		m.err = msg.err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.view, cmd = m.view.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// submit handles Enter: a confirmation answer when one is pending,
// otherwise a new task. The user line is not echoed locally; the server
// sends display_user_prompt back, which keeps replayed history and live
// input on one rendering path.
func (m chatModel) submit() (tea.Model, tea.Cmd) {
	value := strings.TrimSpace(m.input.Value())
	if value == "" {
		return m, nil
	}
	m.input.Reset()

	if m.awaitingConfirm {
		answer := "no"
		switch strings.ToLower(value) {
		case "y", "yes":
			answer = "yes"
		}
		m.awaitingConfirm = false
		m.working = true
		m.input.Placeholder = "ask the agent anything ('exit' to leave)"
		m.append(ux.Styles.System, "you", answer)
		return m, m.sendCmd(datatypes.EventUserConfirmation,
			datatypes.UserConfirmationPayload{Response: answer})
	}

	switch strings.ToLower(value) {
	case "exit", "quit", "/quit":
		m.quitting = true
		return m, tea.Quit
	}

	m.working = true
	return m, m.sendCmd(datatypes.EventStartTask, datatypes.StartTaskPayload{Prompt: value})
}

func (m chatModel) sendCmd(event string, payload any) tea.Cmd {
	send := m.send
	return func() tea.Msg {
		if err := send(event, payload); err != nil {
			return sendFailedMsg{err: err}
		}
		return nil
	}
}

// apply folds one server frame into the transcript.
func (m *chatModel) apply(frame datatypes.Frame) {
	switch frame.Event {
	case datatypes.EventLogMessage:
		var p datatypes.LogMessagePayload
		if json.Unmarshal(frame.Payload, &p) != nil {
			return
		}
		switch p.Type {
		case datatypes.MessageTypeUser:
			m.append(ux.Styles.User, "you", p.Data)
		case datatypes.MessageTypeFinalAnswer:
			m.working = false
			m.append(ux.Styles.Agent, "kodiak", p.Data)
		case datatypes.MessageTypeSystemConfirm, datatypes.MessageTypeSystemConfirmReplayed:
			m.append(ux.Styles.System, "confirm", p.Data)
		default: // info
			m.working = false
			m.append(ux.Styles.Agent, "kodiak", p.Data)
		}

	case datatypes.EventToolLog:
		var p datatypes.ToolLogPayload
		if json.Unmarshal(frame.Payload, &p) != nil {
			return
		}
		m.working = true
		m.append(ux.Styles.Tool, "tool", p.Data)

	case datatypes.EventDisplayUserPrompt:
		var p datatypes.DisplayUserPromptPayload
		if json.Unmarshal(frame.Payload, &p) != nil {
			return
		}
		m.working = true
		m.append(ux.Styles.User, "you", p.Prompt)

	case datatypes.EventRequestUserConfirmation:
		var p datatypes.RequestUserConfirmationPayload
		if json.Unmarshal(frame.Payload, &p) != nil {
			return
		}
		m.working = false
		m.awaitingConfirm = true
		m.input.Placeholder = "yes / no"
		m.append(ux.Styles.System, "confirm", p.Prompt)

	case datatypes.EventSessionNameUpdate:
		var p datatypes.SessionNameUpdatePayload
		if json.Unmarshal(frame.Payload, &p) != nil {
			return
		}
		m.session = p.Name

	case datatypes.EventClearChatHistory:
		m.lines = nil
		m.refreshContent()

	default:
		// session_list_update, db and trace frames have no place in the
		// transcript.
	}
}

func (m *chatModel) append(style lipgloss.Style, prefix, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	m.lines = append(m.lines, chatLine{style: style, prefix: prefix, text: text})
	m.refreshContent()
}

func (m *chatModel) refreshContent() {
	if !m.ready {
		return
	}
	rendered := make([]string, 0, len(m.lines))
	for _, l := range m.lines {
		rendered = append(rendered, renderLine(l, m.view.Width))
	}
	m.view.SetContent(strings.Join(rendered, "\n"))
	m.view.GotoBottom()
}

func renderLine(l chatLine, width int) string {
	head := l.style.Render(l.prefix + ":")
	body := l.text
	if width > 0 {
		body = lipgloss.NewStyle().Width(max(16, width-2)).Render(body)
	}
	return head + "\n" + indent(body, 2)
}

func indent(s string, n int) string {
	pad := strings.Repeat(" ", n)
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = pad + lines[i]
	}
	return strings.Join(lines, "\n")
}

func (m chatModel) View() string {
	if !m.ready {
		return "connecting..."
	}

	header := ux.Styles.Title.Render(string(ux.IconPaw)+" kodiak") + "  " +
		ux.Styles.Muted.Render(m.session)

	status := ux.Styles.Muted.Render("enter sends, esc quits")
	switch {
	case m.awaitingConfirm:
		status = ux.Styles.System.Render("the agent is waiting for yes / no")
	case m.working:
		status = m.spin.View() + ux.Styles.Muted.Render(" working...")
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.view.View(),
		status,
		m.input.View(),
	)
}

// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kodiakworks/kodiak/services/agent/datatypes"
)

// sentFrame records one frame a test model tried to send.
type sentFrame struct {
	event   string
	payload any
}

func testChatModel() (chatModel, *[]sentFrame) {
	var sent []sentFrame
	m := newChatModel(func(event string, payload any) error {
		sent = append(sent, sentFrame{event: event, payload: payload})
		return nil
	})
	return m, &sent
}

func mustFrame(t *testing.T, event string, payload any) datatypes.Frame {
	t.Helper()
	f, err := datatypes.NewFrame(event, payload)
	if err != nil {
		t.Fatalf("building %s frame: %v", event, err)
	}
	return f
}

// runCmd executes a returned tea.Cmd synchronously so the injected send
// function fires inside the test.
func runCmd(cmd tea.Cmd) tea.Msg {
	if cmd == nil {
		return nil
	}
	return cmd()
}

func TestChatModel_EchoesUserPromptFromServer(t *testing.T) {
	m, _ := testChatModel()

	m.apply(mustFrame(t, datatypes.EventDisplayUserPrompt,
		datatypes.DisplayUserPromptPayload{Prompt: "list my files"}))

	if len(m.lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(m.lines))
	}
	if m.lines[0].prefix != "you" || m.lines[0].text != "list my files" {
		t.Errorf("line = %+v", m.lines[0])
	}
	if !m.working {
		t.Error("working should be set once the server echoes the prompt")
	}
}

func TestChatModel_FinalAnswerStopsSpinner(t *testing.T) {
	m, _ := testChatModel()
	m.working = true

	m.apply(mustFrame(t, datatypes.EventLogMessage,
		datatypes.LogMessagePayload{Type: datatypes.MessageTypeFinalAnswer, Data: "Done."}))

	if m.working {
		t.Error("working should clear on a final answer")
	}
	if m.lines[len(m.lines)-1].prefix != "kodiak" {
		t.Errorf("prefix = %q, want kodiak", m.lines[len(m.lines)-1].prefix)
	}
}

func TestChatModel_SubmitSendsStartTask(t *testing.T) {
	m, sent := testChatModel()
	m.input.SetValue("write a haiku")

	model, cmd := m.submit()
	runCmd(cmd)

	if len(*sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(*sent))
	}
	got := (*sent)[0]
	if got.event != datatypes.EventStartTask {
		t.Errorf("event = %q, want start_task", got.event)
	}
	if p, ok := got.payload.(datatypes.StartTaskPayload); !ok || p.Prompt != "write a haiku" {
		t.Errorf("payload = %#v", got.payload)
	}

	cm := model.(chatModel)
	if !cm.working {
		t.Error("working should be set after submitting a task")
	}
	if cm.input.Value() != "" {
		t.Error("input should reset after submit")
	}
}

func TestChatModel_ConfirmationRoundTrip(t *testing.T) {
	cases := []struct {
		typed string
		want  string
	}{
		{"yes", "yes"},
		{"y", "yes"},
		{"no", "no"},
		{"anything else", "no"},
	}
	for _, tc := range cases {
		t.Run(tc.typed, func(t *testing.T) {
			m, sent := testChatModel()

			m.apply(mustFrame(t, datatypes.EventRequestUserConfirmation,
				datatypes.RequestUserConfirmationPayload{Prompt: "Delete everything?"}))
			if !m.awaitingConfirm {
				t.Fatal("awaitingConfirm should be set")
			}

			m.input.SetValue(tc.typed)
			model, cmd := m.submit()
			runCmd(cmd)

			if len(*sent) != 1 {
				t.Fatalf("sent %d frames, want 1", len(*sent))
			}
			got := (*sent)[0]
			if got.event != datatypes.EventUserConfirmation {
				t.Fatalf("event = %q, want user_confirmation", got.event)
			}
			if p := got.payload.(datatypes.UserConfirmationPayload); p.Response != tc.want {
				t.Errorf("response = %q, want %q", p.Response, tc.want)
			}
			if model.(chatModel).awaitingConfirm {
				t.Error("awaitingConfirm should clear after answering")
			}
		})
	}
}

func TestChatModel_ExitWordsQuit(t *testing.T) {
	for _, word := range []string{"exit", "quit", "/quit"} {
		m, sent := testChatModel()
		m.input.SetValue(word)

		model, _ := m.submit()

		if !model.(chatModel).quitting {
			t.Errorf("%q should quit the chat", word)
		}
		if len(*sent) != 0 {
			t.Errorf("%q should not send any frame", word)
		}
	}
}

func TestChatModel_ClearChatHistoryWipesTranscript(t *testing.T) {
	m, _ := testChatModel()
	m.apply(mustFrame(t, datatypes.EventLogMessage,
		datatypes.LogMessagePayload{Type: datatypes.MessageTypeInfo, Data: "hello"}))
	if len(m.lines) == 0 {
		t.Fatal("expected a transcript line")
	}

	m.apply(datatypes.Frame{Event: datatypes.EventClearChatHistory})
	if len(m.lines) != 0 {
		t.Errorf("lines = %d after clear, want 0", len(m.lines))
	}
}

func TestChatModel_SessionNameUpdates(t *testing.T) {
	m, _ := testChatModel()
	m.apply(mustFrame(t, datatypes.EventSessionNameUpdate,
		datatypes.SessionNameUpdatePayload{Name: "research"}))
	if m.session != "research" {
		t.Errorf("session = %q, want research", m.session)
	}
}

func TestChatModel_ToolLogRestartsSpinner(t *testing.T) {
	m, _ := testChatModel()

	// Prose accompanying a command clears the spinner; the tool running
	// right after proves the loop is still going.
	m.apply(mustFrame(t, datatypes.EventLogMessage,
		datatypes.LogMessagePayload{Type: datatypes.MessageTypeInfo, Data: "Working on it."}))
	if m.working {
		t.Fatal("info should clear working")
	}
	m.apply(mustFrame(t, datatypes.EventToolLog,
		datatypes.ToolLogPayload{Data: "[File created successfully at main.py]"}))
	if !m.working {
		t.Error("tool_log should set working")
	}
}

func TestChatModel_MalformedPayloadIsIgnored(t *testing.T) {
	m, _ := testChatModel()
	m.apply(datatypes.Frame{Event: datatypes.EventLogMessage, Payload: json.RawMessage(`{"type":`)})
	if len(m.lines) != 0 {
		t.Errorf("malformed payload should not append lines, got %d", len(m.lines))
	}
}

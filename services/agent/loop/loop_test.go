// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loop

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kodiakworks/kodiak/pkg/fault"
	"github.com/kodiakworks/kodiak/services/agent/audit"
	"github.com/kodiakworks/kodiak/services/agent/datatypes"
	"github.com/kodiakworks/kodiak/services/agent/memory"
	"github.com/kodiakworks/kodiak/services/agent/patch"
	"github.com/kodiakworks/kodiak/services/agent/sandbox"
	"github.com/kodiakworks/kodiak/services/agent/session"
	"github.com/kodiakworks/kodiak/services/agent/store"
	"github.com/kodiakworks/kodiak/services/agent/tools"
	"github.com/kodiakworks/kodiak/services/agent/worker"
	"github.com/kodiakworks/kodiak/services/haven/llm"
)

const loopConnID = "conn-loop-test"

// reply is one scripted model response.
type reply struct {
	text string
	err  error
}

// scriptedHost plays back canned replies and records every prompt it was
// sent. It satisfies both the loop's ModelHost and the tool layer's
// HostClient so one fake serves the whole task.
type scriptedHost struct {
	mu        sync.Mutex
	sessions  map[string][]llm.Message
	replies   []reply
	prompts   []string
	createErr error
}

func newScriptedHost() *scriptedHost {
	return &scriptedHost{sessions: make(map[string][]llm.Message)}
}

func (h *scriptedHost) script(replies ...reply) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.replies = append(h.replies, replies...)
}

func (h *scriptedHost) GetOrCreateSession(_ context.Context, name string, history []llm.Message) (bool, error) {
	if h.createErr != nil {
		return false, h.createErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, existed := h.sessions[name]
	if !existed || len(history) > 0 {
		h.sessions[name] = append([]llm.Message(nil), history...)
	}
	return !existed, nil
}

func (h *scriptedHost) SendMessage(_ context.Context, _ string, prompt string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prompts = append(h.prompts, prompt)
	if len(h.replies) == 0 {
		return "", fault.New(fault.ModelHostUnavailable, "reply script exhausted")
	}
	r := h.replies[0]
	h.replies = h.replies[1:]
	if r.err != nil {
		return "", r.err
	}
	return r.text, nil
}

func (h *scriptedHost) ListSessions(context.Context) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.sessions))
	for n := range h.sessions {
		names = append(names, n)
	}
	return names, nil
}

func (h *scriptedHost) DeleteSession(_ context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, name)
	return nil
}

func (h *scriptedHost) history(name string) []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[name]
}

func (h *scriptedHost) sentPrompts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.prompts...)
}

// recordingEmitter captures frames for assertions.
type recordingEmitter struct {
	mu     sync.Mutex
	frames []datatypes.Frame
}

func (r *recordingEmitter) Emit(event string, payload any) error {
	f, err := datatypes.NewFrame(event, payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *recordingEmitter) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.Event
	}
	return out
}

func (r *recordingEmitter) count(event string) int {
	n := 0
	for _, e := range r.events() {
		if e == event {
			n++
		}
	}
	return n
}

func (r *recordingEmitter) logMessages(t *testing.T) []datatypes.LogMessagePayload {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []datatypes.LogMessagePayload
	for _, f := range r.frames {
		if f.Event != datatypes.EventLogMessage {
			continue
		}
		var p datatypes.LogMessagePayload
		require.NoError(t, json.Unmarshal(f.Payload, &p))
		out = append(out, p)
	}
	return out
}

func (r *recordingEmitter) toolLogs(t *testing.T) []string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, f := range r.frames {
		if f.Event != datatypes.EventToolLog {
			continue
		}
		var p datatypes.ToolLogPayload
		require.NoError(t, json.Unmarshal(f.Payload, &p))
		out = append(out, p.Data)
	}
	return out
}

func (r *recordingEmitter) confirmationPrompt(t *testing.T) string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.frames {
		if f.Event != datatypes.EventRequestUserConfirmation {
			continue
		}
		var p datatypes.RequestUserConfirmationPayload
		require.NoError(t, json.Unmarshal(f.Payload, &p))
		return p.Prompt
	}
	return ""
}

type harness struct {
	tc   *tools.Context
	host *scriptedHost
	em   *recordingEmitter
	loop *Loop
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	root, err := sandbox.NewRoot(filepath.Join(t.TempDir(), "sandbox"))
	require.NoError(t, err)

	st := store.NewMemoryStore(nil)
	mem, err := memory.NewManager(ctx, st, loopConnID, 10, nil)
	require.NoError(t, err)

	em := &recordingEmitter{}
	sess := session.NewActiveSession(loopConnID, mem, em)
	reg := session.NewRegistry(nil)
	reg.Add(sess)

	aud, err := audit.Open(audit.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = aud.Close() })

	host := newScriptedHost()
	h := &harness{
		tc: &tools.Context{
			Session:  sess,
			Sessions: reg,
			Sandbox:  root,
			Runner:   sandbox.NewScriptRunner(root, "", nil),
			Patcher:  patch.NewApplier(root, nil),
			Store:    st,
			Host:     host,
			Audit:    aud,
			Pool:     worker.NewPool(2, nil),
		},
		host: host,
		em:   em,
	}
	h.loop = New(Config{Host: host, Audit: aud})
	return h
}

// command renders a fenced model reply carrying one tool command.
func command(action string, params map[string]any) string {
	c := datatypes.ToolCommand{Action: action, Parameters: params}
	return c.Render()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestExecuteSimpleAnswer(t *testing.T) {
	h := newHarness(t)
	h.host.script(reply{text: command(datatypes.ActionTaskComplete, map[string]any{"answer": "Hi."})})

	require.NoError(t, h.loop.Execute(context.Background(), h.tc, "Say hi"))

	prompts := h.host.sentPrompts()
	require.Len(t, prompts, 1)
	require.Contains(t, prompts[0], "iteration 1 of 3")
	require.Contains(t, prompts[0], "Say hi")

	require.Equal(t, 1, h.em.count(datatypes.EventDisplayUserPrompt))
	logs := h.em.logMessages(t)
	require.Len(t, logs, 1)
	require.Equal(t, datatypes.MessageTypeFinalAnswer, logs[0].Type)
	require.Equal(t, "Hi.", logs[0].Data)

	// A fresh host session was seeded with the protocol preamble.
	hist := h.host.history(loopConnID)
	require.NotEmpty(t, hist)
	require.Equal(t, llm.RoleSystem, hist[0].Role)
	require.Contains(t, hist[0].Content, "task_complete")
}

func TestExecuteToolThenComplete(t *testing.T) {
	h := newHarness(t)
	h.host.script(
		reply{text: "Let me check the sandbox first.\n" + command(datatypes.ActionListDirectory, nil)},
		reply{text: command(datatypes.ActionTaskComplete, map[string]any{"answer": "The sandbox is empty."})},
	)

	require.NoError(t, h.loop.Execute(context.Background(), h.tc, "what files are there?"))

	prompts := h.host.sentPrompts()
	require.Len(t, prompts, 2)
	require.Contains(t, prompts[1], "Tool result:")
	require.Contains(t, prompts[1], "Listed files in directory.")
	require.Contains(t, prompts[1], "iteration 2 of 3")

	require.Equal(t, []string{
		datatypes.EventDisplayUserPrompt,
		datatypes.EventLogMessage,
		datatypes.EventToolLog,
		datatypes.EventLogMessage,
	}, h.em.events())
	require.Equal(t, []string{"[Listed files in directory.]"}, h.em.toolLogs(t))

	logs := h.em.logMessages(t)
	require.Equal(t, datatypes.MessageTypeInfo, logs[0].Type)
	require.Contains(t, logs[0].Data, "Let me check")
	require.Equal(t, datatypes.MessageTypeFinalAnswer, logs[1].Type)
}

func TestExecuteConfirmedDelete(t *testing.T) {
	h := newHarness(t)
	target := filepath.Join(h.tc.Sandbox.Dir(), "old.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o640))

	h.host.script(
		reply{text: command(datatypes.ActionRequestConfirmation, map[string]any{"prompt": "Delete old.txt?"})},
		reply{text: command(datatypes.ActionDeleteFile, map[string]any{"filename": "old.txt"})},
		reply{text: command(datatypes.ActionTaskComplete, map[string]any{"answer": "Deleted."})},
	)

	done := make(chan error, 1)
	go func() { done <- h.loop.Execute(context.Background(), h.tc, "remove old.txt") }()

	waitFor(t, "confirmation request", func() bool {
		return h.em.count(datatypes.EventRequestUserConfirmation) == 1
	})
	require.Equal(t, "Delete old.txt?", h.em.confirmationPrompt(t))
	require.True(t, h.tc.Session.ResolveConfirmation("yes"))
	require.NoError(t, <-done)

	prompts := h.host.sentPrompts()
	require.Len(t, prompts, 3)
	require.Contains(t, prompts[1], "USER_CONFIRMATION: 'yes'")

	_, err := os.Stat(target)
	require.True(t, os.IsNotExist(err))

	// The model's own confirmation covered the delete; no second ask.
	require.Equal(t, 1, h.em.count(datatypes.EventRequestUserConfirmation))
}

func TestDestructiveGateApproved(t *testing.T) {
	h := newHarness(t)
	target := filepath.Join(h.tc.Sandbox.Dir(), "junk.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o640))

	h.host.script(
		reply{text: command(datatypes.ActionDeleteFile, map[string]any{"filename": "junk.txt"})},
		reply{text: command(datatypes.ActionTaskComplete, map[string]any{"answer": "Removed."})},
	)

	done := make(chan error, 1)
	go func() { done <- h.loop.Execute(context.Background(), h.tc, "clean up junk.txt") }()

	waitFor(t, "gate prompt", func() bool {
		return h.em.count(datatypes.EventRequestUserConfirmation) == 1
	})
	require.Contains(t, h.em.confirmationPrompt(t), "delete_file")
	require.True(t, h.tc.Session.ResolveConfirmation("yes"))
	require.NoError(t, <-done)

	_, err := os.Stat(target)
	require.True(t, os.IsNotExist(err))

	// The answer lands in memory so a replayed session shows it.
	var sawAnswer bool
	for _, turn := range h.tc.Session.Memory.Buffer() {
		if strings.Contains(turn.Content, "USER_CONFIRMATION: 'yes'") {
			sawAnswer = true
		}
	}
	require.True(t, sawAnswer)
}

func TestDestructiveGateDeclined(t *testing.T) {
	h := newHarness(t)
	target := filepath.Join(h.tc.Sandbox.Dir(), "precious.txt")
	require.NoError(t, os.WriteFile(target, []byte("keep me"), 0o640))

	h.host.script(
		reply{text: command(datatypes.ActionDeleteFile, map[string]any{"filename": "precious.txt"})},
		reply{text: command(datatypes.ActionTaskComplete, map[string]any{"answer": "Left it alone."})},
	)

	done := make(chan error, 1)
	go func() { done <- h.loop.Execute(context.Background(), h.tc, "delete precious.txt") }()

	waitFor(t, "gate prompt", func() bool {
		return h.em.count(datatypes.EventRequestUserConfirmation) == 1
	})
	require.True(t, h.tc.Session.ResolveConfirmation("no"))
	require.NoError(t, <-done)

	_, err := os.Stat(target)
	require.NoError(t, err, "declined delete must leave the file")

	prompts := h.host.sentPrompts()
	require.Len(t, prompts, 2)
	require.Contains(t, prompts[1], "declined")
}

func TestBusyRejection(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.tc.Session.TryStartTask())
	defer h.tc.Session.EndTask()

	require.NoError(t, h.loop.Execute(context.Background(), h.tc, "second task"))

	require.Empty(t, h.host.sentPrompts())
	require.Zero(t, h.em.count(datatypes.EventDisplayUserPrompt))
	logs := h.em.logMessages(t)
	require.Len(t, logs, 1)
	require.Equal(t, datatypes.MessageTypeInfo, logs[0].Type)
	require.Contains(t, logs[0].Data, "already running")
}

func TestEmptyPromptRejected(t *testing.T) {
	h := newHarness(t)

	err := h.loop.Execute(context.Background(), h.tc, "   \n")
	require.True(t, fault.IsKind(err, fault.InvalidArgument))

	require.Empty(t, h.host.sentPrompts())
	logs := h.em.logMessages(t)
	require.Len(t, logs, 1)
	require.Contains(t, logs[0].Data, "empty task")
	require.False(t, h.tc.Session.Busy())
}

func TestModelTimeoutContinues(t *testing.T) {
	h := newHarness(t)
	h.host.script(
		reply{err: fault.New(fault.ModelHostTimeout, "model call timed out")},
		reply{text: command(datatypes.ActionTaskComplete, map[string]any{"answer": "Recovered."})},
	)

	require.NoError(t, h.loop.Execute(context.Background(), h.tc, "slow question"))

	prompts := h.host.sentPrompts()
	require.Len(t, prompts, 2)
	require.Contains(t, prompts[1], "model call timed out")
	require.Contains(t, h.em.toolLogs(t), "[model call timed out]")

	logs := h.em.logMessages(t)
	require.Equal(t, datatypes.MessageTypeFinalAnswer, logs[len(logs)-1].Type)
	require.Equal(t, "Recovered.", logs[len(logs)-1].Data)
}

func TestModelUnavailableTerminal(t *testing.T) {
	h := newHarness(t)
	h.host.script(reply{err: fault.New(fault.ModelHostUnavailable, "connection refused")})

	err := h.loop.Execute(context.Background(), h.tc, "anything")
	require.True(t, fault.IsKind(err, fault.ModelHostUnavailable))

	logs := h.em.logMessages(t)
	require.Len(t, logs, 1)
	require.Equal(t, datatypes.MessageTypeInfo, logs[0].Type)
	require.Contains(t, logs[0].Data, "unreachable")
	require.False(t, h.tc.Session.Busy())
}

func TestHostUnreachableAtStart(t *testing.T) {
	h := newHarness(t)
	h.host.createErr = fault.New(fault.ModelHostUnavailable, "no route to host")

	err := h.loop.Execute(context.Background(), h.tc, "hello")
	require.True(t, fault.IsKind(err, fault.ModelHostUnavailable))

	require.Empty(t, h.host.sentPrompts())
	logs := h.em.logMessages(t)
	require.Len(t, logs, 1)
	require.Contains(t, logs[0].Data, "unreachable")
}

func TestIterationCapExhaustion(t *testing.T) {
	h := newHarness(t)
	lp := New(Config{Host: h.host, AbsoluteMax: 3, NominalMax: 3})
	h.host.script(
		reply{text: command(datatypes.ActionListDirectory, nil)},
		reply{text: command(datatypes.ActionListDirectory, nil)},
		reply{text: command(datatypes.ActionListDirectory, nil)},
	)

	require.NoError(t, lp.Execute(context.Background(), h.tc, "keep going"))

	require.Len(t, h.host.sentPrompts(), 3)
	require.Len(t, h.em.toolLogs(t), 3)
	logs := h.em.logMessages(t)
	last := logs[len(logs)-1]
	require.Equal(t, datatypes.MessageTypeInfo, last.Type)
	require.Contains(t, last.Data, "iteration limit (3)")
}

func TestNominalNudgeInjectedOnce(t *testing.T) {
	h := newHarness(t)
	lp := New(Config{Host: h.host, NominalMax: 1})
	h.host.script(
		reply{text: command(datatypes.ActionListDirectory, nil)},
		reply{text: command(datatypes.ActionListDirectory, nil)},
		reply{text: command(datatypes.ActionListDirectory, nil)},
		reply{text: command(datatypes.ActionTaskComplete, map[string]any{"answer": "Done."})},
	)

	require.NoError(t, lp.Execute(context.Background(), h.tc, "explore"))

	prompts := h.host.sentPrompts()
	require.Len(t, prompts, 4)
	require.Contains(t, prompts[2], "exceeded the nominal iteration limit")

	// The second command was swallowed by the nudge; the first and third
	// actually ran.
	listed := 0
	for _, line := range h.em.toolLogs(t) {
		if strings.Contains(line, "Listed files") {
			listed++
		}
	}
	require.Equal(t, 2, listed)
}

func TestNoCommandObservation(t *testing.T) {
	h := newHarness(t)
	h.host.script(
		reply{text: "I think the answer might be around here somewhere."},
		reply{text: command(datatypes.ActionTaskComplete, map[string]any{"answer": "42"})},
	)

	require.NoError(t, h.loop.Execute(context.Background(), h.tc, "find the answer"))

	prompts := h.host.sentPrompts()
	require.Len(t, prompts, 2)
	require.Contains(t, prompts[1], "did not contain a valid command")

	logs := h.em.logMessages(t)
	require.Contains(t, logs[0].Data, "I think the answer")
}

func TestUnknownActionContinues(t *testing.T) {
	h := newHarness(t)
	h.host.script(
		reply{text: command("summon_bears", nil)},
		reply{text: command(datatypes.ActionTaskComplete, map[string]any{"answer": "No bears."})},
	)

	require.NoError(t, h.loop.Execute(context.Background(), h.tc, "bears?"))

	prompts := h.host.sentPrompts()
	require.Len(t, prompts, 2)
	require.Contains(t, prompts[1], "unknown action: summon_bears")
	require.Contains(t, h.em.toolLogs(t), "[unknown action: summon_bears]")
}

func TestDisconnectDuringConfirmationWait(t *testing.T) {
	h := newHarness(t)
	h.host.script(reply{text: command(datatypes.ActionRequestConfirmation, map[string]any{"prompt": "Proceed?"})})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.loop.Execute(ctx, h.tc, "risky work") }()

	waitFor(t, "confirmation request", func() bool {
		return h.em.count(datatypes.EventRequestUserConfirmation) == 1
	})

	// Simulate the bridge's disconnect path: cancel, then close.
	cancel()
	h.tc.Session.Close()

	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, []string{
		datatypes.EventDisplayUserPrompt,
		datatypes.EventRequestUserConfirmation,
	}, h.em.events())
	require.False(t, h.tc.Session.Busy())
}

func TestLoadSessionEndsLoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// A previous connection saved a session named demo.
	seed, err := memory.NewManager(ctx, h.tc.Store, "conn-previous", 10, nil)
	require.NoError(t, err)
	require.NoError(t, seed.AddTurn(ctx, datatypes.RoleUser, "remember the tide tables", nil))
	require.NoError(t, seed.AddTurn(ctx, datatypes.RoleModel, "Noted.", nil))
	require.NoError(t, seed.SaveTo(ctx, "demo"))

	h.host.script(reply{text: command(datatypes.ActionLoadSession, map[string]any{"session_name": "demo"})})

	require.NoError(t, h.loop.Execute(ctx, h.tc, "load my demo session"))

	// The load ended the task: one model call, no observation fed back.
	require.Len(t, h.host.sentPrompts(), 1)
	require.Equal(t, "demo", h.tc.Session.Name())
	require.Contains(t, h.em.events(), datatypes.EventClearChatHistory)

	logs := h.em.logMessages(t)
	last := logs[len(logs)-1]
	require.Equal(t, datatypes.MessageTypeInfo, last.Type)
	require.Equal(t, "Session 'demo' loaded.", last.Data)

	var replayedUser bool
	for _, l := range logs {
		if l.Type == datatypes.MessageTypeUser && l.Data == "remember the tide tables" {
			replayedUser = true
		}
	}
	require.True(t, replayedUser)

	// The live buffer is the snapshot, not the loading task's turns.
	buf := h.tc.Session.Memory.Buffer()
	require.Len(t, buf, 2)
	require.Equal(t, "remember the tide tables", buf[0].Content)
	require.Len(t, h.host.history("demo"), 2)
}

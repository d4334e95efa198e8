// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kodiakworks/kodiak/services/agent/audit"
	"github.com/kodiakworks/kodiak/services/agent/datatypes"
	"github.com/kodiakworks/kodiak/services/agent/memory"
	"github.com/kodiakworks/kodiak/services/agent/patch"
	"github.com/kodiakworks/kodiak/services/agent/sandbox"
	"github.com/kodiakworks/kodiak/services/agent/session"
	"github.com/kodiakworks/kodiak/services/agent/store"
	"github.com/kodiakworks/kodiak/services/agent/worker"
	"github.com/kodiakworks/kodiak/services/haven/llm"
)

// recordingEmitter captures emitted frames for assertions.
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

// fakeHost records model-host proxy calls.
type fakeHost struct {
	mu        sync.Mutex
	sessions  map[string][]llm.Message
	created   []string
	deleted   []string
	listErr   error
	createErr error
	deleteErr error
}

func newFakeHost() *fakeHost {
	return &fakeHost{sessions: make(map[string][]llm.Message)}
}

func (h *fakeHost) GetOrCreateSession(_ context.Context, name string, history []llm.Message) (bool, error) {
	if h.createErr != nil {
		return false, h.createErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, existed := h.sessions[name]
	h.sessions[name] = append([]llm.Message(nil), history...)
	h.created = append(h.created, name)
	return !existed, nil
}

func (h *fakeHost) ListSessions(context.Context) ([]string, error) {
	if h.listErr != nil {
		return nil, h.listErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.sessions))
	for n := range h.sessions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (h *fakeHost) DeleteSession(_ context.Context, name string) error {
	if h.deleteErr != nil {
		return h.deleteErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, name)
	h.deleted = append(h.deleted, name)
	return nil
}

func (h *fakeHost) history(name string) []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[name]
}

const testConnID = "conn-tools-test"

func newTestContext(t *testing.T) (*Context, *fakeHost, *recordingEmitter) {
	t.Helper()
	ctx := context.Background()

	root, err := sandbox.NewRoot(filepath.Join(t.TempDir(), "sandbox"))
	require.NoError(t, err)

	st := store.NewMemoryStore(nil)
	mem, err := memory.NewManager(ctx, st, testConnID, 5, nil)
	require.NoError(t, err)

	em := &recordingEmitter{}
	sess := session.NewActiveSession(testConnID, mem, em)
	reg := session.NewRegistry(nil)
	reg.Add(sess)

	aud, err := audit.Open(audit.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = aud.Close() })

	host := newFakeHost()
	tc := &Context{
		Session:  sess,
		Sessions: reg,
		Sandbox:  root,
		Runner:   sandbox.NewScriptRunner(root, "", nil),
		Patcher:  patch.NewApplier(root, nil),
		Store:    st,
		Host:     host,
		Audit:    aud,
		Pool:     worker.NewPool(2, nil),
	}
	return tc, host, em
}

func dispatch(t *testing.T, tc *Context, action string, params map[string]any) datatypes.ToolResult {
	t.Helper()
	reg := NewRegistry(nil)
	return reg.Dispatch(context.Background(), tc, datatypes.ToolCommand{
		Action:     action,
		Parameters: params,
	})
}

func TestDispatchUnknownAction(t *testing.T) {
	tc, _, _ := newTestContext(t)
	res := dispatch(t, tc, "summon_bears", nil)
	require.True(t, res.IsError())
	require.Equal(t, "unknown action: summon_bears", res.Message)
}

func TestDispatchControlActionsAreLoopOwned(t *testing.T) {
	tc, _, _ := newTestContext(t)
	for _, action := range []string{datatypes.ActionRequestConfirmation, datatypes.ActionTaskComplete} {
		res := dispatch(t, tc, action, nil)
		require.True(t, res.IsError(), action)
		require.Contains(t, res.Message, "reasoning loop")
	}
	require.True(t, IsControlAction(datatypes.ActionTaskComplete))
	require.False(t, IsControlAction(datatypes.ActionReadFile))
}

func TestDispatchRecoversFromPanickingHandler(t *testing.T) {
	tc, _, _ := newTestContext(t)
	reg := NewRegistry(nil)
	reg.Register("explode", func(context.Context, *Context, Params) datatypes.ToolResult {
		panic("kaboom")
	})

	res := reg.Dispatch(context.Background(), tc, datatypes.ToolCommand{Action: "explode"})
	require.True(t, res.IsError())
	require.Contains(t, res.Message, "internal error")
}

func TestDispatchWritesAuditTrail(t *testing.T) {
	tc, _, _ := newTestContext(t)
	_ = dispatch(t, tc, datatypes.ActionCreateFile, map[string]any{
		"filename": "trail.txt",
		"content":  "x",
	})

	entries, err := tc.Audit.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	require.Equal(t, audit.EventToolExecuted, last.Event)
	require.Contains(t, last.Details, datatypes.ActionCreateFile)
	require.Equal(t, testConnID, last.ControlFlow)
}

func TestRegistryActionsCoverTheContract(t *testing.T) {
	reg := NewRegistry(nil)
	for _, action := range []string{
		datatypes.ActionCreateFile,
		datatypes.ActionReadFile,
		datatypes.ActionReadProjectFile,
		datatypes.ActionListAllowedProjectFiles,
		datatypes.ActionListDirectory,
		datatypes.ActionDeleteFile,
		datatypes.ActionExecutePythonScript,
		datatypes.ActionApplyPatch,
		datatypes.ActionListSessions,
		datatypes.ActionLoadSession,
		datatypes.ActionSaveSession,
		datatypes.ActionDeleteSession,
	} {
		require.True(t, reg.Known(action), action)
	}
	require.Len(t, reg.Actions(), 12)
}

func TestCreateFileWritesUnderSandbox(t *testing.T) {
	tc, _, _ := newTestContext(t)

	res := dispatch(t, tc, datatypes.ActionCreateFile, map[string]any{
		"filename": "notes/today.md",
		"content":  "# glacier plan\n",
	})
	require.False(t, res.IsError(), res.Message)
	require.Contains(t, res.Message, "notes/today.md")

	data, err := os.ReadFile(filepath.Join(tc.Sandbox.Dir(), "notes", "today.md"))
	require.NoError(t, err)
	require.Equal(t, "# glacier plan\n", string(data))

	// The write is mirrored into the code collection.
	chunks, err := tc.Session.Memory.QueryCode(context.Background(), "glacier plan", 3)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	require.Equal(t, "notes/today.md", chunks[0].Meta(datatypes.MetaFilename))
}

func TestCreateFileRejectsEscapes(t *testing.T) {
	tc, _, _ := newTestContext(t)

	res := dispatch(t, tc, datatypes.ActionCreateFile, map[string]any{
		"filename": "../outside.txt",
		"content":  "nope",
	})
	require.True(t, res.IsError())
	require.Contains(t, res.Message, "Access denied")

	_, err := os.Stat(filepath.Join(filepath.Dir(tc.Sandbox.Dir()), "outside.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestCreateFileRequiresFilename(t *testing.T) {
	tc, _, _ := newTestContext(t)
	res := dispatch(t, tc, datatypes.ActionCreateFile, map[string]any{"content": "x"})
	require.True(t, res.IsError())
	require.Contains(t, res.Message, "filename")
}

func TestReadFileRoundTrip(t *testing.T) {
	tc, _, _ := newTestContext(t)
	require.NoError(t, os.WriteFile(filepath.Join(tc.Sandbox.Dir(), "hello.txt"), []byte("hi there"), 0o640))

	res := dispatch(t, tc, datatypes.ActionReadFile, map[string]any{"filename": "hello.txt"})
	require.False(t, res.IsError(), res.Message)
	require.Equal(t, "hi there", res.Content)

	missing := dispatch(t, tc, datatypes.ActionReadFile, map[string]any{"filename": "ghost.txt"})
	require.True(t, missing.IsError())
	require.Equal(t, "File not found.", missing.Message)
}

func TestReadProjectFileHonorsAllowList(t *testing.T) {
	tc, _, _ := newTestContext(t)
	allowed := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(allowed, []byte("port: 5001\n"), 0o640))
	tc.ProjectFiles = []string{allowed}

	res := dispatch(t, tc, datatypes.ActionReadProjectFile, map[string]any{"filename": allowed})
	require.False(t, res.IsError(), res.Message)
	require.Equal(t, "port: 5001\n", res.Content)

	denied := dispatch(t, tc, datatypes.ActionReadProjectFile, map[string]any{"filename": "secrets.txt"})
	require.True(t, denied.IsError())
	require.Contains(t, denied.Message, "not permitted")
}

func TestListAllowedProjectFiles(t *testing.T) {
	tc, _, _ := newTestContext(t)
	tc.ProjectFiles = []string{"README.md", "configs/kodiak.yaml"}

	res := dispatch(t, tc, datatypes.ActionListAllowedProjectFiles, nil)
	require.False(t, res.IsError())
	require.Equal(t, []string{"README.md", "configs/kodiak.yaml"}, res.Content)
}

func TestListDirectorySkipsVendorDirs(t *testing.T) {
	tc, _, _ := newTestContext(t)
	root := tc.Sandbox.Dir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules", "pkg"), 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "main.go"), []byte("package main"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "pkg", "x.js"), []byte("x"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(root, "top.txt"), []byte("t"), 0o640))

	res := dispatch(t, tc, datatypes.ActionListDirectory, nil)
	require.False(t, res.IsError(), res.Message)
	require.Equal(t, []string{"src/main.go", "top.txt"}, res.Content)
}

func TestListDirectoryScopedPath(t *testing.T) {
	tc, _, _ := newTestContext(t)
	root := tc.Sandbox.Dir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "a.md"), []byte("a"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.md"), []byte("b"), 0o640))

	res := dispatch(t, tc, datatypes.ActionListDirectory, map[string]any{"path": "docs"})
	require.False(t, res.IsError(), res.Message)
	require.Equal(t, []string{"a.md"}, res.Content)

	escape := dispatch(t, tc, datatypes.ActionListDirectory, map[string]any{"path": "../"})
	require.True(t, escape.IsError())
	require.Contains(t, escape.Message, "Access denied")
}

func TestDeleteFile(t *testing.T) {
	tc, _, _ := newTestContext(t)
	target := filepath.Join(tc.Sandbox.Dir(), "scratch.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o640))

	res := dispatch(t, tc, datatypes.ActionDeleteFile, map[string]any{"filename": "scratch.txt"})
	require.False(t, res.IsError(), res.Message)
	_, err := os.Stat(target)
	require.True(t, os.IsNotExist(err))

	missing := dispatch(t, tc, datatypes.ActionDeleteFile, map[string]any{"filename": "scratch.txt"})
	require.True(t, missing.IsError())
	require.Equal(t, "File not found.", missing.Message)
}

func TestExecutePythonScript(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not on PATH")
	}
	tc, _, _ := newTestContext(t)

	res := dispatch(t, tc, datatypes.ActionExecutePythonScript, map[string]any{
		"script": `print(2 + 2)`,
	})
	require.False(t, res.IsError(), res.Message)
	require.Equal(t, "Script executed.", res.Message)
	require.Contains(t, res.Content, "4")

	failing := dispatch(t, tc, datatypes.ActionExecutePythonScript, map[string]any{
		"script": `raise RuntimeError("broken")`,
	})
	require.True(t, failing.IsError())
	require.Contains(t, failing.Message, "broken")

	empty := dispatch(t, tc, datatypes.ActionExecutePythonScript, map[string]any{"script": "  "})
	require.True(t, empty.IsError())
	require.Contains(t, empty.Message, "script")
}

func TestApplyPatchCreatesFile(t *testing.T) {
	tc, _, _ := newTestContext(t)
	diff := `--- /dev/null
+++ b/greeting.txt
@@ -0,0 +1,2 @@
+hello
+world
`

	res := dispatch(t, tc, datatypes.ActionApplyPatch, map[string]any{"diff_content": diff})
	require.False(t, res.IsError(), res.Message)
	require.Contains(t, res.Message, "greeting.txt")

	data, err := os.ReadFile(filepath.Join(tc.Sandbox.Dir(), "greeting.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello\nworld\n", string(data))

	// Patched content lands in the code collection too.
	chunks, err := tc.Session.Memory.QueryCode(context.Background(), "hello world", 3)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
}

func TestApplyPatchBadDiff(t *testing.T) {
	tc, _, _ := newTestContext(t)
	res := dispatch(t, tc, datatypes.ActionApplyPatch, map[string]any{"diff_content": "this is not a diff"})
	require.True(t, res.IsError())
	require.Contains(t, res.Message, "Patch failed")

	missing := dispatch(t, tc, datatypes.ActionApplyPatch, nil)
	require.True(t, missing.IsError())
	require.Contains(t, missing.Message, "diff_content")
}

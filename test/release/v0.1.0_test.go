// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Regression pins for behavior fixed before the 0.1.0 release. These
// run against public package APIs only and need no services.
package test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kodiakworks/kodiak/services/agent/datatypes"
	"github.com/kodiakworks/kodiak/services/agent/parse"
	"github.com/kodiakworks/kodiak/services/agent/patch"
	"github.com/kodiakworks/kodiak/services/agent/sandbox"
	"github.com/kodiakworks/kodiak/services/haven"
)

// Clients without an auth key used to panic inside the request builder
// instead of sending an unauthenticated request.
func TestHavenClient_NoKeyDoesNotPanic(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get(haven.AuthHeader)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"sessions":[]}`))
	}))
	defer srv.Close()

	c := haven.NewClient(srv.URL, nil, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	sessions, err := c.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("expected no sessions, got %v", sessions)
	}
	if gotAuth != "" {
		t.Errorf("keyless client sent an auth header: %q", gotAuth)
	}
}

// Bare control characters inside JSON string values (a common local
// model failure) must repair rather than discard the whole command.
func TestParser_RepairsControlCharacters(t *testing.T) {
	raw := "```json\n{\"action\": \"create_file\", \"parameters\": {\"filename\": \"a.txt\", \"content\": \"line one\nline two\"}}\n```"

	parsed := parse.NewParser(nil).Parse(raw)
	if parsed.Command == nil {
		t.Fatalf("command was not recovered from: %q", raw)
	}
	if parsed.Command.Action != datatypes.ActionCreateFile {
		t.Errorf("action = %q, want %q", parsed.Command.Action, datatypes.ActionCreateFile)
	}
	content, _ := parsed.Command.StringParam("content")
	if content != "line one\nline two" {
		t.Errorf("content = %q, the newline was not repaired into the string", content)
	}
}

// Diffs naming paths outside the sandbox must be rejected before any
// file is touched.
func TestPatchApplier_RejectsEscapingPaths(t *testing.T) {
	root, err := sandbox.NewRoot(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	diffText := strings.Join([]string{
		"--- /dev/null",
		"+++ b/../outside.txt",
		"@@ -0,0 +1,1 @@",
		"+escaped",
		"",
	}, "\n")

	applier := patch.NewApplier(root, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := applier.Apply(context.Background(), diffText); err == nil {
		t.Fatal("a diff escaping the sandbox was applied")
	}
}

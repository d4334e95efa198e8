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
	"log/slog"

	"github.com/kodiakworks/kodiak/pkg/telemetry"
	"github.com/kodiakworks/kodiak/services/agent/audit"
	"github.com/kodiakworks/kodiak/services/agent/patch"
	"github.com/kodiakworks/kodiak/services/agent/sandbox"
	"github.com/kodiakworks/kodiak/services/agent/session"
	"github.com/kodiakworks/kodiak/services/agent/store"
	"github.com/kodiakworks/kodiak/services/agent/worker"
	"github.com/kodiakworks/kodiak/services/haven/llm"
)

// HostClient is the slice of the model-host proxy the tool layer needs:
// session registration for save/load, listing, and deletion. The haven
// client satisfies it; tests substitute a fake.
type HostClient interface {
	GetOrCreateSession(ctx context.Context, name string, history []llm.Message) (bool, error)
	ListSessions(ctx context.Context) ([]string, error)
	DeleteSession(ctx context.Context, name string) error
}

// Context carries the stateful collaborators a handler may touch. One
// value is built per connection by the event bridge and shared across
// dispatches; everything in it is safe for concurrent use.
type Context struct {
	// Session is the calling connection's state (memory, emitter, name).
	Session *session.ActiveSession

	// Sessions is the connection registry, used to tell live working
	// transcripts apart from saved sessions when listing.
	Sessions *session.Registry

	// Sandbox roots all user-visible file I/O.
	Sandbox *sandbox.Root

	// Runner executes Python scripts inside the sandbox.
	Runner *sandbox.ScriptRunner

	// Patcher applies unified diffs to sandbox files.
	Patcher *patch.Applier

	// Store is the vector store shared with the memory manager.
	Store store.Store

	// Host proxies the model-host process.
	Host HostClient

	// Audit receives tool-execution trace entries. May be nil.
	Audit *audit.Store

	// Pool bounds blocking filesystem and subprocess work. May be nil,
	// in which case work runs inline.
	Pool *worker.Pool

	// Metrics counts dispatches by action and status. May be nil.
	Metrics *telemetry.Metrics

	// ProjectFiles is the read-only allow-list for read_project_file.
	ProjectFiles []string

	Logger *slog.Logger
}

// run executes blocking work under the worker pool when one is wired.
func (tc *Context) run(ctx context.Context, fn func(context.Context) error) error {
	if tc.Pool == nil {
		return fn(ctx)
	}
	return tc.Pool.Do(ctx, fn)
}

// logger never returns nil.
func (tc *Context) logger() *slog.Logger {
	if tc.Logger == nil {
		return slog.Default()
	}
	return tc.Logger
}

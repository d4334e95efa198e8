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
	"fmt"
	"sort"
	"strings"

	"github.com/kodiakworks/kodiak/pkg/fault"
	"github.com/kodiakworks/kodiak/services/agent/datatypes"
	"github.com/kodiakworks/kodiak/services/agent/session"
	"github.com/kodiakworks/kodiak/services/haven/llm"
)

// HistoryFromTurns converts Tier-1 buffer turns into model-host chat
// messages. Tool observations travel as user-side input, which is how
// the loop feeds them to the model live.
func HistoryFromTurns(turns []datatypes.Turn) []llm.Message {
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		role := llm.RoleUser
		if t.Role == datatypes.RoleModel {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: t.Content})
	}
	return out
}

// SessionList unions saved sessions from the store registry with named
// model-host sessions, dropping live working transcripts (host sessions
// keyed by a connection id). A host outage degrades to the saved list
// rather than hiding it. Exported because the event bridge answers
// request_session_list with the same data.
func SessionList(ctx context.Context, tc *Context) ([]datatypes.SessionEntry, error) {
	names := make(map[string]bool)

	saved, err := tc.Store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	for _, n := range saved {
		names[n] = true
	}

	hosted, err := tc.Host.ListSessions(ctx)
	if err != nil {
		tc.logger().Warn("model host session list unavailable", "error", err)
	} else {
		live := map[string]bool{}
		if tc.Sessions != nil {
			live = tc.Sessions.ConnectionIDs()
		}
		for _, n := range hosted {
			if !live[n] {
				names[n] = true
			}
		}
	}

	out := make([]datatypes.SessionEntry, 0, len(names))
	for n := range names {
		out = append(out, datatypes.SessionEntry{Name: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// emitSessionList refreshes the client's saved-session view.
func emitSessionList(ctx context.Context, tc *Context) {
	if tc.Session == nil || tc.Session.Emitter == nil {
		return
	}
	entries, err := SessionList(ctx, tc)
	if err != nil {
		tc.logger().Warn("session list refresh failed", "error", err)
		return
	}
	_ = tc.Session.Emitter.Emit(datatypes.EventSessionListUpdate, datatypes.SessionListUpdatePayload{
		Status:  datatypes.StatusSuccess,
		Content: entries,
	})
}

// emitSessionName announces the session's (new) display name.
func emitSessionName(tc *Context, name string) {
	if tc.Session == nil || tc.Session.Emitter == nil {
		return
	}
	_ = tc.Session.Emitter.Emit(datatypes.EventSessionNameUpdate, datatypes.SessionNameUpdatePayload{
		Name: name,
	})
}

func handleListSessions(ctx context.Context, tc *Context, _ Params) datatypes.ToolResult {
	entries, err := SessionList(ctx, tc)
	if err != nil {
		return datatypes.Errf("Failed to list sessions: %s", message(err))
	}
	return datatypes.OK("Retrieved all sessions.", entries)
}

func handleSaveSession(ctx context.Context, tc *Context, params Params) datatypes.ToolResult {
	name, ok := params.String("session_name")
	if !ok || strings.TrimSpace(name) == "" {
		return missingParam("session_name")
	}

	mem := tc.Session.Memory
	if err := mem.SaveTo(ctx, name); err != nil {
		if fault.IsKind(err, fault.SessionConflict) {
			return datatypes.Errf("Session name '%s' collides with an existing session. Pick another name.", name)
		}
		return datatypes.Errf("Failed to save session: %s", message(err))
	}

	if _, err := tc.Host.GetOrCreateSession(ctx, name, HistoryFromTurns(mem.Buffer())); err != nil {
		return datatypes.Errf("Session records saved, but the model host could not register '%s': %s", name, message(err))
	}

	tc.Session.Rename(name)
	emitSessionName(tc, name)
	return datatypes.OK(fmt.Sprintf("Session saved as '%s'.", name), nil)
}

func handleLoadSession(ctx context.Context, tc *Context, params Params) datatypes.ToolResult {
	name, ok := params.String("session_name")
	if !ok || strings.TrimSpace(name) == "" {
		return missingParam("session_name")
	}

	mem := tc.Session.Memory
	records, err := mem.LoadFrom(ctx, name)
	if err != nil {
		if fault.IsKind(err, fault.NotFound) {
			return datatypes.Errf("Session '%s' not found.", name)
		}
		return datatypes.Errf("Could not load session: %s", message(err))
	}

	// Overwrite whatever history the host held with the persisted
	// buffer; the store is the record of truth.
	if _, err := tc.Host.GetOrCreateSession(ctx, name, HistoryFromTurns(mem.Buffer())); err != nil {
		return datatypes.Errf("Could not load session: %s", message(err))
	}

	tc.Session.Rename(name)
	emitSessionName(tc, name)
	if tc.Session.Emitter != nil {
		session.ReplayHistory(tc.Session.Emitter, records)
	}
	return datatypes.OK(fmt.Sprintf("Session '%s' loaded.", name), nil)
}

func handleDeleteSession(ctx context.Context, tc *Context, params Params) datatypes.ToolResult {
	name, ok := params.String("session_name")
	if !ok || strings.TrimSpace(name) == "" {
		return missingParam("session_name")
	}

	if err := tc.Session.Memory.DeleteNamed(ctx, name); err != nil {
		return datatypes.Errf("Could not delete session: %s", message(err))
	}

	hostErr := tc.Host.DeleteSession(ctx, name)
	emitSessionList(ctx, tc)
	if hostErr != nil {
		return datatypes.Errf("Session records deleted, but the model host still holds '%s': %s", name, message(hostErr))
	}

	return datatypes.OK(fmt.Sprintf("Session '%s' deleted from both database and Haven.", name), nil)
}

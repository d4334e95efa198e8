// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools is the action execution layer: a registry of handlers
// the reasoning loop dispatches declarative commands to. Every handler
// translates its failures into the ToolResult it returns; raw errors
// never reach the loop.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kodiakworks/kodiak/pkg/fault"
	"github.com/kodiakworks/kodiak/services/agent/audit"
	"github.com/kodiakworks/kodiak/services/agent/datatypes"
)

var toolsTracer = otel.Tracer("kodiak.agent.tools")

// Params is one command's parameter map as decoded from the model's
// JSON. Handlers validate the keys they need.
type Params map[string]any

// String returns the named parameter when present and a string.
func (p Params) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Handler executes one action.
type Handler func(ctx context.Context, tc *Context, params Params) datatypes.ToolResult

// Registry maps action names to handlers. The built-in set covers every
// action the model may emit except the two the loop interprets itself
// (request_confirmation, task_complete).
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Handler
	logger *slog.Logger
}

// NewRegistry builds a registry with the built-in handlers installed.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		byName: make(map[string]Handler),
		logger: logger,
	}
	r.Register(datatypes.ActionCreateFile, handleCreateFile)
	r.Register(datatypes.ActionReadFile, handleReadFile)
	r.Register(datatypes.ActionReadProjectFile, handleReadProjectFile)
	r.Register(datatypes.ActionListAllowedProjectFiles, handleListAllowedProjectFiles)
	r.Register(datatypes.ActionListDirectory, handleListDirectory)
	r.Register(datatypes.ActionDeleteFile, handleDeleteFile)
	r.Register(datatypes.ActionExecutePythonScript, handleExecutePythonScript)
	r.Register(datatypes.ActionApplyPatch, handleApplyPatch)
	r.Register(datatypes.ActionListSessions, handleListSessions)
	r.Register(datatypes.ActionLoadSession, handleLoadSession)
	r.Register(datatypes.ActionSaveSession, handleSaveSession)
	r.Register(datatypes.ActionDeleteSession, handleDeleteSession)
	return r
}

// Register installs or replaces the handler for an action.
func (r *Registry) Register(action string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[action] = h
}

// Known reports whether the action has a handler.
func (r *Registry) Known(action string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[action]
	return ok
}

// Actions returns the registered action names, sorted.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsControlAction reports whether the reasoning loop interprets the
// action itself instead of dispatching it.
func IsControlAction(action string) bool {
	return action == datatypes.ActionRequestConfirmation ||
		action == datatypes.ActionTaskComplete
}

// IsDestructive reports whether the action needs a user confirmation
// before it may run.
func IsDestructive(action string) bool {
	return action == datatypes.ActionDeleteFile ||
		action == datatypes.ActionDeleteSession
}

// Dispatch routes one command to its handler and records the outcome in
// the audit store and metrics. A panicking handler must not take down
// the reasoning loop, so panics degrade to an error result.
func (r *Registry) Dispatch(ctx context.Context, tc *Context, cmd datatypes.ToolCommand) (res datatypes.ToolResult) {
	ctx, span := toolsTracer.Start(ctx, "tools.Dispatch")
	span.SetAttributes(attribute.String("tool.action", cmd.Action))
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool handler panicked", "action", cmd.Action, "panic", rec)
			res = datatypes.Errf("An internal error occurred during '%s'.", cmd.Action)
		}
		span.SetAttributes(attribute.String("tool.status", res.Status))
		r.record(ctx, tc, cmd.Action, res)
	}()

	if IsControlAction(cmd.Action) {
		return datatypes.Errf("Action '%s' is handled by the reasoning loop.", cmd.Action)
	}

	r.mu.RLock()
	h, ok := r.byName[cmd.Action]
	r.mu.RUnlock()
	if !ok {
		return datatypes.Errf("unknown action: %s", cmd.Action)
	}

	return h(ctx, tc, Params(cmd.Parameters))
}

// record writes the dispatch outcome to metrics and the audit trail.
func (r *Registry) record(ctx context.Context, tc *Context, action string, res datatypes.ToolResult) {
	if tc.Metrics != nil {
		tc.Metrics.ToolExecutionsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", action),
			attribute.String("status", res.Status),
		))
	}
	if tc.Audit == nil {
		return
	}
	sessionID := ""
	if tc.Session != nil {
		sessionID = tc.Session.ID
	}
	if err := tc.Audit.Append(ctx, audit.ToolExecuted(sessionID, action, res.Status)); err != nil {
		r.logger.Debug("audit append failed", "action", action, "error", err)
	}
}

// missingParam is the uniform result for an absent required parameter.
func missingParam(key string) datatypes.ToolResult {
	return datatypes.Errf("Missing required parameter: %s.", key)
}

// message strips the fault kind prefix so tool results read as plain
// sentences.
func message(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) {
		if fe.Err != nil {
			return fmt.Sprintf("%s: %v", fe.Msg, fe.Err)
		}
		return fe.Msg
	}
	return err.Error()
}

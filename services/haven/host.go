// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package haven implements the model host: the process that owns model
// credentials and per-session chat histories so the agent never holds
// either. The agent talks to it through Client; havend serves it
// through Server.
package haven

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/kodiakworks/kodiak/pkg/fault"
	"github.com/kodiakworks/kodiak/services/haven/llm"
)

var havenTracer = otel.Tracer("kodiak.haven")

// traceRingSize bounds the in-memory RPC trace.
const traceRingSize = 256

// TraceEntry is one record in the host's RPC trace ring.
type TraceEntry struct {
	Timestamp float64 `json:"timestamp"`
	Method    string  `json:"method"`
	Session   string  `json:"session"`
	Detail    string  `json:"detail"`
}

type traceRing struct {
	mu      sync.Mutex
	entries []TraceEntry
	next    int
	full    bool
}

func newTraceRing(size int) *traceRing {
	if size <= 0 {
		size = traceRingSize
	}
	return &traceRing{entries: make([]TraceEntry, size)}
}

func (r *traceRing) add(method, session, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = TraceEntry{
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		Method:    method,
		Session:   session,
		Detail:    detail,
	}
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

// snapshot returns entries oldest first.
func (r *traceRing) snapshot() []TraceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]TraceEntry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]TraceEntry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}

type hostSession struct {
	mu      sync.Mutex
	history []llm.Message
}

// Host owns sessions and generates through one LLM backend. Safe for
// concurrent use; each session's history is internally serialized.
type Host struct {
	mu       sync.Mutex
	sessions map[string]*hostSession
	client   llm.LLMClient
	params   llm.GenerationParams
	trace    *traceRing
	logger   *slog.Logger
}

// NewHost builds a host around the given backend.
func NewHost(client llm.LLMClient, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		sessions: make(map[string]*hostSession),
		client:   client,
		trace:    newTraceRing(traceRingSize),
		logger:   logger,
	}
}

// GetOrCreateSession registers name, reporting whether it was new.
// A non-empty history replaces whatever the host held: session loads
// rebuild the transcript from the agent's store of record.
func (h *Host) GetOrCreateSession(name string, history []llm.Message) (bool, error) {
	if strings.TrimSpace(name) == "" {
		return false, fault.New(fault.InvalidArgument, "session name is empty")
	}

	h.mu.Lock()
	sess, ok := h.sessions[name]
	if !ok {
		sess = &hostSession{}
		h.sessions[name] = sess
	}
	h.mu.Unlock()

	if len(history) > 0 {
		sess.mu.Lock()
		sess.history = append([]llm.Message(nil), history...)
		sess.mu.Unlock()
	}

	h.trace.add("get_or_create_session", name, fmt.Sprintf("created=%t history=%d", !ok, len(history)))
	h.logger.Info("session ready", "session", name, "created", !ok, "history_len", len(history))
	return !ok, nil
}

// SendMessage appends the prompt to the session history, generates a
// reply, appends it too, and returns the text. A backend failure rolls
// the appended prompt back so a retry cannot double it.
func (h *Host) SendMessage(ctx context.Context, name, prompt string) (string, error) {
	ctx, span := havenTracer.Start(ctx, "Host.SendMessage")
	defer span.End()

	h.mu.Lock()
	sess, ok := h.sessions[name]
	h.mu.Unlock()
	if !ok {
		return "", fault.New(fault.NotFound, "session %q not found", name)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.history = append(sess.history, llm.Message{Role: llm.RoleUser, Content: prompt})

	text, err := h.generate(ctx, sess.history)
	if err != nil {
		sess.history = sess.history[:len(sess.history)-1]
		h.trace.add("send_message", name, "error: "+err.Error())
		return "", err
	}

	sess.history = append(sess.history, llm.Message{Role: llm.RoleAssistant, Content: text})
	h.trace.add("send_message", name, fmt.Sprintf("prompt_chars=%d reply_chars=%d", len(prompt), len(text)))
	return text, nil
}

func (h *Host) generate(ctx context.Context, history []llm.Message) (string, error) {
	if chat, ok := h.client.(llm.ChatClient); ok {
		return chat.Chat(ctx, history, h.params)
	}
	return h.client.Generate(ctx, flattenHistory(history), h.params)
}

// flattenHistory renders a transcript for single-prompt backends.
func flattenHistory(history []llm.Message) string {
	var b strings.Builder
	for _, m := range history {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n\n")
	}
	return b.String()
}

// ListSessions returns the registered names, sorted.
func (h *Host) ListSessions() []string {
	h.mu.Lock()
	names := make([]string, 0, len(h.sessions))
	for name := range h.sessions {
		names = append(names, name)
	}
	h.mu.Unlock()

	sort.Strings(names)
	h.trace.add("list_sessions", "", fmt.Sprintf("count=%d", len(names)))
	return names
}

// DeleteSession drops the session, reporting whether it existed.
func (h *Host) DeleteSession(name string) bool {
	h.mu.Lock()
	_, ok := h.sessions[name]
	delete(h.sessions, name)
	h.mu.Unlock()

	h.trace.add("delete_session", name, fmt.Sprintf("existed=%t", ok))
	return ok
}

// HasSession reports whether name is registered.
func (h *Host) HasSession(name string) bool {
	h.mu.Lock()
	_, ok := h.sessions[name]
	h.mu.Unlock()
	h.trace.add("has_session", name, fmt.Sprintf("exists=%t", ok))
	return ok
}

// History returns a copy of the session transcript, or nil when the
// session does not exist.
func (h *Host) History(name string) []llm.Message {
	h.mu.Lock()
	sess, ok := h.sessions[name]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]llm.Message, len(sess.history))
	copy(out, sess.history)
	return out
}

// TraceLog returns the RPC trace, oldest first.
func (h *Host) TraceLog() []TraceEntry {
	return h.trace.snapshot()
}

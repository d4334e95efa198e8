// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session owns per-connection state: the ActiveSession bundle,
// the registry mapping connection ids to sessions, the single-shot
// ConfirmationSlot the reasoning loop suspends on, the serialized
// emitter that keeps client frames ordered, and history replay.
package session

import (
	"sync"

	"github.com/kodiakworks/kodiak/services/agent/memory"
)

// DefaultSessionName labels a session that has not been saved or loaded.
const DefaultSessionName = "[New Session]"

// ActiveSession bundles everything one connected client owns: its memory
// manager, its emitter, its display name, the model-host session it is
// bound to, and the confirmation slot of an in-flight task.
//
// The registry exclusively owns ActiveSession values; tool handlers and
// the reasoning loop borrow them.
type ActiveSession struct {
	// ID is the connection identity, a UUID minted on upgrade. It never
	// changes and doubles as the model-host key until the first save or
	// load binds the session to a persistent name.
	ID string

	// Memory is the tiered memory manager scoped to this connection.
	Memory *memory.Manager

	// Emitter delivers frames to this connection in order.
	Emitter Emitter

	mu       sync.Mutex
	name     string
	hostName string
	slot     *ConfirmationSlot
	busy     bool
}

// NewActiveSession builds a session for a fresh connection. The display
// name starts as DefaultSessionName and the model-host binding as the
// connection id.
func NewActiveSession(id string, mem *memory.Manager, em Emitter) *ActiveSession {
	return &ActiveSession{
		ID:       id,
		Memory:   mem,
		Emitter:  em,
		name:     DefaultSessionName,
		hostName: id,
	}
}

// Name returns the display name.
func (s *ActiveSession) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// HostName returns the model-host session this connection talks to.
func (s *ActiveSession) HostName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostName
}

// Rename updates the display name and rebinds the model-host session.
// save_session and load_session call it once their named host session
// exists.
func (s *ActiveSession) Rename(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
	s.hostName = name
}

// TryStartTask claims the session for one reasoning loop. It returns
// false when a task is already running; the caller rejects the second
// start_task with a busy notice.
func (s *ActiveSession) TryStartTask() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

// EndTask releases the claim taken by TryStartTask.
func (s *ActiveSession) EndTask() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
}

// Busy reports whether a reasoning loop is in flight.
func (s *ActiveSession) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// InstallSlot creates and installs a fresh confirmation slot, releasing
// any previous waiter with "no" first so it cannot hang forever.
func (s *ActiveSession) InstallSlot() *ConfirmationSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot != nil {
		s.slot.Resolve(ResponseNo)
	}
	s.slot = NewConfirmationSlot()
	return s.slot
}

// ResolveConfirmation answers the pending slot and clears it. It returns
// false when no confirmation was outstanding.
func (s *ActiveSession) ResolveConfirmation(response string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot == nil {
		return false
	}
	s.slot.Resolve(response)
	s.slot = nil
	return true
}

// ClearSlot drops the pending slot without resolving it. The loop calls
// it after Wait returns so a stale slot cannot swallow a later answer.
func (s *ActiveSession) ClearSlot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slot = nil
}

// Close releases anything blocked on this session. Any outstanding
// confirmation is answered "no" so the suspended loop can observe the
// disconnect and exit.
func (s *ActiveSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot != nil {
		s.slot.Resolve(ResponseNo)
		s.slot = nil
	}
}

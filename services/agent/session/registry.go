// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"log/slog"
	"sync"
)

// Registry maps connection ids to their ActiveSession. It is the sole
// owner of session lifetimes: Add on connect, Remove on disconnect.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*ActiveSession
	logger *slog.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byID:   make(map[string]*ActiveSession),
		logger: logger,
	}
}

// Add registers a session under its connection id, replacing any stale
// entry with the same id.
func (r *Registry) Add(s *ActiveSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byID[s.ID]; ok && old != s {
		r.logger.Warn("replacing stale session", "session_id", s.ID)
		old.Close()
	}
	r.byID[s.ID] = s
}

// Get returns the session for a connection id.
func (r *Registry) Get(id string) (*ActiveSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// Remove unregisters the session and releases anything blocked on it
// (an outstanding confirmation resolves to "no"). It returns the removed
// session so the caller can finish cleanup, or nil if the id was absent.
func (r *Registry) Remove(id string) *ActiveSession {
	r.mu.Lock()
	s, ok := r.byID[id]
	delete(r.byID, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	s.Close()
	return s
}

// Len reports the number of connected sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// ConnectionIDs returns the ids of live connections. The session listing
// uses the set to drop working transcripts (model-host sessions keyed by
// connection id) from the user-facing list of saved sessions.
func (r *Registry) ConnectionIDs() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make(map[string]bool, len(r.byID))
	for id := range r.byID {
		ids[id] = true
	}
	return ids
}

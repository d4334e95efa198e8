// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory implements the two-tier session memory: a bounded
// in-process conversational buffer (Tier 1) over persistent vector
// collections (Tier 2).
//
// Every connection owns a pair of live collections derived from its
// connection id. Saving a session snapshots the live collections into
// collections derived from the chosen name and registers the name;
// loading copies a named snapshot back into the live pair, so the live
// collections always carry the full working history and can be dropped
// wholesale on disconnect without touching anything saved.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/kodiakworks/kodiak/pkg/fault"
	"github.com/kodiakworks/kodiak/services/agent/datatypes"
	"github.com/kodiakworks/kodiak/services/agent/store"
)

var memTracer = otel.Tracer("kodiak.agent.memory")

const (
	// DefaultSegmentThreshold bounds the Tier-1 buffer and the reload
	// window when a manager is rebuilt from the store.
	DefaultSegmentThreshold = 20

	// retrievalK is how many prior turns the augmented prompt pulls in.
	retrievalK = 5
)

// Manager is the per-session memory. Safe for concurrent use, though in
// practice one reasoning loop drives it at a time.
type Manager struct {
	st        store.Store
	liveBase  string
	threshold int
	logger    *slog.Logger

	mu     sync.Mutex
	buffer []datatypes.Turn
	lastTS float64
}

// NewManager binds live collections for liveKey (normally the connection
// id), creating them when absent and reloading the buffer tail so a
// rebuilt manager carries recent context.
func NewManager(ctx context.Context, st store.Store, liveKey string, threshold int, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if threshold <= 0 {
		threshold = DefaultSegmentThreshold
	}

	base, err := store.CollectionBase(liveKey)
	if err != nil {
		return nil, err
	}

	m := &Manager{st: st, liveBase: base, threshold: threshold, logger: logger}
	if err := m.ensureLive(ctx); err != nil {
		return nil, err
	}
	if err := m.reloadBuffer(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) ensureLive(ctx context.Context) error {
	if err := m.st.EnsureCollection(ctx, store.TurnsClass(m.liveBase)); err != nil {
		return err
	}
	return m.st.EnsureCollection(ctx, store.CodeClass(m.liveBase))
}

// reloadBuffer rebuilds Tier 1 from the last threshold records.
func (m *Manager) reloadBuffer(ctx context.Context) error {
	recs, err := m.st.GetAllRecords(ctx, store.TurnsClass(m.liveBase))
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffer = m.buffer[:0]
	start := 0
	if len(recs) > m.threshold {
		start = len(recs) - m.threshold
	}
	for _, rec := range recs[start:] {
		m.buffer = append(m.buffer, datatypes.Turn{Role: rec.Role, Content: rec.Content})
	}
	if len(recs) > 0 {
		m.lastTS = recs[len(recs)-1].Timestamp
	}
	return nil
}

// AddTurn appends to the buffer and persists a record. For user turns
// the caller includes the augmented prompt under MetaAugmentedPrompt so
// a reload can reconstruct what the model actually saw.
func (m *Manager) AddTurn(ctx context.Context, role datatypes.Role, content string, metadata map[string]string) error {
	ctx, span := memTracer.Start(ctx, "memory.AddTurn")
	defer span.End()

	if strings.TrimSpace(content) == "" {
		return fault.New(fault.InvalidArgument, "turn content is empty")
	}

	rec := datatypes.MemoryRecord{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: m.nextTimestamp(),
		Metadata:  metadata,
	}
	if err := m.st.AddRecord(ctx, store.TurnsClass(m.liveBase), rec); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffer = append(m.buffer, datatypes.Turn{Role: role, Content: content})
	if len(m.buffer) > m.threshold {
		m.buffer = m.buffer[len(m.buffer)-m.threshold:]
	}
	return nil
}

// PrepareAugmentedPrompt retrieves prior turns similar to prompt and
// prepends them as a context block. Retrieval failures degrade to the
// raw prompt; memory must never stop a task.
func (m *Manager) PrepareAugmentedPrompt(ctx context.Context, prompt string) string {
	ctx, span := memTracer.Start(ctx, "memory.PrepareAugmentedPrompt")
	defer span.End()

	recs, err := m.st.Query(ctx, store.TurnsClass(m.liveBase), prompt, retrievalK)
	if err != nil {
		m.logger.Warn("context retrieval failed, using raw prompt", "error", err)
		return prompt
	}

	var hits []datatypes.MemoryRecord
	for _, rec := range recs {
		if rec.Content == prompt {
			continue
		}
		hits = append(hits, rec)
	}
	if len(hits) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString("Relevant prior context:\n")
	for _, rec := range hits {
		fmt.Fprintf(&b, "[%s] %s\n", rec.Role, rec.Content)
	}
	b.WriteString("\n")
	b.WriteString(prompt)
	return b.String()
}

// Buffer returns a copy of the Tier-1 turns, oldest first.
func (m *Manager) Buffer() []datatypes.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]datatypes.Turn, len(m.buffer))
	copy(out, m.buffer)
	return out
}

// SaveTo snapshots the live collections under name. The target
// collections are replaced wholesale so saving twice cannot duplicate
// records; the name is registered first so a sanitized collision aborts
// before anything is dropped.
func (m *Manager) SaveTo(ctx context.Context, name string) error {
	ctx, span := memTracer.Start(ctx, "memory.SaveTo")
	defer span.End()

	base, err := store.CollectionBase(name)
	if err != nil {
		return err
	}
	if err := m.st.UpsertSession(ctx, name, base); err != nil {
		return err
	}

	if err := m.copyCollections(ctx, m.liveBase, base); err != nil {
		return err
	}
	m.logger.Info("session saved", "session_name", name, "collection_base", base)
	return nil
}

// LoadFrom rehydrates from a named snapshot: the live collections are
// replaced with a copy, the buffer is rebuilt from the record tail, and
// the full ordered record list is returned for history replay.
func (m *Manager) LoadFrom(ctx context.Context, name string) ([]datatypes.MemoryRecord, error) {
	ctx, span := memTracer.Start(ctx, "memory.LoadFrom")
	defer span.End()

	base, err := store.CollectionBase(name)
	if err != nil {
		return nil, err
	}
	ok, err := m.st.HasSession(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fault.New(fault.NotFound, "session %q not found", name)
	}

	if err := m.copyCollections(ctx, base, m.liveBase); err != nil {
		return nil, err
	}
	if err := m.reloadBuffer(ctx); err != nil {
		return nil, err
	}

	recs, err := m.st.GetAllRecords(ctx, store.TurnsClass(m.liveBase))
	if err != nil {
		return nil, err
	}
	m.logger.Info("session loaded", "session_name", name, "records", len(recs))
	return recs, nil
}

// DeleteNamed drops a saved session: both named collections and the
// registry entry. The live collections are untouched.
func (m *Manager) DeleteNamed(ctx context.Context, name string) error {
	return DeleteNamed(ctx, m.st, name)
}

// DeleteNamed is the manager-free form, shared with the admin route
// that deletes sessions without a live connection.
func DeleteNamed(ctx context.Context, st store.Store, name string) error {
	base, err := store.CollectionBase(name)
	if err != nil {
		return err
	}
	if err := st.DeleteCollection(ctx, store.TurnsClass(base)); err != nil {
		return err
	}
	if err := st.DeleteCollection(ctx, store.CodeClass(base)); err != nil {
		return err
	}
	return st.DeleteSession(ctx, name)
}

// DeleteLive drops the connection's live collections. Called on
// disconnect; saved snapshots survive.
func (m *Manager) DeleteLive(ctx context.Context) error {
	if err := m.st.DeleteCollection(ctx, store.TurnsClass(m.liveBase)); err != nil {
		return err
	}
	return m.st.DeleteCollection(ctx, store.CodeClass(m.liveBase))
}

// copyCollections replaces dst's collections with a copy of src's,
// preserving record ids and timestamps so ordering survives the trip.
func (m *Manager) copyCollections(ctx context.Context, srcBase, dstBase string) error {
	pairs := []struct{ src, dst string }{
		{store.TurnsClass(srcBase), store.TurnsClass(dstBase)},
		{store.CodeClass(srcBase), store.CodeClass(dstBase)},
	}
	for _, p := range pairs {
		recs, err := m.st.GetAllRecords(ctx, p.src)
		if err != nil {
			return err
		}
		if err := m.st.DeleteCollection(ctx, p.dst); err != nil {
			return err
		}
		if err := m.st.EnsureCollection(ctx, p.dst); err != nil {
			return err
		}
		for _, rec := range recs {
			if err := m.st.AddRecord(ctx, p.dst, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// nextTimestamp returns epoch seconds, nudged forward when the clock
// has not advanced so per-session order stays total.
func (m *Manager) nextTimestamp() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := float64(time.Now().UnixNano()) / 1e9
	if ts <= m.lastTS {
		ts = m.lastTS + 1e-6
	}
	m.lastTS = ts
	return ts
}

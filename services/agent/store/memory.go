// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/kodiakworks/kodiak/pkg/fault"
	"github.com/kodiakworks/kodiak/services/agent/datatypes"
)

// MemoryStore is the in-process Store used by tests and by the CLI when
// STORE_BACKEND=memory. It mirrors WeaviateStore semantics: cosine
// distance ordering, timestamp tie-breaks, idempotent deletes.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	sessions    map[string]memSession
	embed       Embedder
	logger      *slog.Logger
}

type memCollection struct {
	records []storedRecord
	byID    map[string]int
}

type storedRecord struct {
	rec datatypes.MemoryRecord
	vec []float32
}

type memSession struct {
	name      string
	sanitized string
	createdAt float64
	updatedAt float64
}

// NewMemoryStore builds an empty store backed by a deterministic local
// embedder, so similarity queries behave without an embedding service.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		collections: make(map[string]*memCollection),
		sessions:    make(map[string]memSession),
		embed:       localEmbedder{},
		logger:      logger,
	}
}

// EnsureCollection creates an empty collection when absent.
func (s *MemoryStore) EnsureCollection(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(name)
	return nil
}

func (s *MemoryStore) ensureLocked(name string) *memCollection {
	col, ok := s.collections[name]
	if !ok {
		col = &memCollection{byID: make(map[string]int)}
		s.collections[name] = col
	}
	return col
}

// AddRecord validates, embeds, and appends. Missing collections are
// created on write, matching Weaviate's auto-schema behavior.
func (s *MemoryStore) AddRecord(ctx context.Context, collection string, rec datatypes.MemoryRecord) error {
	if err := rec.Validate(); err != nil {
		return fault.Wrap(fault.InvalidArgument, err, "invalid record")
	}
	vec, err := s.embed.Embed(ctx, rec.Content)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	col := s.ensureLocked(collection)
	if _, dup := col.byID[rec.ID]; dup {
		return fault.New(fault.StoreError, "duplicate record id %s in %s", rec.ID, collection)
	}
	col.byID[rec.ID] = len(col.records)
	col.records = append(col.records, storedRecord{rec: cloneRecord(rec), vec: vec})
	return nil
}

// GetAllRecords returns copies sorted by timestamp ascending.
func (s *MemoryStore) GetAllRecords(_ context.Context, collection string) ([]datatypes.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col, ok := s.collections[collection]
	if !ok {
		return nil, nil
	}
	recs := make([]datatypes.MemoryRecord, 0, len(col.records))
	for _, sr := range col.records {
		recs = append(recs, cloneRecord(sr.rec))
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Timestamp < recs[j].Timestamp })
	return recs, nil
}

// Query ranks by cosine distance ascending, breaking ties on timestamp.
func (s *MemoryStore) Query(ctx context.Context, collection, text string, k int) ([]datatypes.MemoryRecord, error) {
	if k <= 0 {
		return nil, nil
	}
	qvec, err := s.embed.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	col, ok := s.collections[collection]
	if !ok {
		return nil, nil
	}

	type scored struct {
		rec      datatypes.MemoryRecord
		distance float64
	}
	results := make([]scored, 0, len(col.records))
	for _, sr := range col.records {
		results = append(results, scored{rec: sr.rec, distance: cosineDistance(qvec, sr.vec)})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].distance != results[j].distance {
			return results[i].distance < results[j].distance
		}
		return results[i].rec.Timestamp < results[j].rec.Timestamp
	})

	if len(results) > k {
		results = results[:k]
	}
	recs := make([]datatypes.MemoryRecord, 0, len(results))
	for _, r := range results {
		recs = append(recs, cloneRecord(r.rec))
	}
	return recs, nil
}

// UpdateRecordsMetadata merges metadata maps by record id.
func (s *MemoryStore) UpdateRecordsMetadata(_ context.Context, collection string, ids []string, metas []map[string]string) error {
	if len(ids) != len(metas) {
		return fault.New(fault.InvalidArgument, "ids and metas length mismatch: %d vs %d", len(ids), len(metas))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	col, ok := s.collections[collection]
	if !ok {
		return fault.New(fault.NotFound, "collection %s not found", collection)
	}
	for i, id := range ids {
		idx, ok := col.byID[id]
		if !ok {
			s.logger.Warn("metadata update skipped unknown record", "collection", collection, "record_id", id)
			continue
		}
		rec := &col.records[idx].rec
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]string, len(metas[i]))
		}
		for k, v := range metas[i] {
			rec.Metadata[k] = v
		}
	}
	return nil
}

// DeleteCollection drops the collection; absent names are ignored.
func (s *MemoryStore) DeleteCollection(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, name)
	return nil
}

// ListCollections returns the present collection names, sorted.
func (s *MemoryStore) ListCollections(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// UpsertSession registers a name, refusing sanitized collisions.
func (s *MemoryStore) UpsertSession(_ context.Context, name, sanitized string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sess := range s.sessions {
		if sess.sanitized == sanitized && sess.name != name {
			return fault.New(fault.SessionConflict,
				"session name %q collides with %q (both sanitize to %s)", name, sess.name, sanitized)
		}
	}

	now := epochSeconds()
	if existing, ok := s.sessions[name]; ok {
		existing.updatedAt = now
		s.sessions[name] = existing
		return nil
	}
	s.sessions[name] = memSession{name: name, sanitized: sanitized, createdAt: now, updatedAt: now}
	return nil
}

// ListSessions returns names most recently updated first.
func (s *MemoryStore) ListSessions(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]memSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		rows = append(rows, sess)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].updatedAt > rows[j].updatedAt })

	names := make([]string, 0, len(rows))
	for _, row := range rows {
		names = append(names, row.name)
	}
	return names, nil
}

// DeleteSession removes the registry entry; absent names are ignored.
func (s *MemoryStore) DeleteSession(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, name)
	return nil
}

// HasSession reports whether name is registered.
func (s *MemoryStore) HasSession(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[name]
	return ok, nil
}

func cloneRecord(rec datatypes.MemoryRecord) datatypes.MemoryRecord {
	out := rec
	if rec.Metadata != nil {
		out.Metadata = make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// localEmbedder hashes character trigrams into a small unit vector.
// Deterministic, so identical text embeds identically and exact-match
// queries return distance zero.
type localEmbedder struct{}

const localDim = 64

func (localEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, localDim)
	lower := strings.ToLower(text)

	if len(lower) < 3 {
		h := fnv.New32a()
		h.Write([]byte(lower))
		vec[h.Sum32()%localDim] = 1
		return vec, nil
	}

	for i := 0; i+3 <= len(lower); i++ {
		h := fnv.New32a()
		h.Write([]byte(lower[i : i+3]))
		vec[h.Sum32()%localDim]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		if i >= len(b) {
			break
		}
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists session memory. A collection holds MemoryRecords
// ordered by timestamp; each session owns a Turns<base> collection for
// conversation and a Code<base> collection for written artifacts, where
// <base> derives from the session name via CollectionBase. A singleton
// KodiakSession collection registers saved session names.
//
// Two implementations ship: WeaviateStore (production, vectors from the
// external embedding service) and MemoryStore (tests, CLI dry runs).
package store

import (
	"context"

	"github.com/kodiakworks/kodiak/services/agent/datatypes"
)

// Store is the persistence seam between the memory manager and a vector
// database. Implementations serialize concurrent access internally.
type Store interface {
	// EnsureCollection creates the named collection if absent. Idempotent.
	EnsureCollection(ctx context.Context, name string) error

	// AddRecord embeds rec.Content and writes the record. The record must
	// pass Validate; ids are unique per collection.
	AddRecord(ctx context.Context, collection string, rec datatypes.MemoryRecord) error

	// GetAllRecords returns every valid record sorted by timestamp
	// ascending. Rows that fail validation are dropped and counted, not
	// returned as errors.
	GetAllRecords(ctx context.Context, collection string) ([]datatypes.MemoryRecord, error)

	// Query returns at most min(k, count) records nearest to text, sorted
	// by similarity descending with ties broken by timestamp ascending.
	Query(ctx context.Context, collection, text string, k int) ([]datatypes.MemoryRecord, error)

	// UpdateRecordsMetadata merges metas[i] into the metadata of the record
	// with ids[i]. Unknown ids are skipped. len(ids) must equal len(metas).
	UpdateRecordsMetadata(ctx context.Context, collection string, ids []string, metas []map[string]string) error

	// DeleteCollection drops the collection and all its records. Deleting
	// an absent collection is not an error.
	DeleteCollection(ctx context.Context, name string) error

	// ListCollections names the kodiak-owned collections currently present.
	ListCollections(ctx context.Context) ([]string, error)

	// UpsertSession registers a saved session name with its sanitized
	// collection base. A sanitized collision with a different raw name
	// fails with fault.SessionConflict.
	UpsertSession(ctx context.Context, name, sanitized string) error

	// ListSessions returns registered session names, newest first.
	ListSessions(ctx context.Context) ([]string, error)

	// DeleteSession removes the registry entry. Absent names are ignored.
	DeleteSession(ctx context.Context, name string) error

	// HasSession reports whether the name is registered.
	HasSession(ctx context.Context, name string) (bool, error)
}

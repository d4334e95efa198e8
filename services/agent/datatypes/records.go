// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the data model shared across the agent server:
// memory records, tool commands and results, parsed model responses, and
// the wire-level event vocabulary of the client channel.
package datatypes

import (
	"errors"
	"fmt"
)

// Role identifies who produced a conversational turn.
type Role string

const (
	// RoleUser marks text typed by the human user.
	RoleUser Role = "user"

	// RoleModel marks text produced by the language model.
	RoleModel Role = "model"

	// RoleToolObservation marks a serialized ToolResult fed back to the
	// model as its next input.
	RoleToolObservation Role = "tool_observation"
)

// Recognized metadata keys on MemoryRecord.
const (
	// MetaAugmentedPrompt preserves the retrieval-augmented prompt the
	// model actually saw for a user turn, so save/load can rebuild it.
	MetaAugmentedPrompt = "augmented_prompt"

	// MetaToolName records which tool produced an observation turn.
	MetaToolName = "tool_name"

	// MetaIsSummary marks records written by the summarizer.
	MetaIsSummary = "is_summary"

	// MetaFilename records the file a code artifact chunk came from.
	MetaFilename = "filename"

	// MetaChunkIndex orders the chunks of one code artifact.
	MetaChunkIndex = "chunk_index"
)

// MemoryRecord is one stored turn. Records are immutable once written;
// within a collection they are totally ordered by Timestamp and IDs are
// unique.
type MemoryRecord struct {
	// ID is an opaque unique string (UUID in practice).
	ID string `json:"id"`

	// Role is one of RoleUser, RoleModel, RoleToolObservation.
	Role Role `json:"role"`

	// Content is the turn text. Never empty for a valid record.
	Content string `json:"content"`

	// Timestamp is seconds since the epoch, fractional, strictly
	// increasing per session so replay order is total.
	Timestamp float64 `json:"timestamp"`

	// Metadata carries the recognized keys above plus free-form pairs.
	Metadata map[string]string `json:"metadata,omitempty"`
}

var (
	errRecordNoID      = errors.New("memory record has no id")
	errRecordNoContent = errors.New("memory record has no content")
	errRecordBadTime   = errors.New("memory record has non-positive timestamp")
)

// Validate reports whether the record carries everything a reload needs.
// Rows failing validation are dropped (and counted) when a collection is
// read back, rather than poisoning the session.
func (r *MemoryRecord) Validate() error {
	if r.ID == "" {
		return errRecordNoID
	}
	switch r.Role {
	case RoleUser, RoleModel, RoleToolObservation:
	default:
		return fmt.Errorf("memory record has unknown role %q", r.Role)
	}
	if r.Content == "" {
		return errRecordNoContent
	}
	if r.Timestamp <= 0 {
		return errRecordBadTime
	}
	return nil
}

// Meta returns the metadata value for key, or "" when absent.
func (r *MemoryRecord) Meta(key string) string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata[key]
}

// Turn is one (role, content) pair in the Tier-1 conversational buffer.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SessionEntry is one row of a session listing.
type SessionEntry struct {
	Name string `json:"name"`
}

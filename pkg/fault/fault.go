// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fault defines the error taxonomy shared by the agent server.
//
// Every component classifies its failures into one of the kinds below so
// that tool handlers, the reasoning loop, and the client-facing bridge can
// decide uniformly whether an error is recoverable (fed back to the model
// as an observation) or terminal (ends the task with a final message).
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions.
type Kind string

const (
	// InvalidArgument marks malformed or missing caller input.
	InvalidArgument Kind = "invalid_argument"

	// PathEscape marks a path that resolves outside the sandbox root.
	PathEscape Kind = "path_escape"

	// NotFound marks a missing file, session, or collection.
	NotFound Kind = "not_found"

	// PatchNotApplicable marks a diff whose pre-image does not match the
	// target file even after line-number repair.
	PatchNotApplicable Kind = "patch_not_applicable"

	// ParseError marks model output that yielded no usable command.
	ParseError Kind = "parse_error"

	// ModelHostUnavailable marks a model host that cannot be reached at
	// all. This is the one kind the reasoning loop treats as terminal.
	ModelHostUnavailable Kind = "model_host_unavailable"

	// ModelHostTimeout marks a model call that exceeded its deadline.
	ModelHostTimeout Kind = "model_host_timeout"

	// StoreError marks a vector store or audit store failure.
	StoreError Kind = "store_error"

	// SessionConflict marks a session name collision or a busy session.
	SessionConflict Kind = "session_conflict"

	// Unknown covers errors that carry no classification.
	Unknown Kind = "unknown"
)

// Error pairs a Kind with a message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(k Kind, format string, args ...any) error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil err returns nil so call sites
// can wrap unconditionally.
func Wrap(k Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Msg: msg, Err: err}
}

// KindOf reports the classification of err, walking the wrap chain.
// Unclassified errors (including nil) report Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

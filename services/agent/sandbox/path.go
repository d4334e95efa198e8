// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sandbox confines all user-visible tool I/O to one directory
// subtree and runs sandboxed subprocesses. Every filesystem tool routes
// its paths through Root.SafePath before touching the disk.
package sandbox

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/kodiakworks/kodiak/pkg/fault"
)

// Root is a canonicalized sandbox root. The zero value is unusable;
// construct with NewRoot.
type Root struct {
	dir string
}

// NewRoot resolves baseDirName against the working directory, creates it
// when absent, and canonicalizes it (symlinks resolved). All SafePath
// results are guaranteed to live under the returned root.
func NewRoot(baseDirName string) (*Root, error) {
	if strings.TrimSpace(baseDirName) == "" {
		return nil, fault.New(fault.InvalidArgument, "sandbox directory name is empty")
	}
	abs, err := filepath.Abs(baseDirName)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidArgument, err, "resolve sandbox directory")
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fault.Wrap(fault.StoreError, err, "create sandbox directory")
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fault.Wrap(fault.StoreError, err, "canonicalize sandbox directory")
	}
	return &Root{dir: canonical}, nil
}

// Dir returns the canonical absolute sandbox root.
func (r *Root) Dir() string { return r.dir }

// SafePath joins userPath onto the sandbox root and verifies the result
// stays inside it. Symlinks are resolved before the containment check, so
// a link pointing out of the sandbox cannot smuggle paths through.
//
// Failures: empty or whitespace-only paths are InvalidArgument; absolute
// paths and anything resolving outside the root are PathEscape.
func (r *Root) SafePath(userPath string) (string, error) {
	trimmed := strings.TrimSpace(userPath)
	if trimmed == "" {
		return "", fault.New(fault.InvalidArgument, "path is empty")
	}
	if filepath.IsAbs(trimmed) {
		return "", fault.New(fault.PathEscape, "absolute path %q not allowed", userPath)
	}

	joined := filepath.Join(r.dir, trimmed)
	resolved, err := canonicalize(joined)
	if err != nil {
		return "", fault.Wrap(fault.InvalidArgument, err, "canonicalize path")
	}
	if !r.contains(resolved) {
		return "", fault.New(fault.PathEscape, "path %q escapes the sandbox", userPath)
	}
	return resolved, nil
}

// Contains reports whether an already-absolute path lies inside the root.
// Used by the patch applier, whose paths come from diff headers.
func (r *Root) Contains(abs string) bool {
	resolved, err := canonicalize(abs)
	if err != nil {
		return false
	}
	return r.contains(resolved)
}

func (r *Root) contains(canonical string) bool {
	if canonical == r.dir {
		return true
	}
	return strings.HasPrefix(canonical, r.dir+string(os.PathSeparator))
}

// canonicalize resolves symlinks on the longest existing ancestor of p
// and re-joins the not-yet-existing remainder. EvalSymlinks alone fails
// for paths about to be created, which is the common case for writes.
func canonicalize(p string) (string, error) {
	existing := p
	var tail []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		tail = append(tail, filepath.Base(existing))
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	for i := len(tail) - 1; i >= 0; i-- {
		resolved = filepath.Join(resolved, tail[i])
	}
	return resolved, nil
}

// Hidden and dependency directories skipped by recursive listings.
var skippedDirs = map[string]bool{
	"node_modules": true,
	"__pycache__":  true,
	"venv":         true,
	"vendor":       true,
	".git":         true,
}

// SkipDir reports whether a directory entry should be skipped when
// walking the sandbox (hidden directories and vendored dependencies).
func SkipDir(name string) bool {
	if name == "" {
		return false
	}
	if name != "." && strings.HasPrefix(name, ".") {
		return true
	}
	return skippedDirs[name]
}

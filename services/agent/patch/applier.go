// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sourcegraph/go-diff/diff"

	"github.com/kodiakworks/kodiak/pkg/fault"
	"github.com/kodiakworks/kodiak/services/agent/sandbox"
)

// FileResult describes what one file section of the patch did.
type FileResult struct {
	// Path is sandbox-relative, as named by the diff headers.
	Path string `json:"path"`

	// Created and Deleted mark /dev/null transitions.
	Created bool `json:"created,omitempty"`
	Deleted bool `json:"deleted,omitempty"`

	// HunksApplied counts hunks that landed in this file.
	HunksApplied int `json:"hunks_applied"`

	// Content is the final file content after the patch (empty for
	// deletions). The memory layer stores it as a code artifact.
	Content string `json:"-"`
}

// Result is the outcome of a full patch application.
type Result struct {
	Files []FileResult `json:"files"`
}

// Applier applies unified-diff text to files under a sandbox root.
//
// Pipeline: normalize whitespace, parse with go-diff, relocate every hunk
// by scanning the real file for its pre-image, stage the rewritten files
// in a throwaway directory, then commit each target atomically (sibling
// temp file + rename). Targets are untouched unless every file section of
// the patch applies cleanly, and the staging directory is removed on
// every path out of Apply.
type Applier struct {
	root   *sandbox.Root
	logger *slog.Logger

	// mu serializes applications; concurrent sessions patching the
	// same file must not interleave stage/commit phases.
	mu sync.Mutex
}

// NewApplier builds an Applier over the given sandbox root.
func NewApplier(root *sandbox.Root, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{root: root, logger: logger}
}

// filePlan is one staged file: everything needed to commit or abort.
type filePlan struct {
	rel     string
	abs     string
	staged  string
	mode    os.FileMode
	created bool
	deleted bool
	hunks   int
	content string
}

// Apply runs the full pipeline on diffText.
//
// Errors: InvalidArgument for unparseable diffs, PathEscape for headers
// pointing outside the sandbox, NotFound for missing targets, and
// PatchNotApplicable when a hunk's pre-image cannot be located. On any
// error no target file has been modified.
func (a *Applier) Apply(ctx context.Context, diffText string) (*Result, error) {
	if strings.TrimSpace(diffText) == "" {
		return nil, fault.New(fault.InvalidArgument, "diff content is empty")
	}

	normalized := Normalize(diffText)
	if !strings.HasSuffix(normalized, "\n") {
		normalized += "\n"
	}
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(normalized)).ReadAllFiles()
	if err != nil {
		return nil, fault.Wrap(fault.InvalidArgument, err, "parse unified diff")
	}
	if len(fileDiffs) == 0 {
		return nil, fault.New(fault.InvalidArgument, "diff contains no file sections")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	staging, err := os.MkdirTemp("", "kodiak-patch-")
	if err != nil {
		return nil, fault.Wrap(fault.StoreError, err, "create staging directory")
	}
	defer os.RemoveAll(staging)

	plans := make([]*filePlan, 0, len(fileDiffs))
	for _, fd := range fileDiffs {
		if err := ctx.Err(); err != nil {
			return nil, fault.Wrap(fault.Unknown, err, "patch cancelled")
		}
		plan, err := a.planFile(fd, staging)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}

	// Every section staged cleanly; commit.
	result := &Result{Files: make([]FileResult, 0, len(plans))}
	for _, plan := range plans {
		if err := a.commit(plan); err != nil {
			return nil, err
		}
		result.Files = append(result.Files, FileResult{
			Path:         plan.rel,
			Created:      plan.created,
			Deleted:      plan.deleted,
			HunksApplied: plan.hunks,
			Content:      plan.content,
		})
		a.logger.Info("patched file",
			"path", plan.rel, "hunks", plan.hunks,
			"created", plan.created, "deleted", plan.deleted)
	}
	return result, nil
}

// planFile validates one file section, repairs its hunks against the
// real file, and stages the rewritten content.
func (a *Applier) planFile(fd *diff.FileDiff, staging string) (*filePlan, error) {
	isNew := fd.OrigName == "/dev/null"
	isDelete := fd.NewName == "/dev/null"
	if isNew && isDelete {
		return nil, fault.New(fault.InvalidArgument, "diff section maps /dev/null to /dev/null")
	}

	rel := stripGitPrefix(fd.NewName)
	if isDelete {
		rel = stripGitPrefix(fd.OrigName)
	}
	abs, err := a.root.SafePath(rel)
	if err != nil {
		return nil, err
	}

	var sourceLines []string
	mode := os.FileMode(0644)
	switch {
	case isNew:
		if _, statErr := os.Stat(abs); statErr == nil {
			return nil, fault.New(fault.PatchNotApplicable, "new file %q already exists", rel)
		}
	default:
		raw, readErr := os.ReadFile(abs)
		if readErr != nil {
			if os.IsNotExist(readErr) {
				return nil, fault.New(fault.NotFound, "patch target %q does not exist", rel)
			}
			return nil, fault.Wrap(fault.StoreError, readErr, "read patch target")
		}
		if info, statErr := os.Stat(abs); statErr == nil {
			mode = info.Mode().Perm()
		}
		sourceLines = splitLines(Normalize(string(raw)))
	}

	patched, applied, err := applyHunks(sourceLines, fd.Hunks, rel)
	if err != nil {
		return nil, err
	}
	if isDelete && len(patched) > 0 {
		return nil, fault.New(fault.PatchNotApplicable,
			"deletion of %q leaves %d unremoved lines", rel, len(patched))
	}

	content := ""
	if len(patched) > 0 {
		content = strings.Join(patched, "\n") + "\n"
	}

	stagedPath := filepath.Join(staging, uuid.NewString())
	if err := os.WriteFile(stagedPath, []byte(content), 0600); err != nil {
		return nil, fault.Wrap(fault.StoreError, err, "stage patched file")
	}

	return &filePlan{
		rel:     rel,
		abs:     abs,
		staged:  stagedPath,
		mode:    mode,
		created: isNew,
		deleted: isDelete,
		hunks:   applied,
		content: content,
	}, nil
}

// commit moves one staged file onto its target atomically.
func (a *Applier) commit(plan *filePlan) error {
	if plan.deleted {
		if err := os.Remove(plan.abs); err != nil {
			return fault.Wrap(fault.StoreError, err, "delete patched file")
		}
		return nil
	}

	dir := filepath.Dir(plan.abs)
	if plan.created {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fault.Wrap(fault.StoreError, err, "create parent directories")
		}
	}

	tmp, err := os.CreateTemp(dir, ".kodiak-commit-*")
	if err != nil {
		return fault.Wrap(fault.StoreError, err, "create commit temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(plan.content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fault.Wrap(fault.StoreError, err, "write commit temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fault.Wrap(fault.StoreError, err, "close commit temp file")
	}
	if err := os.Chmod(tmpName, plan.mode); err != nil {
		os.Remove(tmpName)
		return fault.Wrap(fault.StoreError, err, "set file mode")
	}
	if err := os.Rename(tmpName, plan.abs); err != nil {
		os.Remove(tmpName)
		return fault.Wrap(fault.StoreError, err, "rename onto target")
	}
	return nil
}

// hunkPlan is one relocated hunk in 0-based source coordinates.
type hunkPlan struct {
	start int
	pre   []string
	out   []string
}

// applyHunks relocates each hunk by pre-image scan and splices them into
// sourceLines. Returns the patched lines and the hunk count.
//
// Relocation trusts the body, not the @@ header: the pre-image (context
// plus removed lines) is searched for in the file, in order, each hunk
// starting after the previous hunk's match. Pure-insertion hunks have no
// pre-image to anchor on, so their header position is kept, clamped into
// bounds.
func applyHunks(sourceLines []string, hunks []*diff.Hunk, rel string) ([]string, int, error) {
	if len(hunks) == 0 {
		return nil, 0, fault.New(fault.InvalidArgument, "file section for %q has no hunks", rel)
	}

	plans := make([]hunkPlan, 0, len(hunks))
	searchFrom := 0
	for i, h := range hunks {
		pre, out := splitHunkBody(h.Body)
		if len(pre) == 0 {
			start := int(h.OrigStartLine)
			if start < searchFrom {
				start = searchFrom
			}
			if start > len(sourceLines) {
				start = len(sourceLines)
			}
			plans = append(plans, hunkPlan{start: start, out: out})
			searchFrom = start
			continue
		}

		idx := findSequence(sourceLines, pre, searchFrom)
		if idx < 0 {
			return nil, 0, fault.New(fault.PatchNotApplicable,
				"hunk %d of %q: pre-image starting %q not found", i+1, rel, firstLine(pre))
		}
		plans = append(plans, hunkPlan{start: idx, pre: pre, out: out})
		searchFrom = idx + len(pre)
	}

	// Splice in reverse so earlier indices stay valid.
	patched := append([]string(nil), sourceLines...)
	for i := len(plans) - 1; i >= 0; i-- {
		p := plans[i]
		tail := append([]string(nil), patched[p.start+len(p.pre):]...)
		patched = append(patched[:p.start], append(p.out, tail...)...)
	}
	return patched, len(plans), nil
}

// splitHunkBody separates a hunk body into its pre-image (context +
// removals) and output (context + additions). An empty body line is a
// context line whose source line was empty; normalization strips the
// lone space git puts there.
func splitHunkBody(body []byte) (pre, out []string) {
	for _, line := range splitLines(Normalize(string(body))) {
		if line == "" {
			pre = append(pre, "")
			out = append(out, "")
			continue
		}
		switch line[0] {
		case ' ':
			pre = append(pre, line[1:])
			out = append(out, line[1:])
		case '-':
			pre = append(pre, line[1:])
		case '+':
			out = append(out, line[1:])
		}
	}
	return pre, out
}

// findSequence returns the first index >= from where needle appears as a
// contiguous run in haystack, or -1.
func findSequence(haystack, needle []string, from int) int {
	if from < 0 {
		from = 0
	}
	for i := from; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func firstLine(lines []string) string {
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			return l
		}
	}
	if len(lines) > 0 {
		return lines[0]
	}
	return ""
}

// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/kodiakworks/kodiak/pkg/fault"
	"github.com/kodiakworks/kodiak/services/agent/datatypes"
	"github.com/kodiakworks/kodiak/services/agent/sandbox"
)

// pathResult maps a path failure to the result the model sees. Escape
// attempts are logged so operators can spot a model probing the guard.
func pathResult(tc *Context, action, userPath string, err error) datatypes.ToolResult {
	if fault.IsKind(err, fault.PathEscape) {
		tc.logger().Warn("path escape attempt",
			"action", action, "path", userPath)
		return datatypes.Errf("Access denied. Path '%s' resolves outside the sandbox.", userPath)
	}
	return datatypes.Errf("Invalid path '%s': %s", userPath, message(err))
}

// rememberCode mirrors written file content into the session's code
// collection. Failures are logged, not surfaced: the file write already
// succeeded and retrieval enrichment is best effort.
func rememberCode(ctx context.Context, tc *Context, filename, content string) {
	if tc.Session == nil || tc.Session.Memory == nil || content == "" {
		return
	}
	if _, err := tc.Session.Memory.StoreCodeArtifact(ctx, filename, content); err != nil {
		tc.logger().Warn("code artifact not stored", "filename", filename, "error", err)
	}
}

func handleCreateFile(ctx context.Context, tc *Context, params Params) datatypes.ToolResult {
	filename, ok := params.String("filename")
	if !ok || strings.TrimSpace(filename) == "" {
		return missingParam("filename")
	}
	content, _ := params.String("content")

	safe, err := tc.Sandbox.SafePath(filename)
	if err != nil {
		return pathResult(tc, datatypes.ActionCreateFile, filename, err)
	}

	err = tc.run(ctx, func(context.Context) error {
		if err := os.MkdirAll(filepath.Dir(safe), 0750); err != nil {
			return err
		}
		return os.WriteFile(safe, []byte(content), 0640)
	})
	if err != nil {
		return datatypes.Errf("Could not write file '%s': %v", filename, err)
	}

	rememberCode(ctx, tc, filename, content)
	return datatypes.OK(fmt.Sprintf("File '%s' created in sandbox.", filename), nil)
}

func handleReadFile(ctx context.Context, tc *Context, params Params) datatypes.ToolResult {
	filename, ok := params.String("filename")
	if !ok || strings.TrimSpace(filename) == "" {
		return missingParam("filename")
	}

	safe, err := tc.Sandbox.SafePath(filename)
	if err != nil {
		return pathResult(tc, datatypes.ActionReadFile, filename, err)
	}

	var content []byte
	err = tc.run(ctx, func(context.Context) error {
		var readErr error
		content, readErr = os.ReadFile(safe)
		return readErr
	})
	if err != nil {
		if os.IsNotExist(err) {
			return datatypes.Errf("File not found.")
		}
		return datatypes.Errf("Could not read file '%s': %v", filename, err)
	}

	return datatypes.OK(fmt.Sprintf("Read content from '%s'.", filepath.Base(filename)), string(content))
}

func handleReadProjectFile(ctx context.Context, tc *Context, params Params) datatypes.ToolResult {
	filename, ok := params.String("filename")
	if !ok || strings.TrimSpace(filename) == "" {
		return missingParam("filename")
	}
	if !slices.Contains(tc.ProjectFiles, filename) {
		return datatypes.Errf("Access denied. Reading the project file '%s' is not permitted.", filename)
	}

	var content []byte
	err := tc.run(ctx, func(context.Context) error {
		var readErr error
		content, readErr = os.ReadFile(filename)
		return readErr
	})
	if err != nil {
		if os.IsNotExist(err) {
			return datatypes.Errf("File not found.")
		}
		return datatypes.Errf("Could not read project file '%s': %v", filename, err)
	}

	return datatypes.OK(fmt.Sprintf("Read content from '%s'.", filepath.Base(filename)), string(content))
}

func handleListAllowedProjectFiles(_ context.Context, tc *Context, _ Params) datatypes.ToolResult {
	files := append([]string{}, tc.ProjectFiles...)
	return datatypes.OK("Listed allowed project files.", files)
}

func handleListDirectory(ctx context.Context, tc *Context, params Params) datatypes.ToolResult {
	base := tc.Sandbox.Dir()
	if p, ok := params.String("path"); ok && strings.TrimSpace(p) != "" {
		safe, err := tc.Sandbox.SafePath(p)
		if err != nil {
			return pathResult(tc, datatypes.ActionListDirectory, p, err)
		}
		base = safe
	}

	files := []string{}
	err := tc.run(ctx, func(context.Context) error {
		return filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if p != base && sandbox.SkipDir(d.Name()) {
					return fs.SkipDir
				}
				return nil
			}
			rel, err := filepath.Rel(base, p)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
			return nil
		})
	})
	if err != nil {
		return datatypes.Errf("Could not list directory: %v", err)
	}

	sort.Strings(files)
	return datatypes.OK("Listed files in directory.", files)
}

func handleDeleteFile(ctx context.Context, tc *Context, params Params) datatypes.ToolResult {
	filename, ok := params.String("filename")
	if !ok || strings.TrimSpace(filename) == "" {
		return missingParam("filename")
	}

	safe, err := tc.Sandbox.SafePath(filename)
	if err != nil {
		return pathResult(tc, datatypes.ActionDeleteFile, filename, err)
	}

	err = tc.run(ctx, func(context.Context) error {
		if _, statErr := os.Stat(safe); statErr != nil {
			return statErr
		}
		return os.Remove(safe)
	})
	if err != nil {
		if os.IsNotExist(err) {
			return datatypes.Errf("File not found.")
		}
		return datatypes.Errf("Could not delete file '%s': %v", filename, err)
	}

	return datatypes.OK(fmt.Sprintf("File '%s' deleted.", filename), nil)
}

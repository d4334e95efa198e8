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
	"strings"

	"github.com/kodiakworks/kodiak/pkg/fault"
	"github.com/kodiakworks/kodiak/services/agent/datatypes"
	"github.com/kodiakworks/kodiak/services/agent/patch"
	"github.com/kodiakworks/kodiak/services/agent/worker"
)

func handleExecutePythonScript(ctx context.Context, tc *Context, params Params) datatypes.ToolResult {
	script, ok := params.String("script")
	if !ok || strings.TrimSpace(script) == "" {
		return missingParam("script")
	}
	if tc.Runner == nil {
		return datatypes.Errf("Script execution is not available on this server.")
	}

	var stdout string
	err := tc.run(ctx, func(ctx context.Context) error {
		out, runErr := tc.Runner.Run(ctx, script)
		stdout = out
		return runErr
	})
	if err != nil {
		// Keep whatever the script printed before failing; the model can
		// use it to diagnose the error.
		return datatypes.ToolResult{
			Status:  datatypes.StatusError,
			Message: upperFirst(message(err)),
			Content: stdout,
		}
	}

	return datatypes.OK("Script executed.", stdout)
}

func handleApplyPatch(ctx context.Context, tc *Context, params Params) datatypes.ToolResult {
	diffContent, ok := params.String("diff_content")
	if !ok || strings.TrimSpace(diffContent) == "" {
		return missingParam("diff_content")
	}

	var res *patch.Result
	var err error
	if tc.Pool != nil {
		res, err = worker.Run(ctx, tc.Pool, func(ctx context.Context) (*patch.Result, error) {
			return tc.Patcher.Apply(ctx, diffContent)
		})
	} else {
		res, err = tc.Patcher.Apply(ctx, diffContent)
	}
	if err != nil {
		if fault.IsKind(err, fault.PathEscape) {
			tc.logger().Warn("path escape attempt",
				"action", datatypes.ActionApplyPatch, "error", err)
			return datatypes.Errf("Access denied. %s", upperFirst(message(err)))
		}
		return datatypes.Errf("Patch failed: %s", message(err))
	}

	paths := make([]string, 0, len(res.Files))
	for _, f := range res.Files {
		paths = append(paths, f.Path)
		if !f.Deleted {
			rememberCode(ctx, tc, f.Path, f.Content)
		}
	}

	return datatypes.OK(
		fmt.Sprintf("Patch applied successfully. Updated: %s.", strings.Join(paths, ", ")),
		res.Files,
	)
}

// upperFirst capitalizes the first byte of an ASCII sentence so fault
// messages read like the rest of the tool output.
func upperFirst(s string) string {
	if s == "" {
		return s
	}
	if s[0] >= 'a' && s[0] <= 'z' {
		return string(s[0]-('a'-'A')) + s[1:]
	}
	return s
}

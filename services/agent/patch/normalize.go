// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package patch applies unified diffs to sandboxed files with
// line-number self-correction. Model-generated diffs routinely carry
// stale @@ headers; the applier trusts the hunk bodies and relocates
// them against the actual file before touching anything on disk.
package patch

import "strings"

// Normalize coerces line endings to \n and strips trailing whitespace
// from every line. Both the incoming diff and file content pass through
// here so pre-image comparison is byte-exact afterwards.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

// splitLines splits normalized content into lines without a trailing
// phantom element for content ending in \n.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// stripGitPrefix removes the a/ or b/ prefix git puts on diff headers.
func stripGitPrefix(name string) string {
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		return name[2:]
	}
	return name
}

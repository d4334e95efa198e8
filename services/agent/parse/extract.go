// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package parse

import (
	"encoding/json"
	"regexp"
)

var fencedJSONRe = regexp.MustCompile("(?s)```json\\s*\\n?(\\{.*?\\})\\s*\\n?```")

// jsonSpan marks the region of the source text a command was extracted
// from, so the prose pass can cut it out.
type jsonSpan struct {
	start int
	end   int
}

// extractFencedJSON returns the largest ```json fenced object in text along
// with the span of the whole fence.
func extractFencedJSON(text string) (string, jsonSpan, bool) {
	matches := fencedJSONRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return "", jsonSpan{}, false
	}

	best := matches[0]
	for _, m := range matches[1:] {
		if m[3]-m[2] > best[3]-best[2] {
			best = m
		}
	}
	return text[best[2]:best[3]], jsonSpan{start: best[0], end: best[1]}, true
}

// extractBraceCounted scans for a balanced {...} region that survives repair
// and carries a top-level "action" key. The largest such region wins. This
// is the fallback for models that forget the fence.
func extractBraceCounted(text string) (string, jsonSpan, bool) {
	var bestJSON string
	var bestSpan jsonSpan

	for start := 0; start < len(text); start++ {
		if text[start] != '{' {
			continue
		}
		depth := 0
		inString := false
		for i := start; i < len(text); i++ {
			c := text[i]
			if c == '"' && (i == start || text[i-1] != '\\') {
				inString = !inString
			}
			if !inString {
				switch c {
				case '{':
					depth++
				case '}':
					depth--
				}
			}
			if depth == 0 {
				repaired := Repair(text[start : i+1])
				if hasTopLevelAction(repaired) && len(repaired) > len(bestJSON) {
					bestJSON = repaired
					bestSpan = jsonSpan{start: start, end: i + 1}
				}
				break
			}
		}
	}

	if bestJSON == "" {
		return "", jsonSpan{}, false
	}
	return bestJSON, bestSpan, true
}

func hasTopLevelAction(s string) bool {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return false
	}
	_, ok := m["action"]
	return ok
}

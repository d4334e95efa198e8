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
	"sort"
	"strings"

	"github.com/kodiakworks/kodiak/services/agent/datatypes"
)

const (
	payloadOpenPrefix  = "<<<PAYLOAD_"
	payloadClosePrefix = "<<<END_PAYLOAD_"
	payloadSuffix      = ">>>"
)

// maskPayloads replaces every <<<PAYLOAD_n>>>...<<<END_PAYLOAD_n>>> block
// with its bare placeholder ID (e.g. "PAYLOAD_1") and records the enclosed
// content keyed by that ID. Masking runs before any JSON extraction so that
// braces inside file content or diffs cannot confuse the brace counter.
//
// A block with no matching end marker is left untouched.
func maskPayloads(text string) (string, map[string]string) {
	if !strings.Contains(text, payloadOpenPrefix) {
		return text, nil
	}

	payloads := make(map[string]string)
	var out strings.Builder
	rest := text

	for {
		start := strings.Index(rest, payloadOpenPrefix)
		if start == -1 {
			out.WriteString(rest)
			break
		}

		idStart := start + len(payloadOpenPrefix)
		digitsEnd := idStart
		for digitsEnd < len(rest) && rest[digitsEnd] >= '0' && rest[digitsEnd] <= '9' {
			digitsEnd++
		}
		if digitsEnd == idStart || !strings.HasPrefix(rest[digitsEnd:], payloadSuffix) {
			// Not a well-formed open marker; emit it verbatim and move on.
			out.WriteString(rest[:digitsEnd])
			rest = rest[digitsEnd:]
			continue
		}

		id := "PAYLOAD_" + rest[idStart:digitsEnd]
		openEnd := digitsEnd + len(payloadSuffix)
		closeMarker := payloadClosePrefix + rest[idStart:digitsEnd] + payloadSuffix

		closeStart := strings.Index(rest[openEnd:], closeMarker)
		if closeStart == -1 {
			out.WriteString(rest[:openEnd])
			rest = rest[openEnd:]
			continue
		}
		closeStart += openEnd

		payloads[id] = strings.TrimSpace(rest[openEnd:closeStart])
		out.WriteString(rest[:start])
		out.WriteString(id)
		rest = rest[closeStart+len(closeMarker):]
	}

	if len(payloads) == 0 {
		return text, nil
	}
	return out.String(), payloads
}

// rehydrate substitutes remembered payload content into every command
// parameter whose value is exactly a placeholder ID. It returns the set of
// IDs that were consumed so the prose pass can drop their residue.
func rehydrate(cmd *datatypes.ToolCommand, payloads map[string]string) map[string]bool {
	if cmd == nil || len(payloads) == 0 {
		return nil
	}
	consumed := make(map[string]bool)
	for key, val := range cmd.Parameters {
		ref, ok := val.(string)
		if !ok {
			continue
		}
		if content, ok := payloads[ref]; ok {
			cmd.Parameters[key] = content
			consumed[ref] = true
		}
	}
	return consumed
}

// restorePayloads rewrites placeholder IDs left in the prose region.
// Consumed payloads belong to the command, so their IDs are removed;
// unconsumed ones are put back as the content the model wrote.
// Longer IDs are replaced first: PAYLOAD_1 is a prefix of PAYLOAD_12.
func restorePayloads(prose string, payloads map[string]string, consumed map[string]bool) string {
	ids := make([]string, 0, len(payloads))
	for id := range payloads {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return len(ids[i]) > len(ids[j]) })

	for _, id := range ids {
		if consumed[id] {
			prose = strings.ReplaceAll(prose, id, "")
		} else {
			prose = strings.ReplaceAll(prose, id, payloads[id])
		}
	}
	return prose
}

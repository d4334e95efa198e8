// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package parse converts raw model output into structured agent responses.
//
// Models are asked to answer with a fenced JSON command, but in practice
// they wrap it in prose, drop the fence, leave trailing commas, forget to
// escape newlines, or bury braces inside file content. The parser absorbs
// all of that: it masks payload blocks, extracts the most plausible
// command, repairs the JSON, and hands back whatever text remains as
// prose. It never fails; text with no salvageable command is returned
// whole as prose so the reasoning loop can show the model its own output.
package parse

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kodiakworks/kodiak/pkg/logging"
	"github.com/kodiakworks/kodiak/services/agent/datatypes"
)

var (
	emptyFenceRe = regexp.MustCompile("```[a-zA-Z0-9]*\\s*```")
	anyFenceRe   = regexp.MustCompile("(?s)```.*?```")
	timestampRe  = regexp.MustCompile(`^\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\]\s*`)
	blankRunRe   = regexp.MustCompile(`\n{3,}`)
)

// bare acknowledgements that carry no information worth rendering.
var greetings = map[string]bool{
	"hello":      true,
	"hi":         true,
	"hey":        true,
	"ok":         true,
	"okay":       true,
	"sure":       true,
	"understood": true,
	"got it":     true,
}

// Parser turns raw model text into a ParsedAgentResponse.
//
// Thread Safety: Safe for concurrent use; Parse holds no state between
// calls.
type Parser struct {
	logger *logging.Logger
}

// NewParser creates a Parser. A nil logger falls back to the process
// default.
func NewParser(logger *logging.Logger) *Parser {
	if logger == nil {
		logger = logging.Default()
	}
	return &Parser{logger: logger}
}

// Parse extracts a command and prose from raw model text.
//
// Description:
//
//	Pipeline: mask payload blocks so embedded braces cannot mislead
//	extraction; prefer a fenced ```json block (strict parse, then
//	repaired); otherwise brace-count for a balanced object with an
//	"action" key; rehydrate payload references in the winning command;
//	everything outside the command region becomes prose.
//
// Outputs:
//
//	*datatypes.ParsedAgentResponse - Never nil. When no command can be
//	salvaged, Command is nil and Prose holds the full cleaned text.
func (p *Parser) Parse(raw string) *datatypes.ParsedAgentResponse {
	if strings.TrimSpace(raw) == "" {
		return &datatypes.ParsedAgentResponse{}
	}

	masked, payloads := maskPayloads(raw)

	if jsonStr, span, ok := extractFencedJSON(masked); ok {
		if cmd, ok := decodeCommand(jsonStr, false); ok {
			return p.finish(masked, span, cmd, payloads)
		}
		if cmd, ok := decodeCommand(Repair(jsonStr), false); ok {
			return p.finish(masked, span, cmd, payloads)
		}
		p.logger.Debug("fenced block found but irreparable, falling back to brace counting")
	}

	if jsonStr, span, ok := extractBraceCounted(masked); ok {
		if cmd, ok := decodeCommand(jsonStr, true); ok {
			return p.finish(masked, span, cmd, payloads)
		}
	}

	prose := cleanProse(raw)
	if proseEffectivelyEmpty(prose) {
		prose = ""
	}
	return &datatypes.ParsedAgentResponse{Prose: prose}
}

func (p *Parser) finish(masked string, span jsonSpan, cmd *datatypes.ToolCommand, payloads map[string]string) *datatypes.ParsedAgentResponse {
	consumed := rehydrate(cmd, payloads)

	prose := masked[:span.start] + masked[span.end:]
	prose = restorePayloads(prose, payloads, consumed)
	prose = cleanProse(prose)
	if proseEffectivelyEmpty(prose) {
		prose = ""
	}

	p.logger.Debug("parsed agent command", "action", cmd.Action, "payloads_consumed", len(consumed))
	return &datatypes.ParsedAgentResponse{Prose: prose, Command: cmd}
}

// decodeCommand unmarshals a JSON object into a ToolCommand. When
// requireAction is set, objects without an "action" key are rejected;
// the fenced path is lenient so the loop can report a malformed command
// back to the model instead of silently treating it as prose.
func decodeCommand(jsonStr string, requireAction bool) (*datatypes.ToolCommand, bool) {
	var m map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &m); err != nil {
		return nil, false
	}

	action, _ := m["action"].(string)
	if requireAction && action == "" {
		return nil, false
	}

	params, _ := m["parameters"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	return &datatypes.ToolCommand{Action: action, Parameters: params}, true
}

// cleanProse drops empty fenced blocks, collapses runs of blank lines,
// and trims the edges.
func cleanProse(s string) string {
	s = emptyFenceRe.ReplaceAllString(s, "")
	s = blankRunRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// proseEffectivelyEmpty reports whether prose carries nothing worth
// rendering: whitespace, a bare timestamp, code fences with nothing else,
// or a one-word acknowledgement.
func proseEffectivelyEmpty(s string) bool {
	s = timestampRe.ReplaceAllString(strings.TrimSpace(s), "")
	s = anyFenceRe.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	if s == "" {
		return true
	}
	return greetings[strings.ToLower(strings.TrimRight(s, ".!, "))]
}

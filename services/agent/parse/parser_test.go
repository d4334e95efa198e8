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
	"reflect"
	"strings"
	"testing"

	"github.com/kodiakworks/kodiak/services/agent/datatypes"
)

func TestParse_FencedCommandWithProse(t *testing.T) {
	p := NewParser(nil)
	input := "I will now list the sessions.\n```json\n{\"action\": \"list_sessions\"}\n```"

	got := p.Parse(input)
	if got.Command == nil || got.Command.Action != "list_sessions" {
		t.Fatalf("Command = %+v", got.Command)
	}
	if got.Prose != "I will now list the sessions." {
		t.Errorf("Prose = %q", got.Prose)
	}
}

func TestParse_RepairsRawNewlineInString(t *testing.T) {
	p := NewParser(nil)
	input := "Creating a file.\n```json\n{\n  \"action\": \"create_file\",\n  \"parameters\": {\n    \"filename\": \"test.txt\",\n    \"content\": \"Line 1\nLine 2\"\n  }\n}\n```"

	got := p.Parse(input)
	if got.Command == nil || got.Command.Action != "create_file" {
		t.Fatalf("Command = %+v", got.Command)
	}
	content, _ := got.Command.StringParam("content")
	if content != "Line 1\nLine 2" {
		t.Errorf("content = %q", content)
	}
}

func TestParse_BraceCountedFallback(t *testing.T) {
	p := NewParser(nil)
	input := `Reading the file now. {"action": "read_file", "parameters": {"filename": "main.go"}} Done.`

	got := p.Parse(input)
	if got.Command == nil || got.Command.Action != "read_file" {
		t.Fatalf("Command = %+v", got.Command)
	}
	if !strings.Contains(got.Prose, "Reading the file now.") || !strings.Contains(got.Prose, "Done.") {
		t.Errorf("Prose = %q", got.Prose)
	}
}

func TestParse_BraceCountingRequiresAction(t *testing.T) {
	p := NewParser(nil)
	input := `Here is some data: {"count": 42, "ok": true} for reference.`

	got := p.Parse(input)
	if got.Command != nil {
		t.Fatalf("Command = %+v, want nil", got.Command)
	}
	if got.Prose != input {
		t.Errorf("Prose = %q, want full input", got.Prose)
	}
}

func TestParse_PayloadRehydration(t *testing.T) {
	p := NewParser(nil)
	payload := "def main():\n    print(\"hello {world}\")"
	input := "Here is the file content.\n" +
		"```json\n{\"action\": \"create_file\", \"parameters\": {\"filename\": \"script.py\", \"content\": \"PAYLOAD_1\"}}\n```\n" +
		"<<<PAYLOAD_1>>>\n" + payload + "\n<<<END_PAYLOAD_1>>>"

	got := p.Parse(input)
	if got.Command == nil {
		t.Fatal("Command = nil")
	}
	content, _ := got.Command.StringParam("content")
	if content != payload {
		t.Errorf("content = %q, want payload text", content)
	}
	if strings.Contains(got.Prose, "PAYLOAD_1") {
		t.Errorf("Prose still references the payload: %q", got.Prose)
	}
	if got.Prose != "Here is the file content." {
		t.Errorf("Prose = %q", got.Prose)
	}
}

func TestParse_PayloadBracesDoNotConfuseExtraction(t *testing.T) {
	p := NewParser(nil)
	input := "<<<PAYLOAD_7>>>\nif (x) { return;\n<<<END_PAYLOAD_7>>>\n" +
		`{"action": "create_file", "parameters": {"filename": "a.js", "content": "PAYLOAD_7"}}`

	got := p.Parse(input)
	if got.Command == nil || got.Command.Action != "create_file" {
		t.Fatalf("Command = %+v", got.Command)
	}
	content, _ := got.Command.StringParam("content")
	if content != "if (x) { return;" {
		t.Errorf("content = %q", content)
	}
}

func TestParse_UnreferencedPayloadStaysInProse(t *testing.T) {
	p := NewParser(nil)
	input := "Some context first.\n<<<PAYLOAD_3>>>\nleftover snippet\n<<<END_PAYLOAD_3>>>\n" +
		"```json\n{\"action\": \"list_sessions\"}\n```"

	got := p.Parse(input)
	if got.Command == nil {
		t.Fatal("Command = nil")
	}
	if !strings.Contains(got.Prose, "leftover snippet") {
		t.Errorf("Prose dropped unreferenced payload: %q", got.Prose)
	}
}

func TestParse_LargestFencedBlockWins(t *testing.T) {
	p := NewParser(nil)
	input := "```json\n{\"action\": \"x\"}\n```\nand then\n" +
		"```json\n{\"action\": \"task_complete\", \"parameters\": {\"answer\": \"all finished here\"}}\n```"

	got := p.Parse(input)
	if got.Command == nil || got.Command.Action != "task_complete" {
		t.Fatalf("Command = %+v, want the larger block", got.Command)
	}
}

func TestParse_ProseOnly(t *testing.T) {
	p := NewParser(nil)

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain text", "This is just text without commands.", "This is just text without commands."},
		{"braces but not json", "text { with braces } but not JSON", "text { with braces } but not JSON"},
		{"empty", "", ""},
		{"whitespace", "   \n\t  ", ""},
		{"timestamp only", "[2026-07-27 10:25:00]   ", ""},
		{"bare greeting", "Okay.", ""},
		{"empty fence only", "```\n```", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Parse(tt.input)
			if got.Command != nil {
				t.Errorf("Command = %+v, want nil", got.Command)
			}
			if got.Prose != tt.want {
				t.Errorf("Prose = %q, want %q", got.Prose, tt.want)
			}
		})
	}
}

func TestParse_GreetingBeforeCommandYieldsEmptyProse(t *testing.T) {
	p := NewParser(nil)
	input := "Understood.\n```json\n{\"action\": \"list_sessions\"}\n```"

	got := p.Parse(input)
	if got.Command == nil {
		t.Fatal("Command = nil")
	}
	if got.Prose != "" {
		t.Errorf("Prose = %q, want empty", got.Prose)
	}
}

func TestParse_FencedObjectWithoutAction(t *testing.T) {
	p := NewParser(nil)
	got := p.Parse("```json\n{\"note\": \"not a command\"}\n```")
	if got.Command == nil {
		t.Fatal("Command = nil, fenced objects should surface for self-correction")
	}
	if got.Command.Action != "" {
		t.Errorf("Action = %q, want empty", got.Command.Action)
	}
}

func TestParse_RenderRoundTrip(t *testing.T) {
	p := NewParser(nil)
	commands := []*datatypes.ToolCommand{
		{Action: "read_file", Parameters: map[string]any{"filename": "main.go"}},
		{Action: "list_sessions", Parameters: map[string]any{}},
		{Action: "apply_patch", Parameters: map[string]any{"diff_content": "--- a/x\n+++ b/x\n@@ -1 +1 @@\n-a\n+b\n"}},
	}

	for _, cmd := range commands {
		t.Run(cmd.Action, func(t *testing.T) {
			got := p.Parse(cmd.Render())
			if got.Command == nil {
				t.Fatal("Command = nil")
			}
			if got.Prose != "" {
				t.Errorf("Prose = %q, want empty", got.Prose)
			}
			if !reflect.DeepEqual(got.Command, cmd) {
				t.Errorf("round trip = %+v, want %+v", got.Command, cmd)
			}
		})
	}
}

func TestParse_NeverPanics(t *testing.T) {
	p := NewParser(nil)
	inputs := []string{
		"{{{{{{",
		"```json\n{broken\n```",
		strings.Repeat("{", 500),
		"\x00\xff\xfe",
		`{"action"`,
		"<<<PAYLOAD_1>>> unterminated",
		"<<<PAYLOAD_>>>no digits<<<END_PAYLOAD_>>>",
		"```json\n```",
	}
	for _, in := range inputs {
		got := p.Parse(in)
		if got == nil {
			t.Errorf("Parse(%q) = nil", in)
		}
	}
}

func TestRepair(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  map[string]any
	}{
		{
			name:  "trailing comma",
			input: `{"a": 1,}`,
			want:  map[string]any{"a": float64(1)},
		},
		{
			name:  "trailing comma in array",
			input: `{"a": [1, 2,]}`,
			want:  map[string]any{"a": []any{float64(1), float64(2)}},
		},
		{
			name:  "bare keys",
			input: `{action: "read_file", parameters: {filename: "x"}}`,
			want:  map[string]any{"action": "read_file", "parameters": map[string]any{"filename": "x"}},
		},
		{
			name:  "single quotes",
			input: `{'action': 'read_file'}`,
			want:  map[string]any{"action": "read_file"},
		},
		{
			name:  "line comment",
			input: "{\"a\": 1 // the value\n}",
			want:  map[string]any{"a": float64(1)},
		},
		{
			name:  "block comment",
			input: `{"a": /* inline */ 1}`,
			want:  map[string]any{"a": float64(1)},
		},
		{
			name:  "stray backslash",
			input: `{"path": "a\qb"}`,
			want:  map[string]any{"path": "aqb"},
		},
		{
			name:  "raw tab in string",
			input: "{\"a\": \"x\ty\"}",
			want:  map[string]any{"a": "x\ty"},
		},
		{
			name:  "unescaped inner quotes",
			input: `{"m": "say "hi" now"}`,
			want:  map[string]any{"m": `say "hi" now`},
		},
		{
			name:  "already valid",
			input: `{"a": "b"}`,
			want:  map[string]any{"a": "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repaired := Repair(tt.input)
			var got map[string]any
			if err := json.Unmarshal([]byte(repaired), &got); err != nil {
				t.Fatalf("repaired JSON still invalid: %v\n%s", err, repaired)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
			if again := Repair(repaired); again != repaired {
				t.Errorf("repair is not idempotent:\nonce:  %s\ntwice: %s", repaired, again)
			}
		})
	}
}

func TestRepair_CommentMarkersInsideStringsSurvive(t *testing.T) {
	input := `{"url": "https://example.com/a", "glob": "src/**/*.go"}`
	if got := Repair(input); got != input {
		t.Errorf("Repair(%q) = %q", input, got)
	}
}

func TestMaskPayloads(t *testing.T) {
	t.Run("two blocks", func(t *testing.T) {
		text := "before <<<PAYLOAD_1>>>one<<<END_PAYLOAD_1>>> mid <<<PAYLOAD_2>>>two<<<END_PAYLOAD_2>>> after"
		masked, payloads := maskPayloads(text)
		if masked != "before PAYLOAD_1 mid PAYLOAD_2 after" {
			t.Errorf("masked = %q", masked)
		}
		if payloads["PAYLOAD_1"] != "one" || payloads["PAYLOAD_2"] != "two" {
			t.Errorf("payloads = %v", payloads)
		}
	})

	t.Run("unterminated block left alone", func(t *testing.T) {
		text := "x <<<PAYLOAD_1>>> never closed"
		masked, payloads := maskPayloads(text)
		if masked != text {
			t.Errorf("masked = %q", masked)
		}
		if len(payloads) != 0 {
			t.Errorf("payloads = %v", payloads)
		}
	})

	t.Run("no markers", func(t *testing.T) {
		masked, payloads := maskPayloads("plain text")
		if masked != "plain text" || payloads != nil {
			t.Errorf("masked = %q payloads = %v", masked, payloads)
		}
	})
}

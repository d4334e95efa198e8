// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tool action names. These are wire contract: the model emits them and
// the registry dispatches on them.
const (
	ActionCreateFile              = "create_file"
	ActionReadFile                = "read_file"
	ActionReadProjectFile         = "read_project_file"
	ActionListAllowedProjectFiles = "list_allowed_project_files"
	ActionListDirectory           = "list_directory"
	ActionDeleteFile              = "delete_file"
	ActionExecutePythonScript     = "execute_python_script"
	ActionApplyPatch              = "apply_patch"
	ActionListSessions            = "list_sessions"
	ActionLoadSession             = "load_session"
	ActionSaveSession             = "save_session"
	ActionDeleteSession           = "delete_session"
	ActionRequestConfirmation     = "request_confirmation"
	ActionTaskComplete            = "task_complete"
)

// ConfirmationPrefix starts the prompt the loop composes when a
// suspended task resumes: `USER_CONFIRMATION: 'yes'` or `'no'`. Replay
// recognizes stored turns by it.
const ConfirmationPrefix = "USER_CONFIRMATION:"

// ToolCommand is one declarative instruction from the model. Parameters
// are per-action; handlers validate the keys they need.
type ToolCommand struct {
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// StringParam returns the named parameter as a string. Non-string values
// and missing keys return ("", false).
func (c *ToolCommand) StringParam(key string) (string, bool) {
	if c.Parameters == nil {
		return "", false
	}
	v, ok := c.Parameters[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Render serializes the command to its canonical wire form, a fenced
// JSON block the model can echo back. parse(Render(cmd)) round-trips.
func (c *ToolCommand) Render() string {
	data, err := json.Marshal(c)
	if err != nil {
		// Only non-serializable parameter values can land here.
		return fmt.Sprintf("```json\n{\"action\": %q}\n```", c.Action)
	}
	return "```json\n" + string(data) + "\n```"
}

// ToolResult statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ToolResult is the uniform outcome of one tool dispatch. Handlers never
// surface raw errors to the loop; they translate into this shape.
type ToolResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Content any    `json:"content,omitempty"`
}

// OK builds a success result.
func OK(message string, content any) ToolResult {
	return ToolResult{Status: StatusSuccess, Message: message, Content: content}
}

// Errf builds an error result from a format string.
func Errf(format string, args ...any) ToolResult {
	return ToolResult{Status: StatusError, Message: fmt.Sprintf(format, args...)}
}

// IsError reports whether the result carries an error status.
func (r ToolResult) IsError() bool { return r.Status == StatusError }

// Observation renders the result as the observation text fed back to the
// model on the next loop iteration.
func (r ToolResult) Observation() string {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("Tool result: {\"status\": %q, \"message\": %q}", r.Status, r.Message)
	}
	return "Tool result: " + string(data)
}

// ParsedAgentResponse is the parser's output: free prose for the user
// plus an optional command. Both empty means the model said nothing
// usable; the loop surfaces that back to the model as an observation.
type ParsedAgentResponse struct {
	Prose   string       `json:"prose"`
	Command *ToolCommand `json:"command,omitempty"`
}

// IsEmpty reports whether the response carries neither prose nor command.
func (p *ParsedAgentResponse) IsEmpty() bool {
	return strings.TrimSpace(p.Prose) == "" && p.Command == nil
}

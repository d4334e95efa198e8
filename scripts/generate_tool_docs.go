// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// generate_tool_docs renders a markdown reference for the agent's tool
// surface. The action list comes from the live registry, so the output
// cannot drift from the code; the script exits non-zero if this file's
// descriptions fall out of sync with the registered actions.
//
// Usage:
//
//	go run ./scripts/generate_tool_docs.go > tool_reference.md
package main

import (
	"fmt"
	"os"

	"github.com/kodiakworks/kodiak/services/agent/datatypes"
	"github.com/kodiakworks/kodiak/services/agent/tools"
)

// toolDoc is the hand-maintained half of the reference: everything the
// registry does not know about an action.
type toolDoc struct {
	Action  string
	Params  string
	Summary string
	Control bool
}

var docs = []toolDoc{
	{
		Action:  datatypes.ActionCreateFile,
		Params:  "filename, content",
		Summary: "Write a file under the sandbox. Parent directories are created as needed; an existing file is overwritten.",
	},
	{
		Action:  datatypes.ActionReadFile,
		Params:  "filename",
		Summary: "Read a sandbox file and return its content as the observation.",
	},
	{
		Action:  datatypes.ActionReadProjectFile,
		Params:  "filename",
		Summary: "Read one of the allow-listed project files (exact path match). Everything else is refused.",
	},
	{
		Action:  datatypes.ActionListAllowedProjectFiles,
		Params:  "",
		Summary: "Return the project file allow-list.",
	},
	{
		Action:  datatypes.ActionListDirectory,
		Params:  "path (optional)",
		Summary: "Recursive listing of the sandbox, or of a subdirectory of it.",
	},
	{
		Action:  datatypes.ActionDeleteFile,
		Params:  "filename",
		Summary: "Remove a sandbox file. Requires a prior user confirmation in the same task.",
	},
	{
		Action:  datatypes.ActionExecutePythonScript,
		Params:  "script",
		Summary: "Run a Python script inside the sandbox with a bounded runtime; stdout and stderr are captured into the observation.",
	},
	{
		Action:  datatypes.ActionApplyPatch,
		Params:  "diff_content",
		Summary: "Apply a unified diff to sandbox files. The patch is staged and validated before anything is committed.",
	},
	{
		Action:  datatypes.ActionListSessions,
		Params:  "",
		Summary: "List saved session names.",
	},
	{
		Action:  datatypes.ActionSaveSession,
		Params:  "session_name",
		Summary: "Persist the current conversation and code artifacts under a name.",
	},
	{
		Action:  datatypes.ActionLoadSession,
		Params:  "session_name",
		Summary: "Resume a saved conversation. Ends the current task; the client replays the restored transcript.",
	},
	{
		Action:  datatypes.ActionDeleteSession,
		Params:  "session_name",
		Summary: "Delete a saved session from the store and the model host. Requires a prior user confirmation in the same task.",
	},
	{
		Action:  datatypes.ActionRequestConfirmation,
		Params:  "prompt",
		Summary: "Suspend the task and ask the user a yes/no question. The answer arrives as the next observation.",
		Control: true,
	},
	{
		Action:  datatypes.ActionTaskComplete,
		Params:  "answer",
		Summary: "Finish the task. The answer is shown to the user as the final response.",
		Control: true,
	},
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "generate_tool_docs: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	byAction := make(map[string]toolDoc, len(docs))
	for _, d := range docs {
		byAction[d.Action] = d
	}

	// Registered actions plus the two the loop interprets itself must
	// exactly match the documented set.
	registry := tools.NewRegistry(nil)
	live := registry.Actions()
	for _, action := range live {
		if _, ok := byAction[action]; !ok {
			return fmt.Errorf("registered action %q has no description; add it to docs", action)
		}
	}
	for _, d := range docs {
		if d.Control {
			if !tools.IsControlAction(d.Action) {
				return fmt.Errorf("%q is documented as a control action but the loop does not treat it as one", d.Action)
			}
			continue
		}
		if !registry.Known(d.Action) {
			return fmt.Errorf("documented action %q is not registered", d.Action)
		}
	}

	render()
	return nil
}

func render() {
	fmt.Println("# Tool Reference")
	fmt.Println()
	fmt.Println("The actions the agent may emit, dispatched by the tool registry in")
	fmt.Println("`services/agent/tools`. Control actions are interpreted by the")
	fmt.Println("reasoning loop itself and never reach a handler.")
	fmt.Println()

	fmt.Println("| Action | Parameters | Confirmation | Kind |")
	fmt.Println("|--------|------------|--------------|------|")
	for _, d := range docs {
		params := d.Params
		if params == "" {
			params = "none"
		}
		confirm := "no"
		if tools.IsDestructive(d.Action) {
			confirm = "required"
		}
		kind := "tool"
		if d.Control {
			kind = "control"
		}
		fmt.Printf("| `%s` | %s | %s | %s |\n", d.Action, params, confirm, kind)
	}
	fmt.Println()

	fmt.Println("## Details")
	fmt.Println()
	for _, d := range docs {
		fmt.Printf("### `%s`\n", d.Action)
		fmt.Println()
		fmt.Println(d.Summary)
		if tools.IsDestructive(d.Action) {
			fmt.Println()
			fmt.Println("Destructive: the loop suspends and asks the user before running this.")
		}
		fmt.Println()
	}

	fmt.Println("---")
	fmt.Println()
	fmt.Println("*Generated by `go run ./scripts/generate_tool_docs.go`.*")
}

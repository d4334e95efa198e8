// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loop

import (
	"fmt"

	"github.com/kodiakworks/kodiak/services/haven/llm"
)

// protocolPreamble teaches a fresh model-host session the command
// grammar. It is seeded once, as the first system turn, when the loop
// creates the host session.
const protocolPreamble = `You are an agent operating a sandboxed workstation through tools.

Reply to every prompt with exactly one command: a fenced json block of
the form {"action": "<name>", "parameters": {...}}. Text outside the
block is shown to the user as commentary. Never issue more than one
command per reply.

Actions:
  create_file {filename, content}    write a file under the sandbox
  read_file {filename}               read a sandbox file
  read_project_file {filename}       read an allow-listed project file
  list_allowed_project_files {}      show the project file allow-list
  list_directory {path?}             recursive sandbox listing
  delete_file {filename}             remove a sandbox file
  execute_python_script {script}     run Python, stdout is captured
  apply_patch {diff_content}         apply a unified diff to the sandbox
  list_sessions {}                   list saved sessions
  save_session {session_name}        save the conversation under a name
  load_session {session_name}        resume a saved conversation
  delete_session {session_name}      delete a saved conversation
  request_confirmation {prompt}      ask the user yes/no and wait
  task_complete {answer}             finish the task with your answer

Tool outcomes come back as observations of the form
'Tool result: {"status": ..., "message": ..., "content": ...}'.
Every task must end with a task_complete command.`

// ProtocolHistory returns the seed transcript for a new host session.
func ProtocolHistory() []llm.Message {
	return []llm.Message{{Role: llm.RoleSystem, Content: protocolPreamble}}
}

// iterationHeader prefixes each prompt so the model knows how much
// budget remains.
func iterationHeader(iteration, nominal int) string {
	return fmt.Sprintf(
		"This is iteration %d of %d of the reasoning loop.\n"+
			"You MUST issue a task_complete command on or before the final iteration.\n\n",
		iteration, nominal)
}

// nudgeMessage is the one synthetic observation injected when the model
// runs past the nominal iteration budget without finishing.
const nudgeMessage = "You have exceeded the nominal iteration limit. Stop calling tools and reply with a single task_complete command carrying your final answer."

// invalidReplyMessage is fed back when a reply carries no usable command.
const invalidReplyMessage = `Your reply did not contain a valid command. Answer with exactly one fenced JSON object of the form {"action": "<name>", "parameters": {...}}.`

// Client-facing notices for rejected starts.
const (
	busyNotice        = "A task is already running for this session. Wait for it to finish."
	emptyPromptNotice = "Cannot start an empty task."
)

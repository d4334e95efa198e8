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

import "encoding/json"

// =============================================================================
// Channel framing
// =============================================================================

// Frame is one message on the client event channel: an event name plus a
// JSON payload. Both directions use the same envelope.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame marshals payload into a Frame. Marshal errors are returned so
// the emitter can log and drop rather than send a half-built frame.
func NewFrame(event string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Payload: data}, nil
}

// =============================================================================
// Inbound events (client → server)
// =============================================================================

const (
	EventStartTask               = "start_task"
	EventUserConfirmation        = "user_confirmation"
	EventRequestSessionList      = "request_session_list"
	EventRequestSessionName      = "request_session_name"
	EventLogAuditEvent           = "log_audit_event"
	EventRequestDBCollections    = "request_db_collections"
	EventRequestDBCollectionData = "request_db_collection_data"
	EventRequestTraceLog         = "request_trace_log"
	EventRequestHavenTraceLog    = "request_haven_trace_log"
)

// StartTaskPayload begins a reasoning task.
type StartTaskPayload struct {
	Prompt string `json:"prompt"`
}

// UserConfirmationPayload answers a pending confirmation request.
type UserConfirmationPayload struct {
	Response string `json:"response"` // "yes" | "no"
}

// AuditEventPayload is a client-reported audit record.
type AuditEventPayload struct {
	Event       string `json:"event"`
	Details     string `json:"details"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	ControlFlow string `json:"control_flow,omitempty"`
}

// DBCollectionDataRequest names the collection to dump.
type DBCollectionDataRequest struct {
	Collection string `json:"collection"`
}

// =============================================================================
// Outbound events (server → client)
// =============================================================================

const (
	EventLogMessage              = "log_message"
	EventToolLog                 = "tool_log"
	EventDisplayUserPrompt       = "display_user_prompt"
	EventRequestUserConfirmation = "request_user_confirmation"
	EventSessionListUpdate       = "session_list_update"
	EventSessionNameUpdate       = "session_name_update"
	EventClearChatHistory        = "clear_chat_history"
	EventDBCollectionsUpdate     = "db_collections_update"
	EventDBCollectionDataUpdate  = "db_collection_data_update"
	EventTraceLogUpdate          = "trace_log_update"
	EventHavenTraceLogUpdate     = "haven_trace_log_update"
)

// log_message display types.
const (
	MessageTypeUser                  = "user"
	MessageTypeFinalAnswer           = "final_answer"
	MessageTypeInfo                  = "info"
	MessageTypeSystemConfirm         = "system_confirm"
	MessageTypeSystemConfirmReplayed = "system_confirm_replayed"
)

// LogMessagePayload renders one chat-log line.
type LogMessagePayload struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// ToolLogPayload renders one tool activity line.
type ToolLogPayload struct {
	Data string `json:"data"`
}

// DisplayUserPromptPayload echoes the user's prompt into the chat view.
type DisplayUserPromptPayload struct {
	Prompt string `json:"prompt"`
}

// RequestUserConfirmationPayload asks the user for a yes/no decision and
// suspends the loop until user_confirmation arrives.
type RequestUserConfirmationPayload struct {
	Prompt string `json:"prompt"`
}

// SessionListUpdatePayload carries the current saved-session listing.
type SessionListUpdatePayload struct {
	Status  string         `json:"status"`
	Content []SessionEntry `json:"content"`
}

// SessionNameUpdatePayload announces the active session's name.
type SessionNameUpdatePayload struct {
	Name string `json:"name"`
}

// DBCollectionsUpdatePayload lists vector store collections.
type DBCollectionsUpdatePayload struct {
	Collections []string `json:"collections"`
}

// DBCollectionDataUpdatePayload dumps one collection for inspection.
type DBCollectionDataUpdatePayload struct {
	Collection string         `json:"collection"`
	Records    []MemoryRecord `json:"records"`
}

// TraceEntry is one server- or host-side trace event.
type TraceEntry struct {
	Timestamp float64 `json:"timestamp"`
	Kind      string  `json:"kind"`
	Session   string  `json:"session,omitempty"`
	Detail    string  `json:"detail"`
}

// TraceLogUpdatePayload returns recent trace entries.
type TraceLogUpdatePayload struct {
	Entries []TraceEntry `json:"entries"`
}

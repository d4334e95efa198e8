// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"encoding/json"
	"strings"

	"github.com/kodiakworks/kodiak/services/agent/datatypes"
)

// ReplayHistory re-renders a loaded session so the client can rebuild
// its chat view without re-executing anything. It clears the view, then
// walks records in timestamp order: user turns become log_message{user},
// model turns log_message{info}, tool observations tool_log, and
// confirmation answers log_message{system_confirm_replayed}.
func ReplayHistory(em Emitter, records []datatypes.MemoryRecord) {
	_ = em.Emit(datatypes.EventClearChatHistory, nil)
	for _, rec := range records {
		switch rec.Role {
		case datatypes.RoleToolObservation:
			_ = em.Emit(datatypes.EventToolLog, datatypes.ToolLogPayload{
				Data: toolLogLine(rec.Content),
			})
		case datatypes.RoleUser:
			if strings.HasPrefix(rec.Content, datatypes.ConfirmationPrefix) {
				_ = em.Emit(datatypes.EventLogMessage, datatypes.LogMessagePayload{
					Type: datatypes.MessageTypeSystemConfirmReplayed,
					Data: rec.Content,
				})
				continue
			}
			_ = em.Emit(datatypes.EventLogMessage, datatypes.LogMessagePayload{
				Type: datatypes.MessageTypeUser,
				Data: rec.Content,
			})
		case datatypes.RoleModel:
			_ = em.Emit(datatypes.EventLogMessage, datatypes.LogMessagePayload{
				Type: datatypes.MessageTypeInfo,
				Data: rec.Content,
			})
		}
	}
}

// toolLogLine compacts a serialized tool result to its human message,
// falling back to the raw content when the record predates the current
// observation format or the JSON is damaged.
func toolLogLine(content string) string {
	i := strings.IndexByte(content, '{')
	if i < 0 {
		return content
	}
	var res datatypes.ToolResult
	if err := json.Unmarshal([]byte(content[i:]), &res); err != nil || res.Message == "" {
		return content
	}
	return "[" + res.Message + "]"
}

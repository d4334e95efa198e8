// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/kodiakworks/kodiak/pkg/ux"
	"github.com/kodiakworks/kodiak/services/agent/datatypes"
)

func runTraceCommand(cmd *cobra.Command, args []string) {
	request, want, title := datatypes.EventRequestTraceLog, datatypes.EventTraceLogUpdate, "Agent audit trail"
	if havenTrace {
		request, want, title = datatypes.EventRequestHavenTraceLog, datatypes.EventHavenTraceLogUpdate, "Model host trace"
	}

	frame, err := requestOnce(request, nil, want)
	if err != nil {
		log.Fatalf("Failed to read trace: %v", err)
	}

	var p datatypes.TraceLogUpdatePayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		log.Fatalf("Failed to parse server response: %v", err)
	}

	if len(p.Entries) == 0 {
		ux.Muted("No trace entries yet.")
		return
	}

	entries := p.Entries
	if traceLimit > 0 && traceLimit < len(entries) {
		entries = entries[len(entries)-traceLimit:]
	}

	ux.Title(title)
	for _, e := range entries {
		fmt.Println(formatTraceEntry(e))
	}
}

// formatTraceEntry renders one trace row: wall clock, event kind,
// session id when present, then the detail text.
func formatTraceEntry(e datatypes.TraceEntry) string {
	ts := time.Unix(int64(e.Timestamp), 0).Format("15:04:05")
	sess := e.Session
	if sess == "" {
		sess = "-"
	}
	if len(sess) > 12 {
		sess = sess[:12]
	}
	return fmt.Sprintf("  %s  %-24s %-12s %s", ts, e.Kind, sess, e.Detail)
}

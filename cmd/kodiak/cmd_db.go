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
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kodiakworks/kodiak/pkg/ux"
	"github.com/kodiakworks/kodiak/services/agent/datatypes"
)

func runDBCollections(cmd *cobra.Command, args []string) {
	frame, err := requestOnce(datatypes.EventRequestDBCollections, nil, datatypes.EventDBCollectionsUpdate)
	if err != nil {
		log.Fatalf("Failed to list collections: %v", err)
	}

	var p datatypes.DBCollectionsUpdatePayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		log.Fatalf("Failed to parse server response: %v", err)
	}

	if len(p.Collections) == 0 {
		ux.Muted("The vector store has no collections.")
		return
	}

	ux.Title(fmt.Sprintf("Collections (%d)", len(p.Collections)))
	for _, name := range p.Collections {
		fmt.Printf("  %s %s\n", ux.IconBullet.Render(), name)
	}
}

func runDBDump(cmd *cobra.Command, args []string) {
	collection := args[0]

	frame, err := requestOnce(datatypes.EventRequestDBCollectionData,
		datatypes.DBCollectionDataRequest{Collection: collection},
		datatypes.EventDBCollectionDataUpdate)
	if err != nil {
		log.Fatalf("Failed to dump collection: %v", err)
	}

	var p datatypes.DBCollectionDataUpdatePayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		log.Fatalf("Failed to parse server response: %v", err)
	}

	if len(p.Records) == 0 {
		ux.Muted(fmt.Sprintf("Collection %q is empty or does not exist.", collection))
		return
	}

	shown := p.Records
	if dumpLimit > 0 && dumpLimit < len(shown) {
		shown = shown[:dumpLimit]
	}

	ux.Title(fmt.Sprintf("%s (%d records)", p.Collection, len(p.Records)))
	for _, rec := range shown {
		fmt.Println(formatRecord(rec))
	}
	if len(shown) < len(p.Records) {
		ux.Muted(fmt.Sprintf("... %d more (raise --limit to see them)", len(p.Records)-len(shown)))
	}
}

// formatRecord renders one stored record: a timestamped role header,
// indented content, and any metadata keys on a trailing line.
func formatRecord(rec datatypes.MemoryRecord) string {
	var b strings.Builder

	ts := time.Unix(int64(rec.Timestamp), 0).Format("2006-01-02 15:04:05")
	b.WriteString(fmt.Sprintf("%s [%s] %s\n", ux.IconArrow.Render(), ts, rec.Role))

	for _, line := range strings.Split(strings.TrimRight(rec.Content, "\n"), "\n") {
		b.WriteString("    " + line + "\n")
	}

	if len(rec.Metadata) > 0 {
		pairs := make([]string, 0, len(rec.Metadata))
		for k, v := range rec.Metadata {
			if v == "" {
				continue
			}
			if len(v) > 40 {
				v = v[:40] + "..."
			}
			pairs = append(pairs, k+"="+v)
		}
		sort.Strings(pairs)
		if len(pairs) > 0 {
			meta := strings.Join(pairs, " ")
			if !ux.IsPlain() {
				meta = ux.Styles.Muted.Render(meta)
			}
			b.WriteString("    " + meta + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

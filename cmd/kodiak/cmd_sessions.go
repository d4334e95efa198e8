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
	"fmt"
	"log"
	"net/http"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/kodiakworks/kodiak/pkg/ux"
	"github.com/kodiakworks/kodiak/services/agent/datatypes"
)

type sessionListResponse struct {
	Sessions []datatypes.SessionEntry `json:"sessions"`
}

func runListSessions(cmd *cobra.Command, args []string) {
	var out sessionListResponse
	if err := getJSON("/v1/sessions", &out); err != nil {
		log.Fatalf("Failed to list sessions: %v", err)
	}

	if len(out.Sessions) == 0 {
		ux.Muted("No saved sessions.")
		return
	}

	ux.Title("Saved sessions")
	for _, s := range out.Sessions {
		fmt.Printf("  %s %s\n", ux.IconBullet.Render(), s.Name)
	}
}

func runDeleteSession(cmd *cobra.Command, args []string) {
	name := args[0]

	if !forceDelete {
		if ux.IsPlain() {
			log.Fatalf("Refusing to delete %q without a terminal; pass --force.", name)
		}
		if !confirmDelete(name) {
			ux.Muted("Kept " + name + ".")
			return
		}
	}

	var out struct {
		Status  string `json:"status"`
		Warning string `json:"warning"`
		Error   string `json:"error"`
	}
	status, err := deleteJSON("/v1/sessions/"+name, &out)
	if err != nil {
		log.Fatalf("Failed to delete session: %v", err)
	}

	switch {
	case status == http.StatusNotFound:
		ux.Warning(fmt.Sprintf("No saved session named %q.", name))
	case status != http.StatusOK:
		log.Fatalf("Failed to delete session %q: %s", name, out.Error)
	case out.Warning != "":
		ux.Warning(out.Warning)
	default:
		ux.Success(fmt.Sprintf("Deleted session %q.", name))
	}
}

// confirmDelete walks the user through an explicit yes/no form before a
// destructive delete.
func confirmDelete(name string) bool {
	confirmed := false
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(fmt.Sprintf("Delete session %q?", name)).
			Description("Removes the stored conversation and code memory. This cannot be undone.").
			Affirmative("Delete").
			Negative("Keep").
			Value(&confirmed),
	))
	if err := form.Run(); err != nil {
		log.Fatalf("Confirmation aborted: %v", err)
	}
	return confirmed
}

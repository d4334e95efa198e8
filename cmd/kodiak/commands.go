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
	"github.com/spf13/cobra"

	"github.com/kodiakworks/kodiak/pkg/ux"
)

// --- Global Command Variables ---
var (
	serverURL   string
	plainOutput bool
	forceDelete bool
	havenTrace  bool
	traceLimit  int
	dumpLimit   int

	rootCmd = &cobra.Command{
		Use:   "kodiak",
		Short: "Operator CLI and terminal chat client for the Kodiak agent",
		Long: `Kodiak is a local AI agent that works inside a sandboxed directory.
This CLI talks to a running agentd: chat with the agent, manage saved
sessions, and inspect the vector store and audit trail.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if plainOutput {
				ux.SetPlain(true)
			}
		},
	}

	// --- Chat ---
	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat with the agent",
		Run:   runChatCommand, // Defined in cmd_chat.go
	}

	// --- Sessions ---
	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "Manage saved conversation sessions",
	}
	listSessionsCmd = &cobra.Command{
		Use:   "list",
		Short: "List all saved sessions",
		Run:   runListSessions, // Defined in cmd_sessions.go
	}
	deleteSessionCmd = &cobra.Command{
		Use:   "delete [session_name]",
		Short: "Delete a saved session and its stored memory",
		Args:  cobra.ExactArgs(1),
		Run:   runDeleteSession, // Defined in cmd_sessions.go
	}

	// --- Vector store inspection ---
	dbCmd = &cobra.Command{
		Use:   "db",
		Short: "Inspect the agent's vector store",
	}
	dbCollectionsCmd = &cobra.Command{
		Use:   "collections",
		Short: "List vector store collections",
		Run:   runDBCollections, // Defined in cmd_db.go
	}
	dbDumpCmd = &cobra.Command{
		Use:   "dump [collection]",
		Short: "Dump the records of one collection",
		Args:  cobra.ExactArgs(1),
		Run:   runDBDump, // Defined in cmd_db.go
	}

	// --- Traces ---
	traceCmd = &cobra.Command{
		Use:   "trace",
		Short: "Show recent agent activity from the audit trail",
		Run:   runTraceCommand, // Defined in cmd_trace.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "",
		"Agent server base URL (default http://127.0.0.1:5001, or KODIAK_SERVER)")
	rootCmd.PersistentFlags().BoolVar(&plainOutput, "plain", false,
		"Disable colors and icons (also triggered by NO_COLOR or piped output)")

	rootCmd.AddCommand(chatCmd)

	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(listSessionsCmd)
	sessionsCmd.AddCommand(deleteSessionCmd)
	deleteSessionCmd.Flags().BoolVar(&forceDelete, "force", false,
		"Skip the confirmation prompt")

	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbCollectionsCmd)
	dbCmd.AddCommand(dbDumpCmd)
	dbDumpCmd.Flags().IntVar(&dumpLimit, "limit", 0,
		"Print at most this many records (0 = all)")

	rootCmd.AddCommand(traceCmd)
	traceCmd.Flags().BoolVar(&havenTrace, "haven", false,
		"Show the model host's call trace instead of the agent audit trail")
	traceCmd.Flags().IntVar(&traceLimit, "limit", 50,
		"Print at most this many entries")
}

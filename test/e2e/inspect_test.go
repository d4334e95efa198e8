// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package e2e

import (
	"strings"
	"testing"
	"time"
)

func TestDBCollections_Smoke(t *testing.T) {
	requireServer(t)

	output, err := runCLI(t, 30*time.Second, "db", "collections")
	if err != nil {
		t.Fatalf("db collections failed: %v\nOutput: %s", err, output)
	}

	if !strings.Contains(output, "Collections") && !strings.Contains(output, "no collections") {
		t.Errorf("unexpected db collections output:\n%s", output)
	}
}

func TestTrace_Smoke(t *testing.T) {
	requireServer(t)

	output, err := runCLI(t, 30*time.Second, "trace", "--limit", "10")
	if err != nil {
		t.Fatalf("trace failed: %v\nOutput: %s", err, output)
	}
	t.Logf("trace output:\n%s", output)
}

func TestPlainFlagDisablesStyling(t *testing.T) {
	requireServer(t)

	output, err := runCLI(t, 30*time.Second, "--plain", "sessions", "list")
	if err != nil {
		t.Fatalf("sessions list --plain failed: %v\nOutput: %s", err, output)
	}
	if strings.Contains(output, "\x1b[") {
		t.Errorf("--plain output still carries ANSI escapes:\n%s", output)
	}
}

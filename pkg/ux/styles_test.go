// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"io"
	"os"
	"testing"
)

// Helper to capture stdout
func captureStdout(f func()) string {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	f()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

// Helper to capture stderr
func captureStderr(f func()) string {
	old := os.Stderr
	r, w, _ := os.Pipe()
	os.Stderr = w

	f()

	w.Close()
	os.Stderr = old

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

func withPlain(t *testing.T, v bool) {
	t.Helper()
	orig := IsPlain()
	SetPlain(v)
	t.Cleanup(func() { SetPlain(orig) })
}

// =============================================================================
// Icon.Render Tests
// =============================================================================

func TestIcon_Render_Status(t *testing.T) {
	withPlain(t, false)

	for _, icon := range []Icon{IconSuccess, IconWarning, IconError, IconPending} {
		if icon.Render() == "" {
			t.Errorf("expected non-empty render for %q", icon)
		}
	}
}

func TestIcon_Render_Default(t *testing.T) {
	withPlain(t, false)

	// Icons without status colors render as-is.
	for _, icon := range []Icon{IconArrow, IconBullet, IconPaw} {
		if icon.Render() != string(icon) {
			t.Errorf("expected %q, got %q", string(icon), icon.Render())
		}
	}
}

func TestIcon_Render_Plain(t *testing.T) {
	withPlain(t, true)

	if IconSuccess.Render() != string(IconSuccess) {
		t.Errorf("expected unstyled icon in plain mode, got %q", IconSuccess.Render())
	}
}

// =============================================================================
// Print Helper Tests
// =============================================================================

func TestTitle_Plain(t *testing.T) {
	withPlain(t, true)

	output := captureStdout(func() {
		Title("Test Title")
	})

	if output != "Test Title\n" {
		t.Errorf("expected plain title, got %q", output)
	}
}

func TestTitle_Styled(t *testing.T) {
	withPlain(t, false)

	output := captureStdout(func() {
		Title("Test Title")
	})

	if output == "" {
		t.Error("expected styled output")
	}
}

func TestSuccess_Plain(t *testing.T) {
	withPlain(t, true)

	output := captureStdout(func() {
		Success("Operation completed")
	})

	if output != "OK: Operation completed\n" {
		t.Errorf("expected 'OK: Operation completed', got %q", output)
	}
}

func TestSuccess_Styled(t *testing.T) {
	withPlain(t, false)

	output := captureStdout(func() {
		Success("Operation completed")
	})

	if output == "" {
		t.Error("expected styled output")
	}
}

func TestWarning_Plain(t *testing.T) {
	withPlain(t, true)

	output := captureStderr(func() {
		Warning("Something might be wrong")
	})

	if output != "WARN: Something might be wrong\n" {
		t.Errorf("expected 'WARN: Something might be wrong', got %q", output)
	}
}

func TestError_Plain(t *testing.T) {
	withPlain(t, true)

	output := captureStderr(func() {
		Error("Something went wrong")
	})

	if output != "ERROR: Something went wrong\n" {
		t.Errorf("expected 'ERROR: Something went wrong', got %q", output)
	}
}

func TestError_Styled(t *testing.T) {
	withPlain(t, false)

	output := captureStdout(func() {
		Error("Something went wrong")
	})

	if output == "" {
		t.Error("expected styled output on stdout")
	}
}

func TestInfo_Plain(t *testing.T) {
	withPlain(t, true)

	output := captureStdout(func() {
		Info("Information message")
	})

	if output != "Information message\n" {
		t.Errorf("expected plain 'Information message', got %q", output)
	}
}

func TestMuted_Plain(t *testing.T) {
	withPlain(t, true)

	output := captureStdout(func() {
		Muted("Secondary text")
	})

	if output != "Secondary text\n" {
		t.Errorf("expected plain 'Secondary text', got %q", output)
	}
}

func TestBox_Plain(t *testing.T) {
	withPlain(t, true)

	output := captureStdout(func() {
		Box("Title", "Content here")
	})

	if output != "Title: Content here\n" {
		t.Errorf("expected 'Title: Content here', got %q", output)
	}
}

func TestBox_Styled(t *testing.T) {
	withPlain(t, false)

	output := captureStdout(func() {
		Box("Title", "Content here")
	})

	if output == "" {
		t.Error("expected styled box output")
	}
}

// =============================================================================
// Mode Toggle Tests
// =============================================================================

func TestSetPlain_Roundtrip(t *testing.T) {
	orig := IsPlain()
	defer SetPlain(orig)

	SetPlain(true)
	if !IsPlain() {
		t.Error("expected plain mode after SetPlain(true)")
	}

	SetPlain(false)
	if IsPlain() {
		t.Error("expected styled mode after SetPlain(false)")
	}
}

func TestIconConstants(t *testing.T) {
	icons := map[string]Icon{
		"Success": IconSuccess,
		"Warning": IconWarning,
		"Error":   IconError,
		"Pending": IconPending,
		"Arrow":   IconArrow,
		"Bullet":  IconBullet,
		"Paw":     IconPaw,
	}

	for name, icon := range icons {
		if string(icon) == "" {
			t.Errorf("icon %s is empty", name)
		}
	}
}

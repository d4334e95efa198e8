// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"strings"
	"testing"

	"github.com/kodiakworks/kodiak/pkg/fault"
)

func TestCollectionBase(t *testing.T) {
	tests := []struct {
		name    string
		session string
		want    string
	}{
		{"plain word", "demo", "Demo"},
		{"already capitalized", "Demo", "Demo"},
		{"spaces and punctuation dropped", "my cool session!", "Mycoolsession"},
		{"digits survive", "run 42", "Run42"},
		{"leading digit kept", "2nd try", "2ndtry"},
		{"mixed unicode dropped", "café session", "Cafsession"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CollectionBase(tt.session)
			if err != nil {
				t.Fatalf("CollectionBase(%q) error = %v", tt.session, err)
			}
			if got != tt.want {
				t.Errorf("CollectionBase(%q) = %q, want %q", tt.session, got, tt.want)
			}
		})
	}

	t.Run("hash fallback when too little survives", func(t *testing.T) {
		got, err := CollectionBase("!! ??")
		if err != nil {
			t.Fatalf("CollectionBase error = %v", err)
		}
		if len(got) != 9 || got[0] != 'X' {
			t.Errorf("CollectionBase = %q, want X plus 8 hex digits", got)
		}

		again, _ := CollectionBase("!! ??")
		if got != again {
			t.Errorf("fallback not stable: %q vs %q", got, again)
		}

		other, _ := CollectionBase("%%")
		if got == other {
			t.Errorf("distinct names share fallback base %q", got)
		}
	})

	t.Run("two-char name uses fallback", func(t *testing.T) {
		got, _ := CollectionBase("ab")
		if !strings.HasPrefix(got, "X") {
			t.Errorf("CollectionBase(\"ab\") = %q, want hash fallback", got)
		}
	})

	t.Run("long names capped", func(t *testing.T) {
		got, _ := CollectionBase(strings.Repeat("abc", 40))
		if len(got) != maxBaseLen {
			t.Errorf("len = %d, want %d", len(got), maxBaseLen)
		}
	})

	t.Run("empty name rejected", func(t *testing.T) {
		_, err := CollectionBase("   ")
		if !fault.IsKind(err, fault.InvalidArgument) {
			t.Errorf("kind = %v, want invalid_argument", fault.KindOf(err))
		}
	})
}

func TestClassNames(t *testing.T) {
	if got := TurnsClass("Demo"); got != "TurnsDemo" {
		t.Errorf("TurnsClass = %q", got)
	}
	if got := CodeClass("Demo"); got != "CodeDemo" {
		t.Errorf("CodeClass = %q", got)
	}

	for _, name := range []string{"TurnsDemo", "CodeDemo", SessionClass} {
		if !IsKodiakClass(name) {
			t.Errorf("IsKodiakClass(%q) = false", name)
		}
	}
	for _, name := range []string{"Document", "Conversation", ""} {
		if IsKodiakClass(name) {
			t.Errorf("IsKodiakClass(%q) = true", name)
		}
	}
}

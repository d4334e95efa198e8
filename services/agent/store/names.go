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
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/kodiakworks/kodiak/pkg/fault"
)

const (
	// SessionClass is the registry collection for saved session names.
	SessionClass = "KodiakSession"

	// turnsPrefix and codePrefix namespace the per-session collections.
	turnsPrefix = "Turns"
	codePrefix  = "Code"

	// maxBaseLen caps the sanitized base so class names stay manageable.
	maxBaseLen = 48
)

// CollectionBase derives a vector-class-safe base name from a session
// name. Non-alphanumeric runes are dropped and the first surviving rune
// is upper-cased. When fewer than three runes survive the base falls
// back to "X" plus the first eight hex digits of the name's SHA-256, so
// emoji-only or punctuation-only names still get a stable collection.
func CollectionBase(sessionName string) (string, error) {
	trimmed := strings.TrimSpace(sessionName)
	if trimmed == "" {
		return "", fault.New(fault.InvalidArgument, "session name is empty")
	}

	var b strings.Builder
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}

	base := b.String()
	if len(base) < 3 {
		sum := sha256.Sum256([]byte(trimmed))
		base = "X" + hex.EncodeToString(sum[:4])
	} else {
		base = strings.ToUpper(base[:1]) + base[1:]
	}
	if len(base) > maxBaseLen {
		base = base[:maxBaseLen]
	}
	return base, nil
}

// TurnsClass names the conversational collection for a sanitized base.
func TurnsClass(base string) string { return turnsPrefix + base }

// CodeClass names the code artifact collection for a sanitized base.
func CodeClass(base string) string { return codePrefix + base }

// IsKodiakClass reports whether a class name belongs to this module's
// namespace, so ListCollections does not leak unrelated classes from a
// shared Weaviate instance.
func IsKodiakClass(name string) bool {
	return name == SessionClass ||
		strings.HasPrefix(name, turnsPrefix) ||
		strings.HasPrefix(name, codePrefix)
}

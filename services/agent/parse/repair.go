// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package parse

import (
	"encoding/json"
	"errors"
	"strings"
	"unicode"
)

// Repair applies best-effort fixes to malformed JSON emitted by language
// models. Every pass is a no-op on valid JSON, so repairing twice gives the
// same result as repairing once.
//
// Fixes, in order:
//  1. JavaScript-style // and /* */ comments are stripped.
//  2. Single-quoted strings become double-quoted when unambiguous.
//  3. Bare object keys are quoted.
//  4. Trailing commas before } or ] are removed.
//  5. Raw control characters inside strings are escaped and stray
//     backslashes before non-escape characters are dropped.
//  6. Unescaped double quotes inside strings are escaped, guided by
//     decoder error offsets.
func Repair(s string) string {
	s = stripComments(s)
	s = convertSingleQuotes(s)
	s = quoteBareKeys(s)
	s = stripTrailingCommas(s)
	s = escapeStringBodies(s)
	s = escapeInnerQuotes(s)
	return s
}

// stringScanner tracks whether a byte offset sits inside a double-quoted
// JSON string. Callers feed it every byte in order.
type stringScanner struct {
	inString bool
	escaped  bool
}

func (sc *stringScanner) step(c byte) {
	if sc.escaped {
		sc.escaped = false
		return
	}
	switch c {
	case '\\':
		if sc.inString {
			sc.escaped = true
		}
	case '"':
		sc.inString = !sc.inString
	}
}

func stripComments(s string) string {
	var out strings.Builder
	out.Grow(len(s))
	var sc stringScanner

	for i := 0; i < len(s); i++ {
		c := s[i]
		if !sc.inString && c == '/' && i+1 < len(s) {
			switch s[i+1] {
			case '/':
				for i < len(s) && s[i] != '\n' {
					i++
				}
				if i < len(s) {
					out.WriteByte('\n')
				}
				continue
			case '*':
				end := strings.Index(s[i+2:], "*/")
				if end == -1 {
					return out.String()
				}
				i += 2 + end + 1
				continue
			}
		}
		sc.step(c)
		out.WriteByte(c)
	}
	return out.String()
}

// convertSingleQuotes rewrites 'text' spans outside double-quoted strings as
// "text". A span is converted only when it contains no quote characters and
// no newline; anything else is too ambiguous to touch.
func convertSingleQuotes(s string) string {
	var out strings.Builder
	out.Grow(len(s))
	var sc stringScanner

	for i := 0; i < len(s); i++ {
		c := s[i]
		if !sc.inString && c == '\'' {
			end := strings.IndexByte(s[i+1:], '\'')
			if end != -1 {
				inner := s[i+1 : i+1+end]
				if !strings.ContainsAny(inner, "\"'\\\n") {
					out.WriteByte('"')
					out.WriteString(inner)
					out.WriteByte('"')
					i += end + 1
					continue
				}
			}
		}
		sc.step(c)
		out.WriteByte(c)
	}
	return out.String()
}

// quoteBareKeys wraps unquoted object keys in double quotes. A bare key is
// an identifier outside any string that is followed, after optional
// whitespace, by a colon.
func quoteBareKeys(s string) string {
	var out strings.Builder
	out.Grow(len(s) + 8)
	var sc stringScanner

	for i := 0; i < len(s); i++ {
		c := s[i]
		if !sc.inString && isIdentStart(c) {
			j := i
			for j < len(s) && isIdentByte(s[j]) {
				j++
			}
			k := j
			for k < len(s) && isSpaceByte(s[k]) {
				k++
			}
			if k < len(s) && s[k] == ':' {
				out.WriteByte('"')
				out.WriteString(s[i:j])
				out.WriteByte('"')
				i = j - 1
				continue
			}
			out.WriteString(s[i:j])
			i = j - 1
			continue
		}
		sc.step(c)
		out.WriteByte(c)
	}
	return out.String()
}

func stripTrailingCommas(s string) string {
	var out strings.Builder
	out.Grow(len(s))
	var sc stringScanner

	for i := 0; i < len(s); i++ {
		c := s[i]
		if !sc.inString && c == ',' {
			j := i + 1
			for j < len(s) && isSpaceByte(s[j]) {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		sc.step(c)
		out.WriteByte(c)
	}
	return out.String()
}

// escapeStringBodies fixes two in-string defects in a single pass: raw
// newline, carriage return, and tab characters become their escape
// sequences, and a backslash before a non-escape character is dropped.
func escapeStringBodies(s string) string {
	var out strings.Builder
	out.Grow(len(s) + 16)
	inString := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if !inString {
			if c == '"' {
				inString = true
			}
			out.WriteByte(c)
			continue
		}
		switch c {
		case '"':
			inString = false
			out.WriteByte(c)
		case '\n':
			out.WriteString(`\n`)
		case '\r':
			out.WriteString(`\r`)
		case '\t':
			out.WriteString(`\t`)
		case '\\':
			if i+1 < len(s) && isEscapeByte(s[i+1]) {
				out.WriteByte(c)
				out.WriteByte(s[i+1])
				i++
			}
			// Otherwise drop the stray backslash.
		default:
			out.WriteByte(c)
		}
	}
	return out.String()
}

// escapeInnerQuotes handles double quotes the model forgot to escape inside
// string values. There is no way to spot these with a linear scan, so it
// leans on the decoder: parse, escape the last quote before the reported
// error offset, and try again. Gives up, returning the input unchanged,
// when an attempt makes no progress.
func escapeInnerQuotes(s string) string {
	if json.Valid([]byte(s)) {
		return s
	}
	orig := s
	const maxAttempts = 100

	for range maxAttempts {
		var v any
		err := json.Unmarshal([]byte(s), &v)
		if err == nil {
			return s
		}
		var syn *json.SyntaxError
		if !errors.As(err, &syn) {
			return orig
		}
		off := int(syn.Offset)
		if off > len(s) {
			off = len(s)
		}
		q := strings.LastIndexByte(s[:off], '"')
		if q <= 0 {
			return orig
		}
		slashes := 0
		for p := q - 1; p >= 0 && s[p] == '\\'; p-- {
			slashes++
		}
		if slashes%2 != 0 {
			return orig
		}
		s = s[:q] + `\` + s[q:]
	}
	return orig
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || unicode.IsLetter(rune(c))
}

func isIdentByte(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isEscapeByte(c byte) bool {
	switch c {
	case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
		return true
	}
	return false
}

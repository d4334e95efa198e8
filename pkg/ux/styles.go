// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides the CLI's terminal styling: a shared lipgloss
// palette, status icons, and print helpers. Output degrades to plain
// prefixed text when stdout is not a terminal or NO_COLOR is set, so
// scripted callers can parse it.
package ux

import (
	"fmt"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Palette. Earth tones with a single accent each for good and bad news.
var (
	ColorPine  = lipgloss.Color("#3E7C4F") // evergreen - success, brand
	ColorMoss  = lipgloss.Color("#6A9955") // soft green - secondary
	ColorAmber = lipgloss.Color("#E5A33B") // warnings
	ColorClay  = lipgloss.Color("#C65949") // errors
	ColorRiver = lipgloss.Color("#4F9EC4") // interactive highlights
	ColorStone = lipgloss.Color("#8A8F98") // muted text
	ColorBark  = lipgloss.Color("#6E5846") // borders
)

// Styles are the pre-built lipgloss styles shared by every command.
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Box       lipgloss.Style

	// Chat transcript roles.
	User   lipgloss.Style
	Agent  lipgloss.Style
	Tool   lipgloss.Style
	System lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorPine),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorMoss),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorStone),
	Success:   lipgloss.NewStyle().Foreground(ColorPine),
	Warning:   lipgloss.NewStyle().Foreground(ColorAmber),
	Error:     lipgloss.NewStyle().Foreground(ColorClay),
	Highlight: lipgloss.NewStyle().Foreground(ColorRiver).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBark).
		Padding(0, 1),

	User:   lipgloss.NewStyle().Foreground(ColorRiver).Bold(true),
	Agent:  lipgloss.NewStyle().Foreground(ColorPine),
	Tool:   lipgloss.NewStyle().Foreground(ColorStone).Italic(true),
	System: lipgloss.NewStyle().Foreground(ColorAmber),
}

// Icon is a themed status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
	IconPaw     Icon = "ᨐ"
)

// Render returns the icon with its status color.
func (i Icon) Render() string {
	if IsPlain() {
		return string(i)
	}
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

var (
	plainMu sync.RWMutex
	plain   = !isatty.IsTerminal(os.Stdout.Fd()) || os.Getenv("NO_COLOR") != ""
)

// IsPlain reports whether output is unstyled.
func IsPlain() bool {
	plainMu.RLock()
	defer plainMu.RUnlock()
	return plain
}

// SetPlain overrides terminal detection, for the --plain flag and tests.
func SetPlain(v bool) {
	plainMu.Lock()
	defer plainMu.Unlock()
	plain = v
}

// Title prints a styled heading.
func Title(text string) {
	if IsPlain() {
		fmt.Println(text)
		return
	}
	fmt.Println(Styles.Title.Render(text))
}

// Success prints a success line.
func Success(text string) {
	if IsPlain() {
		fmt.Printf("OK: %s\n", text)
		return
	}
	fmt.Printf("%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
}

// Warning prints a warning line.
func Warning(text string) {
	if IsPlain() {
		fmt.Fprintf(os.Stderr, "WARN: %s\n", text)
		return
	}
	fmt.Printf("%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
}

// Error prints an error line.
func Error(text string) {
	if IsPlain() {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", text)
		return
	}
	fmt.Printf("%s %s\n", IconError.Render(), Styles.Error.Render(text))
}

// Info prints a secondary line.
func Info(text string) {
	if IsPlain() {
		fmt.Println(text)
		return
	}
	fmt.Printf("%s %s\n", Styles.Muted.Render("│"), text)
}

// Muted prints de-emphasized text.
func Muted(text string) {
	if IsPlain() {
		fmt.Println(text)
		return
	}
	fmt.Println(Styles.Muted.Render(text))
}

// Box prints content under a titled rounded border.
func Box(title, content string) {
	if IsPlain() {
		fmt.Printf("%s: %s\n", title, content)
		return
	}
	fmt.Println(Styles.Box.Render(Styles.Title.Render(title) + "\n" + content))
}

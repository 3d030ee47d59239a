// Copyright (C) 2025 Halcyon Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the threadline CLI.
package ux

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/charmbracelet/lipgloss"
)

// Threadline palette - dusk violets and ember accents
var (
	ColorVioletBright  = lipgloss.Color("#B38CFF") // Highlights, titles
	ColorVioletPrimary = lipgloss.Color("#8F6BD9") // Main brand color
	ColorVioletDeep    = lipgloss.Color("#6B4FA8") // Borders, accents
	ColorAsh           = lipgloss.Color("#5C5870") // Muted text

	ColorSuccess = lipgloss.Color("#7FD98C")
	ColorWarning = lipgloss.Color("#F0C674")
	ColorError   = lipgloss.Color("#E06C75")
)

// Styles provides pre-configured lipgloss styles.
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
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorVioletBright),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorVioletPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorAsh),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorVioletBright).Bold(true),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorVioletDeep).
		Padding(0, 1),
}

// plainMode disables styling and animation for scripts and dumb
// terminals. NO_COLOR is honored per https://no-color.org.
var plainMode atomic.Bool

func init() {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("THREADLINE_PLAIN") != "" {
		plainMode.Store(true)
	}
}

// SetPlain switches plain output on or off, overriding the environment.
func SetPlain(plain bool) {
	plainMode.Store(plain)
}

// Plain reports whether styled output is disabled.
func Plain() bool {
	return plainMode.Load()
}

// Title prints a styled heading.
func Title(text string) {
	if Plain() {
		fmt.Println(text)
		return
	}
	fmt.Println(Styles.Title.Render(text))
}

// Success prints a success message with a checkmark.
func Success(text string) {
	if Plain() {
		fmt.Printf("OK: %s\n", text)
		return
	}
	fmt.Printf("%s %s\n", Styles.Success.Render("✓"), text)
}

// Warning prints a warning message to stderr.
func Warning(text string) {
	if Plain() {
		fmt.Fprintf(os.Stderr, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", Styles.Warning.Render("⚠"), text)
}

// Error prints an error message to stderr.
func Error(text string) {
	if Plain() {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", text)
		return
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", Styles.Error.Render("✗"), Styles.Error.Render(text))
}

// Muted prints secondary text.
func Muted(text string) {
	if Plain() {
		fmt.Println(text)
		return
	}
	fmt.Println(Styles.Muted.Render(text))
}

// KeyValue prints an aligned key/value line for detail listings.
func KeyValue(key, value string) {
	if Plain() {
		fmt.Printf("%s: %s\n", key, value)
		return
	}
	fmt.Printf("%s %s\n", Styles.Muted.Render(key+":"), value)
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package styles provides the visual styling system for the talkio TUI.
package styles

import "github.com/charmbracelet/lipgloss"

// Theme holds the styled components for the chat view.
type Theme struct {
	// ==========================================================================
	// HEADER STYLES
	// ==========================================================================

	Header      lipgloss.Style
	HeaderTitle lipgloss.Style

	// ==========================================================================
	// MESSAGE STYLES
	// ==========================================================================

	UserLabel      lipgloss.Style
	AssistantLabel lipgloss.Style
	MessageBody    lipgloss.Style
	Reasoning      lipgloss.Style
	ToolCall       lipgloss.Style
	ToolResult     lipgloss.Style
	ErrorText      lipgloss.Style
	Timestamp      lipgloss.Style

	// ==========================================================================
	// INPUT AND STATUS STYLES
	// ==========================================================================

	InputPrompt  lipgloss.Style
	StatusBar    lipgloss.Style
	Spinner      lipgloss.Style
	ShortcutKey  lipgloss.Style
	ShortcutDesc lipgloss.Style
}

// NewTheme builds the default theme.
func NewTheme() *Theme {
	return &Theme{
		Header:      lipgloss.NewStyle().Background(SurfaceDim).Padding(0, 1),
		HeaderTitle: lipgloss.NewStyle().Foreground(Purple).Bold(true),

		UserLabel:      lipgloss.NewStyle().Foreground(Cyan).Bold(true),
		AssistantLabel: lipgloss.NewStyle().Foreground(Purple).Bold(true),
		MessageBody:    lipgloss.NewStyle().Foreground(TextPrimary),
		Reasoning:      lipgloss.NewStyle().Foreground(TextMuted).Italic(true),
		ToolCall:       lipgloss.NewStyle().Foreground(Amber),
		ToolResult:     lipgloss.NewStyle().Foreground(Emerald),
		ErrorText:      lipgloss.NewStyle().Foreground(Rose),
		Timestamp:      lipgloss.NewStyle().Foreground(TextMuted),

		InputPrompt:  lipgloss.NewStyle().Foreground(Cyan).Bold(true),
		StatusBar:    lipgloss.NewStyle().Background(SurfaceDim).Foreground(TextSecondary).Padding(0, 1),
		Spinner:      lipgloss.NewStyle().Foreground(Purple),
		ShortcutKey:  lipgloss.NewStyle().Foreground(Cyan),
		ShortcutDesc: lipgloss.NewStyle().Foreground(TextMuted),
	}
}

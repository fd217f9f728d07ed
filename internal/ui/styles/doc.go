// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package styles provides the visual styling system for the talkio TUI.
//
// Colors are defined as lipgloss.AdaptiveColor values so they render
// correctly on both light and dark terminals. Theme bundles the styles the
// chat view composes from them.
package styles

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides utility functions for talkio.
package util

// UNICODE: Rune-aware truncation preserves multi-byte characters.
// These functions handle strings correctly regardless of character encoding,
// preventing mid-character truncation that would corrupt UTF-8 strings.

// TruncateRunes truncates a string to a maximum number of runes (characters).
// This is safe for UTF-8 strings as it counts characters, not bytes.
// If the string is truncated, "..." is appended.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	if maxRunes <= 3 {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-3]) + "..."
}

// TruncateWidth truncates a string to a maximum display width.
// This accounts for double-width characters (CJK) that take 2 columns.
// For now, this provides a basic implementation; for full CJK support,
// consider using github.com/mattn/go-runewidth.
func TruncateWidth(s string, maxWidth int) string {
	if maxWidth <= 0 {
		return ""
	}
	runes := []rune(s)
	width := 0
	for i, r := range runes {
		charWidth := runeWidth(r)
		if width+charWidth > maxWidth {
			if maxWidth >= 3 && width >= 3 {
				return string(runes[:i]) + "..."
			}
			return string(runes[:i])
		}
		width += charWidth
	}
	return s
}

// runeWidth returns the display width of a rune.
// Returns 2 for common CJK characters, 1 for others.
// For full support, use github.com/mattn/go-runewidth.
func runeWidth(r rune) int {
	// Common CJK ranges (simplified check)
	// CJK Unified Ideographs
	if r >= 0x4E00 && r <= 0x9FFF {
		return 2
	}
	// CJK Unified Ideographs Extension A
	if r >= 0x3400 && r <= 0x4DBF {
		return 2
	}
	// Hiragana
	if r >= 0x3040 && r <= 0x309F {
		return 2
	}
	// Katakana
	if r >= 0x30A0 && r <= 0x30FF {
		return 2
	}
	// Hangul Syllables
	if r >= 0xAC00 && r <= 0xD7AF {
		return 2
	}
	// Fullwidth Forms
	if r >= 0xFF00 && r <= 0xFFEF {
		return 2
	}
	return 1
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"regexp"
	"strings"
)

var mentionPattern = regexp.MustCompile(`@(\S+)`)

// ExtractMentions returns the participant ids addressed by @mentions in
// text. A mention matches a display name with whitespace stripped,
// case-insensitively, so "@Claude Opus" is addressed as "@claudeopus".
func ExtractMentions(text string, names map[string]string) []string {
	var ids []string
	seen := make(map[string]bool)

	for _, match := range mentionPattern.FindAllStringSubmatch(text, -1) {
		raw := strings.ToLower(match[1])
		for id, display := range names {
			normalized := strings.ToLower(removeWhitespace(display))
			if raw == normalized && !seen[id] {
				ids = append(ids, id)
				seen[id] = true
				break
			}
		}
	}
	return ids
}

// StripMentions removes @mention tokens from text.
func StripMentions(text string) string {
	return strings.TrimSpace(mentionPattern.ReplaceAllString(text, ""))
}

func removeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), "")
}

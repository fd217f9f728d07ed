// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"reflect"
	"testing"
)

func TestExtractMentions(t *testing.T) {
	names := map[string]string{
		"p1": "Claude Opus",
		"p2": "GPT-5",
		"p3": "Researcher",
	}

	tests := []struct {
		name string
		text string
		want []string
	}{
		{"no mentions", "hello everyone", nil},
		{"simple", "@Researcher what do you think?", []string{"p3"}},
		{"case insensitive", "@researcher go", []string{"p3"}},
		{"whitespace stripped name", "@ClaudeOpus hi", []string{"p1"}},
		{"unknown name ignored", "@nobody hi", nil},
		{"duplicate deduped", "@Researcher and @researcher again", []string{"p3"}},
		{"punctuated name", "@GPT-5 your turn", []string{"p2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractMentions(tt.text, names)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExtractMentions(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestExtractMentionsMultiple(t *testing.T) {
	names := map[string]string{"a": "Alpha", "b": "Beta"}
	got := ExtractMentions("@Alpha @Beta settle this", names)
	if len(got) != 2 {
		t.Fatalf("got %v, want both participants", got)
	}
}

func TestStripMentions(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"@Alpha hello", "hello"},
		{"hello @Alpha", "hello"},
		{"no mentions here", "no mentions here"},
		{"@a @b", ""},
	}
	for _, tt := range tests {
		if got := StripMentions(tt.in); got != tt.want {
			t.Errorf("StripMentions(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

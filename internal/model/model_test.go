// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"testing"
	"time"
)

func TestNewConversationType(t *testing.T) {
	single := NewConversation("m1")
	if single.Type != TypeSingle || single.IsGroup() {
		t.Errorf("one model should make a single chat, got %s", single.Type)
	}

	group := NewConversation("m1", "m2")
	if group.Type != TypeGroup || !group.IsGroup() {
		t.Errorf("two models should make a group chat, got %s", group.Type)
	}
	if len(group.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(group.Participants))
	}
	if group.Participants[0].ID == group.Participants[1].ID {
		t.Error("participant ids must be unique")
	}
}

func TestParticipantByID(t *testing.T) {
	conv := NewConversation("m1", "m2")
	want := conv.Participants[1]

	got := conv.ParticipantByID(want.ID)
	if got == nil || got.ModelID != "m2" {
		t.Errorf("ParticipantByID(%s) = %+v", want.ID, got)
	}
	if conv.ParticipantByID("nope") != nil {
		t.Error("unknown id should return nil")
	}
}

func TestAutoTitle(t *testing.T) {
	tests := []struct {
		names []string
		want  string
	}{
		{nil, "New Chat"},
		{[]string{"Alpha"}, "Alpha"},
		{[]string{"Alpha", "Beta"}, "Alpha, Beta"},
		{[]string{"Alpha", "Beta", "Gamma"}, "Alpha, Beta, Gamma"},
		{[]string{"A", "B", "C", "D"}, "A, B, C..."},
	}
	for _, tt := range tests {
		if got := AutoTitle(tt.names); got != tt.want {
			t.Errorf("AutoTitle(%v) = %q, want %q", tt.names, got, tt.want)
		}
	}
}

func TestAssistantSkeletonLifecycle(t *testing.T) {
	at := time.Now().Add(time.Millisecond)
	msg := NewAssistantMessage("c1", "Alpha", "p1", at)

	if !msg.IsStreaming || msg.Status != StatusStreaming {
		t.Errorf("skeleton should start streaming, got %+v", msg)
	}
	if msg.IsFinal() {
		t.Error("streaming message must not be final")
	}
	if !msg.CreatedAt.Equal(at) {
		t.Errorf("CreatedAt = %v, want %v", msg.CreatedAt, at)
	}

	msg.Status = StatusSuccess
	if !msg.IsFinal() {
		t.Error("success message must be final")
	}
}

func TestNewUserMessageDefaults(t *testing.T) {
	msg := NewUserMessage("c1", "hello")
	if msg.Role != RoleUser || msg.SenderName != "You" {
		t.Errorf("unexpected user message: %+v", msg)
	}
	if msg.Status != StatusSuccess || msg.IsStreaming {
		t.Error("user messages are stored complete")
	}
}

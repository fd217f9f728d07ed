// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// ConversationType distinguishes one-on-one chats from group chats.
type ConversationType string

const (
	TypeSingle ConversationType = "single"
	TypeGroup  ConversationType = "group"
)

// Participant is one AI member of a conversation: a model binding plus an
// optional persona that contributes a system prompt and tool allow-lists.
type Participant struct {
	ID        string `json:"id"`
	ModelID   string `json:"model_id"`
	PersonaID string `json:"persona_id,omitempty"`
}

// Conversation holds chat metadata and its participant roster.
// Messages are stored separately and loaded on demand.
type Conversation struct {
	// Identity
	ID        string           `json:"id"`
	Type      ConversationType `json:"type"`
	Title     string           `json:"title"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`

	// Members
	Participants []Participant `json:"participants"`

	// Summary shown in conversation lists
	LastMessage   string    `json:"last_message,omitempty"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
}

// NewConversation creates a conversation for the given model IDs.
// More than one model makes it a group chat.
func NewConversation(modelIDs ...string) *Conversation {
	participants := make([]Participant, 0, len(modelIDs))
	for _, mid := range modelIDs {
		participants = append(participants, Participant{
			ID:      uuid.NewString(),
			ModelID: mid,
		})
	}
	ctype := TypeSingle
	if len(participants) > 1 {
		ctype = TypeGroup
	}
	now := time.Now()
	return &Conversation{
		ID:           uuid.NewString(),
		Type:         ctype,
		Participants: participants,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsGroup reports whether the conversation has multiple AI participants.
func (c *Conversation) IsGroup() bool {
	return c.Type == TypeGroup
}

// ParticipantByID returns the participant with the given id, or nil.
func (c *Conversation) ParticipantByID(id string) *Participant {
	for i := range c.Participants {
		if c.Participants[i].ID == id {
			return &c.Participants[i]
		}
	}
	return nil
}

// AutoTitle builds a conversation title from participant display names.
// Used when the first message arrives and no explicit title is set.
func AutoTitle(names []string) string {
	if len(names) == 0 {
		return "New Chat"
	}
	if len(names) == 1 {
		return names[0]
	}
	if len(names) <= 3 {
		return strings.Join(names, ", ")
	}
	return strings.Join(names[:3], ", ") + "..."
}

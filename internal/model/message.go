// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// =============================================================================
// MESSAGE STATUS
// =============================================================================

// Status tracks the lifecycle of a message.
//
// A message is mutable only while status is StatusStreaming; once it moves
// to StatusSuccess or StatusError it is treated as immutable.
type Status string

const (
	// StatusStreaming - assistant message currently being generated.
	StatusStreaming Status = "streaming"

	// StatusSuccess - generation completed (including user-initiated stop).
	StatusSuccess Status = "success"

	// StatusError - generation failed with a turn-level error.
	StatusError Status = "error"
)

// =============================================================================
// TOOL CALLS AND RESULTS
// =============================================================================

// ToolCall is one model-issued function invocation request.
// Arguments is the raw JSON string accumulated from streamed fragments.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult is the execution output for a single tool call,
// fed back to the model on the next round.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
}

// TokenUsage holds prompt/completion token counts reported by the API.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a conversation.
//
// Identity fields (ID, ConversationID, Role, ParticipantID) never change
// after creation. Content fields are mutated in place by the orchestrator
// while the message streams.
type Message struct {
	// Identity
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	SenderName     string    `json:"sender_name,omitempty"`
	ParticipantID  string    `json:"participant_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`

	// Content
	Content           string  `json:"content"`
	ReasoningContent  string  `json:"reasoning_content,omitempty"`
	ReasoningDuration float64 `json:"reasoning_duration,omitempty"` // seconds

	// Tool use
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`

	// Lifecycle
	IsStreaming  bool   `json:"is_streaming"`
	Status       Status `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Statistics
	TokenUsage *TokenUsage `json:"token_usage,omitempty"`
}

// NewUserMessage creates a completed user message.
func NewUserMessage(conversationID, content string) *Message {
	return &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           RoleUser,
		SenderName:     "You",
		Content:        content,
		Status:         StatusSuccess,
		CreatedAt:      time.Now(),
	}
}

// NewAssistantMessage creates an empty assistant message skeleton that will
// be filled in during streaming.
func NewAssistantMessage(conversationID, senderName, participantID string, createdAt time.Time) *Message {
	return &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           RoleAssistant,
		SenderName:     senderName,
		ParticipantID:  participantID,
		IsStreaming:    true,
		Status:         StatusStreaming,
		CreatedAt:      createdAt,
	}
}

// IsFinal reports whether the message has left the streaming state.
func (m *Message) IsFinal() bool {
	return m.Status != StatusStreaming
}

// =============================================================================
// STREAMING STATE
// =============================================================================

// StreamingState is the current-turn-only projection used to drive live UI
// without touching durable storage on every delta. It exists only while a
// turn is in flight for a conversation and is cleared on completion, error,
// or cancellation.
type StreamingState struct {
	MessageID string
	Content   string
	Reasoning string
}

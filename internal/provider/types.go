// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

// =============================================================================
// REQUEST TYPES
// =============================================================================

// ChatMessage is one entry in the chat completion request.
type ChatMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolCalls  []APIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// APIToolCall is the wire form of a completed tool call echoed back to the
// model on follow-up rounds.
type APIToolCall struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"` // always "function"
	Function APIFunctionCall `json:"function"`
}

// APIFunctionCall carries the function name and raw JSON arguments.
type APIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDef describes a callable tool in OpenAI function format.
type ToolDef struct {
	Type     string      `json:"type"` // always "function"
	Function FunctionDef `json:"function"`
}

// FunctionDef is the function half of a ToolDef.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// StreamOptions asks the server to attach token usage to the final frame.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// ChatRequest is an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model           string         `json:"model"`
	Messages        []ChatMessage  `json:"messages"`
	Stream          bool           `json:"stream"`
	StreamOptions   *StreamOptions `json:"stream_options,omitempty"`
	Temperature     *float64       `json:"temperature,omitempty"`
	TopP            *float64       `json:"top_p,omitempty"`
	ReasoningEffort string         `json:"reasoning_effort,omitempty"`
	Tools           []ToolDef      `json:"tools,omitempty"`
}

// =============================================================================
// STREAM WIRE TYPES
// =============================================================================

// ToolCallDelta is one streamed fragment of a tool call. Fragments for the
// same call share an index; id arrives once, name and arguments accumulate
// as partial strings.
type ToolCallDelta struct {
	Index    int             `json:"index"`
	ID       string          `json:"id,omitempty"`
	Function APIFunctionCall `json:"function"`
}

// wireDelta is the raw per-delta shape before reasoning normalization.
// Several historical field names exist for reasoning output.
type wireDelta struct {
	Content          string          `json:"content"`
	ReasoningContent string          `json:"reasoning_content"`
	Reasoning        string          `json:"reasoning"`
	ToolCalls        []ToolCallDelta `json:"tool_calls"`
}

// wireChoice is one choice in a streamed chunk. Some providers attach
// reasoning at the choice level rather than inside the delta.
type wireChoice struct {
	Delta            wireDelta `json:"delta"`
	ReasoningContent string    `json:"reasoning_content"`
	Reasoning        string    `json:"reasoning"`
	FinishReason     string    `json:"finish_reason"`
}

// wireUsage is the usage block attached to the final frame when
// stream_options.include_usage is set.
type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// streamChunk is one `data:` record of the event stream.
type streamChunk struct {
	Choices []wireChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage"`
}

// =============================================================================
// NORMALIZED DELTA
// =============================================================================

// Delta is one normalized increment of a streamed response: content text,
// reasoning text (already collapsed from the historical field variants),
// and/or tool-call fragments.
type Delta struct {
	Content   string
	Reasoning string
	ToolCalls []ToolCallDelta
}

// Usage is the token accounting reported at the end of a stream.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// DeltaCallback receives each normalized delta as it arrives.
type DeltaCallback func(delta Delta)

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools provides the built-in local tool registry for talkio TUI.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atotto/clipboard"

	"github.com/jeranaias/talkio-tui/internal/provider"
)

// =============================================================================
// TYPES
// =============================================================================

// Result is the outcome of a local tool execution.
type Result struct {
	Success bool
	Content string
	Error   string
}

// Handler executes one tool. Handlers must not panic; errors go in the
// Result, never up the stack.
type Handler func(ctx context.Context, args map[string]any) Result

// Tool is one built-in tool definition.
type Tool struct {
	Name             string
	Description      string
	Parameters       map[string]any
	Handler          Handler
	EnabledByDefault bool
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry holds the built-in tools, checked before any remote server when
// resolving a tool call by name.
type Registry struct {
	tools []Tool
}

// NewRegistry creates a registry with the standard built-ins.
func NewRegistry() *Registry {
	return &Registry{tools: builtins()}
}

// emptyObjectSchema is the parameter schema for tools that take no input.
func emptyObjectSchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func builtins() []Tool {
	return []Tool{
		{
			Name:             "get_current_time",
			Description:      "Get current date/time. Only call when the user explicitly asks about the current time, date, or timezone.",
			Parameters:       emptyObjectSchema(),
			Handler:          handleGetCurrentTime,
			EnabledByDefault: true,
		},
		{
			Name:             "read_clipboard",
			Description:      "Read clipboard text. Only call when the user explicitly asks to read or paste clipboard content.",
			Parameters:       emptyObjectSchema(),
			Handler:          handleReadClipboard,
			EnabledByDefault: true,
		},
	}
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for _, t := range r.tools {
		names = append(names, t.Name)
	}
	return names
}

// Has reports whether name resolves to a built-in.
func (r *Registry) Has(name string) bool {
	return r.find(name) != nil
}

func (r *Registry) find(name string) *Tool {
	for i := range r.tools {
		if r.tools[i].Name == name {
			return &r.tools[i]
		}
	}
	return nil
}

// Defs returns the API tool definitions for the enabled subset. A nil
// filter means default enablement; otherwise the filter decides per name
// (global toggles and per-persona allow-lists compose into it upstream).
func (r *Registry) Defs(enabled func(name string) bool) []provider.ToolDef {
	var defs []provider.ToolDef
	for _, t := range r.tools {
		include := t.EnabledByDefault
		if enabled != nil {
			include = enabled(t.Name)
		}
		if !include {
			continue
		}
		defs = append(defs, provider.ToolDef{
			Type: "function",
			Function: provider.FunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return defs
}

// Execute runs a built-in by name. The second return is false when the name
// is not a built-in, so the caller can fall through to remote resolution.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (Result, bool) {
	tool := r.find(name)
	if tool == nil {
		return Result{}, false
	}
	return tool.Handler(ctx, args), true
}

// =============================================================================
// HANDLERS
// =============================================================================

func handleGetCurrentTime(_ context.Context, _ map[string]any) Result {
	now := time.Now()
	zone, offsetSecs := now.Zone()
	offsetHours := offsetSecs / 3600

	payload, err := json.Marshal(map[string]any{
		"date":      now.Format("2006-01-02"),
		"time":      now.Format("15:04:05"),
		"timezone":  zone,
		"utcOffset": fmt.Sprintf("UTC%+d", offsetHours),
		"dayOfWeek": now.Weekday().String(),
		"timestamp": now.Format(time.RFC3339),
	})
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	return Result{Success: true, Content: string(payload)}
}

func handleReadClipboard(_ context.Context, _ map[string]any) Result {
	text, err := clipboard.ReadAll()
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	if text == "" {
		text = "(clipboard is empty)"
	}
	return Result{Success: true, Content: text}
}

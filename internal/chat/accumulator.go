// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"encoding/json"

	"github.com/jeranaias/talkio-tui/internal/model"
	"github.com/jeranaias/talkio-tui/internal/provider"
)

// accumulator collects one streamed response: content text (with inline
// think spans routed to reasoning), reasoning deltas, and tool-call
// fragments grouped by index.
type accumulator struct {
	content   string
	reasoning string
	think     provider.ThinkScanner
	toolCalls []model.ToolCall
}

// add folds one normalized delta into the accumulated state.
func (a *accumulator) add(d provider.Delta) {
	if d.Reasoning != "" {
		a.reasoning += d.Reasoning
	}
	if d.Content != "" {
		c, r := a.think.Scan(d.Content)
		a.content += c
		a.reasoning += r
	}
	a.addToolCalls(d.ToolCalls)
}

// addToolCalls merges streamed tool-call fragments. Fragments sharing an
// index belong to one call: the id arrives once, name and arguments
// accumulate as partial strings.
func (a *accumulator) addToolCalls(fragments []provider.ToolCallDelta) {
	for _, tc := range fragments {
		for len(a.toolCalls) <= tc.Index {
			a.toolCalls = append(a.toolCalls, model.ToolCall{})
		}
		if tc.ID != "" {
			a.toolCalls[tc.Index].ID = tc.ID
		}
		a.toolCalls[tc.Index].Name += tc.Function.Name
		a.toolCalls[tc.Index].Arguments += tc.Function.Arguments
	}
}

// finish releases any held-back partial think marker. Call at stream end.
func (a *accumulator) finish() {
	c, r := a.think.Flush()
	a.content += c
	a.reasoning += r
}

// parseToolArgs decodes a tool-call argument string. Malformed JSON yields
// an empty object: bad arguments never abort the turn.
func parseToolArgs(raw string) map[string]any {
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

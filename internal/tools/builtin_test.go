// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"encoding/json"
	"testing"
)

func TestRegistry_HasBuiltins(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"get_current_time", "read_clipboard"} {
		if !r.Has(name) {
			t.Errorf("missing built-in %q", name)
		}
	}
	if r.Has("launch_rockets") {
		t.Error("unknown tool reported as present")
	}
}

func TestRegistry_DefsDefaultEnablement(t *testing.T) {
	r := NewRegistry()
	defs := r.Defs(nil)
	if len(defs) != 2 {
		t.Fatalf("defs = %d, want 2 enabled by default", len(defs))
	}
	if defs[0].Type != "function" {
		t.Errorf("def type = %q", defs[0].Type)
	}
}

func TestRegistry_DefsFiltered(t *testing.T) {
	r := NewRegistry()
	defs := r.Defs(func(name string) bool { return name == "get_current_time" })
	if len(defs) != 1 {
		t.Fatalf("defs = %d, want 1", len(defs))
	}
	if defs[0].Function.Name != "get_current_time" {
		t.Errorf("kept %q", defs[0].Function.Name)
	}
}

func TestRegistry_ExecuteUnknownFallsThrough(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Execute(context.Background(), "nope", nil)
	if ok {
		t.Error("unknown tool must report ok=false for remote fallthrough")
	}
}

func TestGetCurrentTime(t *testing.T) {
	r := NewRegistry()
	res, ok := r.Execute(context.Background(), "get_current_time", map[string]any{})
	if !ok || !res.Success {
		t.Fatalf("execute failed: ok=%v res=%+v", ok, res)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(res.Content), &payload); err != nil {
		t.Fatalf("content is not JSON: %v", err)
	}
	for _, key := range []string{"date", "time", "timezone", "utcOffset", "dayOfWeek", "timestamp"} {
		if _, ok := payload[key]; !ok {
			t.Errorf("payload missing %q", key)
		}
	}
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// TOOLS: Resolving streamed tool calls against built-ins and MCP servers

package chat

import (
	"context"
	"log"

	"github.com/jeranaias/talkio-tui/internal/config"
	"github.com/jeranaias/talkio-tui/internal/mcp"
	"github.com/jeranaias/talkio-tui/internal/provider"
	"github.com/jeranaias/talkio-tui/internal/tools"
)

// toolExecutor resolves tool calls for one participant turn. Built-ins are
// checked first; unknown names fall through to the remote tools discovered
// at turn start; names matching neither produce a synthetic not-found
// result instead of failing the turn.
type toolExecutor struct {
	registry       *tools.Registry
	manager        *mcp.Manager
	globalEnabled  func(name string) bool
	personaAllowed map[string]bool // nil when the participant has no persona

	// remote maps discovered tool names to their owning server.
	remote     map[string]mcp.ServerConfig
	remoteDefs []provider.ToolDef
}

// newToolExecutor discovers remote tools for the participant's allowed
// servers and snapshots the resolution tables for the turn. Discovery
// failures are logged and skip the server; a broken tool server must not
// block generation.
func newToolExecutor(ctx context.Context, registry *tools.Registry, manager *mcp.Manager, cfg *config.Config, persona *config.Persona) *toolExecutor {
	ex := &toolExecutor{
		registry:      registry,
		manager:       manager,
		globalEnabled: cfg.ToolEnabled,
		remote:        make(map[string]mcp.ServerConfig),
	}

	if persona != nil {
		ex.personaAllowed = make(map[string]bool, len(persona.AllowedTools))
		for _, name := range persona.AllowedTools {
			ex.personaAllowed[name] = true
		}
	}

	for _, server := range allowedServers(cfg, persona) {
		sc := mcp.ServerConfig{ID: server.ID, Name: server.Name, URL: server.URL, Headers: server.Headers}
		discovered, err := manager.DiscoverTools(ctx, sc)
		if err != nil {
			log.Printf("[Chat] tool discovery failed for %s: %v", server.Name, err)
			continue
		}
		for _, t := range discovered {
			if _, taken := ex.remote[t.Name]; taken {
				continue
			}
			ex.remote[t.Name] = sc
			ex.remoteDefs = append(ex.remoteDefs, provider.ToolDef{
				Type: "function",
				Function: provider.FunctionDef{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.InputSchema,
				},
			})
		}
	}

	return ex
}

// allowedServers applies the persona's server allow-list to the enabled
// server set.
func allowedServers(cfg *config.Config, persona *config.Persona) []config.MCPServer {
	enabled := cfg.EnabledMCPServers()
	if persona == nil || len(persona.AllowedServers) == 0 {
		return enabled
	}
	allowed := make(map[string]bool, len(persona.AllowedServers))
	for _, id := range persona.AllowedServers {
		allowed[id] = true
	}
	var out []config.MCPServer
	for _, s := range enabled {
		if allowed[s.ID] {
			out = append(out, s)
		}
	}
	return out
}

// builtinUsable reports whether a built-in may be offered to this
// participant. The persona allow-list narrows the globally enabled set:
// a persona only gets the built-ins it names, and a persona that names
// none gets no built-ins at all.
func (ex *toolExecutor) builtinUsable(name string) bool {
	if !ex.globalEnabled(name) {
		return false
	}
	if ex.personaAllowed == nil {
		return true
	}
	return ex.personaAllowed[name]
}

// defs returns the tool definitions advertised on the request. Remote
// tools whose names collide with an offered built-in are dropped; the
// built-in wins at execution time, so advertising both would duplicate
// the name in the request.
func (ex *toolExecutor) defs() []provider.ToolDef {
	out := ex.registry.Defs(ex.builtinUsable)
	seen := make(map[string]bool, len(out))
	for _, d := range out {
		seen[d.Function.Name] = true
	}
	for _, d := range ex.remoteDefs {
		if seen[d.Function.Name] {
			continue
		}
		out = append(out, d)
	}
	return out
}

// execute runs one tool call and returns the result content fed back to
// the model. Failures come back as text; this never returns an error
// because a tool problem must not abort the round.
func (ex *toolExecutor) execute(ctx context.Context, name string, args map[string]any) string {
	if ex.builtinUsable(name) {
		if res, ok := ex.registry.Execute(ctx, name, args); ok {
			if res.Success {
				return res.Content
			}
			return "Error: " + res.Error
		}
	}

	if server, ok := ex.remote[name]; ok {
		res := ex.manager.CallTool(ctx, server, name, args)
		if res.Success {
			return res.Content
		}
		return "Error: " + res.Error
	}

	return "Tool not found: " + name
}

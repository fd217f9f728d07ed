// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
)

// Protocol constants for the handshake.
const (
	protocolVersion = "2025-03-26"
	clientName      = "talkio-tui"
	clientVersion   = "1.0.0"

	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodListTools   = "tools/list"
	methodCallTool    = "tools/call"
)

// =============================================================================
// WIRE SHAPES
// =============================================================================

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
}

type listToolsResult struct {
	Tools []wireTool `json:"tools"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type callToolResult struct {
	Content []json.RawMessage `json:"content"`
	IsError bool              `json:"isError"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client runs the JSON-RPC session over a Transport: it matches responses to
// outstanding requests by id and exposes the protocol operations the rest of
// the app needs (initialize, tools/list, tools/call).
type Client struct {
	transport *Transport
	nextID    atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *Message
	closed  bool
}

// NewClient wires a client to a started transport, taking over its message
// callback.
func NewClient(transport *Transport) *Client {
	c := &Client{
		transport: transport,
		pending:   make(map[int64]chan *Message),
	}
	transport.OnMessage = c.handleMessage
	return c
}

// handleMessage routes responses to their waiting caller. Server-initiated
// requests and notifications have no handler here and are logged.
func (c *Client) handleMessage(msg *Message) {
	if !msg.IsResponse() {
		if msg.Method != "" {
			log.Printf("[MCP] unhandled server message: %s", msg.Method)
		}
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}
	c.mu.Unlock()

	if ok {
		ch <- msg
	}
}

// call sends one request and waits for its response or context cancellation.
func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrTransportClosed
	}
	id := c.nextID.Add(1)
	ch := make(chan *Message, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	var rawParams json.RawMessage
	if params != nil {
		var err error
		rawParams, err = json.Marshal(params)
		if err != nil {
			c.dropPending(id)
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	msg := &Message{JSONRPC: "2.0", ID: &id, Method: method, Params: rawParams}
	if err := c.transport.Send(ctx, msg); err != nil {
		c.dropPending(id)
		return err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && resp.Result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("failed to decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	}
}

func (c *Client) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// notify sends a notification (no response expected).
func (c *Client) notify(ctx context.Context, method string, params any) error {
	var rawParams json.RawMessage
	if params != nil {
		var err error
		rawParams, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}
	return c.transport.Send(ctx, &Message{JSONRPC: "2.0", Method: method, Params: rawParams})
}

// Initialize performs the session handshake: the initialize request
// negotiates the protocol version, and the follow-up initialized
// notification tells the server the client is ready (and, when accepted
// asynchronously, opens the push channel).
func (c *Client) Initialize(ctx context.Context) error {
	var result initializeResult
	err := c.call(ctx, methodInitialize, initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: clientName, Version: clientVersion},
	}, &result)
	if err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}

	if result.ProtocolVersion != "" {
		c.transport.SetProtocolVersion(result.ProtocolVersion)
	}

	if err := c.notify(ctx, methodInitialized, nil); err != nil {
		return fmt.Errorf("initialized notification failed: %w", err)
	}
	return nil
}

// ListTools fetches the server's tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]wireTool, error) {
	var result listToolsResult
	if err := c.call(ctx, methodListTools, map[string]any{}, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool invokes one tool. Content parts are flattened to text: plain
// strings and text parts pass through, anything else is kept as raw JSON.
// The isError flag comes back alongside the text rather than as an error so
// callers can distinguish tool failure from transport failure.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (text string, isError bool, err error) {
	if args == nil {
		args = map[string]any{}
	}
	var result callToolResult
	if err := c.call(ctx, methodCallTool, callToolParams{Name: name, Arguments: args}, &result); err != nil {
		return "", false, err
	}

	var parts []string
	for _, raw := range result.Content {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			parts = append(parts, s)
			continue
		}
		var p contentPart
		if json.Unmarshal(raw, &p) == nil && p.Type == "text" {
			parts = append(parts, p.Text)
			continue
		}
		parts = append(parts, string(raw))
	}

	joined := ""
	for i, p := range parts {
		if i > 0 {
			joined += "\n"
		}
		joined += p
	}
	return joined, result.IsError, nil
}

// Close shuts down the session, failing all outstanding calls.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[int64]chan *Message)
	c.mu.Unlock()

	c.transport.Close()
	for id, ch := range pending {
		errID := id
		ch <- &Message{ID: &errID, Error: &RPCError{Code: -1, Message: "connection closed"}}
	}
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// CONNECTIONS: Persistent per-server pool with single-flight connect

package mcp

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"
)

// toolsTTL bounds how long a discovered tool list is served from cache
// before a background refresh is attempted.
const toolsTTL = 5 * time.Minute

// ConnectionStatus describes a server connection for UI display.
type ConnectionStatus string

const (
	StatusIdle       ConnectionStatus = "idle"
	StatusConnecting ConnectionStatus = "connecting"
	StatusConnected  ConnectionStatus = "connected"
)

// ErrorCode buckets connection and call failures for user-facing messaging.
// This layer classifies but never retries.
type ErrorCode string

const (
	ErrCodeNetwork     ErrorCode = "NETWORK"
	ErrCodeAuth        ErrorCode = "AUTH"
	ErrCodeTimeout     ErrorCode = "TIMEOUT"
	ErrCodeServerError ErrorCode = "SERVER_ERROR"
	ErrCodeUnknown     ErrorCode = "UNKNOWN"
)

// classifyError buckets an error by inspecting its text. Crude but
// sufficient for deciding which message the UI shows.
func classifyError(err error) ErrorCode {
	if err == nil {
		return ErrCodeUnknown
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "401"), strings.Contains(msg, "403"),
		strings.Contains(msg, "Unauthorized"), strings.Contains(msg, "Forbidden"):
		return ErrCodeAuth
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "Timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return ErrCodeTimeout
	case strings.Contains(msg, "500"), strings.Contains(msg, "502"),
		strings.Contains(msg, "503"), strings.Contains(msg, "504"):
		return ErrCodeServerError
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network"), strings.Contains(msg, "Network"):
		return ErrCodeNetwork
	default:
		return ErrCodeUnknown
	}
}

// =============================================================================
// TYPES
// =============================================================================

// ServerConfig identifies one remote MCP server.
type ServerConfig struct {
	ID      string
	Name    string
	URL     string
	Headers map[string]string
}

// Tool is a discovered remote tool, tagged with its origin server.
type Tool struct {
	ServerID    string
	ServerName  string
	Name        string
	Description string
	InputSchema map[string]any
}

// Result is the structured outcome of a remote tool call.
type Result struct {
	Success   bool
	Content   string
	Error     string
	ErrorCode ErrorCode
}

// managedConn is the pool entry for one server.
type managedConn struct {
	client     *Client
	server     ServerConfig
	tools      []Tool
	toolsAt    time.Time
	connected  bool
	connecting chan struct{} // closed when the in-flight attempt finishes
	connectErr error
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager maintains one persistent connection per server id. Connects are
// single-flight: concurrent callers for the same server await one underlying
// handshake. Any call failure tears the connection down entirely so the next
// use re-handshakes.
type Manager struct {
	mu    sync.Mutex
	conns map[string]*managedConn
}

// NewManager creates an empty connection pool.
func NewManager() *Manager {
	return &Manager{conns: make(map[string]*managedConn)}
}

// ensureConnected returns a live connection, reusing an existing one,
// joining an in-flight attempt, or dialing fresh.
func (m *Manager) ensureConnected(ctx context.Context, server ServerConfig) (*managedConn, error) {
	for {
		m.mu.Lock()
		conn, ok := m.conns[server.ID]
		if ok && conn.connected {
			m.mu.Unlock()
			return conn, nil
		}
		if ok && conn.connecting != nil {
			ch := conn.connecting
			m.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			// The attempt finished; loop to observe its outcome. A failed
			// attempt removes the entry, so the loop will dial fresh.
			m.mu.Lock()
			latest, still := m.conns[server.ID]
			m.mu.Unlock()
			if still && latest.connected {
				return latest, nil
			}
			if conn.connectErr != nil {
				return nil, conn.connectErr
			}
			continue
		}

		conn = &managedConn{server: server, connecting: make(chan struct{})}
		m.conns[server.ID] = conn
		m.mu.Unlock()

		err := m.connect(ctx, conn)

		m.mu.Lock()
		close(conn.connecting)
		conn.connecting = nil
		if err != nil {
			conn.connectErr = err
			delete(m.conns, server.ID)
			m.mu.Unlock()
			return nil, err
		}
		conn.connected = true
		m.mu.Unlock()
		return conn, nil
	}
}

// connect dials the server, runs the handshake, and discovers tools.
func (m *Manager) connect(ctx context.Context, conn *managedConn) error {
	log.Printf("[MCP] connecting to %s (%s)", conn.server.Name, conn.server.URL)

	transport := NewTransport(conn.server.URL, conn.server.Headers)
	if err := transport.Start(); err != nil {
		return err
	}
	client := NewClient(transport)

	if err := client.Initialize(ctx); err != nil {
		client.Close()
		log.Printf("[MCP] failed to connect to %s: %v", conn.server.Name, err)
		return err
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		client.Close()
		log.Printf("[MCP] tool discovery failed for %s: %v", conn.server.Name, err)
		return err
	}

	conn.client = client
	conn.tools = convertTools(conn.server, tools)
	conn.toolsAt = time.Now()
	log.Printf("[MCP] connected to %s: %d tools", conn.server.Name, len(conn.tools))
	return nil
}

func convertTools(server ServerConfig, tools []wireTool) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, Tool{
			ServerID:    server.ID,
			ServerName:  server.Name,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return out
}

// Connect establishes (or reuses) a connection without needing tools yet.
func (m *Manager) Connect(ctx context.Context, server ServerConfig) error {
	_, err := m.ensureConnected(ctx, server)
	return err
}

// CachedTools returns the cached tool list without touching the network.
// Empty when the server is not connected.
func (m *Manager) CachedTools(serverID string) []Tool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.conns[serverID]; ok {
		return conn.tools
	}
	return nil
}

// DiscoverTools returns the server's tools, connecting if needed. A cached
// list older than the TTL is refreshed in place; refresh failure silently
// keeps the stale cache since a background refresh must never surface an
// error to the caller.
func (m *Manager) DiscoverTools(ctx context.Context, server ServerConfig) ([]Tool, error) {
	conn, err := m.ensureConnected(ctx, server)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	stale := time.Since(conn.toolsAt) > toolsTTL
	client := conn.client
	m.mu.Unlock()

	if stale {
		tools, err := client.ListTools(ctx)
		if err != nil {
			log.Printf("[MCP] tool refresh failed for %s, serving stale cache: %v", server.Name, err)
		} else {
			m.mu.Lock()
			conn.tools = convertTools(server, tools)
			conn.toolsAt = time.Now()
			m.mu.Unlock()
			log.Printf("[MCP] refreshed tools for %s: %d tools", server.Name, len(tools))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return conn.tools, nil
}

// CallTool executes one remote tool. Any failure tears the connection down
// so the next call re-handshakes rather than reusing a possibly-broken
// session.
func (m *Manager) CallTool(ctx context.Context, server ServerConfig, toolName string, args map[string]any) Result {
	conn, err := m.ensureConnected(ctx, server)
	if err != nil {
		return Result{
			Success:   false,
			Error:     "Connection failed: " + err.Error(),
			ErrorCode: classifyError(err),
		}
	}

	text, isError, err := conn.client.CallTool(ctx, toolName, args)
	if err != nil {
		log.Printf("[MCP] tool call failed on %s, dropping connection: %v", server.Name, err)
		m.Disconnect(server.ID)
		return Result{
			Success:   false,
			Error:     err.Error(),
			ErrorCode: classifyError(err),
		}
	}

	if isError {
		msg := text
		if msg == "" {
			msg = "Tool execution failed"
		}
		return Result{Success: false, Error: msg, ErrorCode: ErrCodeServerError}
	}
	return Result{Success: true, Content: text}
}

// Disconnect closes and removes one server connection.
func (m *Manager) Disconnect(serverID string) {
	m.mu.Lock()
	conn, ok := m.conns[serverID]
	if ok {
		delete(m.conns, serverID)
	}
	m.mu.Unlock()

	if ok && conn.client != nil {
		conn.client.Close()
		log.Printf("[MCP] disconnected: %s", conn.server.Name)
	}
}

// DisconnectAll closes every connection, for shutdown or config reset.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Disconnect(id)
	}
}

// Reset drops a connection after its config changed.
func (m *Manager) Reset(serverID string) {
	m.Disconnect(serverID)
}

// IsConnected reports whether a server currently has a live connection.
func (m *Manager) IsConnected(serverID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[serverID]
	return ok && conn.connected
}

// Status returns the connection state for one server.
func (m *Manager) Status(serverID string) ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[serverID]
	switch {
	case !ok:
		return StatusIdle
	case conn.connecting != nil:
		return StatusConnecting
	case conn.connected:
		return StatusConnected
	default:
		return StatusIdle
	}
}

// StatusAll returns the state of every known server.
func (m *Manager) StatusAll() map[string]ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	statuses := make(map[string]ConnectionStatus, len(m.conns))
	for id, conn := range m.conns {
		switch {
		case conn.connecting != nil:
			statuses[id] = StatusConnecting
		case conn.connected:
			statuses[id] = StatusConnected
		default:
			statuses[id] = StatusIdle
		}
	}
	return statuses
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// TRANSPORT: Streamable HTTP with SSE push channel

package mcp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Session and version headers established during the handshake. Once the
// server assigns them they must accompany every subsequent request.
const (
	headerSessionID       = "mcp-session-id"
	headerProtocolVersion = "mcp-protocol-version"
)

// ErrTransportStarted indicates Start was called twice.
var ErrTransportStarted = errors.New("transport already started")

// ErrTransportClosed indicates a send after Close.
var ErrTransportClosed = errors.New("transport closed")

// Shared pooled client for MCP servers. No client timeout: the push channel
// is long-lived and request lifetime is controlled via context.
var sharedMCPClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
}

// =============================================================================
// JSON-RPC MESSAGE
// =============================================================================

// RPCError is the error member of a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Message is a JSON-RPC request, response, or notification. A nil ID marks a
// notification; a non-nil Result or Error marks a response.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsResponse reports whether the message answers an outstanding request.
func (m *Message) IsResponse() bool {
	return m.ID != nil && (m.Result != nil || m.Error != nil)
}

// =============================================================================
// TRANSPORT
// =============================================================================

// Transport implements the streamable HTTP wire protocol: requests and
// notifications go out as POSTs, responses come back inline (JSON or SSE
// body), and after the initialized notification is accepted a long-lived GET
// stream carries server-pushed messages for the rest of the session.
//
// Set the callbacks before Start. OnError falls back to console logging when
// unset; the transport never throws across the callback boundary.
type Transport struct {
	url     string
	headers map[string]string
	client  *http.Client

	OnMessage func(msg *Message)
	OnError   func(err error)
	OnClose   func()

	mu              sync.Mutex
	sessionID       string
	protocolVersion string
	started         bool
	closed          bool

	ctx    context.Context
	cancel context.CancelFunc
	sseWG  sync.WaitGroup
}

// NewTransport creates a transport for one server endpoint. Custom headers
// are attached to every request.
func NewTransport(url string, headers map[string]string) *Transport {
	return &Transport{
		url:     url,
		headers: headers,
		client:  sharedMCPClient,
	}
}

// Start prepares the transport for use. It must be called exactly once
// before Send.
func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return ErrTransportStarted
	}
	t.started = true
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return nil
}

// SessionID returns the server-assigned session identifier, if any.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// SetProtocolVersion records the negotiated protocol version so it is echoed
// on every subsequent request.
func (t *Transport) SetProtocolVersion(version string) {
	t.mu.Lock()
	t.protocolVersion = version
	t.mu.Unlock()
}

// handleError routes an error to the callback, logging when unset.
func (t *Transport) handleError(err error) {
	if t.OnError != nil {
		t.OnError(err)
		return
	}
	log.Printf("[MCP Transport] %v", err)
}

// dispatch routes a decoded protocol message to the callback.
func (t *Transport) dispatch(msg *Message) {
	if t.OnMessage != nil {
		t.OnMessage(msg)
	}
}

// commonHeaders applies session, version, and custom headers.
func (t *Transport) commonHeaders(req *http.Request) {
	t.mu.Lock()
	if t.sessionID != "" {
		req.Header.Set(headerSessionID, t.sessionID)
	}
	if t.protocolVersion != "" {
		req.Header.Set(headerProtocolVersion, t.protocolVersion)
	}
	t.mu.Unlock()
	for name, value := range t.headers {
		req.Header.Set(name, value)
	}
}

// Send posts one message to the server and dispatches any inline response.
//
// A 202 means the notification was accepted with no body; when the message
// was the initialized notification, this is the cue to open the long-lived
// SSE push channel. Otherwise the response body is parsed according to its
// content type and dispatched message by message.
func (t *Transport) Send(ctx context.Context, msg *Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.mu.Unlock()

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	t.commonHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		err = fmt.Errorf("send failed: %w", err)
		t.handleError(err)
		return err
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(headerSessionID); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		err = fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(text)))
		t.handleError(err)
		return err
	}

	if resp.StatusCode == http.StatusAccepted {
		if msg.Method == methodInitialized {
			t.sseWG.Add(1)
			go func() {
				defer t.sseWG.Done()
				t.runPushChannel()
			}()
		}
		return nil
	}

	return t.handleResponseBody(resp)
}

// handleResponseBody parses a synchronous response body in place, branching
// on content type.
func (t *Transport) handleResponseBody(resp *http.Response) error {
	text, err := io.ReadAll(resp.Body)
	if err != nil {
		err = fmt.Errorf("failed to read response: %w", err)
		t.handleError(err)
		return err
	}
	if len(bytes.TrimSpace(text)) == 0 {
		return nil
	}

	contentType := resp.Header.Get("Content-Type")

	switch {
	case strings.Contains(contentType, "text/event-stream"):
		parser := &eventSourceParser{}
		events := parser.parse(string(text))
		if ev, ok := parser.flush(); ok {
			events = append(events, ev)
		}
		for _, ev := range events {
			t.dispatchEventData(ev)
		}
		return nil

	case strings.Contains(contentType, "application/json"):
		return t.dispatchJSON(text)

	default:
		// Some servers stream SSE without declaring the content type.
		for _, line := range strings.Split(string(text), "\n") {
			if strings.HasPrefix(line, "data:") {
				return t.dispatchJSON([]byte(strings.TrimSpace(line[5:])))
			}
		}
		return nil
	}
}

// dispatchEventData decodes one SSE event payload and dispatches it.
func (t *Transport) dispatchEventData(ev sseEvent) {
	if !ev.isMessageEvent() {
		return
	}
	var msg Message
	if err := json.Unmarshal([]byte(ev.data), &msg); err != nil {
		t.handleError(fmt.Errorf("malformed event payload: %w", err))
		return
	}
	t.dispatch(&msg)
}

// dispatchJSON decodes a JSON body holding one message or a batch.
func (t *Transport) dispatchJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var msgs []Message
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			err = fmt.Errorf("malformed response batch: %w", err)
			t.handleError(err)
			return err
		}
		for i := range msgs {
			t.dispatch(&msgs[i])
		}
		return nil
	}

	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		err = fmt.Errorf("malformed response: %w", err)
		t.handleError(err)
		return err
	}
	t.dispatch(&msg)
	return nil
}

// runPushChannel opens the long-lived GET stream and dispatches pushed
// messages until the transport closes or the server ends the stream.
func (t *Transport) runPushChannel() {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.url, nil)
	if err != nil {
		t.handleError(fmt.Errorf("failed to create stream request: %w", err))
		return
	}
	t.commonHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		if t.ctx.Err() == nil {
			t.handleError(fmt.Errorf("push channel failed: %w", err))
		}
		return
	}
	defer resp.Body.Close()

	// 405 means the server does not offer a push channel. Not an error.
	if resp.StatusCode == http.StatusMethodNotAllowed {
		return
	}
	if resp.StatusCode != http.StatusOK {
		t.handleError(fmt.Errorf("push channel rejected: HTTP %d", resp.StatusCode))
		return
	}

	parser := &eventSourceParser{}
	reader := bufio.NewReader(resp.Body)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			for _, ev := range parser.parse(string(buf[:n])) {
				t.dispatchEventData(ev)
			}
		}
		if err != nil {
			if err != io.EOF && t.ctx.Err() == nil {
				t.handleError(fmt.Errorf("push channel read: %w", err))
			}
			return
		}
	}
}

// Close aborts the push channel and any outstanding stream reads, then
// invokes the close callback. Safe to call more than once.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.sseWG.Wait()
	if t.OnClose != nil {
		t.OnClose()
	}
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider implements the client for OpenAI-compatible chat APIs.
package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Configuration constants for OpenAI-compatible endpoints.
const (
	// DefaultTimeout is the default timeout for non-streaming API requests.
	DefaultTimeout = 60 * time.Second

	// MaxErrorBodySize limits how much of an error response body is retained.
	MaxErrorBodySize = 64 * 1024
)

var (
	// ErrNotConfigured indicates the client is missing a base URL.
	ErrNotConfigured = errors.New("provider not configured")

	// ErrNoBody indicates the server returned a success status without a body.
	ErrNoBody = errors.New("no response body")
)

// PERFORMANCE: Shared streaming client with connection pooling.
// No client timeout - streaming lifetime is controlled via context.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
}

// =============================================================================
// API ERROR
// =============================================================================

// APIError represents a non-OK HTTP response from the chat endpoint.
// These are turn-level failures: they surface on the message as status error.
type APIError struct {
	Status int
	Body   string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("API Error %d: %s", e.Status, e.Body)
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to a single OpenAI-compatible provider endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	apiVersion string
	headers    map[string]string
	httpClient *http.Client
}

// NewClient creates a client for the given base URL and API key.
// The base URL is used as-is with /chat/completions appended; trailing
// slashes are trimmed.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		headers:    make(map[string]string),
		httpClient: sharedStreamingClient,
	}
}

// WithHeader adds a custom header sent on every request.
func (c *Client) WithHeader(name, value string) *Client {
	if name != "" && value != "" {
		c.headers[name] = value
	}
	return c
}

// WithHeaders adds multiple custom headers.
func (c *Client) WithHeaders(headers map[string]string) *Client {
	for name, value := range headers {
		c.WithHeader(name, value)
	}
	return c
}

// WithAPIVersion sets the api-version query parameter (Azure-style gateways).
func (c *Client) WithAPIVersion(version string) *Client {
	c.apiVersion = version
	return c
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// IsConfigured reports whether the client has enough configuration to talk
// to an endpoint.
func (c *Client) IsConfigured() bool {
	return c.baseURL != ""
}

// completionsURL builds the chat completions URL including the optional
// api-version query parameter.
func (c *Client) completionsURL() string {
	endpoint := c.baseURL + "/chat/completions"
	if c.apiVersion == "" {
		return endpoint
	}
	return endpoint + "?api-version=" + url.QueryEscape(c.apiVersion)
}

// setHeaders applies authorization and custom headers to a request.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for name, value := range c.headers {
		req.Header.Set(name, value)
	}
}

// sendStreamRequest issues the streaming POST and validates the response.
// Transport-level failures (connect errors, non-OK status, missing body)
// are the only errors this layer propagates.
func (c *Client) sendStreamRequest(ctx context.Context, req *ChatRequest) (*http.Response, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	req.Stream = true
	req.StreamOptions = &StreamOptions{IncludeUsage: true}

	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.completionsURL(), bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodySize))
		resp.Body.Close()
		return nil, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if resp.Body == nil {
		return nil, ErrNoBody
	}

	return resp, nil
}

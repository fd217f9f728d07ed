// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// STREAMING: Robust SSE parsing with error handling

package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
)

// dataPrefix frames each SSE record; doneSentinel terminates the stream.
const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"
)

// =============================================================================
// REASONING NORMALIZATION
// =============================================================================

// reasoningExtractors lists the historical field names reasoning text has
// shipped under, in priority order. The first non-empty value wins. Each
// rule is checked at the delta level first, then at the choice level.
var reasoningExtractors = []func(ch *wireChoice) string{
	func(ch *wireChoice) string { return ch.Delta.ReasoningContent },
	func(ch *wireChoice) string { return ch.Delta.Reasoning },
	func(ch *wireChoice) string { return ch.ReasoningContent },
	func(ch *wireChoice) string { return ch.Reasoning },
}

// extractReasoning collapses the reasoning field variants into one value.
func extractReasoning(ch *wireChoice) string {
	for _, extract := range reasoningExtractors {
		if v := extract(ch); v != "" {
			return v
		}
	}
	return ""
}

// normalizeChoice converts a wire choice into a normalized Delta.
// Returns false when the choice carries nothing of interest.
func normalizeChoice(ch *wireChoice) (Delta, bool) {
	d := Delta{
		Content:   ch.Delta.Content,
		Reasoning: extractReasoning(ch),
		ToolCalls: ch.Delta.ToolCalls,
	}
	if d.Content == "" && d.Reasoning == "" && len(d.ToolCalls) == 0 {
		return Delta{}, false
	}
	return d, true
}

// =============================================================================
// DELTA CONSUMER
// =============================================================================

// consumeStream reads `data: <json>` lines from the response body, parses
// each record, and invokes the callback with normalized deltas.
//
// Frame-level resilience: a malformed JSON line is skipped, never aborting
// the stream. Partial lines are buffered across reads; any unterminated
// buffer remaining at EOF is flushed as a final best-effort record.
func consumeStream(ctx context.Context, body io.Reader, onDelta DeltaCallback) (*Usage, error) {
	reader := bufio.NewReader(body)
	var usage *Usage

	for {
		select {
		case <-ctx.Done():
			return usage, ctx.Err()
		default:
		}

		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if done := processLine(line, onDelta, &usage); done {
				return usage, nil
			}
		}
		if err != nil {
			if err == io.EOF {
				return usage, nil
			}
			return usage, err
		}
	}
}

// processLine parses a single SSE line. Returns true on the [DONE] sentinel.
func processLine(line []byte, onDelta DeltaCallback, usage **Usage) bool {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || !bytes.HasPrefix(trimmed, []byte(dataPrefix)) {
		return false
	}
	data := bytes.TrimSpace(trimmed[len(dataPrefix):])
	if bytes.Equal(data, []byte(doneSentinel)) {
		return true
	}

	var chunk streamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		// Frame-level failure: skip the line, keep the stream alive.
		return false
	}

	if chunk.Usage != nil {
		*usage = &Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
		}
	}

	for i := range chunk.Choices {
		if d, ok := normalizeChoice(&chunk.Choices[i]); ok {
			onDelta(d)
		}
	}
	return false
}

// ChatStream performs a streaming chat completion request, invoking the
// callback for each normalized delta. It returns the token usage from the
// final frame when the server reports it.
//
// Only transport-level failures (non-OK status, missing body, read errors)
// are returned; malformed frames are dropped silently.
func (c *Client) ChatStream(ctx context.Context, req *ChatRequest, onDelta DeltaCallback) (*Usage, error) {
	resp, err := c.sendStreamRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return consumeStream(ctx, resp.Body, onDelta)
}

// =============================================================================
// THINK-TAG SCANNER
// =============================================================================

// thinkMarkers are the inline reasoning span delimiters some models emit in
// regular content. Open/close pairs are matched by position in the slices.
var (
	thinkOpenMarkers  = []string{"<think>", "<thinking>"}
	thinkCloseMarkers = []string{"</think>", "</thinking>"}
)

// ThinkScanner splits streamed content around inline <think> spans, routing
// span text to reasoning instead of content. The open or close marker may be
// split across delta chunks, so the scanner carries its state between calls.
//
// Zero value is ready to use.
type ThinkScanner struct {
	inThink bool
	pending string // tail that could be the start of a split marker
}

// findFirst returns the earliest occurrence of any marker, or -1.
func findFirst(s string, markers []string) (idx, length int) {
	idx = -1
	for _, m := range markers {
		if i := strings.Index(s, m); i != -1 && (idx == -1 || i < idx) {
			idx, length = i, len(m)
		}
	}
	return idx, length
}

// markerPrefixLen returns the length of the longest suffix of s that is a
// proper prefix of any marker, so it can be held back until the next chunk.
func markerPrefixLen(s string, markers []string) int {
	for n := len(s); n > 0; n-- {
		tail := s[len(s)-n:]
		if !strings.HasPrefix(tail, "<") {
			continue
		}
		for _, m := range markers {
			if n < len(m) && strings.HasPrefix(m, tail) {
				return n
			}
		}
	}
	return 0
}

// Scan consumes one content chunk and returns the portions belonging to
// content and to reasoning.
func (s *ThinkScanner) Scan(chunk string) (content, reasoning string) {
	var contentOut, reasoningOut strings.Builder
	buf := s.pending + chunk
	s.pending = ""

	for len(buf) > 0 {
		if s.inThink {
			idx, length := findFirst(buf, thinkCloseMarkers)
			if idx != -1 {
				reasoningOut.WriteString(buf[:idx])
				buf = buf[idx+length:]
				s.inThink = false
				continue
			}
			hold := markerPrefixLen(buf, thinkCloseMarkers)
			reasoningOut.WriteString(buf[:len(buf)-hold])
			s.pending = buf[len(buf)-hold:]
			buf = ""
		} else {
			idx, length := findFirst(buf, thinkOpenMarkers)
			if idx != -1 {
				contentOut.WriteString(buf[:idx])
				buf = buf[idx+length:]
				s.inThink = true
				continue
			}
			hold := markerPrefixLen(buf, thinkOpenMarkers)
			contentOut.WriteString(buf[:len(buf)-hold])
			s.pending = buf[len(buf)-hold:]
			buf = ""
		}
	}

	return contentOut.String(), reasoningOut.String()
}

// Flush returns any held-back partial marker text. Call once at stream end;
// an unfinished marker prefix is treated as ordinary text for whichever side
// the scanner is currently on.
func (s *ThinkScanner) Flush() (content, reasoning string) {
	tail := s.pending
	s.pending = ""
	if tail == "" {
		return "", ""
	}
	if s.inThink {
		return "", tail
	}
	return tail, ""
}

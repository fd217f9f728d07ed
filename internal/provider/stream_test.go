// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// collectDeltas runs consumeStream over a reader built from the given
// segments, returning the deltas in arrival order.
func collectDeltas(t *testing.T, segments ...string) ([]Delta, *Usage) {
	t.Helper()
	var deltas []Delta
	usage, err := consumeStream(context.Background(), strings.NewReader(strings.Join(segments, "")), func(d Delta) {
		deltas = append(deltas, d)
	})
	if err != nil {
		t.Fatalf("consumeStream error: %v", err)
	}
	return deltas, usage
}

func contentOf(deltas []Delta) string {
	var b strings.Builder
	for _, d := range deltas {
		b.WriteString(d.Content)
	}
	return b.String()
}

func reasoningOf(deltas []Delta) string {
	var b strings.Builder
	for _, d := range deltas {
		b.WriteString(d.Reasoning)
	}
	return b.String()
}

// =============================================================================
// SSE FRAMING
// =============================================================================

func TestConsumeStream_Basic(t *testing.T) {
	stream := `data: {"choices":[{"delta":{"content":"Hel"}}]}` + "\n" +
		`data: {"choices":[{"delta":{"content":"lo"}}]}` + "\n" +
		`data: [DONE]` + "\n"

	deltas, _ := collectDeltas(t, stream)
	if got := contentOf(deltas); got != "Hello" {
		t.Errorf("content = %q, want %q", got, "Hello")
	}
}

func TestConsumeStream_MalformedLineSkipped(t *testing.T) {
	stream := `data: {"choices":[{"delta":{"content":"a"}}]}` + "\n" +
		`data: {not json at all` + "\n" +
		`data: {"choices":[{"delta":{"content":"b"}}]}` + "\n" +
		`data: [DONE]` + "\n"

	deltas, _ := collectDeltas(t, stream)
	if got := contentOf(deltas); got != "ab" {
		t.Errorf("content = %q, want %q (malformed line must be skipped)", got, "ab")
	}
}

func TestConsumeStream_TrailingUnterminatedLine(t *testing.T) {
	// No trailing newline after the last record: it must still be parsed.
	stream := `data: {"choices":[{"delta":{"content":"tail"}}]}`

	deltas, _ := collectDeltas(t, stream)
	if got := contentOf(deltas); got != "tail" {
		t.Errorf("content = %q, want %q", got, "tail")
	}
}

func TestConsumeStream_UsageCaptured(t *testing.T) {
	stream := `data: {"choices":[{"delta":{"content":"x"}}]}` + "\n" +
		`data: {"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":34}}` + "\n" +
		`data: [DONE]` + "\n"

	_, usage := collectDeltas(t, stream)
	if usage == nil {
		t.Fatal("usage = nil, want captured usage")
	}
	if usage.PromptTokens != 12 || usage.CompletionTokens != 34 {
		t.Errorf("usage = %+v, want {12 34}", usage)
	}
}

// TestConsumeStream_ChunkBoundaryInvariance verifies that splitting one
// well-formed event stream at arbitrary byte positions yields the same
// parsed delta sequence as feeding it unsplit.
func TestConsumeStream_ChunkBoundaryInvariance(t *testing.T) {
	stream := `data: {"choices":[{"delta":{"content":"The answer"}}]}` + "\n" +
		`data: {"choices":[{"delta":{"reasoning_content":"hmm"}}]}` + "\n" +
		`data: {"choices":[{"delta":{"content":" is 4."}}]}` + "\n" +
		`data: [DONE]` + "\n"

	want, _ := collectDeltas(t, stream)

	for split := 1; split < len(stream); split++ {
		// chunkedReader forces reads to stop at the split point.
		r := &chunkedReader{data: stream, boundary: split}
		var got []Delta
		if _, err := consumeStream(context.Background(), r, func(d Delta) {
			got = append(got, d)
		}); err != nil {
			t.Fatalf("split %d: %v", split, err)
		}
		if contentOf(got) != contentOf(want) || reasoningOf(got) != reasoningOf(want) {
			t.Fatalf("split %d: deltas diverge: got content %q reasoning %q",
				split, contentOf(got), reasoningOf(got))
		}
	}
}

// chunkedReader yields the stream in exactly two reads split at boundary.
type chunkedReader struct {
	data     string
	boundary int
	pos      int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	end := len(r.data)
	if r.pos < r.boundary {
		end = r.boundary
	}
	n := copy(p, r.data[r.pos:end])
	r.pos += n
	return n, nil
}

// =============================================================================
// REASONING NORMALIZATION
// =============================================================================

func TestNormalize_ReasoningFieldPriority(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{
			name: "delta reasoning_content wins",
			line: `{"choices":[{"delta":{"reasoning_content":"a","reasoning":"b"},"reasoning":"c"}]}`,
			want: "a",
		},
		{
			name: "delta reasoning fallback",
			line: `{"choices":[{"delta":{"reasoning":"b"},"reasoning_content":"c"}]}`,
			want: "b",
		},
		{
			name: "choice level reasoning_content",
			line: `{"choices":[{"delta":{},"reasoning_content":"c"}]}`,
			want: "c",
		},
		{
			name: "choice level reasoning",
			line: `{"choices":[{"delta":{},"reasoning":"d"}]}`,
			want: "d",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deltas, _ := collectDeltas(t, "data: "+tt.line+"\ndata: [DONE]\n")
			if got := reasoningOf(deltas); got != tt.want {
				t.Errorf("reasoning = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalize_ContentUntouchedByReasoning(t *testing.T) {
	line := `{"choices":[{"delta":{"content":"text","reasoning_content":"thought"}}]}`
	deltas, _ := collectDeltas(t, "data: "+line+"\ndata: [DONE]\n")
	if contentOf(deltas) != "text" || reasoningOf(deltas) != "thought" {
		t.Errorf("got content %q reasoning %q", contentOf(deltas), reasoningOf(deltas))
	}
}

// =============================================================================
// THINK SCANNER
// =============================================================================

func TestThinkScanner_SingleChunk(t *testing.T) {
	var s ThinkScanner
	content, reasoning := s.Scan("before<think>inside</think>after")
	if content != "beforeafter" {
		t.Errorf("content = %q", content)
	}
	if reasoning != "inside" {
		t.Errorf("reasoning = %q", reasoning)
	}
}

func TestThinkScanner_ThinkingVariant(t *testing.T) {
	var s ThinkScanner
	content, reasoning := s.Scan("a<thinking>b</thinking>c")
	if content != "ac" || reasoning != "b" {
		t.Errorf("content = %q reasoning = %q", content, reasoning)
	}
}

// TestThinkScanner_SplitMarkers verifies that <think> markers split across
// delta boundaries are fully routed to reasoning with zero leakage into
// content, for every split point.
func TestThinkScanner_SplitMarkers(t *testing.T) {
	full := "pre<think>hidden thought</think>post"

	for split := 1; split < len(full); split++ {
		var s ThinkScanner
		var content, reasoning strings.Builder
		for _, part := range []string{full[:split], full[split:]} {
			c, r := s.Scan(part)
			content.WriteString(c)
			reasoning.WriteString(r)
		}
		c, r := s.Flush()
		content.WriteString(c)
		reasoning.WriteString(r)

		if content.String() != "prepost" {
			t.Fatalf("split %d: content = %q, want %q", split, content.String(), "prepost")
		}
		if reasoning.String() != "hidden thought" {
			t.Fatalf("split %d: reasoning = %q, want %q", split, reasoning.String(), "hidden thought")
		}
	}
}

func TestThinkScanner_UnclosedSpanStaysInReasoning(t *testing.T) {
	var s ThinkScanner
	content, reasoning := s.Scan("x<think>never closed")
	if content != "x" {
		t.Errorf("content = %q", content)
	}
	if reasoning != "never closed" {
		t.Errorf("reasoning = %q", reasoning)
	}
}

func TestThinkScanner_FlushReleasesPartialMarker(t *testing.T) {
	var s ThinkScanner
	content, _ := s.Scan("text<thi")
	if content != "text" {
		t.Errorf("content = %q, want held-back partial marker", content)
	}
	flushed, _ := s.Flush()
	if flushed != "<thi" {
		t.Errorf("flushed = %q, want %q", flushed, "<thi")
	}
}

// =============================================================================
// HTTP BEHAVIOR
// =============================================================================

func TestChatStream_NonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"bad key"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "bad-key")
	_, err := client.ChatStream(context.Background(), &ChatRequest{Model: "m"}, func(Delta) {})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", apiErr.Status)
	}
}

func TestChatStream_RequestShape(t *testing.T) {
	var gotAuth, gotCustom, gotQuery, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Custom")
		gotQuery = r.URL.Query().Get("api-version")
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n")
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "sk-test").
		WithHeader("X-Custom", "yes").
		WithAPIVersion("2024-06-01")

	_, err := client.ChatStream(context.Background(), &ChatRequest{
		Model:    "test-model",
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	}, func(Delta) {})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotCustom != "yes" {
		t.Errorf("X-Custom = %q", gotCustom)
	}
	if gotQuery != "2024-06-01" {
		t.Errorf("api-version = %q", gotQuery)
	}
	if !strings.Contains(gotBody, `"stream":true`) {
		t.Errorf("body missing stream:true: %s", gotBody)
	}
	if !strings.Contains(gotBody, `"include_usage":true`) {
		t.Errorf("body missing stream_options: %s", gotBody)
	}
}

func TestChatStream_ContextCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"partial"}}]}`+"\n")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(server.URL, "k")

	var got string
	done := make(chan error, 1)
	go func() {
		_, err := client.ChatStream(ctx, &ChatRequest{Model: "m"}, func(d Delta) {
			got += d.Content
			cancel()
		})
		done <- err
	}()

	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if got != "partial" {
		t.Errorf("partial content = %q", got)
	}
}

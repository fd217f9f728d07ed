// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeranaias/talkio-tui/internal/config"
	"github.com/jeranaias/talkio-tui/internal/mcp"
	"github.com/jeranaias/talkio-tui/internal/model"
	"github.com/jeranaias/talkio-tui/internal/storage"
	"github.com/jeranaias/talkio-tui/internal/tools"
)

// =============================================================================
// TEST HARNESS
// =============================================================================

// wireRequest is the slice of the chat completion request the tests inspect.
type wireRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role       string `json:"role"`
		Content    string `json:"content"`
		ToolCallID string `json:"tool_call_id"`
	} `json:"messages"`
}

func decodeRequest(t *testing.T, r *http.Request) wireRequest {
	t.Helper()
	var req wireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Fatalf("failed to decode request: %v", err)
	}
	return req
}

func (r wireRequest) hasToolResult() bool {
	for _, m := range r.Messages {
		if m.Role == "tool" {
			return true
		}
	}
	return false
}

// writeSSE streams the given JSON chunks followed by the done sentinel.
func writeSSE(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, c := range chunks {
		fmt.Fprintf(w, "data: %s\n\n", c)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func contentChunk(text string) string {
	return fmt.Sprintf(`{"choices":[{"delta":{"content":%q}}]}`, text)
}

func toolCallChunk(id, name, args string) string {
	return fmt.Sprintf(`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":%q,"function":{"name":%q,"arguments":%q}}]}}]}`, id, name, args)
}

type testEnv struct {
	orch  *Orchestrator
	store *storage.Store
	conv  *model.Conversation
}

// newTestEnv wires an orchestrator against a temp database and the given
// fake provider endpoint. One model per requested participant.
func newTestEnv(t *testing.T, serverURL string, modelCount int) *testEnv {
	t.Helper()

	store, err := storage.Open(filepath.Join(t.TempDir(), "talkio.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Providers = []config.Provider{{ID: "test", BaseURL: serverURL}}
	displayNames := []string{"Alpha", "Beta", "Gamma"}
	var modelIDs []string
	for i := 0; i < modelCount; i++ {
		id := fmt.Sprintf("m%d", i+1)
		cfg.Models = append(cfg.Models, config.Model{
			ID: id, ProviderID: "test", Name: "test-model", DisplayName: displayNames[i],
		})
		modelIDs = append(modelIDs, id)
	}

	batch := storage.NewBatchWriter(store.ApplyPatch)
	t.Cleanup(batch.Close)

	orch := New(store, batch, mcp.NewManager(), tools.NewRegistry(), cfg)

	conv := model.NewConversation(modelIDs...)
	if err := store.InsertConversation(conv); err != nil {
		t.Fatalf("failed to insert conversation: %v", err)
	}

	return &testEnv{orch: orch, store: store, conv: conv}
}

func (e *testEnv) messages(t *testing.T) []*model.Message {
	t.Helper()
	msgs, err := e.store.ListMessages(e.conv.ID)
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	return msgs
}

// assistant returns the single assistant message, failing on any other shape.
func (e *testEnv) assistant(t *testing.T) *model.Message {
	t.Helper()
	var found *model.Message
	for _, m := range e.messages(t) {
		if m.Role == model.RoleAssistant {
			if found != nil {
				t.Fatal("multiple assistant messages")
			}
			found = m
		}
	}
	if found == nil {
		t.Fatal("no assistant message")
	}
	return found
}

// =============================================================================
// SINGLE-PARTICIPANT TURNS
// =============================================================================

func TestSendMessageHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			contentChunk("The answer is "),
			contentChunk("4."),
			`{"usage":{"prompt_tokens":12,"completion_tokens":4}}`,
		)
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, 1)
	if err := env.orch.SendMessage(context.Background(), env.conv.ID, "what is 2+2?", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	msgs := env.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want user + assistant", len(msgs))
	}

	asst := env.assistant(t)
	if asst.Content != "The answer is 4." {
		t.Errorf("content = %q", asst.Content)
	}
	if asst.Status != model.StatusSuccess || asst.IsStreaming {
		t.Errorf("status = %s streaming = %v, want finalized success", asst.Status, asst.IsStreaming)
	}
	if len(asst.ToolCalls) != 0 {
		t.Errorf("unexpected tool calls: %v", asst.ToolCalls)
	}
	if asst.TokenUsage == nil || asst.TokenUsage.InputTokens != 12 || asst.TokenUsage.OutputTokens != 4 {
		t.Errorf("token usage = %+v", asst.TokenUsage)
	}

	conv, err := env.store.GetConversation(env.conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.Title != "what is 2+2?" {
		t.Errorf("title = %q, want derived from first message", conv.Title)
	}
	if conv.LastMessage != "The answer is 4." {
		t.Errorf("last message preview = %q", conv.LastMessage)
	}
	if env.orch.IsGenerating(env.conv.ID) {
		t.Error("still generating after turn completed")
	}
}

func TestSendMessageThinkSpanRoutedToReasoning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			contentChunk("<think>working it out</think>"),
			contentChunk("Done."),
		)
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, 1)
	if err := env.orch.SendMessage(context.Background(), env.conv.ID, "go", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	asst := env.assistant(t)
	if asst.Content != "Done." {
		t.Errorf("content = %q, think span should be excluded", asst.Content)
	}
	if asst.ReasoningContent != "working it out" {
		t.Errorf("reasoning = %q", asst.ReasoningContent)
	}
	if asst.ReasoningDuration <= 0 {
		t.Error("reasoning duration not recorded")
	}
}

func TestSendMessageAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, 1)
	if err := env.orch.SendMessage(context.Background(), env.conv.ID, "hi", nil); err != nil {
		t.Fatalf("SendMessage should not propagate generation errors, got %v", err)
	}

	asst := env.assistant(t)
	if asst.Status != model.StatusError || asst.IsStreaming {
		t.Fatalf("status = %s streaming = %v, want finalized error", asst.Status, asst.IsStreaming)
	}
	if !strings.Contains(asst.ErrorMessage, "API Error 429") {
		t.Errorf("error message = %q", asst.ErrorMessage)
	}
}

// =============================================================================
// TOOL ROUNDS
// =============================================================================

func TestSendMessageToolRound(t *testing.T) {
	var sawToolResult atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		if !req.hasToolResult() {
			writeSSE(w, toolCallChunk("call_1", "get_current_time", "{}"))
			return
		}
		sawToolResult.Store(true)
		for _, m := range req.Messages {
			if m.Role == "tool" && m.ToolCallID != "call_1" {
				t.Errorf("tool result bound to %q, want call_1", m.ToolCallID)
			}
		}
		writeSSE(w, contentChunk("It is late."))
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, 1)
	if err := env.orch.SendMessage(context.Background(), env.conv.ID, "what time is it?", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if !sawToolResult.Load() {
		t.Fatal("follow-up request with tool result never sent")
	}

	asst := env.assistant(t)
	if asst.Status != model.StatusSuccess {
		t.Fatalf("status = %s, error = %q", asst.Status, asst.ErrorMessage)
	}
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].Name != "get_current_time" {
		t.Fatalf("tool calls = %+v", asst.ToolCalls)
	}
	if len(asst.ToolResults) != 1 || asst.ToolResults[0].ToolCallID != "call_1" {
		t.Fatalf("tool results = %+v", asst.ToolResults)
	}
	if !strings.Contains(asst.ToolResults[0].Content, "timezone") {
		t.Errorf("tool result content = %q", asst.ToolResults[0].Content)
	}
	if asst.Content != "It is late." {
		t.Errorf("content = %q", asst.Content)
	}
}

func TestSendMessageUnknownToolCompletesRound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		if !req.hasToolResult() {
			writeSSE(w, toolCallChunk("call_1", "launch_rockets", "{}"))
			return
		}
		writeSSE(w, contentChunk("No such tool available."))
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, 1)
	if err := env.orch.SendMessage(context.Background(), env.conv.ID, "fire", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	asst := env.assistant(t)
	if asst.Status != model.StatusSuccess {
		t.Fatalf("status = %s, unknown tool must not fail the turn", asst.Status)
	}
	if len(asst.ToolResults) != 1 || asst.ToolResults[0].Content != "Tool not found: launch_rockets" {
		t.Fatalf("tool results = %+v", asst.ToolResults)
	}
}

func TestSendMessageChainedToolRounds(t *testing.T) {
	// The follow-up response itself requests another tool; two execution
	// phases happen before the turn finalizes.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		var toolResults int
		for _, m := range req.Messages {
			if m.Role == "tool" {
				toolResults++
			}
		}
		switch toolResults {
		case 0:
			writeSSE(w, toolCallChunk("call_1", "get_current_time", "{}"))
		case 1:
			writeSSE(w, toolCallChunk("call_2", "get_current_time", "{}"))
		default:
			writeSSE(w, contentChunk("both done"))
		}
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, 1)
	if err := env.orch.SendMessage(context.Background(), env.conv.ID, "twice", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	asst := env.assistant(t)
	if asst.Status != model.StatusSuccess {
		t.Fatalf("status = %s, error = %q", asst.Status, asst.ErrorMessage)
	}
	if len(asst.ToolCalls) != 2 || len(asst.ToolResults) != 2 {
		t.Fatalf("calls = %d results = %d, want 2 each", len(asst.ToolCalls), len(asst.ToolResults))
	}
	if asst.ToolCalls[1].ID != "call_2" {
		t.Errorf("second call = %+v", asst.ToolCalls[1])
	}
	if asst.Content != "both done" {
		t.Errorf("content = %q", asst.Content)
	}
}

func TestSendMessageToolRoundLimit(t *testing.T) {
	// The model keeps asking for tools; the loop must stop at the round
	// limit and finalize as success with accumulated state.
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		writeSSE(w, toolCallChunk(fmt.Sprintf("call_%d", n), "get_current_time", "{}"))
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, 1)
	env.orch.Config().Generation.MaxToolRounds = 2

	if err := env.orch.SendMessage(context.Background(), env.conv.ID, "loop", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	asst := env.assistant(t)
	if asst.Status != model.StatusSuccess {
		t.Fatalf("status = %s", asst.Status)
	}
	// Initial stream + 2 rounds of follow-up calls.
	if got := requests.Load(); got != 3 {
		t.Errorf("requests = %d, want 3 (initial + 2 rounds)", got)
	}
	if len(asst.ToolCalls) != len(asst.ToolResults) {
		t.Errorf("calls/results mismatch: %d vs %d", len(asst.ToolCalls), len(asst.ToolResults))
	}
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestStopGenerationFinalizesPartialAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", contentChunk("partial answer"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, 1)

	streamed := make(chan struct{})
	var once atomic.Bool
	env.orch.OnStreamUpdate = func(conversationID string, state *model.StreamingState) {
		if state != nil && state.Content != "" && once.CompareAndSwap(false, true) {
			close(streamed)
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- env.orch.SendMessage(context.Background(), env.conv.ID, "go on forever", nil)
	}()

	select {
	case <-streamed:
	case <-time.After(5 * time.Second):
		t.Fatal("never saw streamed content")
	}

	// A second send while the turn is in flight must be rejected.
	if err := env.orch.SendMessage(context.Background(), env.conv.ID, "again", nil); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent send err = %v, want ErrBusy", err)
	}

	env.orch.StopGeneration(env.conv.ID)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SendMessage after stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("SendMessage did not return after stop")
	}

	asst := env.assistant(t)
	if asst.Status != model.StatusSuccess || asst.IsStreaming {
		t.Fatalf("status = %s streaming = %v, stop must finalize as success", asst.Status, asst.IsStreaming)
	}
	if asst.Content != "partial answer" {
		t.Errorf("content = %q, want the partial text kept", asst.Content)
	}
}

// =============================================================================
// GROUP CHATS
// =============================================================================

func TestGroupMentionTargetsOneParticipant(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		writeSSE(w, contentChunk("hello from me"))
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, 2)
	if err := env.orch.SendMessage(context.Background(), env.conv.ID, "@Alpha what do you think?", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if got := requests.Load(); got != 1 {
		t.Fatalf("requests = %d, want only the mentioned participant", got)
	}
	asst := env.assistant(t)
	if asst.ParticipantID != env.conv.Participants[0].ID {
		t.Errorf("responded participant = %s, want Alpha", asst.ParticipantID)
	}
	if asst.SenderName != "Alpha" {
		t.Errorf("sender name = %q", asst.SenderName)
	}
}

func TestGroupAllParticipantsRespondInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, contentChunk("ok"))
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, 2)
	if err := env.orch.SendMessage(context.Background(), env.conv.ID, "everyone chime in", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	msgs := env.messages(t)
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want user + 2 assistants", len(msgs))
	}
	if msgs[1].ParticipantID != env.conv.Participants[0].ID ||
		msgs[2].ParticipantID != env.conv.Participants[1].ID {
		t.Error("assistant replies out of roster order")
	}
	for _, m := range msgs[1:] {
		if m.Status != model.StatusSuccess {
			t.Errorf("participant %s status = %s", m.ParticipantID, m.Status)
		}
	}
}

// =============================================================================
// REGENERATE / EDIT
// =============================================================================

func TestRegenerateMessage(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			writeSSE(w, contentChunk("first attempt"))
		} else {
			writeSSE(w, contentChunk("second attempt"))
		}
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, 1)
	ctx := context.Background()
	if err := env.orch.SendMessage(ctx, env.conv.ID, "hi", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	firstID := env.assistant(t).ID

	if err := env.orch.RegenerateMessage(ctx, env.conv.ID, firstID); err != nil {
		t.Fatalf("RegenerateMessage: %v", err)
	}

	msgs := env.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want user + regenerated assistant", len(msgs))
	}
	asst := env.assistant(t)
	if asst.ID == firstID {
		t.Error("old assistant message survived regeneration")
	}
	if asst.Content != "second attempt" {
		t.Errorf("content = %q", asst.Content)
	}
	// The user message is reused, not duplicated.
	if msgs[0].Role != model.RoleUser || msgs[0].Content != "hi" {
		t.Errorf("user message = %+v", msgs[0])
	}
}

func TestRegenerateRejectsUserMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, contentChunk("ok"))
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, 1)
	ctx := context.Background()
	if err := env.orch.SendMessage(ctx, env.conv.ID, "hi", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	userID := env.messages(t)[0].ID

	if err := env.orch.RegenerateMessage(ctx, env.conv.ID, userID); !errors.Is(err, ErrNotAssistantMessage) {
		t.Errorf("err = %v, want ErrNotAssistantMessage", err)
	}
}

func TestEditMessageRewritesHistory(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		if requests.Add(1) > 1 {
			// After the edit, history must contain the new content only.
			for _, m := range req.Messages {
				if strings.Contains(m.Content, "original") {
					t.Errorf("stale content in request: %q", m.Content)
				}
			}
		}
		writeSSE(w, contentChunk("reply"))
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, 1)
	ctx := context.Background()
	if err := env.orch.SendMessage(ctx, env.conv.ID, "original question", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	userID := env.messages(t)[0].ID

	if err := env.orch.EditMessage(ctx, env.conv.ID, userID, "edited question"); err != nil {
		t.Fatalf("EditMessage: %v", err)
	}

	msgs := env.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want edited user + fresh assistant", len(msgs))
	}
	if msgs[0].ID != userID || msgs[0].Content != "edited question" {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].Role != model.RoleAssistant || msgs[1].Status != model.StatusSuccess {
		t.Errorf("assistant message = %+v", msgs[1])
	}
}

// =============================================================================
// AUTO-DISCUSS
// =============================================================================

func TestAutoDiscussRounds(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		writeSSE(w, contentChunk("point taken"))
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, 2)
	if err := env.orch.AutoDiscuss(context.Background(), env.conv.ID, 2, "debate this"); err != nil {
		t.Fatalf("AutoDiscuss: %v", err)
	}

	// 2 rounds x 2 participants.
	if got := requests.Load(); got != 4 {
		t.Errorf("requests = %d, want 4", got)
	}

	msgs := env.messages(t)
	var users, assistants int
	for _, m := range msgs {
		switch m.Role {
		case model.RoleUser:
			users++
		case model.RoleAssistant:
			assistants++
		}
	}
	if users != 2 || assistants != 4 {
		t.Errorf("got %d user / %d assistant messages, want 2 / 4", users, assistants)
	}
	// The follow-up round uses the continue prompt.
	if msgs[len(msgs)-3].Role != model.RoleUser || msgs[len(msgs)-3].Content != "Continue" {
		t.Errorf("second round prompt = %+v", msgs[len(msgs)-3])
	}
}

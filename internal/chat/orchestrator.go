// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// GENERATION: Streaming turn orchestration with tool-call rounds

package chat

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/talkio-tui/internal/config"
	"github.com/jeranaias/talkio-tui/internal/mcp"
	"github.com/jeranaias/talkio-tui/internal/model"
	"github.com/jeranaias/talkio-tui/internal/provider"
	"github.com/jeranaias/talkio-tui/internal/storage"
	"github.com/jeranaias/talkio-tui/internal/tools"
	"github.com/jeranaias/talkio-tui/internal/util"
)

const (
	// maxHistory bounds how much conversation history goes into a request.
	maxHistory = 200

	// previewLen bounds the conversation-list preview text.
	previewLen = 100

	// titleLen bounds auto-derived conversation titles.
	titleLen = 60

	// continuePrompt is the synthetic user message for auto-discuss rounds.
	continuePrompt = "Continue"
)

var (
	// ErrBusy indicates a generation turn is already in flight for the
	// conversation.
	ErrBusy = errors.New("generation already in flight")

	// ErrNotUserMessage indicates an operation that requires a user message
	// was given something else.
	ErrNotUserMessage = errors.New("not a user message")

	// ErrNotAssistantMessage indicates regenerate was pointed at a
	// non-assistant message.
	ErrNotAssistantMessage = errors.New("not an assistant message")
)

// SendOptions tweaks SendMessage behavior.
type SendOptions struct {
	// ReuseUserMessageID re-runs generation for an existing user message
	// instead of creating a new one (regenerate, edit).
	ReuseUserMessageID string

	// MentionedParticipantIDs overrides mention parsing with an explicit
	// target list.
	MentionedParticipantIDs []string
}

// Orchestrator owns the generation state machine: it turns a user request
// into streamed assistant replies, spanning tool-call round-trips, with
// partial state persisted through the coalescing writer and live state
// pushed to the UI callback.
//
// One turn may be in flight per conversation; concurrent sends return
// ErrBusy. Within a group turn, participants generate strictly in
// sequence so each sees the replies produced before it.
type Orchestrator struct {
	store    *storage.Store
	batch    *storage.BatchWriter
	manager  *mcp.Manager
	registry *tools.Registry

	// OnStreamUpdate receives live streaming state for a conversation.
	// A nil state means the turn ended and the projection is cleared.
	// Set before first use; called from generation goroutines.
	OnStreamUpdate func(conversationID string, state *model.StreamingState)

	mu      sync.Mutex
	cfg     *config.Config
	turns   map[string]context.CancelFunc
	discuss map[string]int // auto-discuss rounds remaining
}

// New creates an orchestrator.
func New(store *storage.Store, batch *storage.BatchWriter, manager *mcp.Manager, registry *tools.Registry, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		store:    store,
		batch:    batch,
		manager:  manager,
		registry: registry,
		cfg:      cfg,
		turns:    make(map[string]context.CancelFunc),
		discuss:  make(map[string]int),
	}
}

// Config returns the current configuration snapshot.
func (o *Orchestrator) Config() *config.Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// UpdateConfig swaps in a new configuration, resetting MCP connections
// whose server config changed or disappeared so the next use re-handshakes
// with the new settings.
func (o *Orchestrator) UpdateConfig(cfg *config.Config) {
	o.mu.Lock()
	old := o.cfg
	o.cfg = cfg
	o.mu.Unlock()

	for _, prev := range old.MCPServers {
		cur := findServer(cfg.MCPServers, prev.ID)
		if cur == nil || cur.URL != prev.URL || !sameHeaders(cur.Headers, prev.Headers) || (!cur.Enabled && prev.Enabled) {
			o.manager.Reset(prev.ID)
		}
	}
}

func findServer(servers []config.MCPServer, id string) *config.MCPServer {
	for i := range servers {
		if servers[i].ID == id {
			return &servers[i]
		}
	}
	return nil
}

func sameHeaders(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// IsGenerating reports whether a turn is in flight for the conversation.
func (o *Orchestrator) IsGenerating(conversationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.turns[conversationID]
	return ok
}

// StopGeneration cancels the in-flight turn, if any, and halts auto
// discussion. The in-flight message finalizes with its partial content.
func (o *Orchestrator) StopGeneration(conversationID string) {
	o.mu.Lock()
	cancel := o.turns[conversationID]
	o.discuss[conversationID] = 0
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (o *Orchestrator) notifyState(conversationID string, state *model.StreamingState) {
	if o.OnStreamUpdate != nil {
		o.OnStreamUpdate(conversationID, state)
	}
}

// =============================================================================
// SEND
// =============================================================================

// SendMessage runs one full generation turn: persist the user message,
// resolve target participants, and generate each reply in sequence.
// It blocks until the turn completes, errors, or is cancelled.
func (o *Orchestrator) SendMessage(ctx context.Context, conversationID, text string, opts *SendOptions) error {
	if opts == nil {
		opts = &SendOptions{}
	}

	conv, err := o.store.GetConversation(conversationID)
	if err != nil {
		return err
	}

	turnCtx, err := o.beginTurn(ctx, conversationID)
	if err != nil {
		return err
	}
	defer o.endTurn(conversationID)

	userMsg, err := o.resolveUserMessage(conv, text, opts.ReuseUserMessageID)
	if err != nil {
		return err
	}

	cfg := o.Config()
	names := o.participantLabels(cfg, conv)

	mentioned := opts.MentionedParticipantIDs
	if len(mentioned) == 0 && conv.IsGroup() {
		mentioned = ExtractMentions(userMsg.Content, names)
	}
	targets := ResolveTargets(conv, mentioned)

	for i, participant := range targets {
		if turnCtx.Err() != nil {
			break
		}
		o.generate(turnCtx, cfg, conv, userMsg, participant, i, names)
	}
	return nil
}

// beginTurn registers the turn, enforcing single-flight per conversation.
func (o *Orchestrator) beginTurn(ctx context.Context, conversationID string) (context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.turns[conversationID]; busy {
		return nil, ErrBusy
	}
	turnCtx, cancel := context.WithCancel(ctx)
	o.turns[conversationID] = cancel
	return turnCtx, nil
}

func (o *Orchestrator) endTurn(conversationID string) {
	o.mu.Lock()
	cancel := o.turns[conversationID]
	delete(o.turns, conversationID)
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.notifyState(conversationID, nil)
}

// resolveUserMessage creates the user message, or loads it when the turn
// reuses an existing one. New messages also refresh the conversation
// summary and derive a title on the first turn.
func (o *Orchestrator) resolveUserMessage(conv *model.Conversation, text, reuseID string) (*model.Message, error) {
	if reuseID != "" {
		msg, err := o.store.GetMessage(reuseID)
		if err != nil {
			return nil, err
		}
		if msg.Role != model.RoleUser {
			return nil, ErrNotUserMessage
		}
		return msg, nil
	}

	msg := model.NewUserMessage(conv.ID, text)
	if err := o.store.InsertMessage(msg); err != nil {
		return nil, err
	}
	if err := o.store.TouchConversation(conv.ID, util.TruncateRunes(text, previewLen), msg.CreatedAt); err != nil {
		log.Printf("[Chat] failed to touch conversation: %v", err)
	}
	if conv.Title == "" && o.Config().Generation.AutoTitle {
		title := util.TruncateRunes(strings.TrimSpace(text), titleLen)
		if title != "" {
			if err := o.store.SetTitle(conv.ID, title); err != nil {
				log.Printf("[Chat] failed to set title: %v", err)
			} else {
				conv.Title = title
			}
		}
	}
	return msg, nil
}

// participantLabels maps participant ids to display names: persona name
// first, then model display name, then the raw model id.
func (o *Orchestrator) participantLabels(cfg *config.Config, conv *model.Conversation) map[string]string {
	names := make(map[string]string, len(conv.Participants))
	for _, p := range conv.Participants {
		label := p.ModelID
		if m := cfg.ModelByID(p.ModelID); m != nil && m.DisplayName != "" {
			label = m.DisplayName
		}
		if persona := cfg.PersonaByID(p.PersonaID); persona != nil && persona.Name != "" {
			label = persona.Name
		}
		names[p.ID] = label
	}
	return names
}

// =============================================================================
// PER-PARTICIPANT GENERATION
// =============================================================================

// generate streams one participant's reply, running tool rounds as needed.
// All failure modes resolve into message state; nothing propagates.
func (o *Orchestrator) generate(ctx context.Context, cfg *config.Config, conv *model.Conversation, userMsg *model.Message, participant model.Participant, index int, names map[string]string) {
	mdl := cfg.ModelByID(participant.ModelID)
	if mdl == nil {
		log.Printf("[Chat] unknown model %s, skipping participant", participant.ModelID)
		return
	}
	prov := cfg.ProviderByID(mdl.ProviderID)
	if prov == nil {
		log.Printf("[Chat] unknown provider %s, skipping participant", mdl.ProviderID)
		return
	}
	persona := cfg.PersonaByID(participant.PersonaID)

	// Offset creation time so replies within one turn keep their order.
	createdAt := userMsg.CreatedAt.Add(time.Duration(index+1) * time.Millisecond)
	assistant := model.NewAssistantMessage(conv.ID, names[participant.ID], participant.ID, createdAt)
	if err := o.store.InsertMessage(assistant); err != nil {
		log.Printf("[Chat] failed to insert assistant message: %v", err)
		return
	}
	o.notifyState(conv.ID, &model.StreamingState{MessageID: assistant.ID})

	executor := newToolExecutor(ctx, o.registry, o.manager, cfg, persona)

	history, err := o.loadHistory(conv.ID, userMsg.ID)
	if err != nil {
		o.failMessage(assistant.ID, err)
		return
	}

	systemPrompt := ""
	if persona != nil {
		systemPrompt = persona.SystemPrompt
	}
	apiMessages := BuildAPIMessages(history, participant, conv, systemPrompt, names)

	client := provider.NewClient(prov.BaseURL, prov.APIKey).
		WithHeaders(prov.Headers).
		WithAPIVersion(prov.APIVersion)

	req := &provider.ChatRequest{
		Model:           mdl.Name,
		Messages:        apiMessages,
		Temperature:     mdl.Temperature,
		TopP:            mdl.TopP,
		ReasoningEffort: mdl.ReasoningEffort,
		Tools:           executor.defs(),
	}

	var (
		accMu sync.Mutex
		acc   accumulator
	)
	emit := func() {
		accMu.Lock()
		content, reasoning := acc.content, acc.reasoning
		accMu.Unlock()
		o.batch.Queue(assistant.ID, storage.MessagePatch{
			Content:          &content,
			ReasoningContent: &reasoning,
		})
		o.notifyState(conv.ID, &model.StreamingState{
			MessageID: assistant.ID,
			Content:   content,
			Reasoning: reasoning,
		})
	}
	fl := newFlusher(emit)

	start := time.Now()
	usage, streamErr := client.ChatStream(ctx, req, func(d provider.Delta) {
		accMu.Lock()
		acc.add(d)
		accMu.Unlock()
		fl.Schedule()
	})
	accMu.Lock()
	acc.finish()
	accMu.Unlock()
	fl.Flush()
	duration := time.Since(start).Seconds()

	if streamErr != nil {
		o.resolveStreamFailure(ctx, assistant.ID, streamErr, acc.content, acc.reasoning)
		return
	}

	tokenUsage := toTokenUsage(usage)
	lastContent := acc.content

	if len(acc.toolCalls) > 0 {
		content, roundUsage, roundErr := o.runToolRounds(ctx, executor, client, req, apiMessages, assistant.ID, &acc, tokenUsage, duration)
		lastContent = content
		if roundErr != nil {
			o.resolveStreamFailure(ctx, assistant.ID, roundErr, content, acc.reasoning)
			return
		}
		tokenUsage = roundUsage
	} else {
		o.finalizeSuccess(assistant.ID, acc.content, acc.reasoning, duration, tokenUsage)
	}

	preview := lastContent
	if preview == "" {
		preview = userMsg.Content
	}
	if err := o.store.TouchConversation(conv.ID, util.TruncateRunes(preview, previewLen), time.Now()); err != nil {
		log.Printf("[Chat] failed to touch conversation: %v", err)
	}
}

// loadHistory returns the request context: finalized successful messages
// plus the triggering user message, capped to the most recent window.
func (o *Orchestrator) loadHistory(conversationID, userMsgID string) ([]*model.Message, error) {
	all, err := o.store.ListMessages(conversationID)
	if err != nil {
		return nil, err
	}
	var filtered []*model.Message
	for _, m := range all {
		if m.Status == model.StatusSuccess || m.ID == userMsgID {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) > maxHistory {
		filtered = filtered[len(filtered)-maxHistory:]
	}
	return filtered, nil
}

// resolveStreamFailure maps a stream error into final message state.
// Cancellation is user intent, not failure: the message keeps its partial
// content and finalizes as success. Anything else marks the message as
// errored with the raw error text, leaving prior persisted tool results
// untouched.
func (o *Orchestrator) resolveStreamFailure(ctx context.Context, messageID string, err error, content, reasoning string) {
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		o.batch.Cancel(messageID)
		streaming := false
		status := model.StatusSuccess
		patch := storage.MessagePatch{
			Content:          &content,
			ReasoningContent: &reasoning,
			IsStreaming:      &streaming,
			Status:           &status,
		}
		if applyErr := o.store.ApplyPatch(messageID, patch); applyErr != nil {
			log.Printf("[Chat] failed to finalize cancelled message: %v", applyErr)
		}
		return
	}

	log.Printf("[Chat] generation error: %v", err)
	o.failMessage(messageID, err)
}

func (o *Orchestrator) failMessage(messageID string, err error) {
	o.batch.Cancel(messageID)
	streaming := false
	status := model.StatusError
	errText := err.Error()
	patch := storage.MessagePatch{
		IsStreaming:  &streaming,
		Status:       &status,
		ErrorMessage: &errText,
	}
	if applyErr := o.store.ApplyPatch(messageID, patch); applyErr != nil {
		log.Printf("[Chat] failed to mark message errored: %v", applyErr)
	}
}

func (o *Orchestrator) finalizeSuccess(messageID, content, reasoning string, duration float64, usage *model.TokenUsage) {
	streaming := false
	status := model.StatusSuccess
	patch := storage.MessagePatch{
		Content:          &content,
		ReasoningContent: &reasoning,
		IsStreaming:      &streaming,
		Status:           &status,
		TokenUsage:       usage,
	}
	if reasoning != "" {
		patch.ReasoningDuration = &duration
	}
	o.batch.Queue(messageID, patch)
	o.batch.FlushNow(messageID)
}

func toTokenUsage(u *provider.Usage) *model.TokenUsage {
	if u == nil {
		return nil
	}
	return &model.TokenUsage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
}

// =============================================================================
// TOOL ROUNDS
// =============================================================================

// runToolRounds executes the accumulated tool calls and streams follow-up
// responses, looping while the model keeps requesting tools, up to the
// configured round limit. Exceeding the limit ends the turn with whatever
// content accumulated rather than erroring.
//
// Tool calls and results are persisted before each new round begins, so a
// later failure never loses completed work.
func (o *Orchestrator) runToolRounds(ctx context.Context, executor *toolExecutor, client *provider.Client, baseReq *provider.ChatRequest, apiMessages []provider.ChatMessage, messageID string, acc *accumulator, usage *model.TokenUsage, duration float64) (string, *model.TokenUsage, error) {
	maxRounds := o.Config().Generation.MaxToolRounds

	reasoning := acc.reasoning
	first := storage.MessagePatch{
		Content:          &acc.content,
		ReasoningContent: &reasoning,
		ToolCalls:        acc.toolCalls,
	}
	if reasoning != "" {
		first.ReasoningDuration = &duration
	}
	o.batch.Queue(messageID, first)
	o.batch.FlushNow(messageID)

	toolResults := o.executeCalls(ctx, executor, acc.toolCalls)
	o.batch.Queue(messageID, storage.MessagePatch{ToolResults: toolResults})
	o.batch.FlushNow(messageID)

	allCalls := acc.toolCalls
	allResults := toolResults
	currentCalls := acc.toolCalls
	currentResults := toolResults
	currentContent := acc.content
	content := acc.content

	for round := 0; round < maxRounds; round++ {
		// Extend the context with the exchange from the previous round only;
		// earlier rounds are already baked into apiMessages.
		followMessages := appendToolExchange(apiMessages, currentContent, currentCalls, currentResults)

		req := *baseReq
		req.Messages = followMessages

		var (
			followMu    sync.Mutex
			followAcc   accumulator
			baseContent = content
		)
		emit := func() {
			followMu.Lock()
			c := baseContent + followAcc.content
			followMu.Unlock()
			o.batch.Queue(messageID, storage.MessagePatch{Content: &c})
		}
		fl := newFlusher(emit)

		roundUsage, err := client.ChatStream(ctx, &req, func(d provider.Delta) {
			followMu.Lock()
			followAcc.add(d)
			followMu.Unlock()
			fl.Schedule()
		})
		followMu.Lock()
		followAcc.finish()
		followMu.Unlock()
		fl.Flush()

		content = baseContent + followAcc.content
		if err != nil {
			return content, usage, err
		}
		if roundUsage != nil {
			usage = toTokenUsage(roundUsage)
		}

		if len(followAcc.toolCalls) == 0 {
			break
		}

		allCalls = append(allCalls, followAcc.toolCalls...)
		o.batch.Queue(messageID, storage.MessagePatch{Content: &content, ToolCalls: allCalls})
		o.batch.FlushNow(messageID)

		newResults := o.executeCalls(ctx, executor, followAcc.toolCalls)
		allResults = append(allResults, newResults...)
		o.batch.Queue(messageID, storage.MessagePatch{ToolResults: allResults})
		o.batch.FlushNow(messageID)

		apiMessages = followMessages
		currentContent = followAcc.content
		currentCalls = followAcc.toolCalls
		currentResults = newResults
	}

	streaming := false
	status := model.StatusSuccess
	o.batch.Queue(messageID, storage.MessagePatch{
		Content:     &content,
		IsStreaming: &streaming,
		Status:      &status,
		TokenUsage:  usage,
	})
	o.batch.FlushNow(messageID)

	return content, usage, nil
}

// executeCalls runs each tool call in order, producing one result per call.
func (o *Orchestrator) executeCalls(ctx context.Context, executor *toolExecutor, calls []model.ToolCall) []model.ToolResult {
	results := make([]model.ToolResult, 0, len(calls))
	for _, tc := range calls {
		content := executor.execute(ctx, tc.Name, parseToolArgs(tc.Arguments))
		results = append(results, model.ToolResult{ToolCallID: tc.ID, Content: content})
	}
	return results
}

// appendToolExchange extends the message context with an assistant turn
// carrying the tool calls and one tool message per result.
func appendToolExchange(apiMessages []provider.ChatMessage, content string, calls []model.ToolCall, results []model.ToolResult) []provider.ChatMessage {
	out := make([]provider.ChatMessage, 0, len(apiMessages)+1+len(results))
	out = append(out, apiMessages...)

	wireCalls := make([]provider.APIToolCall, 0, len(calls))
	for _, tc := range calls {
		wireCalls = append(wireCalls, provider.APIToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: provider.APIFunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	out = append(out, provider.ChatMessage{Role: "assistant", Content: content, ToolCalls: wireCalls})

	for _, tr := range results {
		out = append(out, provider.ChatMessage{Role: "tool", Content: tr.Content, ToolCallID: tr.ToolCallID})
	}
	return out
}

// =============================================================================
// REGENERATE / EDIT / AUTO-DISCUSS
// =============================================================================

// RegenerateMessage deletes an assistant reply and re-generates it from
// the user message that prompted it.
func (o *Orchestrator) RegenerateMessage(ctx context.Context, conversationID, messageID string) error {
	if o.IsGenerating(conversationID) {
		return ErrBusy
	}

	messages, err := o.store.ListMessages(conversationID)
	if err != nil {
		return err
	}

	idx := -1
	for i, m := range messages {
		if m.ID == messageID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return storage.ErrNotFound
	}
	if messages[idx].Role != model.RoleAssistant {
		return ErrNotAssistantMessage
	}

	var prevUser *model.Message
	for i := idx - 1; i >= 0; i-- {
		if messages[i].Role == model.RoleUser {
			prevUser = messages[i]
			break
		}
	}
	if prevUser == nil {
		return storage.ErrNotFound
	}

	if err := o.store.DeleteMessage(messageID); err != nil {
		return err
	}
	return o.SendMessage(ctx, conversationID, prevUser.Content, &SendOptions{ReuseUserMessageID: prevUser.ID})
}

// EditMessage rewrites a user message, discards everything after it, and
// re-generates from the edited content.
func (o *Orchestrator) EditMessage(ctx context.Context, conversationID, messageID, newContent string) error {
	if o.IsGenerating(conversationID) {
		return ErrBusy
	}

	msg, err := o.store.GetMessage(messageID)
	if err != nil {
		return err
	}
	if msg.Role != model.RoleUser {
		return ErrNotUserMessage
	}

	if err := o.store.ApplyPatch(messageID, storage.MessagePatch{Content: &newContent}); err != nil {
		return err
	}

	// Drop everything after the edited message; history is rewritten from
	// this point.
	messages, err := o.store.ListMessages(conversationID)
	if err != nil {
		return err
	}
	for i, m := range messages {
		if m.ID == messageID {
			if i+1 < len(messages) {
				if err := o.store.DeleteMessagesFrom(conversationID, messages[i+1].ID); err != nil {
					return err
				}
			}
			break
		}
	}

	return o.SendMessage(ctx, conversationID, newContent, &SendOptions{ReuseUserMessageID: messageID})
}

// AutoDiscuss runs a group discussion: the topic (or a bare continue
// prompt) starts the first round, then each following round feeds a
// continue prompt so participants respond to each other. StopGeneration
// halts the remaining rounds.
func (o *Orchestrator) AutoDiscuss(ctx context.Context, conversationID string, rounds int, topic string) error {
	if rounds <= 0 {
		return nil
	}
	if o.IsGenerating(conversationID) {
		return ErrBusy
	}

	o.mu.Lock()
	o.discuss[conversationID] = rounds
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.discuss, conversationID)
		o.mu.Unlock()
	}()

	first := strings.TrimSpace(topic)
	if first == "" {
		first = continuePrompt
	}
	if err := o.SendMessage(ctx, conversationID, first, nil); err != nil {
		return err
	}

	for round := 1; round < rounds; round++ {
		o.mu.Lock()
		remaining := o.discuss[conversationID]
		o.discuss[conversationID] = remaining - 1
		o.mu.Unlock()
		if ctx.Err() != nil || remaining <= 1 {
			break
		}
		if err := o.SendMessage(ctx, conversationID, continuePrompt, nil); err != nil {
			return err
		}
	}
	return nil
}

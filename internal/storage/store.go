// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides conversation persistence for talkio TUI.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jeranaias/talkio-tui/internal/model"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// =============================================================================
// STORE
// =============================================================================

// Store persists conversations and messages in a local SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The TUI is the sole writer; one connection sidesteps SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id              TEXT PRIMARY KEY,
	type            TEXT NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	participants    TEXT NOT NULL DEFAULT '[]',
	last_message    TEXT NOT NULL DEFAULT '',
	last_message_at INTEGER
);

CREATE TABLE IF NOT EXISTS messages (
	id                 TEXT PRIMARY KEY,
	conversation_id    TEXT NOT NULL,
	role               TEXT NOT NULL,
	sender_name        TEXT NOT NULL DEFAULT '',
	participant_id     TEXT NOT NULL DEFAULT '',
	created_at         INTEGER NOT NULL,
	content            TEXT NOT NULL DEFAULT '',
	reasoning_content  TEXT NOT NULL DEFAULT '',
	reasoning_duration REAL NOT NULL DEFAULT 0,
	tool_calls         TEXT NOT NULL DEFAULT '[]',
	tool_results       TEXT NOT NULL DEFAULT '[]',
	is_streaming       INTEGER NOT NULL DEFAULT 0,
	status             TEXT NOT NULL DEFAULT '',
	error_message      TEXT NOT NULL DEFAULT '',
	input_tokens       INTEGER,
	output_tokens      INTEGER
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages (conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_conversations_updated
	ON conversations (updated_at DESC);
`

// =============================================================================
// CONVERSATIONS
// =============================================================================

// InsertConversation persists a new conversation.
func (s *Store) InsertConversation(conv *model.Conversation) error {
	participants, err := json.Marshal(conv.Participants)
	if err != nil {
		return fmt.Errorf("failed to marshal participants: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO conversations (id, type, title, created_at, updated_at, participants, last_message, last_message_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, string(conv.Type), conv.Title,
		conv.CreatedAt.UnixNano(), conv.UpdatedAt.UnixNano(),
		string(participants), conv.LastMessage, nanoOrNil(conv.LastMessageAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	return nil
}

// GetConversation loads one conversation by id.
func (s *Store) GetConversation(id string) (*model.Conversation, error) {
	row := s.db.QueryRow(`
		SELECT id, type, title, created_at, updated_at, participants, last_message, last_message_at
		FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// ListConversations returns all conversations, most recently updated first.
func (s *Store) ListConversations() ([]*model.Conversation, error) {
	rows, err := s.db.Query(`
		SELECT id, type, title, created_at, updated_at, participants, last_message, last_message_at
		FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*model.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// SetTitle updates a conversation's title.
func (s *Store) SetTitle(id, title string) error {
	return s.execOne(`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UnixNano(), id)
}

// TouchConversation updates the conversation summary shown in the list:
// the last message preview and timestamps.
func (s *Store) TouchConversation(id, lastMessage string, at time.Time) error {
	return s.execOne(`
		UPDATE conversations SET last_message = ?, last_message_at = ?, updated_at = ?
		WHERE id = ?`,
		lastMessage, at.UnixNano(), at.UnixNano(), id)
}

// DeleteConversation removes a conversation and all its messages.
func (s *Store) DeleteConversation(id string) error {
	if _, err := s.db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return s.execOne(`DELETE FROM conversations WHERE id = ?`, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*model.Conversation, error) {
	var (
		conv                 model.Conversation
		typ, participants    string
		createdNs, updatedNs int64
		lastMessageAt        sql.NullInt64
	)
	err := row.Scan(&conv.ID, &typ, &conv.Title, &createdNs, &updatedNs,
		&participants, &conv.LastMessage, &lastMessageAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}

	conv.Type = model.ConversationType(typ)
	conv.CreatedAt = time.Unix(0, createdNs)
	conv.UpdatedAt = time.Unix(0, updatedNs)
	if lastMessageAt.Valid {
		conv.LastMessageAt = time.Unix(0, lastMessageAt.Int64)
	}
	if err := json.Unmarshal([]byte(participants), &conv.Participants); err != nil {
		return nil, fmt.Errorf("failed to decode participants: %w", err)
	}
	return &conv, nil
}

// =============================================================================
// MESSAGES
// =============================================================================

// InsertMessage persists a new message.
func (s *Store) InsertMessage(msg *model.Message) error {
	toolCalls, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("failed to marshal tool calls: %w", err)
	}
	toolResults, err := json.Marshal(msg.ToolResults)
	if err != nil {
		return fmt.Errorf("failed to marshal tool results: %w", err)
	}

	var inputTokens, outputTokens any
	if msg.TokenUsage != nil {
		inputTokens, outputTokens = msg.TokenUsage.InputTokens, msg.TokenUsage.OutputTokens
	}

	_, err = s.db.Exec(`
		INSERT INTO messages (id, conversation_id, role, sender_name, participant_id, created_at,
			content, reasoning_content, reasoning_duration, tool_calls, tool_results,
			is_streaming, status, error_message, input_tokens, output_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.SenderName, msg.ParticipantID,
		msg.CreatedAt.UnixNano(), msg.Content, msg.ReasoningContent, msg.ReasoningDuration,
		string(toolCalls), string(toolResults), boolToInt(msg.IsStreaming),
		string(msg.Status), msg.ErrorMessage, inputTokens, outputTokens,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// GetMessage loads one message by id.
func (s *Store) GetMessage(id string) (*model.Message, error) {
	row := s.db.QueryRow(selectMessage+` WHERE id = ?`, id)
	return scanMessage(row)
}

// ListMessages returns a conversation's messages in chronological order.
func (s *Store) ListMessages(conversationID string) ([]*model.Message, error) {
	rows, err := s.db.Query(selectMessage+` WHERE conversation_id = ? ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// SearchMessages finds messages whose content matches the query, newest
// first. The query is matched as a case-insensitive substring.
func (s *Store) SearchMessages(query string, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + escapeLike(query) + "%"
	rows, err := s.db.Query(selectMessage+
		` WHERE content LIKE ? ESCAPE '\' ORDER BY created_at DESC LIMIT ?`,
		pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// DeleteMessage removes one message.
func (s *Store) DeleteMessage(id string) error {
	return s.execOne(`DELETE FROM messages WHERE id = ?`, id)
}

// DeleteMessagesFrom removes a message and everything after it in the same
// conversation. Used by edit and regenerate, which rewrite history from a
// point onward.
func (s *Store) DeleteMessagesFrom(conversationID, messageID string) error {
	var createdNs int64
	err := s.db.QueryRow(`SELECT created_at FROM messages WHERE id = ?`, messageID).Scan(&createdNs)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to locate message: %w", err)
	}
	_, err = s.db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND created_at >= ?`,
		conversationID, createdNs)
	if err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}

const selectMessage = `
	SELECT id, conversation_id, role, sender_name, participant_id, created_at,
		content, reasoning_content, reasoning_duration, tool_calls, tool_results,
		is_streaming, status, error_message, input_tokens, output_tokens
	FROM messages`

func scanMessage(row rowScanner) (*model.Message, error) {
	var (
		msg                        model.Message
		role, status               string
		createdNs                  int64
		toolCalls, toolResults     string
		isStreaming                int
		inputTokens, outputTokens  sql.NullInt64
	)
	err := row.Scan(&msg.ID, &msg.ConversationID, &role, &msg.SenderName, &msg.ParticipantID,
		&createdNs, &msg.Content, &msg.ReasoningContent, &msg.ReasoningDuration,
		&toolCalls, &toolResults, &isStreaming, &status, &msg.ErrorMessage,
		&inputTokens, &outputTokens)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}

	msg.Role = model.Role(role)
	msg.Status = model.Status(status)
	msg.CreatedAt = time.Unix(0, createdNs)
	msg.IsStreaming = isStreaming != 0
	if err := json.Unmarshal([]byte(toolCalls), &msg.ToolCalls); err != nil {
		return nil, fmt.Errorf("failed to decode tool calls: %w", err)
	}
	if err := json.Unmarshal([]byte(toolResults), &msg.ToolResults); err != nil {
		return nil, fmt.Errorf("failed to decode tool results: %w", err)
	}
	if inputTokens.Valid || outputTokens.Valid {
		msg.TokenUsage = &model.TokenUsage{
			InputTokens:  int(inputTokens.Int64),
			OutputTokens: int(outputTokens.Int64),
		}
	}
	return &msg, nil
}

// =============================================================================
// PATCHES
// =============================================================================

// MessagePatch is a partial message update. Nil fields are left untouched;
// set fields overwrite (last-write-wins).
type MessagePatch struct {
	Content           *string
	ReasoningContent  *string
	ReasoningDuration *float64
	ToolCalls         []model.ToolCall
	ToolResults       []model.ToolResult
	IsStreaming       *bool
	Status            *model.Status
	ErrorMessage      *string
	TokenUsage        *model.TokenUsage
}

// Merge overlays other onto p, field by field.
func (p *MessagePatch) Merge(other MessagePatch) {
	if other.Content != nil {
		p.Content = other.Content
	}
	if other.ReasoningContent != nil {
		p.ReasoningContent = other.ReasoningContent
	}
	if other.ReasoningDuration != nil {
		p.ReasoningDuration = other.ReasoningDuration
	}
	if other.ToolCalls != nil {
		p.ToolCalls = other.ToolCalls
	}
	if other.ToolResults != nil {
		p.ToolResults = other.ToolResults
	}
	if other.IsStreaming != nil {
		p.IsStreaming = other.IsStreaming
	}
	if other.Status != nil {
		p.Status = other.Status
	}
	if other.ErrorMessage != nil {
		p.ErrorMessage = other.ErrorMessage
	}
	if other.TokenUsage != nil {
		p.TokenUsage = other.TokenUsage
	}
}

// IsEmpty reports whether the patch changes nothing.
func (p *MessagePatch) IsEmpty() bool {
	return p.Content == nil && p.ReasoningContent == nil && p.ReasoningDuration == nil &&
		p.ToolCalls == nil && p.ToolResults == nil && p.IsStreaming == nil &&
		p.Status == nil && p.ErrorMessage == nil && p.TokenUsage == nil
}

// ApplyPatch writes the set fields of a patch to one message row.
func (s *Store) ApplyPatch(id string, patch MessagePatch) error {
	if patch.IsEmpty() {
		return nil
	}

	var (
		sets []string
		args []any
	)
	add := func(clause string, value any) {
		sets = append(sets, clause)
		args = append(args, value)
	}

	if patch.Content != nil {
		add("content = ?", *patch.Content)
	}
	if patch.ReasoningContent != nil {
		add("reasoning_content = ?", *patch.ReasoningContent)
	}
	if patch.ReasoningDuration != nil {
		add("reasoning_duration = ?", *patch.ReasoningDuration)
	}
	if patch.ToolCalls != nil {
		raw, err := json.Marshal(patch.ToolCalls)
		if err != nil {
			return fmt.Errorf("failed to marshal tool calls: %w", err)
		}
		add("tool_calls = ?", string(raw))
	}
	if patch.ToolResults != nil {
		raw, err := json.Marshal(patch.ToolResults)
		if err != nil {
			return fmt.Errorf("failed to marshal tool results: %w", err)
		}
		add("tool_results = ?", string(raw))
	}
	if patch.IsStreaming != nil {
		add("is_streaming = ?", boolToInt(*patch.IsStreaming))
	}
	if patch.Status != nil {
		add("status = ?", string(*patch.Status))
	}
	if patch.ErrorMessage != nil {
		add("error_message = ?", *patch.ErrorMessage)
	}
	if patch.TokenUsage != nil {
		add("input_tokens = ?", patch.TokenUsage.InputTokens)
		add("output_tokens = ?", patch.TokenUsage.OutputTokens)
	}

	query := "UPDATE messages SET "
	for i, clause := range sets {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += " WHERE id = ?"
	args = append(args, id)

	return s.execOne(query, args...)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) execOne(query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nanoOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/talkio-tui/internal/model"
	"github.com/jeranaias/talkio-tui/internal/util"
)

// View implements tea.Model.
func (m *Model) View() string {
	if !m.ready {
		return "loading..."
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.renderInput())
	b.WriteString("\n")
	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m *Model) renderHeader() string {
	title := m.conv.Title
	if title == "" {
		title = "New Chat"
	}
	line := m.theme.HeaderTitle.Render("talkio") + "  " + util.TruncateWidth(title, m.width-12)
	return m.theme.Header.Width(m.width).Render(line)
}

func (m *Model) renderInput() string {
	if m.generating {
		return m.spin.View() + " " + m.theme.ShortcutDesc.Render("generating, esc to stop")
	}
	return m.theme.InputPrompt.Render("> ") + m.input.View()
}

func (m *Model) renderStatusBar() string {
	left := util.IntToString(len(m.messages)) + " messages"
	if m.lastErr != nil {
		left = m.theme.ErrorText.Render(util.TruncateWidth(m.lastErr.Error(), m.width/2))
	}
	right := m.theme.ShortcutKey.Render("enter") + m.theme.ShortcutDesc.Render(" send  ") +
		m.theme.ShortcutKey.Render("esc") + m.theme.ShortcutDesc.Render(" stop  ") +
		m.theme.ShortcutKey.Render("ctrl+c") + m.theme.ShortcutDesc.Render(" quit")

	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if gap < 1 {
		gap = 1
	}
	return m.theme.StatusBar.Width(m.width).Render(left + strings.Repeat(" ", gap) + right)
}

// renderMessages renders the full conversation transcript.
func (m *Model) renderMessages() string {
	var parts []string
	for _, msg := range m.messages {
		parts = append(parts, m.renderMessage(msg))
	}
	return strings.Join(parts, "\n\n")
}

// renderMessage renders one message, substituting live streaming state for
// the in-flight assistant message.
func (m *Model) renderMessage(msg *model.Message) string {
	content := msg.Content
	reasoning := msg.ReasoningContent
	if m.streaming != nil && m.streaming.MessageID == msg.ID {
		content = m.streaming.Content
		reasoning = m.streaming.Reasoning
	}

	var b strings.Builder
	b.WriteString(m.renderLabel(msg))
	b.WriteString("\n")

	if reasoning != "" {
		b.WriteString(m.theme.Reasoning.Render(reasoning))
		b.WriteString("\n")
		if msg.ReasoningDuration > 0 {
			b.WriteString(m.theme.Timestamp.Render(
				"thought for " + util.FloatToStringPrec(msg.ReasoningDuration, 1) + "s"))
			b.WriteString("\n")
		}
	}

	for i, tc := range msg.ToolCalls {
		b.WriteString(m.theme.ToolCall.Render("⚙ " + tc.Name))
		if i < len(msg.ToolResults) {
			preview := util.TruncateRunes(msg.ToolResults[i].Content, 120)
			b.WriteString(" " + m.theme.ToolResult.Render("→ "+preview))
		}
		b.WriteString("\n")
	}

	switch {
	case msg.Status == model.StatusError:
		text := msg.ErrorMessage
		if text == "" {
			text = "generation failed"
		}
		b.WriteString(m.theme.ErrorText.Render(text))
	case content == "" && msg.IsStreaming:
		b.WriteString(m.theme.Timestamp.Render("..."))
	default:
		b.WriteString(m.theme.MessageBody.Render(content))
	}

	return b.String()
}

func (m *Model) renderLabel(msg *model.Message) string {
	name := msg.SenderName
	switch msg.Role {
	case model.RoleUser:
		if name == "" {
			name = "You"
		}
		return m.theme.UserLabel.Render(name)
	case model.RoleAssistant:
		if name == "" {
			name = "Assistant"
		}
		label := m.theme.AssistantLabel.Render(name)
		if msg.TokenUsage != nil {
			label += " " + m.theme.Timestamp.Render(
				"("+util.IntToString(msg.TokenUsage.OutputTokens)+" tok)")
		}
		return label
	default:
		return m.theme.Timestamp.Render(string(msg.Role))
	}
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// MESSAGES: Building API context from conversation state

package chat

import (
	"strings"

	"github.com/jeranaias/talkio-tui/internal/model"
	"github.com/jeranaias/talkio-tui/internal/provider"
)

// ResolveTargets determines which participants respond to a message.
// Single chats always target the sole participant. In group chats an
// explicit mention list restricts the targets; without mentions everyone
// responds in roster order.
func ResolveTargets(conv *model.Conversation, mentionedIDs []string) []model.Participant {
	if !conv.IsGroup() {
		if len(conv.Participants) == 0 {
			return nil
		}
		return conv.Participants[:1]
	}
	if len(mentionedIDs) > 0 {
		mentioned := make(map[string]bool, len(mentionedIDs))
		for _, id := range mentionedIDs {
			mentioned[id] = true
		}
		var targets []model.Participant
		for _, p := range conv.Participants {
			if mentioned[p.ID] {
				targets = append(targets, p)
			}
		}
		return targets
	}
	return conv.Participants
}

// BuildGroupRoster renders the system-prompt section that explains the
// group chat to one participant, marking its own entry.
func BuildGroupRoster(conv *model.Conversation, selfID string, names map[string]string) string {
	var b strings.Builder
	b.WriteString("You are in a group chat with multiple AI participants and one human user.\n")
	b.WriteString("Participants:\n")
	for _, p := range conv.Participants {
		label := names[p.ID]
		if label == "" {
			label = p.ModelID
		}
		b.WriteString("- " + label)
		if p.ID == selfID {
			b.WriteString("  ← you")
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString("The human user's messages appear as: [User said]: content\n")
	b.WriteString("Other AI participants' messages appear as: [Name said]: content\n")
	b.WriteString("Your own previous messages appear as role=assistant (no prefix).\n")
	b.WriteString("Always distinguish between the human user and other AI participants.\n")
	b.WriteString("Think independently - form your own opinions and do not simply agree with or echo others.\n")
	b.WriteString("If you disagree, say so directly and explain why. Constructive debate is encouraged.\n")
	b.WriteString("Do not repeat, summarize, or rephrase what others said unless asked.")
	return b.String()
}

// BuildAPIMessages converts conversation history into the messages array
// for one participant's request.
//
// In group chats each participant sees only its own replies as assistant
// turns; the human user's messages and other participants' replies are
// relabeled user turns carrying a speaker prefix, so the model can tell
// the voices apart.
func BuildAPIMessages(messages []*model.Message, participant model.Participant, conv *model.Conversation, systemPrompt string, names map[string]string) []provider.ChatMessage {
	var out []provider.ChatMessage

	if conv.IsGroup() {
		roster := BuildGroupRoster(conv, participant.ID, names)
		prompt := roster
		if systemPrompt != "" {
			prompt = systemPrompt + "\n\n" + roster
		}
		out = append(out, provider.ChatMessage{Role: "system", Content: prompt})
	} else if systemPrompt != "" {
		out = append(out, provider.ChatMessage{Role: "system", Content: systemPrompt})
	}

	for _, m := range messages {
		if m.Role != model.RoleUser && m.Role != model.RoleAssistant {
			continue
		}

		role := string(m.Role)
		content := m.Content

		if conv.IsGroup() {
			switch m.Role {
			case model.RoleUser:
				content = "[User said]: " + content
			case model.RoleAssistant:
				if m.SenderName != "" && m.ParticipantID != participant.ID {
					role = "user"
					content = "[" + m.SenderName + " said]: " + content
				}
			}
		}

		out = append(out, provider.ChatMessage{Role: role, Content: content})
	}

	return out
}

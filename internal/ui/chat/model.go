// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat implements the terminal chat view.
package chat

import (
	"context"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/jeranaias/talkio-tui/internal/chat"
	"github.com/jeranaias/talkio-tui/internal/config"
	"github.com/jeranaias/talkio-tui/internal/model"
	"github.com/jeranaias/talkio-tui/internal/storage"
	"github.com/jeranaias/talkio-tui/internal/ui/styles"
)

// streamBuffer bounds queued streaming updates between frames. The
// orchestrator already throttles to frame rate; overflow drops updates
// rather than blocking generation.
const streamBuffer = 128

// =============================================================================
// MESSAGES
// =============================================================================

// streamMsg carries one live streaming update into the event loop.
type streamMsg struct {
	state *model.StreamingState
}

// turnDoneMsg signals that SendMessage returned.
type turnDoneMsg struct {
	err error
}

// configReloadedMsg arrives when the config watcher delivers a new config.
type configReloadedMsg struct {
	cfg *config.Config
}

// =============================================================================
// MODEL
// =============================================================================

// Model is the bubbletea model for one conversation. It is a thin shell:
// all generation logic lives in the orchestrator; the model sends user
// input and renders state.
type Model struct {
	orch  *chat.Orchestrator
	store *storage.Store
	theme *styles.Theme

	conv      *model.Conversation
	messages  []*model.Message
	streaming *model.StreamingState

	viewport viewport.Model
	input    textinput.Model
	spin     spinner.Model

	updates chan *model.StreamingState
	reloads chan *config.Config

	width      int
	height     int
	ready      bool
	generating bool
	lastErr    error
}

// New creates the chat view for a conversation and hooks the orchestrator's
// streaming callback into the event loop.
func New(orch *chat.Orchestrator, store *storage.Store, conv *model.Conversation, reloads chan *config.Config) *Model {
	input := textinput.New()
	input.Placeholder = "Type a message (@Name to address one participant)"
	input.Focus()
	input.CharLimit = 0

	spin := spinner.New()
	spin.Spinner = spinner.Dot

	m := &Model{
		orch:    orch,
		store:   store,
		theme:   styles.NewTheme(),
		conv:    conv,
		input:   input,
		spin:    spin,
		updates: make(chan *model.StreamingState, streamBuffer),
		reloads: reloads,
	}
	m.spin.Style = m.theme.Spinner

	orch.OnStreamUpdate = func(conversationID string, state *model.StreamingState) {
		if conversationID != conv.ID {
			return
		}
		select {
		case m.updates <- state:
		default:
			// Frame backlog; the next update supersedes this one anyway.
		}
	}

	m.reloadMessages()
	return m
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, m.spin.Tick, m.waitForStream()}
	if m.reloads != nil {
		cmds = append(cmds, m.waitForReload())
	}
	return tea.Batch(cmds...)
}

// waitForStream blocks on the next streaming update.
func (m *Model) waitForStream() tea.Cmd {
	return func() tea.Msg {
		return streamMsg{state: <-m.updates}
	}
}

// waitForReload blocks on the next config reload.
func (m *Model) waitForReload() tea.Cmd {
	return func() tea.Msg {
		return configReloadedMsg{cfg: <-m.reloads}
	}
}

// sendCmd runs one generation turn off the event loop.
func (m *Model) sendCmd(text string) tea.Cmd {
	return func() tea.Msg {
		return turnDoneMsg{err: m.orch.SendMessage(context.Background(), m.conv.ID, text, nil)}
	}
}

// reloadMessages refreshes the message list from storage.
func (m *Model) reloadMessages() {
	msgs, err := m.store.ListMessages(m.conv.ID)
	if err != nil {
		m.lastErr = err
		return
	}
	m.messages = msgs
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layoutViewport()
		m.refreshViewport()
		m.ready = true

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.orch.StopGeneration(m.conv.ID)
			return m, tea.Quit

		case key.Matches(msg, keys.Stop):
			if m.generating {
				m.orch.StopGeneration(m.conv.ID)
			}

		case key.Matches(msg, keys.Send):
			text := m.input.Value()
			if text != "" && !m.generating {
				m.input.Reset()
				m.generating = true
				m.lastErr = nil
				cmds = append(cmds, m.sendCmd(text), m.spin.Tick)
			}

		default:
			var cmd tea.Cmd
			m.input, cmd = m.input.Update(msg)
			cmds = append(cmds, cmd)
		}

	case streamMsg:
		m.streaming = msg.state
		if msg.state != nil && !m.hasMessage(msg.state.MessageID) {
			// A new assistant skeleton was inserted; pick it up.
			m.reloadMessages()
		}
		m.refreshViewport()
		cmds = append(cmds, m.waitForStream())

	case turnDoneMsg:
		m.generating = false
		m.streaming = nil
		m.lastErr = msg.err
		m.reloadMessages()
		m.refreshViewport()

	case configReloadedMsg:
		m.orch.UpdateConfig(msg.cfg)
		cmds = append(cmds, m.waitForReload())

	case spinner.TickMsg:
		if m.generating {
			var cmd tea.Cmd
			m.spin, cmd = m.spin.Update(msg)
			cmds = append(cmds, cmd)
		}

	default:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) hasMessage(id string) bool {
	for _, msg := range m.messages {
		if msg.ID == id {
			return true
		}
	}
	return false
}

// layoutViewport sizes the history pane: full width, everything above the
// input line and status bar, below the header.
func (m *Model) layoutViewport() {
	historyHeight := m.height - 3
	if historyHeight < 1 {
		historyHeight = 1
	}
	if !m.ready {
		m.viewport = viewport.New(m.width, historyHeight)
	} else {
		m.viewport.Width = m.width
		m.viewport.Height = historyHeight
	}
	m.input.Width = m.width - 4
}

// refreshViewport re-renders the message history and keeps the view pinned
// to the bottom while streaming.
func (m *Model) refreshViewport() {
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.renderMessages())
	if atBottom || m.streaming != nil {
		m.viewport.GotoBottom()
	}
}

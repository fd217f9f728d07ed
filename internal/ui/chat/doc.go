// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat implements the terminal chat view.
//
// The view is deliberately thin: it renders conversation state and
// forwards user input to the orchestrator. Streaming updates arrive
// through a channel bridged into the bubbletea event loop, already
// throttled to frame rate by the orchestrator's flusher.
package chat

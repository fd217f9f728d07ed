// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// # Key Types
//
//   - Conversation: chat metadata plus its AI participant roster
//   - Message: one message with streaming lifecycle, tool calls and results
//   - StreamingState: in-memory current-turn projection for live UI updates
//
// Messages follow a strict lifecycle: created with StatusStreaming (assistant)
// or StatusSuccess (user), mutated only while streaming, then frozen at
// StatusSuccess or StatusError.
package model

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat orchestrates generation turns: it converts a user message
// into streamed assistant replies, one per target participant, persisting
// partial state through the write coalescer and pushing live updates to
// the UI at frame rate.
//
// A turn walks a small state machine per participant: stream the response,
// execute any requested tools (built-ins first, then MCP servers), feed
// results back for follow-up rounds up to a configured limit, then
// finalize. Cancellation is not an error; a stopped message keeps its
// partial content and finalizes as success.
//
// Group chats add mention targeting (@Name selects responders) and message
// relabeling so each participant sees the human user and its peers as
// distinct voices.
package chat

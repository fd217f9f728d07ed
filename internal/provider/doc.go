// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider implements the client for OpenAI-compatible chat APIs.
//
// A Client targets one endpoint (base URL + API key + custom headers) and
// exposes ChatStream, which POSTs to /chat/completions with stream:true and
// consumes the resulting `data:` framed event stream.
//
// # Delta normalization
//
// Streamed chunks are normalized into Delta values. Reasoning text has
// shipped under several historical field names (reasoning_content,
// reasoning; at both the delta and choice level); an ordered list of
// extraction rules collapses them into Delta.Reasoning.
//
// # Error handling
//
// Only transport-level failures propagate: non-OK HTTP status (as *APIError),
// missing body, and read errors. A malformed JSON frame is skipped and the
// stream continues - one bad line never aborts a turn.
//
// # Think spans
//
// Some models emit reasoning inline as <think>...</think> inside regular
// content. ThinkScanner splits those spans out, tolerating markers that
// arrive split across delta chunks.
package provider

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package mcp implements the Model Context Protocol client side: discovering
// and invoking tools hosted on remote servers.
//
// The layers, bottom up:
//
//   - Transport speaks the streamable HTTP wire protocol. Requests go out as
//     POSTs; a 202 on the initialized notification opens a long-lived GET
//     SSE stream for server-pushed messages. Session id and negotiated
//     protocol version headers are captured once and echoed on every
//     subsequent request.
//
//   - Client runs the JSON-RPC session over the transport: the initialize
//     handshake, tools/list, and tools/call, matching responses to requests
//     by id.
//
//   - Manager pools one connection per server. Connects are single-flight,
//     tool lists are cached for five minutes with silent stale fallback on
//     refresh failure, and any call failure tears the connection down so the
//     next use starts clean.
package mcp

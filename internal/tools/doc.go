// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools holds the local built-in tools the model can call without a
// remote MCP server: current time and clipboard access. The registry is
// checked first when resolving a streamed tool call; unknown names fall
// through to the MCP connection pool.
package tools

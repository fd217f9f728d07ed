// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads, validates, saves, and watches the talkio
// configuration: provider endpoints, model bindings, personas, MCP servers,
// tool toggles, and generation settings.
//
// The file lives at ~/.talkio/config.toml (TALKIO_HOME overrides the
// directory). API keys can be supplied via TALKIO_<PROVIDER>_API_KEY
// instead of the file. Saves are atomic with 0600 permissions since the
// file may hold secrets.
package config

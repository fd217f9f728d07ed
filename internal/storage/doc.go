// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists conversations and messages in SQLite and
// provides the write-coalescing layer the streaming path depends on.
//
// During generation the orchestrator patches the in-flight message many
// times per second. Writing each patch through would hammer the database,
// so BatchWriter merges patches per message id and flushes on a fixed
// cadence. Delivery is at-least-once with last-write-wins field merges;
// a failed flush re-queues for the next cycle.
package storage

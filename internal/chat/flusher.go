// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// STREAMING: Frame-budget throttling for UI updates

package chat

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// frameInterval caps UI-visible streaming updates to roughly display
// refresh rate. Upstream delta rate can far exceed what a terminal can
// usefully render.
const frameInterval = time.Second / 60

// flusher coalesces a burst of streaming deltas into at most one emitted
// update per frame. Schedule marks the state dirty; the emit callback runs
// immediately when the frame budget allows, otherwise once at the next
// frame boundary. Flush forces a trailing emit at stream end so the final
// state is never lost.
type flusher struct {
	emit    func()
	limiter *rate.Limiter

	mu      sync.Mutex
	dirty   bool
	pending bool
}

func newFlusher(emit func()) *flusher {
	return &flusher{
		emit:    emit,
		limiter: rate.NewLimiter(rate.Every(frameInterval), 1),
	}
}

// Schedule marks the state dirty and arranges an emit within one frame.
func (f *flusher) Schedule() {
	f.mu.Lock()
	f.dirty = true
	if f.pending {
		f.mu.Unlock()
		return
	}
	if f.limiter.Allow() {
		f.dirty = false
		f.mu.Unlock()
		f.emit()
		return
	}
	f.pending = true
	delay := f.limiter.Reserve().Delay()
	f.mu.Unlock()

	time.AfterFunc(delay, f.emitPending)
}

func (f *flusher) emitPending() {
	f.mu.Lock()
	f.pending = false
	if !f.dirty {
		f.mu.Unlock()
		return
	}
	f.dirty = false
	f.mu.Unlock()
	f.emit()
}

// Flush emits immediately if any update is pending. Call at stream end.
func (f *flusher) Flush() {
	f.mu.Lock()
	if !f.dirty {
		f.mu.Unlock()
		return
	}
	f.dirty = false
	f.mu.Unlock()
	f.emit()
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// PERSISTENCE: Write coalescing for high-frequency streaming updates

package storage

import (
	"log"
	"sync"
	"time"
)

// BatchInterval is the flush cadence. Short enough to bound staleness,
// long enough to collapse a burst of streaming deltas into one write.
const BatchInterval = 180 * time.Millisecond

// PersistFunc writes one merged patch to durable storage.
type PersistFunc func(id string, patch MessagePatch) error

// BatchWriter coalesces high-frequency partial updates to message records.
// Patches queued for the same id within one interval merge field-by-field
// (last write wins) and flush as a single write.
//
// Flushes never overlap: a second flusher awaits the in-flight one. A failed
// write is merged back into the pending map and retried on the next cycle,
// never dropped.
type BatchWriter struct {
	persist PersistFunc

	mu       sync.Mutex
	pending  map[string]MessagePatch
	timer    *time.Timer
	inFlight chan struct{} // non-nil while a flush is running; closed on completion
	closed   bool
}

// NewBatchWriter creates a writer flushing through persist.
func NewBatchWriter(persist PersistFunc) *BatchWriter {
	return &BatchWriter{
		persist: persist,
		pending: make(map[string]MessagePatch),
	}
}

// Queue merges a patch into the pending set and schedules a flush if none
// is scheduled.
func (w *BatchWriter) Queue(id string, patch MessagePatch) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	merged := w.pending[id]
	merged.Merge(patch)
	w.pending[id] = merged

	if w.timer == nil {
		w.timer = time.AfterFunc(BatchInterval, w.onTimer)
	}
}

func (w *BatchWriter) onTimer() {
	w.flush(nil)
}

// FlushNow forces an immediate flush. With ids it flushes only those
// records; without, everything pending. Any flush already in progress is
// awaited first so flushes for the same records never run concurrently.
func (w *BatchWriter) FlushNow(ids ...string) {
	w.flush(ids)
}

// Cancel drops queued patches for one id and waits out any in-flight flush,
// so the caller can follow with a conflicting direct write safely.
func (w *BatchWriter) Cancel(id string) {
	w.mu.Lock()
	delete(w.pending, id)
	ch := w.inFlight
	w.mu.Unlock()

	if ch != nil {
		<-ch
	}
}

// Close flushes everything pending and stops the timer.
func (w *BatchWriter) Close() {
	w.flush(nil)
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
}

// flush writes the selected pending patches. Mutual exclusion on flushing
// is via the inFlight channel: late arrivals wait for the current flush,
// then take whatever is pending (possibly nothing).
func (w *BatchWriter) flush(ids []string) {
	for {
		w.mu.Lock()
		if w.inFlight == nil {
			break
		}
		ch := w.inFlight
		w.mu.Unlock()
		<-ch
	}
	// Lock held.

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}

	batch := w.takeLocked(ids)
	if len(batch) == 0 {
		w.rescheduleLocked()
		w.mu.Unlock()
		return
	}

	done := make(chan struct{})
	w.inFlight = done
	w.mu.Unlock()

	failed := make(map[string]MessagePatch)
	for id, patch := range batch {
		if err := w.persist(id, patch); err != nil {
			log.Printf("[Storage] flush failed for %s, will retry: %v", id, err)
			failed[id] = patch
		}
	}

	w.mu.Lock()
	// Re-queue failures under anything queued meanwhile: newer fields win.
	for id, patch := range failed {
		newer := w.pending[id]
		patch.Merge(newer)
		w.pending[id] = patch
	}
	w.inFlight = nil
	close(done)
	w.rescheduleLocked()
	w.mu.Unlock()
}

// takeLocked removes and returns the requested pending patches.
func (w *BatchWriter) takeLocked(ids []string) map[string]MessagePatch {
	batch := make(map[string]MessagePatch)
	if len(ids) == 0 {
		for id, patch := range w.pending {
			batch[id] = patch
		}
		w.pending = make(map[string]MessagePatch)
		return batch
	}
	for _, id := range ids {
		if patch, ok := w.pending[id]; ok {
			batch[id] = patch
			delete(w.pending, id)
		}
	}
	return batch
}

// rescheduleLocked arms the timer when work remains (retries or patches
// queued during the flush).
func (w *BatchWriter) rescheduleLocked() {
	if w.closed || len(w.pending) == 0 || w.timer != nil {
		return
	}
	w.timer = time.AfterFunc(BatchInterval, w.onTimer)
}

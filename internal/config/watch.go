// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// HOT RELOAD: Config file watching with debounce

package config

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces the burst of filesystem events an editor save
// produces (write, chmod, rename) into one reload.
const debounceDelay = 200 * time.Millisecond

// Watcher reloads the configuration when the file changes on disk and
// notifies subscribers with the new value. Reload failures are logged and
// the previous configuration stays in effect.
type Watcher struct {
	path string
	fsw  *fsnotify.Watcher

	mu       sync.Mutex
	subs     []func(*Config)
	debounce *time.Timer
	closed   bool
}

// NewWatcher starts watching the configuration file at path. The parent
// directory is watched rather than the file itself, since editors commonly
// replace files by rename.
func NewWatcher(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{path: path, fsw: fsw}
	go w.run()
	return w, nil
}

// Subscribe registers a callback invoked with each successfully reloaded
// configuration.
func (w *Watcher) Subscribe(fn func(*Config)) {
	w.mu.Lock()
	w.subs = append(w.subs, fn)
	w.mu.Unlock()
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("[Config] watch error: %v", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := LoadFromPath(w.path)
	if err != nil {
		log.Printf("[Config] reload failed, keeping previous config: %v", err)
		return
	}
	log.Printf("[Config] reloaded %s", w.path)

	w.mu.Lock()
	subs := make([]func(*Config), len(w.subs))
	copy(subs, w.subs)
	w.mu.Unlock()

	for _, fn := range subs {
		fn(cfg)
	}
}

// Close stops watching. Pending debounced reloads are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	if w.debounce != nil {
		w.debounce.Stop()
		w.debounce = nil
	}
	w.mu.Unlock()
	return w.fsw.Close()
}

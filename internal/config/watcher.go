// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc is called with the freshly loaded configuration after the
// watched file changes.
type ReloadFunc func(cfg *Config)

// Watcher monitors the config file and triggers debounced reloads.
// Reloads that fail to parse or validate are logged and dropped; the
// previous configuration stays in effect.
type Watcher struct {
	// fsWatcher is the underlying filesystem watcher
	fsWatcher *fsnotify.Watcher

	// path is the watched config file
	path string

	// onReload is called with each successfully loaded config
	onReload ReloadFunc

	// logger is used for structured logging
	logger *slog.Logger

	// debounceDelay is the delay before reloading after file changes
	debounceDelay time.Duration

	// mu protects pending
	mu      sync.Mutex
	pending *time.Timer

	// ctx is the watcher's lifecycle context
	ctx    context.Context
	cancel context.CancelFunc

	// wg tracks the event loop
	wg sync.WaitGroup
}

// WatcherConfig configures the config file watcher.
type WatcherConfig struct {
	// Path is the config file to watch (required).
	Path string

	// OnReload is called with each successfully reloaded config (required).
	OnReload ReloadFunc

	// Logger is used for structured logging (optional).
	Logger *slog.Logger

	// DebounceDelay is the delay before reloading after file changes
	// (defaults to 200ms).
	DebounceDelay time.Duration
}

// NewWatcher creates a config file watcher. Editors typically replace the
// file rather than write in place, so the parent directory is watched and
// events are filtered by name.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if cfg.OnReload == nil {
		return nil, fmt.Errorf("reload callback is required")
	}

	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", cfg.Path, err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounceDelay := cfg.DebounceDelay
	if debounceDelay == 0 {
		debounceDelay = 200 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Watcher{
		fsWatcher:     fsWatcher,
		path:          absPath,
		onReload:      cfg.OnReload,
		logger:        logger,
		debounceDelay: debounceDelay,
		ctx:           ctx,
		cancel:        cancel,
	}

	w.wg.Add(1)
	go w.processEvents()

	return w, nil
}

// processEvents processes filesystem events and schedules reloads.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if abs, err := filepath.Abs(event.Name); err != nil || abs != w.path {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)

		case <-w.ctx.Done():
			return
		}
	}
}

// scheduleReload schedules a debounced reload, replacing any pending one.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounceDelay, w.reload)
	w.mu.Unlock()
}

// reload loads the config and hands it to the callback.
func (w *Watcher) reload() {
	w.mu.Lock()
	w.pending = nil
	w.mu.Unlock()

	select {
	case <-w.ctx.Done():
		return
	default:
	}

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous configuration",
			"path", w.path,
			"error", err,
		)
		return
	}

	w.logger.Info("config reloaded", "path", w.path)
	w.onReload(cfg)
}

// Close shuts down the watcher.
func (w *Watcher) Close() error {
	w.cancel()

	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	w.mu.Unlock()

	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}

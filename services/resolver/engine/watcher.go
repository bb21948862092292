// Copyright (C) 2026 Resolvetech Systems (dev@resolvetech.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DriftWatcher observes the managed configuration file for external
// edits. The engine exclusively owns that file, so any change observed
// while no apply is in flight means a human or another tool touched it
// by hand.
//
// Detection is advisory: drift is logged and counted, never reverted
// automatically.
type DriftWatcher struct {
	path     string
	engine   *Engine
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDriftWatcher creates a watcher for the engine's managed
// configuration file.
func NewDriftWatcher(engine *Engine, logger *slog.Logger) *DriftWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DriftWatcher{
		path:     engine.opts.ManagedConfigPath,
		engine:   engine,
		logger:   logger.With("component", "engine.DriftWatcher"),
		debounce: 500 * time.Millisecond,
	}
}

// Start begins watching. Watches the parent directory rather than the
// file itself, because atomic replaces swap the inode out from under a
// per-file watch.
func (w *DriftWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	w.watcher = watcher

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.loop(loopCtx, watcher)

	w.logger.Info("drift watcher started", "path", w.path)
	return nil
}

// Close stops the watcher and waits for the loop to exit.
func (w *DriftWatcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	watcher := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *DriftWatcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer w.wg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReport := func(op fsnotify.Op) {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			// An in-flight apply writes the file itself; only quiet-state
			// changes count as drift.
			if w.engine.InProgress() {
				return
			}
			w.logger.Warn("managed configuration changed outside an apply",
				"path", w.path, "op", op.String())
			recordDrift()
		})
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				if w.engine.InProgress() {
					continue
				}
				scheduleReport(event.Op)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("drift watch error", "error", err)
		}
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce collapses editor save bursts into one reload.
const DefaultWatchDebounce = 750 * time.Millisecond

// Watcher reloads the config file on change and hands valid results to a
// callback. Invalid files are logged and ignored so the last good config
// stays in effect.
//
// # Thread Safety
//
// Start and Stop may be called from any goroutine. The callback runs on
// a timer goroutine, one reload at a time.
type Watcher struct {
	path     string
	getenv   func(string) string
	onChange func(Config)
	debounce time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	reloadMu sync.Mutex
	timer    *time.Timer
	fs       *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// WatchOption configures a Watcher.
type WatchOption func(*Watcher)

// WithDebounce sets the reload debounce window.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger sets the logger.
func WithWatchLogger(logger *slog.Logger) WatchOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithEnv overrides the environment lookup used on reload.
func WithEnv(getenv func(string) string) WatchOption {
	return func(w *Watcher) {
		if getenv != nil {
			w.getenv = getenv
		}
	}
}

// NewWatcher creates a watcher for path. Call Start to begin.
func NewWatcher(path string, onChange func(Config), opts ...WatchOption) (*Watcher, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("config path required")
	}
	if onChange == nil {
		return nil, errors.New("onChange must not be nil")
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		onChange: onChange,
		debounce: DefaultWatchDebounce,
		logger:   slog.Default(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(slog.String("component", "config_watcher"), slog.String("path", w.path))
	return w, nil
}

// Start watches the file's directory. Editors that replace the file via
// rename would otherwise drop a watch on the file itself.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fs != nil {
		return nil
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fs.Add(filepath.Dir(w.path)); err != nil {
		_ = fs.Close()
		return err
	}
	w.fs = fs
	go w.loop(fs)
	w.logger.Info("watching config for changes")
	return nil
}

// Stop ends watching. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		if w.fs != nil {
			_ = w.fs.Close()
			w.fs = nil
		}
	})
}

func (w *Watcher) loop(fs *fsnotify.Watcher) {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			w.schedule()
		case err, ok := <-fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.stopCh:
		return
	default:
	}
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	cfg, err := Load(w.path, w.getenv)
	if err != nil {
		w.logger.Warn("config reload rejected, keeping previous", slog.String("error", err.Error()))
		return
	}
	w.logger.Info("config reloaded", slog.Float64("min_confidence", cfg.Routing.MinConfidence))
	w.onChange(cfg)
}

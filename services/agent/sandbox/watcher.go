// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sandbox

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Change is one observed filesystem event inside the sandbox, with the
// path relative to the root.
type Change struct {
	Path string
	Op   string
	Time time.Time
}

// ChangeHandler receives sandbox changes. Called from a single goroutine.
type ChangeHandler func(change Change)

// Watcher reports out-of-band modifications inside the sandbox (anything
// not performed by a tool handler looks the same to the kernel, so the
// consumer correlates with tool activity in the audit trail). New
// subdirectories are added to the watch set as they appear.
type Watcher struct {
	root    *Root
	watcher *fsnotify.Watcher
	handler ChangeHandler
	logger  *slog.Logger
}

// NewWatcher builds a watcher over root delivering events to handler.
func NewWatcher(root *Root, handler ChangeHandler, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{root: root, watcher: fsw, handler: handler, logger: logger}
	if err := w.addRecursive(root.Dir()); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run pumps events until ctx is cancelled. Blocking; run on a goroutine.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.dispatch(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("sandbox watcher error", "error", err)
		}
	}
}

func (w *Watcher) dispatch(event fsnotify.Event) {
	rel, err := filepath.Rel(w.root.Dir(), event.Name)
	if err != nil || SkipDir(filepath.Base(event.Name)) {
		return
	}

	// Newly created directories join the watch set.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				w.logger.Warn("watch new directory", "path", rel, "error", err)
			}
		}
	}

	op := opString(event.Op)
	if op == "" {
		return
	}
	if w.handler != nil {
		w.handler(Change{Path: rel, Op: op, Time: time.Now()})
	}
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && SkipDir(d.Name()) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func opString(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	default:
		return ""
	}
}

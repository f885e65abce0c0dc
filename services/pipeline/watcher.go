// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// Definition Watcher
// =============================================================================

// DefinitionWatcher watches a directory of pipeline definition YAML files
// and creates and triggers a pipeline for every new or rewritten file.
// Invalid definitions are logged and skipped; they never stop the watch.
//
// # Thread Safety
//
// Safe for concurrent use. Start should only be called once.
type DefinitionWatcher struct {
	dir     string
	engine  *Engine
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewDefinitionWatcher creates a watcher over the given directory.
func NewDefinitionWatcher(dir string, engine *Engine) (*DefinitionWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &DefinitionWatcher{
		dir:     dir,
		engine:  engine,
		watcher: watcher,
		logger:  slog.Default(),
	}, nil
}

// Start begins watching. Blocks until the context is cancelled; run it in
// a goroutine.
func (w *DefinitionWatcher) Start(ctx context.Context) {
	defer w.watcher.Close()

	if err := w.watcher.Add(w.dir); err != nil {
		w.logger.Error("pipeline.watcher: cannot watch definitions directory",
			"dir", w.dir, "error", err)
		return
	}
	w.logger.Info("pipeline.watcher: watching definitions", "dir", w.dir)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("pipeline.watcher: watch error", "error", err)

		case <-ctx.Done():
			w.logger.Debug("pipeline.watcher: stopping")
			return
		}
	}
}

func (w *DefinitionWatcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if !isDefinitionFile(event.Name) {
		return
	}

	def, err := LoadDefinition(event.Name)
	if err != nil {
		w.logger.Warn("pipeline.watcher: unreadable definition",
			"path", event.Name, "error", err)
		return
	}

	p, err := w.engine.CreatePipeline(ctx, def)
	if err != nil {
		w.logger.Warn("pipeline.watcher: invalid definition",
			"path", event.Name, "error", err)
		return
	}
	if err := w.engine.Trigger(ctx, p.ID); err != nil {
		w.logger.Warn("pipeline.watcher: trigger failed",
			"pipeline_id", p.ID, "error", err)
		return
	}
	w.logger.Info("pipeline.watcher: triggered pipeline from definition",
		"pipeline_id", p.ID, "name", p.Name, "path", event.Name)
}

func isDefinitionFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

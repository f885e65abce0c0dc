// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDefinitionFile(t *testing.T) {
	assert.True(t, isDefinitionFile("deploy.yaml"))
	assert.True(t, isDefinitionFile("deploy.YML"))
	assert.False(t, isDefinitionFile("deploy.json"))
	assert.False(t, isDefinitionFile("deploy.yaml.swp"))
}

func TestDefinitionWatcher_TriggersOnNewFile(t *testing.T) {
	h := newHarness(t, false)
	defsDir := t.TempDir()

	w, err := NewDefinitionWatcher(defsDir, h.engine)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	// Give the watch a moment to attach before writing
	time.Sleep(100 * time.Millisecond)

	def := fmt.Sprintf("name: watched\nsource: %s\nstages:\n  - name: build\n    type: build\n    commands: [\"true\"]\n", t.TempDir())
	require.NoError(t, os.WriteFile(filepath.Join(defsDir, "watched.yaml"), []byte(def), 0640))

	require.Eventually(t, func() bool {
		all, err := h.engine.ListPipelines(ctx, ListFilter{Name: "watched"})
		if err != nil || len(all) == 0 {
			return false
		}
		return all[0].Status.Terminal()
	}, 5*time.Second, 50*time.Millisecond)
}

func TestDefinitionWatcher_SkipsInvalidFiles(t *testing.T) {
	h := newHarness(t, false)
	defsDir := t.TempDir()

	w, err := NewDefinitionWatcher(defsDir, h.engine)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	time.Sleep(100 * time.Millisecond)

	// Missing required source; logged and skipped, watcher keeps going
	require.NoError(t, os.WriteFile(filepath.Join(defsDir, "bad.yaml"),
		[]byte("name: bad\n"), 0640))
	// Not a definition extension at all
	require.NoError(t, os.WriteFile(filepath.Join(defsDir, "notes.txt"),
		[]byte("name: ignored\n"), 0640))

	def := fmt.Sprintf("name: good\nsource: %s\nstages:\n  - name: build\n    type: build\n    commands: [\"true\"]\n", t.TempDir())
	require.NoError(t, os.WriteFile(filepath.Join(defsDir, "good.yaml"), []byte(def), 0640))

	require.Eventually(t, func() bool {
		all, err := h.engine.ListPipelines(ctx, ListFilter{Name: "good"})
		return err == nil && len(all) > 0
	}, 5*time.Second, 50*time.Millisecond)

	all, err := h.engine.ListPipelines(ctx, ListFilter{})
	require.NoError(t, err)
	for _, p := range all {
		assert.NotEqual(t, "bad", p.Name)
		assert.NotEqual(t, "ignored", p.Name)
	}
}

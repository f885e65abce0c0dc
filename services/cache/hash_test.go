// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, content, 0640))
}

func TestHashFile_Deterministic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.bin")
	writeFile(t, path, []byte("build output"))

	h1, err := HashFile(path)
	require.NoError(t, err)
	h2, err := HashFile(path)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64) // hex-encoded 256-bit digest
}

func TestHashFile_ContentSensitive(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.bin")
	b := filepath.Join(dir, "b.bin")
	writeFile(t, a, []byte("version one"))
	writeFile(t, b, []byte("version two"))

	ha, err := HashFile(a)
	require.NoError(t, err)
	hb, err := HashFile(b)
	require.NoError(t, err)

	assert.NotEqual(t, ha, hb)
}

func TestHashFile_Missing(t *testing.T) {
	_, err := HashFile(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestHashDirectory_Deterministic(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "src", "main.go"), []byte("package main"))
	writeFile(t, filepath.Join(dir, "go.mod"), []byte("module demo"))

	h1, err := HashDirectory(dir)
	require.NoError(t, err)
	h2, err := HashDirectory(dir)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHashDirectory_SameContentSameHash(t *testing.T) {
	// Two directories with identical relative layout and contents hash
	// identically even though their absolute paths differ.
	dirA := t.TempDir()
	dirB := t.TempDir()
	for _, dir := range []string{dirA, dirB} {
		writeFile(t, filepath.Join(dir, "lib", "util.go"), []byte("package lib"))
		writeFile(t, filepath.Join(dir, "README"), []byte("docs"))
	}

	ha, err := HashDirectory(dirA)
	require.NoError(t, err)
	hb, err := HashDirectory(dirB)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestHashDirectory_RenameChangesHash(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "one.txt"), []byte("same content"))
	h1, err := HashDirectory(dir)
	require.NoError(t, err)

	require.NoError(t, os.Rename(filepath.Join(dir, "one.txt"), filepath.Join(dir, "two.txt")))
	h2, err := HashDirectory(dir)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestHashDirectory_EditChangesHash(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "cfg.yaml"), []byte("a: 1"))
	h1, err := HashDirectory(dir)
	require.NoError(t, err)

	writeFile(t, filepath.Join(dir, "cfg.yaml"), []byte("a: 2"))
	h2, err := HashDirectory(dir)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestHashSource_Dispatch(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "only.txt")
	writeFile(t, file, []byte("payload"))

	fileHash, err := HashSource(file)
	require.NoError(t, err)
	direct, err := HashFile(file)
	require.NoError(t, err)
	assert.Equal(t, direct, fileHash)

	dirHash, err := HashSource(dir)
	require.NoError(t, err)
	walked, err := HashDirectory(dir)
	require.NoError(t, err)
	assert.Equal(t, walked, dirHash)
}

func TestHashBytes(t *testing.T) {
	assert.Equal(t, HashBytes([]byte("x")), HashBytes([]byte("x")))
	assert.NotEqual(t, HashBytes([]byte("x")), HashBytes([]byte("y")))
}

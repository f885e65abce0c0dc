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

func TestParseCompression(t *testing.T) {
	for _, valid := range []string{"none", "gzip", "lz4"} {
		algo, err := ParseCompression(valid)
		require.NoError(t, err)
		assert.Equal(t, Compression(valid), algo)
	}

	_, err := ParseCompression("zstd")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "compression", verr.Field)
}

func TestCompression_Extension(t *testing.T) {
	assert.Equal(t, ".tar", CompressionNone.Extension())
	assert.Equal(t, ".tar.gz", CompressionGzip.Extension())
	assert.Equal(t, ".tar.lz4", CompressionLZ4.Extension())
}

// Round-trip integrity: bytes stored through any codec come back identical.
func TestRoundTrip_SingleFile(t *testing.T) {
	for _, algo := range []Compression{CompressionNone, CompressionGzip, CompressionLZ4} {
		t.Run(string(algo), func(t *testing.T) {
			workDir := t.TempDir()
			src := filepath.Join(workDir, "binary.out")
			content := []byte("compiled artifact bytes \x00\x01\x02 with binary data")
			writeFile(t, src, content)

			archive := filepath.Join(workDir, "artifact"+algo.Extension())
			size, err := compressPath(src, archive, algo)
			require.NoError(t, err)
			assert.Greater(t, size, int64(0))

			target := filepath.Join(workDir, "restored.out")
			require.NoError(t, decompressPath(archive, target, algo))

			restored, err := os.ReadFile(target)
			require.NoError(t, err)
			assert.Equal(t, content, restored)
		})
	}
}

func TestRoundTrip_Directory(t *testing.T) {
	for _, algo := range []Compression{CompressionNone, CompressionGzip, CompressionLZ4} {
		t.Run(string(algo), func(t *testing.T) {
			workDir := t.TempDir()
			src := filepath.Join(workDir, "build")
			writeFile(t, filepath.Join(src, "bin", "app"), []byte("executable"))
			writeFile(t, filepath.Join(src, "lib", "dep.so"), []byte("shared object"))
			writeFile(t, filepath.Join(src, "version.txt"), []byte("1.2.3"))

			archive := filepath.Join(workDir, "build"+algo.Extension())
			_, err := compressPath(src, archive, algo)
			require.NoError(t, err)

			target := filepath.Join(workDir, "restored")
			require.NoError(t, os.MkdirAll(target, 0750))
			require.NoError(t, decompressPath(archive, target, algo))

			for rel, want := range map[string]string{
				"bin/app":     "executable",
				"lib/dep.so":  "shared object",
				"version.txt": "1.2.3",
			} {
				got, err := os.ReadFile(filepath.Join(target, filepath.FromSlash(rel)))
				require.NoError(t, err, rel)
				assert.Equal(t, want, string(got), rel)
			}
		})
	}
}

func TestDecompress_TrailingSeparatorMeansDirectory(t *testing.T) {
	workDir := t.TempDir()
	src := filepath.Join(workDir, "report.xml")
	writeFile(t, src, []byte("<tests/>"))

	archive := filepath.Join(workDir, "a.tar")
	_, err := compressPath(src, archive, CompressionNone)
	require.NoError(t, err)

	// Target doesn't exist but the trailing separator marks it a directory
	target := filepath.Join(workDir, "out") + string(os.PathSeparator)
	require.NoError(t, decompressPath(archive, target, CompressionNone))

	got, err := os.ReadFile(filepath.Join(workDir, "out", "report.xml"))
	require.NoError(t, err)
	assert.Equal(t, "<tests/>", string(got))
}

func TestSafeJoin_RejectsTraversal(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{"../evil", "..", "/abs/path", "a/../../evil"} {
		_, err := safeJoin(dir, name)
		assert.Error(t, err, name)
	}

	ok, err := safeJoin(dir, "nested/fine.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "nested", "fine.txt"), ok)
}

func TestCompressPath_MissingSource(t *testing.T) {
	workDir := t.TempDir()
	_, err := compressPath(filepath.Join(workDir, "nope"), filepath.Join(workDir, "out.tar"), CompressionNone)
	assert.Error(t, err)
}

// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
)

// =============================================================================
// Compression Codecs
// =============================================================================

// Compression selects the codec applied to archived artifacts.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionLZ4  Compression = "lz4"
)

// ParseCompression validates a compression algorithm name.
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case CompressionNone, CompressionGzip, CompressionLZ4:
		return Compression(s), nil
	}
	return "", &ValidationError{Field: "compression", Reason: fmt.Sprintf("unknown compression %q", s)}
}

// Extension returns the artifact filename extension for the codec.
func (c Compression) Extension() string {
	switch c {
	case CompressionGzip:
		return ".tar.gz"
	case CompressionLZ4:
		return ".tar.lz4"
	default:
		return ".tar"
	}
}

// =============================================================================
// Archive Writing
//
// Artifacts are stored as tar archives regardless of whether the source is
// a single file or a directory, then run through the selected codec. The
// tar layer preserves relative paths and file modes so a directory round
// trips byte-identically.
// =============================================================================

// Archive packs src (file or directory) into dst using the given codec
// and returns the size of the written artifact. Exposed for callers that
// produce archives outside the managed cache, like pipeline packaging.
func Archive(src, dst string, algo Compression) (int64, error) {
	return compressPath(src, dst, algo)
}

// Extract unpacks the archive at src to target, inferring directory
// versus single-file extraction the same way Retrieve does.
func Extract(src, target string, algo Compression) error {
	return decompressPath(src, target, algo)
}

// compressPath archives src (file or directory) into dst using the given
// codec and returns the size of the written artifact.
func compressPath(src, dst string, algo Compression) (int64, error) {
	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	var compressed io.WriteCloser
	switch algo {
	case CompressionGzip:
		compressed = gzip.NewWriter(out)
	case CompressionLZ4:
		compressed = lz4.NewWriter(out)
	default:
		compressed = nopWriteCloser{out}
	}

	tw := tar.NewWriter(compressed)
	if err := writeArchive(tw, src); err != nil {
		tw.Close()
		compressed.Close()
		return 0, err
	}
	if err := tw.Close(); err != nil {
		compressed.Close()
		return 0, fmt.Errorf("finalize archive: %w", err)
	}
	if err := compressed.Close(); err != nil {
		return 0, fmt.Errorf("finalize codec: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("close %s: %w", dst, err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", dst, err)
	}
	return info.Size(), nil
}

func writeArchive(tw *tar.Writer, src string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	if !info.IsDir() {
		return writeArchiveFile(tw, src, filepath.Base(src), info)
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(src, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		fi, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		name := filepath.ToSlash(rel)
		if d.IsDir() {
			hdr := &tar.Header{
				Name:     name + "/",
				Typeflag: tar.TypeDir,
				Mode:     int64(fi.Mode().Perm()),
				ModTime:  fi.ModTime(),
			}
			return tw.WriteHeader(hdr)
		}
		if !d.Type().IsRegular() {
			// Symlinks and special files are not cached
			return nil
		}
		return writeArchiveFile(tw, path, name, fi)
	})
}

func writeArchiveFile(tw *tar.Writer, path, name string, info fs.FileInfo) error {
	hdr := &tar.Header{
		Name:    name,
		Size:    info.Size(),
		Mode:    int64(info.Mode().Perm()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("archive %s: %w", name, err)
	}
	return nil
}

// =============================================================================
// Archive Extraction
// =============================================================================

// decompressPath extracts the archive at src to target. Whether target is
// treated as a directory or a single file is inferred: an existing
// directory or a trailing path separator means directory extraction;
// otherwise the archive's single file is written to target directly.
func decompressPath(src, target string, algo Compression) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	var decompressed io.Reader
	switch algo {
	case CompressionGzip:
		gz, gzErr := gzip.NewReader(in)
		if gzErr != nil {
			return fmt.Errorf("gzip reader %s: %w", src, gzErr)
		}
		defer gz.Close()
		decompressed = gz
	case CompressionLZ4:
		decompressed = lz4.NewReader(in)
	default:
		decompressed = in
	}

	tr := tar.NewReader(decompressed)
	if targetIsDirectory(target) {
		return extractToDirectory(tr, target)
	}
	return extractSingleFile(tr, target)
}

func targetIsDirectory(target string) bool {
	if strings.HasSuffix(target, string(os.PathSeparator)) || strings.HasSuffix(target, "/") {
		return true
	}
	info, err := os.Stat(target)
	return err == nil && info.IsDir()
}

func extractToDirectory(tr *tar.Reader, dir string) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		dst, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dst, fs.FileMode(hdr.Mode).Perm()|0700); err != nil {
				return fmt.Errorf("create %s: %w", dst, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
				return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
			}
			if err := writeExtractedFile(tr, dst, fs.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		}
	}
}

func extractSingleFile(tr *tar.Reader, target string) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return fmt.Errorf("archive has no file entry for %s", target)
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
		}
		return writeExtractedFile(tr, target, fs.FileMode(hdr.Mode).Perm())
	}
}

func writeExtractedFile(r io.Reader, dst string, mode fs.FileMode) error {
	if mode == 0 {
		mode = 0640
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("extract %s: %w", dst, err)
	}
	return f.Close()
}

// safeJoin joins name under dir, rejecting entries that would escape it.
func safeJoin(dir, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("archive entry %q escapes extraction directory", name)
	}
	return filepath.Join(dir, cleaned), nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

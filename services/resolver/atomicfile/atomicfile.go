// Copyright (C) 2026 Resolvetech Systems (dev@resolvetech.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package atomicfile provides crash-safe file persistence.
//
// Every durable file mutated by the resolver engine goes through
// WriteFile: the payload lands in a sibling temporary file in the
// target directory, is fsynced, and is renamed into place as the
// final step. An observer either sees the old content or the new
// content, never a partial write.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// tempPrefix and tempSuffix bracket the names of in-flight temporary
// files so CleanupStale can identify orphans left by a crash.
const (
	tempPrefix = ".upstreamd-"
	tempSuffix = ".tmp"
)

// WriteFile atomically replaces the content of path with data.
//
// Description:
//
//	Writes data to a temporary file in the same directory as path,
//	fsyncs it, and renames it over path. Parent directories are
//	created as needed. On any failure the prior content of path (or
//	its absence) is unchanged and the temporary file is removed.
//
// Inputs:
//
//	path - Destination file path. Must not be empty.
//	data - Full content to persist. May be empty.
//	perm - File mode applied to the final file.
//
// Outputs:
//
//	error - Non-nil if directory creation, write, sync, or rename fails.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	if path == "" {
		return fmt.Errorf("atomicfile: path must not be empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("atomicfile: create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*"+tempSuffix)
	if err != nil {
		return fmt.Errorf("atomicfile: create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	// Remove the temp artifact unless the rename below succeeded.
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicfile: write %s: %w", path, err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicfile: sync %s: %w", path, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("atomicfile: close temp for %s: %w", path, err)
	}

	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("atomicfile: chmod temp for %s: %w", path, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("atomicfile: rename into %s: %w", path, err)
	}

	success = true
	return nil
}

// Remove deletes path, treating absence as success.
//
// Restoring a snapshot that captured a file as absent needs to delete
// the file that exists now; a file that is already gone is fine.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("atomicfile: remove %s: %w", path, err)
	}
	return nil
}

// CleanupStale removes orphaned temporary files from dir.
//
// Description:
//
//	A crash between temp-file creation and rename leaves a stray
//	".upstreamd-*.tmp" entry behind. CleanupStale sweeps them so
//	directory listings stay clean. Called on engine startup for each
//	directory it owns.
//
// Outputs:
//
//	int   - Number of stale files removed.
//	error - Non-nil if the directory cannot be read. Individual
//	        remove failures are skipped, not fatal.
func CleanupStale(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("atomicfile: read directory %s: %w", dir, err)
	}

	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, tempPrefix) || !strings.HasSuffix(name, tempSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err == nil {
			removed++
		}
	}
	return removed, nil
}

// Copyright (C) 2026 Resolvetech Systems (dev@resolvetech.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package snapshot captures and restores the resolver engine's durable
// state as a unit.
//
// A snapshot is taken at the start of every apply attempt, before any
// mutation. It records the byte content of each managed file -- or the
// fact that the file was absent, which is a distinct state from empty.
// Restoration rewrites every captured file through the atomic
// persistence primitive.
//
// On-disk layout: one directory per snapshot under the store root,
// holding one content file per captured-present logical file plus a
// manifest.json written last. A directory without a manifest is an
// aborted capture and is ignored by List.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/resolvetech/upstreamd/services/resolver/atomicfile"
)

// manifestName is the file that finalizes a snapshot directory.
const manifestName = "manifest.json"

// idFormat yields identifiers that sort lexicographically by capture
// time, which is what retention pruning and List ordering rely on.
const idFormat = "20060102T150405.000"

// Sentinel errors.
var (
	// ErrNotFound indicates the snapshot id does not exist in the store.
	ErrNotFound = errors.New("snapshot not found")

	// ErrRestoreIncomplete indicates at least one captured file could not
	// be written back. The durable state is ambiguous; callers must treat
	// this as fatal.
	ErrRestoreIncomplete = errors.New("snapshot restore incomplete")
)

// FileState is the captured state of one logical file.
type FileState struct {
	// Present is false when the file did not exist at capture time.
	Present bool

	// Path is the durable location the capture was read from and the
	// restore writes back to.
	Path string

	// Content is the captured byte content. Empty and absent are
	// different states; Content is meaningful only when Present.
	Content []byte
}

// Snapshot is an immutable capture of the durable state prior to an
// apply attempt. Files are keyed by logical name ("managed-config",
// "descriptor"), not by path, so layouts can move without invalidating
// old captures.
type Snapshot struct {
	ID         string
	CapturedAt time.Time
	Files      map[string]FileState
}

// Meta is the listing form of a snapshot, returned to operators.
type Meta struct {
	ID         string    `json:"id"`
	CapturedAt time.Time `json:"captured_at"`
	FileCount  int       `json:"file_count"`
}

// manifest is the JSON persisted per snapshot.
type manifest struct {
	ID         string                  `json:"id"`
	CapturedAt time.Time               `json:"captured_at"`
	Files      map[string]manifestFile `json:"files"`
}

type manifestFile struct {
	Present     bool   `json:"present"`
	Path        string `json:"path"`
	ContentFile string `json:"content_file,omitempty"`
	Size        int64  `json:"size"`
}

// Store owns durable snapshot storage across apply attempts.
//
// Thread Safety: all methods are safe for concurrent use. Capture
// serializes id generation so two captures in the same millisecond
// still get distinct, ordered identifiers.
type Store struct {
	root   string
	logger *slog.Logger

	mu     sync.Mutex
	lastID string
	seq    int
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("snapshot: store directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create store directory %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: dir, logger: logger.With("component", "snapshot.Store")}, nil
}

// Capture reads the current content of each named durable file and
// persists the capture under a fresh identifier.
//
// Description:
//
//	files maps logical names to durable paths. A missing file is a
//	valid captured state. Any read or persist failure aborts the
//	capture; a half-written snapshot directory is removed and never
//	gains a manifest, so it can never be restored from.
//
// Outputs:
//
//	*Snapshot - The completed capture.
//	error     - Non-nil on any read or persist failure.
func (s *Store) Capture(files map[string]string) (*Snapshot, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("snapshot: nothing to capture")
	}

	snap := &Snapshot{
		ID:         s.nextID(),
		CapturedAt: time.Now().UTC(),
		Files:      make(map[string]FileState, len(files)),
	}

	for logical, path := range files {
		content, err := os.ReadFile(path)
		switch {
		case err == nil:
			snap.Files[logical] = FileState{Present: true, Path: path, Content: content}
		case os.IsNotExist(err):
			snap.Files[logical] = FileState{Present: false, Path: path}
		default:
			return nil, fmt.Errorf("snapshot: read %s (%s): %w", logical, path, err)
		}
	}

	if err := s.persist(snap); err != nil {
		os.RemoveAll(s.dir(snap.ID))
		return nil, err
	}

	s.logger.Info("snapshot captured", "snapshot_id", snap.ID, "files", len(snap.Files))
	return snap, nil
}

// Restore rewrites every captured logical file back to its captured
// content, or removes it if the capture recorded absence.
//
// Description:
//
//	One file failing does not abort the others; all captured files get
//	a restore attempt. The overall result is nil only if every file
//	was restored. A partial restore wraps ErrRestoreIncomplete -- the
//	durable state is then ambiguous and the caller must escalate.
func (s *Store) Restore(id string) error {
	snap, err := s.Load(id)
	if err != nil {
		return err
	}

	var failures []error
	for logical, state := range snap.Files {
		var restoreErr error
		if state.Present {
			restoreErr = atomicfile.WriteFile(state.Path, state.Content, 0o644)
		} else {
			restoreErr = atomicfile.Remove(state.Path)
		}
		if restoreErr != nil {
			s.logger.Error("snapshot file restore failed",
				"snapshot_id", id,
				"file", logical,
				"error", restoreErr)
			failures = append(failures, fmt.Errorf("%s: %w", logical, restoreErr))
		}
	}

	if len(failures) > 0 {
		return fmt.Errorf("%w (%s): %w", ErrRestoreIncomplete, id, errors.Join(failures...))
	}

	s.logger.Info("snapshot restored", "snapshot_id", id, "files", len(snap.Files))
	return nil
}

// Load reads a snapshot back from the store.
func (s *Store) Load(id string) (*Snapshot, error) {
	if strings.ContainsAny(id, "/\\") || id == "" || strings.HasPrefix(id, ".") {
		return nil, fmt.Errorf("%w: invalid id %q", ErrNotFound, id)
	}

	data, err := os.ReadFile(filepath.Join(s.dir(id), manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("snapshot: read manifest %s: %w", id, err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("snapshot: parse manifest %s: %w", id, err)
	}

	snap := &Snapshot{ID: m.ID, CapturedAt: m.CapturedAt, Files: make(map[string]FileState, len(m.Files))}
	for logical, mf := range m.Files {
		state := FileState{Present: mf.Present, Path: mf.Path}
		if mf.Present {
			content, err := os.ReadFile(filepath.Join(s.dir(id), mf.ContentFile))
			if err != nil {
				return nil, fmt.Errorf("snapshot: read content of %s in %s: %w", logical, id, err)
			}
			state.Content = content
		}
		snap.Files[logical] = state
	}
	return snap, nil
}

// List returns snapshot metadata, newest first.
func (s *Store) List() ([]Meta, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read store root: %w", err)
	}

	var metas []Meta
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, entry.Name(), manifestName))
		if err != nil {
			// Aborted capture or foreign directory; skip.
			continue
		}
		var m manifest
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		metas = append(metas, Meta{ID: m.ID, CapturedAt: m.CapturedAt, FileCount: len(m.Files)})
	}

	// Ids sort lexicographically by capture time; newest first.
	sort.Slice(metas, func(i, j int) bool { return metas[i].ID > metas[j].ID })
	return metas, nil
}

// Prune removes the oldest snapshots so at most keep remain.
//
// Returns the number of snapshots removed. keep < 0 prunes nothing.
func (s *Store) Prune(keep int) (int, error) {
	if keep < 0 {
		return 0, nil
	}
	metas, err := s.List()
	if err != nil {
		return 0, err
	}
	if len(metas) <= keep {
		return 0, nil
	}

	removed := 0
	for _, meta := range metas[keep:] {
		if err := os.RemoveAll(s.dir(meta.ID)); err != nil {
			s.logger.Warn("snapshot prune failed", "snapshot_id", meta.ID, "error", err)
			continue
		}
		removed++
	}
	s.logger.Info("snapshots pruned", "removed", removed, "kept", keep)
	return removed, nil
}

// persist writes content files first and the manifest last, so the
// manifest's existence marks a complete capture.
func (s *Store) persist(snap *Snapshot) error {
	dir := s.dir(snap.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot: create %s: %w", dir, err)
	}

	m := manifest{ID: snap.ID, CapturedAt: snap.CapturedAt, Files: make(map[string]manifestFile, len(snap.Files))}
	for logical, state := range snap.Files {
		mf := manifestFile{Present: state.Present, Path: state.Path}
		if state.Present {
			mf.ContentFile = contentFileName(logical)
			mf.Size = int64(len(state.Content))
			if err := atomicfile.WriteFile(filepath.Join(dir, mf.ContentFile), state.Content, 0o644); err != nil {
				return fmt.Errorf("snapshot: persist %s: %w", logical, err)
			}
		}
		m.Files[logical] = mf
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal manifest: %w", err)
	}
	if err := atomicfile.WriteFile(filepath.Join(dir, manifestName), data, 0o644); err != nil {
		return fmt.Errorf("snapshot: persist manifest: %w", err)
	}
	return nil
}

func (s *Store) dir(id string) string {
	return filepath.Join(s.root, id)
}

// nextID returns a fresh identifier that sorts after every id this
// store has handed out, even within the same millisecond. The store
// root is shared between the daemon and the CLI, so an id is only
// committed once its directory is confirmed free on disk.
func (s *Store) nextID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := time.Now().UTC().Format(idFormat)
	if base == s.lastID {
		s.seq++
	} else {
		s.lastID = base
		s.seq = 0
	}

	for {
		id := base
		if s.seq > 0 {
			id = fmt.Sprintf("%s_%02d", base, s.seq)
		}
		if _, err := os.Stat(s.dir(id)); err != nil {
			return id
		}
		// Another store handle on the same root got here first.
		s.seq++
	}
}

// contentFileName maps a logical name to a safe file name inside the
// snapshot directory.
func contentFileName(logical string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, logical)
	return sanitized + ".bin"
}

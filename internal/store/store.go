// Package store persists WorkOrders, Runs, and Workspaces as one JSON file
// per entity under an application directory, the way the teacher's
// internal/engine/state.go persists StationStatus — generalized from "one
// status file per concern name" to "one file per entity id, three entity
// kinds."
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store is a directory-backed JSON file store for one entity kind.
type Store struct {
	dir string
}

// New creates (if needed) and returns a Store rooted at dir, with 0700
// permissions as spec.md §6 requires for the application directory.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating store dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save atomically writes v as <id>.json, via a temp-file-then-rename so a
// crash mid-write never leaves a truncated entity file.
func (s *Store) Save(id string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", id, err)
	}
	tmp, err := os.CreateTemp(s.dir, id+".json.tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", id, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing %s: %w", id, err)
	}
	if err := os.Rename(tmpPath, s.path(id)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming %s into place: %w", id, err)
	}
	return nil
}

// Load reads and unmarshals <id>.json into v. Returns os.ErrNotExist
// (wrapped) if the entity doesn't exist.
func (s *Store) Load(id string, v any) error {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return fmt.Errorf("loading %s: %w", id, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", id, err)
	}
	return nil
}

// Exists reports whether an entity with the given id has been saved.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}

// Delete removes an entity's file. Not an error if it doesn't exist.
func (s *Store) Delete(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting %s: %w", id, err)
	}
	return nil
}

// List returns the ids of all entities currently persisted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", s.dir, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		ids = append(ids, name[:len(name)-len(".json")])
	}
	return ids, nil
}

// Package store persists named collections as JSON documents under a
// data directory. Writes are atomic (tmp + rename) so a crash mid-write
// never corrupts a collection file.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bytedance/sonic"
)

// Store is a collection-per-file JSON store.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New creates a Store rooted at dir. The directory is created lazily on
// the first Save.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the data directory backing this store.
func (s *Store) Dir() string { return s.dir }

// Save writes v as the full contents of the named collection.
func (s *Store) Save(collection string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(collection, v)
}

func (s *Store) saveLocked(collection string, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal collection %s: %w", collection, err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	path := s.path(collection)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write tmp collection: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename collection: %w", err)
	}
	return nil
}

// Load reads the named collection into v. A missing or empty file is
// not an error; v is left untouched.
func (s *Store) Load(collection string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(collection, v)
}

func (s *Store) loadLocked(collection string, v any) error {
	data, err := os.ReadFile(s.path(collection))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read collection %s: %w", collection, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal collection %s: %w", collection, err)
	}
	return nil
}

// Append adds entry to a list-shaped collection, keeping only the most
// recent max entries. Used for the capped execution log.
func (s *Store) Append(collection string, entry any, max int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []json.RawMessage
	if err := s.loadLocked(collection, &entries); err != nil {
		return err
	}

	raw, err := sonic.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	entries = append(entries, raw)
	if max > 0 && len(entries) > max {
		entries = entries[len(entries)-max:]
	}

	return s.saveLocked(collection, entries)
}

func (s *Store) path(collection string) string {
	return filepath.Join(s.dir, collection+".json")
}

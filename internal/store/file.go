package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/types"
)

// FileStore persists each namespace as an indented JSON array in its own
// file. The format is plain structured data so a queue can be inspected
// with any text editor while debugging a stuck sync.
type FileStore struct {
	dir string
}

// NewFileStore creates or opens a file store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Load(namespace string) ([]*types.Item, error) {
	data, err := os.ReadFile(s.path(namespace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read queue file: %w", err)
	}

	var items []*types.Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse queue file: %w", err)
	}
	return items, nil
}

func (s *FileStore) Save(namespace string, items []*types.Item) error {
	if items == nil {
		items = []*types.Item{}
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}

	// Write to a temp file and rename so a crash mid-write leaves the
	// previous snapshot intact.
	tmp := s.path(namespace) + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		if isNoSpace(err) {
			return ErrQuotaExceeded
		}
		return fmt.Errorf("write queue file: %w", err)
	}
	if err := os.Rename(tmp, s.path(namespace)); err != nil {
		return fmt.Errorf("rename queue file: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) path(namespace string) string {
	return filepath.Join(s.dir, "queue-"+sanitize(namespace)+".json")
}

// sanitize maps a namespace to a safe file name component.
func sanitize(namespace string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		}
		return '_'
	}, namespace)
}

func isNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}

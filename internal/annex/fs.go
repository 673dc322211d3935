package annex

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FSStore keeps objects as files under a root directory.
type FSStore struct {
	root string
}

var _ Store = (*FSStore)(nil)

// NewFS returns a store rooted at root. The directory is created on first Put.
func NewFS(root string) *FSStore {
	return &FSStore{root: root}
}

// Name implements Store.
func (s *FSStore) Name() string { return "fs" }

// Root returns the store directory.
func (s *FSStore) Root() string { return s.root }

// Put implements Store. Objects are written to a temp file and renamed.
func (s *FSStore) Put(ctx context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	target := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create annex dir: %w", err)
	}
	tmp := target + ".partial"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write annex object: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit annex object: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// List implements Store.
func (s *FSStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == s.root {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".partial") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if hasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list annex: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// DeletePrefix implements Store. Directories emptied by the delete are
// removed up to the store root.
func (s *FSStore) DeletePrefix(_ context.Context, prefix string) error {
	p, err := cleanPrefix(prefix)
	if err != nil {
		return err
	}
	dir := filepath.Join(s.root, filepath.FromSlash(p))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete annex prefix %s: %w", p, err)
	}
	for parent := filepath.Dir(dir); parent != s.root && strings.HasPrefix(parent, s.root); parent = filepath.Dir(parent) {
		if os.Remove(parent) != nil {
			break
		}
	}
	return nil
}

func hasPrefix(key, prefix string) bool {
	prefix = strings.Trim(prefix, "/")
	return prefix == "" || key == prefix || strings.HasPrefix(key, prefix+"/")
}

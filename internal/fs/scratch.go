// Package fs manages the scratch directory where submitted scripts are
// written before they run.
package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

var (
	ErrPathTraversal = errors.New("path traversal not allowed")
	ErrNotFound      = errors.New("file not found")
)

// ScratchDir is a flat directory of short-lived script files
type ScratchDir struct {
	root string
	seq  atomic.Uint64
	now  func() time.Time
}

// NewScratchDir creates the directory if needed and returns a handle to it
func NewScratchDir(root string) (*ScratchDir, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	// Resolve symlinks in root to ensure consistent path comparisons
	// (e.g., on macOS /var -> /private/var)
	absRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		absRoot, err = filepath.Abs(root)
		if err != nil {
			return nil, err
		}
	}
	return &ScratchDir{root: absRoot, now: time.Now}, nil
}

// Root returns the directory path
func (s *ScratchDir) Root() string {
	return s.root
}

// resolvePath maps a file name to a path directly inside the directory
func (s *ScratchDir) resolvePath(name string) (string, error) {
	if name == "" || strings.Contains(name, "..") || strings.ContainsRune(name, filepath.Separator) || strings.ContainsRune(name, '/') {
		return "", ErrPathTraversal
	}
	full := filepath.Join(s.root, name)
	if !isPathWithin(full, s.root) || full == s.root {
		return "", ErrPathTraversal
	}
	return full, nil
}

// isPathWithin checks if path is equal to or inside root.
// This is safer than strings.HasPrefix which would incorrectly match
// /scratch-evil as being within /scratch.
func isPathWithin(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// WriteScript stores content under a unique name with the given extension
// and returns its absolute path
func (s *ScratchDir) WriteScript(ext string, content []byte) (string, error) {
	ext = strings.TrimPrefix(ext, ".")
	name := fmt.Sprintf("script-%d-%d.%s", s.now().UnixMilli(), s.seq.Add(1), ext)
	path, err := s.resolvePath(name)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, content, 0600); err != nil {
		return "", err
	}
	return path, nil
}

// Remove deletes one file by name
func (s *ScratchDir) Remove(name string) error {
	path, err := s.resolvePath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// Prune deletes regular files not modified within maxAge and returns how
// many were removed
func (s *ScratchDir) Prune(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := s.Remove(entry.Name()); err != nil {
			// Gone already, or a name we would never have written
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPathTraversal) {
				continue
			}
			return removed, err
		}
		removed++
	}
	return removed, nil
}

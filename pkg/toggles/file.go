package toggles

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

const fileLogPrefix = "toggles:file"

// fileDoc is the on-disk TOML layout:
//
//	[tools]
//	echo = true
//	sleep = false
type fileDoc struct {
	Tools map[string]bool `toml:"tools"`
}

// FileStore keeps toggles in a TOML file. The file is re-read when its
// modification time changes, so edits made by other processes are picked up.
type FileStore struct {
	path string

	mu      sync.Mutex
	toggles map[string]bool
	modTime time.Time
	size    int64
}

// NewFileStore creates a FileStore backed by path. A missing file means no toggles.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, toggles: map[string]bool{}}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reloadLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// IsEnabled reports the toggle for name, true if unset.
func (s *FileStore) IsEnabled(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reloadLocked(); err != nil {
		return true, err
	}
	enabled, ok := s.toggles[name]
	if !ok {
		return true, nil
	}
	return enabled, nil
}

// SetEnabled records the toggle and rewrites the file atomically.
func (s *FileStore) SetEnabled(_ context.Context, name string, enabled bool) error {
	if name == "" {
		return fmt.Errorf("%s - capability name is required", fileLogPrefix)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reloadLocked(); err != nil {
		return err
	}
	next := make(map[string]bool, len(s.toggles)+1)
	for k, v := range s.toggles {
		next[k] = v
	}
	next[name] = enabled
	if err := s.writeLocked(next); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%s - Set %s enabled=%v in %s", fileLogPrefix, name, enabled, s.path))
	return nil
}

// List returns a copy of all toggles.
func (s *FileStore) List(_ context.Context) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reloadLocked(); err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(s.toggles))
	for k, v := range s.toggles {
		out[k] = v
	}
	return out, nil
}

func (s *FileStore) reloadLocked() error {
	info, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.toggles = map[string]bool{}
		s.modTime = time.Time{}
		s.size = 0
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s - failed to stat %s: %w", fileLogPrefix, s.path, err)
	}
	if info.ModTime().Equal(s.modTime) && info.Size() == s.size {
		return nil
	}

	var doc fileDoc
	if _, err := toml.DecodeFile(s.path, &doc); err != nil {
		return fmt.Errorf("%s - failed to decode %s: %w", fileLogPrefix, s.path, err)
	}
	if doc.Tools == nil {
		doc.Tools = map[string]bool{}
	}
	s.toggles = doc.Tools
	s.modTime = info.ModTime()
	s.size = info.Size()
	slog.Debug(fmt.Sprintf("%s - Loaded %d toggles from %s", fileLogPrefix, len(s.toggles), s.path))
	return nil
}

func (s *FileStore) writeLocked(toggles map[string]bool) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%s - failed to create %s: %w", fileLogPrefix, dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".toggles-*.toml")
	if err != nil {
		return fmt.Errorf("%s - failed to create temp file: %w", fileLogPrefix, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := toml.NewEncoder(tmp).Encode(fileDoc{Tools: toggles}); err != nil {
		tmp.Close()
		return fmt.Errorf("%s - failed to encode toggles: %w", fileLogPrefix, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%s - failed to close temp file: %w", fileLogPrefix, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("%s - failed to replace %s: %w", fileLogPrefix, s.path, err)
	}

	s.toggles = toggles
	if info, err := os.Stat(s.path); err == nil {
		s.modTime = info.ModTime()
		s.size = info.Size()
	}
	return nil
}

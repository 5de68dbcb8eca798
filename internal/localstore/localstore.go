// Package localstore implements the local-disk fallback writer: the terminal
// safety net when the cloud path is unavailable. Files land under a fixed
// uploads root in a provider-specific per-volunteer layout and overwrite any
// existing file of the same name.
package localstore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// DirPerms is used when creating volunteer directories.
const DirPerms = 0o755

// FilePerms is used for fallback files.
const FilePerms = 0o644

// Store writes fallback files under a fixed root directory.
type Store struct {
	root   string
	logger *slog.Logger
}

// New creates a store rooted at root. The root itself is created lazily on
// first write.
func New(root string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{root: root, logger: logger}
}

// Root returns the uploads root directory.
func (s *Store) Root() string {
	return s.root
}

// Write persists data to <root>/<dir...>/<filename>, creating intermediate
// directories and overwriting an existing file of the same name. Returns the
// absolute path written.
func (s *Store) Write(dir []string, filename string, data []byte) (string, error) {
	target := filepath.Join(append([]string{s.root}, dir...)...)

	if err := os.MkdirAll(target, DirPerms); err != nil {
		return "", fmt.Errorf("localstore: creating %s: %w", target, err)
	}

	path := filepath.Join(target, filename)

	if err := os.WriteFile(path, data, FilePerms); err != nil {
		return "", fmt.Errorf("localstore: writing %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	s.logger.Info("file saved locally",
		slog.String("path", abs),
		slog.Int("size", len(data)),
	)

	return abs, nil
}

// Remove deletes a previously written fallback file. Used after the retry
// watcher confirms a cloud upload of the same payload.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("localstore: removing %s: %w", path, err)
	}

	return nil
}

package objstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LocalStore writes blobs under a root directory. PresignGet returns a
// server-relative /files/ path; the HTTP server serves the root there.
type LocalStore struct {
	root string
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates the root directory if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("objstore: create root %s: %w", root, err)
	}
	return &LocalStore{root: root}, nil
}

func (l *LocalStore) Put(_ context.Context, key string, data []byte, _ string) error {
	path := filepath.Join(l.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("objstore: mkdir for %s: %w", key, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("objstore: write %s: %w", key, err)
	}
	return nil
}

func (l *LocalStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "/files/" + key, nil
}

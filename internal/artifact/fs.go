package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FS stores artifacts on the local filesystem. Intended for
// single-node deployments and tests.
type FS struct {
	dir string
}

// NewFS roots the store at dir, creating it if needed.
func NewFS(dir string) (*FS, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &FS{dir: dir}, nil
}

func (f *FS) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path := filepath.Join(f.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	// Write-then-rename so a reclaimed job overwriting the same key
	// never leaves a torn artifact behind.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return path, nil
}

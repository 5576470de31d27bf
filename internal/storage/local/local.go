// Package local implements the filesystem archive backend. It suits single-node
// deployments and development; objects land under base_path using the key as a
// relative path.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gladgrade/portal/internal/config"
	"github.com/gladgrade/portal/internal/storage"
)

func init() {
	storage.Register("local", func(cfg *config.AuditArchiveConfig) (storage.Store, error) {
		return New(&cfg.Local)
	})
}

// LocalStore implements storage.Store on the local filesystem
type LocalStore struct {
	basePath string
}

// New creates the base directory if needed
func New(cfg *config.LocalArchiveConfig) (*LocalStore, error) {
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("local archive base_path is required")
	}
	if err := os.MkdirAll(cfg.BasePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &LocalStore{basePath: filepath.Clean(cfg.BasePath)}, nil
}

// resolve maps key to a path inside basePath and rejects keys that escape it.
func (s *LocalStore) resolve(key string) (string, error) {
	full := filepath.Join(s.basePath, filepath.FromSlash(key))
	if full != s.basePath && !strings.HasPrefix(full, s.basePath+string(filepath.Separator)) {
		return "", fmt.Errorf("archive key %q escapes base path", key)
	}
	return full, nil
}

// Put writes body to a temporary file and renames it into place so readers
// never observe a partial object.
func (s *LocalStore) Put(ctx context.Context, key string, body []byte, _ string) (*storage.Object, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("failed to move file into place: %w", err)
	}

	return &storage.Object{
		Key:      key,
		Size:     int64(len(body)),
		Checksum: storage.Checksum(body),
	}, nil
}

// Exists checks if key is present
func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(fullPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}
	return true, nil
}

package meta

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wharf-sh/wharf/internal/errors"
)

// Backend is the injected durable key-value layer beneath the Store.
// Implementations must return errors.ErrRecordNotFound from Load for
// missing keys.
type Backend interface {
	// Load retrieves the raw bytes for a key.
	Load(ctx context.Context, key string) ([]byte, error)

	// Save persists raw bytes under a key, replacing any previous value.
	Save(ctx context.Context, key string, data []byte) error

	// List returns all keys matching the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// FileBackend stores each record as a JSON file within a base directory,
// with keys using "/" as path separators. Writes are atomic
// (temp file + rename), so a reader never observes a torn record.
//
// Atomicity covers single files only: wharf assumes it is the sole process
// mutating the directory (single-instance semantics; see Store).
type FileBackend struct {
	baseDir string
}

// NewFileBackend creates a FileBackend rooted at the given directory.
// The directory will be created if it doesn't exist.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileBackend{baseDir: baseDir}, nil
}

// BaseDir returns the backing directory.
func (fb *FileBackend) BaseDir() string {
	return fb.baseDir
}

// Load retrieves data for the given key.
func (fb *FileBackend) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(fb.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to read record file: %w", err)
	}
	return data, nil
}

// Save persists data with the given key using an atomic write.
func (fb *FileBackend) Save(ctx context.Context, key string, data []byte) error {
	path := fb.keyToPath(key)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create record directory: %w", err)
	}

	return atomicWriteFile(path, data, 0644)
}

// List returns all keys under the base directory matching the prefix.
func (fb *FileBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.Walk(fb.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(fb.baseDir, path)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), ".json")
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return keys, nil
}

// keyToPath converts a key to a filesystem path.
func (fb *FileBackend) keyToPath(key string) string {
	return filepath.Join(fb.baseDir, filepath.FromSlash(key)+".json")
}

// atomicWriteFile writes data to a file atomically by writing to a temporary
// file first, then renaming. The target file is never observed in a
// partially-written state.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	// Create temp file in same directory to ensure atomic rename
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

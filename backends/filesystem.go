package backends

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chronosphereio/taskcache/codec"
	"github.com/chronosphereio/taskcache/locking"
)

// lockDirName holds the cross-process write locks under the cache root.
const lockDirName = ".taskcache-locks"

// FileSystem is a StorageManager that keeps each cache entry as a file under
// a root directory. It stores no separate hash metadata: GetHash decodes the
// stored bytes and recomputes the content hash.
type FileSystem struct {
	root   string // Absolute path to the cache root
	codec  codec.Codec
	hasher codec.HashGenerator
	locks  locking.Group
	logger *slog.Logger
}

// NewFileSystem creates a filesystem backend rooted at root, which must be an
// existing directory.
func NewFileSystem(root string, c codec.Codec, h codec.HashGenerator, logger *slog.Logger) (*FileSystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to stat cache root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("cache root %s is not a directory", absRoot)
	}

	locks, err := locking.NewFileLock(filepath.Join(absRoot, lockDirName))
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &FileSystem{
		root:   absRoot,
		codec:  c,
		hasher: h,
		locks:  locks,
		logger: logger,
	}, nil
}

// Root returns the absolute cache root.
func (fs *FileSystem) Root() string {
	return fs.root
}

func (fs *FileSystem) GetHash(path []string) (string, bool, error) {
	contents, found, err := fs.GetContents(path)
	if err != nil || !found {
		return "", found, err
	}

	value, err := fs.codec.Decode(contents, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to decode %s: %w", fs.filePath(path), err)
	}

	hash, err := fs.hasher.Hash(value)
	if err != nil {
		return "", false, fmt.Errorf("failed to hash %s: %w", fs.filePath(path), err)
	}
	return hash, true, nil
}

func (fs *FileSystem) GetContents(path []string) ([]byte, bool, error) {
	if _, err := JoinPath(path); err != nil {
		return nil, false, err
	}

	contents, err := os.ReadFile(fs.filePath(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read cache file: %w", err)
	}
	return contents, true, nil
}

func (fs *FileSystem) PutContents(path []string, contents []byte, hash string, overwrite bool) error {
	key, err := JoinPath(path)
	if err != nil {
		return err
	}

	return fs.locks.DoWithLock(key, func() error {
		diskPath := fs.filePath(path)

		if !overwrite {
			if _, err := os.Stat(diskPath); err == nil {
				fs.logger.Warn("cache entry already exists, not overwriting",
					"key", key,
					"hash", hash)
				return nil
			}
		}

		if err := os.MkdirAll(filepath.Dir(diskPath), 0o755); err != nil {
			return fmt.Errorf("failed to create cache directory: %w", err)
		}
		return writeFileAtomic(diskPath, contents)
	})
}

// writeFileAtomic writes to a temp file in the destination directory and
// renames it into place, so readers never observe a partial file.
func writeFileAtomic(diskPath string, contents []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(diskPath), filepath.Base(diskPath)+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	_, err = tmp.Write(contents)
	closeErr := tmp.Close()
	if err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close temp file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, diskPath); err != nil {
		return fmt.Errorf("failed to rename cache file: %w", err)
	}
	return nil
}

func (fs *FileSystem) filePath(path []string) string {
	return filepath.Join(append([]string{fs.root}, path...)...)
}

package locking

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FileLock is a Group implementation backed by advisory file locks, so it
// provides mutual exclusion across processes sharing lockDir. Lock files are
// named after a hash of the key and are left in place after use.
type FileLock struct {
	lockDir string
	mem     *MemLock
}

// NewFileLock creates a FileLock that keeps its lock files in lockDir.
func NewFileLock(lockDir string) (*FileLock, error) {
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FileLock{
		lockDir: lockDir,
		mem:     NewMemLock(),
	}, nil
}

func (f *FileLock) DoWithLock(key string, fn func() error) error {
	// flock locks are per file descriptor, so goroutines in this process
	// are serialized in memory first.
	return f.mem.DoWithLock(key, func() error {
		lock := flock.New(f.lockPath(key))
		if err := lock.Lock(); err != nil {
			return fmt.Errorf("failed to acquire file lock for %s: %w", key, err)
		}
		defer lock.Unlock()
		return fn()
	})
}

func (f *FileLock) lockPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(f.lockDir, hex.EncodeToString(sum[:])+".lock")
}

package backends

import (
	"log/slog"
	"strings"
)

// Debug wraps any StorageManager and logs every call at debug level.
// This keeps debug logging out of the backend implementations.
type Debug struct {
	backend StorageManager
	logger  *slog.Logger
}

// NewDebug creates a new debug wrapper around an existing backend.
func NewDebug(backend StorageManager, logger *slog.Logger) *Debug {
	if logger == nil {
		logger = slog.Default()
	}
	return &Debug{
		backend: backend,
		logger:  logger.With("component", "storage"),
	}
}

// Unwrap returns the wrapped backend.
func (d *Debug) Unwrap() StorageManager {
	return d.backend
}

func (d *Debug) GetHash(path []string) (string, bool, error) {
	key := strings.Join(path, PathSeparator)
	hash, found, err := d.backend.GetHash(path)
	switch {
	case err != nil:
		d.logger.Debug("GetHash failed", "key", key, "error", err)
	case !found:
		d.logger.Debug("GetHash miss", "key", key)
	default:
		d.logger.Debug("GetHash hit", "key", key, "hash", hash)
	}
	return hash, found, err
}

func (d *Debug) GetContents(path []string) ([]byte, bool, error) {
	key := strings.Join(path, PathSeparator)
	contents, found, err := d.backend.GetContents(path)
	switch {
	case err != nil:
		d.logger.Debug("GetContents failed", "key", key, "error", err)
	case !found:
		d.logger.Debug("GetContents miss", "key", key)
	default:
		d.logger.Debug("GetContents hit", "key", key, "size", len(contents))
	}
	return contents, found, err
}

func (d *Debug) PutContents(path []string, contents []byte, hash string, overwrite bool) error {
	key := strings.Join(path, PathSeparator)
	d.logger.Debug("PutContents",
		"key", key,
		"hash", hash,
		"size", len(contents),
		"overwrite", overwrite)

	err := d.backend.PutContents(path, contents, hash, overwrite)
	if err != nil {
		d.logger.Debug("PutContents failed", "key", key, "error", err)
	}
	return err
}

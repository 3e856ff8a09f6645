// Package backends implements the storage layer of the task output cache:
// a local filesystem backend, an S3-compatible object store backend, and a
// factory choosing between them from a connection string.
package backends

import (
	"errors"
	"fmt"
	"strings"
)

// PathSeparator joins path segments into a storage key.
const PathSeparator = "/"

var (
	// ErrInvalidConnection is returned by Select when the connection string
	// is neither an http(s) URL nor an existing local directory.
	ErrInvalidConnection = errors.New("invalid cache connection string")

	// ErrAccessDenied is returned when the object store rejects both
	// anonymous and ambient credentials.
	ErrAccessDenied = errors.New("access denied to object store")

	// ErrConflict is returned when an object kept changing while it was
	// being read and the bounded retry was exhausted.
	ErrConflict = errors.New("object modified during read")

	// ErrInvalidPath is returned for empty path segments or segments
	// containing the separator.
	ErrInvalidPath = errors.New("invalid storage path")
)

// StorageManager is the contract every cache backend satisfies. Absence of
// an entry is reported through found=false, never as an error.
//
// Implementations must be safe for concurrent use. Concurrent writers of the
// same path are expected: cache writes are idempotent, so the last writer
// winning is acceptable.
type StorageManager interface {
	// GetHash returns the content hash stored for path.
	GetHash(path []string) (hash string, found bool, err error)

	// GetContents returns the raw bytes stored at path.
	GetContents(path []string) (contents []byte, found bool, err error)

	// PutContents stores contents at path tagged with hash. If an entry
	// already exists and overwrite is false, the call is a successful no-op.
	PutContents(path []string, contents []byte, hash string, overwrite bool) error
}

// JoinPath validates path segments and joins them into a storage key.
func JoinPath(path []string) (string, error) {
	if len(path) == 0 {
		return "", fmt.Errorf("%w: no segments", ErrInvalidPath)
	}
	for _, segment := range path {
		if err := ValidateSegment(segment); err != nil {
			return "", err
		}
	}
	return strings.Join(path, PathSeparator), nil
}

// ValidateSegment reports whether segment can be used as one element of a
// storage path.
func ValidateSegment(segment string) error {
	switch {
	case segment == "":
		return fmt.Errorf("%w: empty segment", ErrInvalidPath)
	case segment == "." || segment == "..":
		return fmt.Errorf("%w: segment %q", ErrInvalidPath, segment)
	case strings.ContainsAny(segment, `/\`):
		return fmt.Errorf("%w: segment %q contains a separator", ErrInvalidPath, segment)
	}
	return nil
}

package taskcache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAField is returned when reading a field the schema never declared.
	ErrNotAField = errors.New("not a declared output field")

	// ErrCacheCorrupted is returned when bytes confirmed present at lookup
	// time are missing or undecodable when the field is read.
	ErrCacheCorrupted = errors.New("cache entry corrupted")
)

// FieldError describes a failure reading one field of a cached outputs set.
type FieldError struct {
	Op    string
	Key   string
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("failed to %s field %q of %s: %v", e.Op, e.Field, e.Key, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

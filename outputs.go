package taskcache

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chronosphereio/taskcache/backends"
	"github.com/chronosphereio/taskcache/metrics"
)

// CachedOutputs is a handle on one cached outputs set. It knows the expected
// hash of every field but fetches a field's bytes only when that field is
// first read, then memoizes the decoded value.
//
// CachedOutputs is not safe for concurrent use. Separate handles on the same
// key are independent and each fetch on their own.
type CachedOutputs struct {
	m      *CacheManager
	prefix []string
	schema Schema
	hashes map[string]string
	memo   map[string]any
}

func newCachedOutputs(m *CacheManager, prefix []string, schema Schema, hashes map[string]string) *CachedOutputs {
	return &CachedOutputs{
		m:      m,
		prefix: prefix,
		schema: schema,
		hashes: hashes,
		memo:   make(map[string]any, schema.Len()),
	}
}

// Key returns the task_name/task_version/task_hash prefix of this entry.
func (c *CachedOutputs) Key() string {
	return strings.Join(c.prefix, backends.PathSeparator)
}

// Fields returns the declared field names in schema order.
func (c *CachedOutputs) Fields() []string {
	return c.schema.Names()
}

// Hashes returns a copy of the expected hash of every field.
func (c *CachedOutputs) Hashes() map[string]string {
	hashes := make(map[string]string, len(c.hashes))
	for k, v := range c.hashes {
		hashes[k] = v
	}
	return hashes
}

// Loaded reports whether field has already been fetched.
func (c *CachedOutputs) Loaded(field string) bool {
	_, ok := c.memo[field]
	return ok
}

// GetHash returns the expected content hash of field without fetching it.
func (c *CachedOutputs) GetHash(field string) (string, error) {
	hash, ok := c.hashes[field]
	if !ok {
		return "", &FieldError{Op: "hash", Key: c.Key(), Field: field, Err: ErrNotAField}
	}
	return hash, nil
}

// Get returns the decoded value of field, fetching it on first access.
//
// A value whose recomputed hash differs from the expected hash is logged and
// still returned.
func (c *CachedOutputs) Get(field string) (any, error) {
	if v, ok := c.memo[field]; ok {
		return v, nil
	}

	f, ok := c.schema.Lookup(field)
	if !ok {
		return nil, &FieldError{Op: "get", Key: c.Key(), Field: field, Err: ErrNotAField}
	}

	defer c.m.latency.Since(metrics.OpFetchField, time.Now())

	path := append(append([]string(nil), c.prefix...), field)
	contents, found, err := c.m.storage.GetContents(path)
	if err != nil {
		return nil, &FieldError{Op: "fetch", Key: c.Key(), Field: field, Err: err}
	}
	if !found {
		// The hash was present when this handle was created.
		return nil, &FieldError{Op: "fetch", Key: c.Key(), Field: field, Err: ErrCacheCorrupted}
	}

	value, err := c.m.codec.Decode(contents, decodeType(f.Type))
	if err != nil {
		return nil, &FieldError{Op: "decode", Key: c.Key(), Field: field,
			Err: fmt.Errorf("%w: %v", ErrCacheCorrupted, err)}
	}

	c.verify(field, value)
	c.memo[field] = value
	return value, nil
}

func (c *CachedOutputs) verify(field string, value any) {
	expected := c.hashes[field]
	actual, err := c.m.hasher.Hash(value)
	if err != nil {
		c.m.logger.Warn("failed to hash cached value, skipping verification",
			"key", c.Key(),
			"field", field,
			"error", err)
		return
	}
	if actual != expected {
		c.m.counters.HashMismatch()
		c.m.logger.Warn("cached value hash mismatch, using value anyway",
			slog.String("key", c.Key()),
			slog.String("field", field),
			slog.String("expected", expected),
			slog.String("actual", actual))
	}
}

// Get returns field of c as a T.
func Get[T any](c *CachedOutputs, field string) (T, error) {
	var zero T
	v, err := c.Get(field)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	typed, ok := v.(T)
	if !ok {
		return zero, &FieldError{Op: "get", Key: c.Key(), Field: field,
			Err: fmt.Errorf("value is %T, not %T", v, zero)}
	}
	return typed, nil
}

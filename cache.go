// Package taskcache is a content-addressable cache of task outputs. A task's
// outputs are stored field by field under task_name/task_version/task_hash,
// either in an S3-compatible object store or in a local directory, and are
// fetched lazily when a cached field is read.
package taskcache

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/chronosphereio/taskcache/backends"
	"github.com/chronosphereio/taskcache/codec"
	"github.com/chronosphereio/taskcache/locking"
	"github.com/chronosphereio/taskcache/metrics"
)

// CacheManager looks up and stores task outputs through a StorageManager.
// It is safe for concurrent use.
type CacheManager struct {
	storage      backends.StorageManager
	codec        codec.Codec
	hasher       codec.HashGenerator
	logger       *slog.Logger
	locks        locking.Group
	readDisabled bool

	latency  *metrics.LatencyTracker
	counters *metrics.Counters
}

// Option configures a CacheManager.
type Option func(*CacheManager)

// WithCodec sets the field serialization codec. Defaults to JSON.
func WithCodec(c codec.Codec) Option {
	return func(m *CacheManager) {
		m.codec = c
	}
}

// WithHasher sets the content hash generator. Defaults to sha256 over
// canonical JSON.
func WithHasher(h codec.HashGenerator) Option {
	return func(m *CacheManager) {
		m.hasher = h
	}
}

// WithReadDisabled makes every lookup a miss, forcing recomputation while
// still uploading results.
func WithReadDisabled(disabled bool) Option {
	return func(m *CacheManager) {
		m.readDisabled = disabled
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *CacheManager) {
		m.logger = logger
	}
}

// WithLockGroup sets the lock group serializing uploads of the same key.
// Defaults to an in-process MemLock.
func WithLockGroup(g locking.Group) Option {
	return func(m *CacheManager) {
		m.locks = g
	}
}

// WithLatencyTracker sets the tracker recording operation latencies.
func WithLatencyTracker(lt *metrics.LatencyTracker) Option {
	return func(m *CacheManager) {
		m.latency = lt
	}
}

// NewCacheManager creates a CacheManager on top of storage.
func NewCacheManager(storage backends.StorageManager, opts ...Option) *CacheManager {
	m := &CacheManager{
		storage:  storage,
		codec:    codec.NewJSON(),
		hasher:   codec.NewDigestHasher(),
		logger:   slog.Default(),
		locks:    locking.NewMemLock(),
		latency:  metrics.NewLatencyTracker(0.01),
		counters: &metrics.Counters{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Storage returns the backend this manager reads and writes.
func (m *CacheManager) Storage() backends.StorageManager {
	return m.storage
}

// GetCache looks up the outputs of a task execution. It reports a hit only
// when every field of schema has a stored hash; no bytes are fetched until a
// field is read from the returned handle. Backend errors are logged and
// reported as a miss.
func (m *CacheManager) GetCache(taskName, taskVersion, taskHash string, schema Schema) (*CachedOutputs, bool) {
	if m.readDisabled {
		m.counters.Miss()
		return nil, false
	}

	defer m.latency.Since(metrics.OpGetCache, time.Now())

	prefix := []string{taskName, taskVersion, taskHash}
	key := strings.Join(prefix, backends.PathSeparator)
	if err := validatePrefix(prefix); err != nil {
		m.logger.Warn("invalid cache key, treating as miss", "key", key, "error", err)
		m.counters.Miss()
		return nil, false
	}

	hashes := make(map[string]string, schema.Len())
	for _, name := range schema.Names() {
		hash, found, err := m.storage.GetHash(append(append([]string(nil), prefix...), name))
		if err != nil {
			m.logger.Warn("failed to look up cached field hash, treating as miss",
				"key", key,
				"field", name,
				"error", err)
			m.counters.Miss()
			return nil, false
		}
		if !found {
			m.logger.Debug("cache miss", "key", key, "field", name)
			m.counters.Miss()
			return nil, false
		}
		hashes[name] = hash
	}

	m.logger.Debug("cache hit", "key", key, "fields", len(hashes))
	m.counters.Hit()
	return newCachedOutputs(m, prefix, schema, hashes), true
}

// UploadCache stores the outputs of a task execution. It never fails: every
// problem is logged and the affected field is left out of the cache, so the
// next run recomputes it.
//
// Each field is encoded, decoded again and re-hashed before upload; a field
// whose hash doesn't survive that round trip is not uploaded.
func (m *CacheManager) UploadCache(taskName, taskVersion, taskHash string, outputs *Outputs) {
	defer m.latency.Since(metrics.OpUploadCache, time.Now())

	prefix := []string{taskName, taskVersion, taskHash}
	key := strings.Join(prefix, backends.PathSeparator)
	if err := validatePrefix(prefix); err != nil {
		m.logger.Error("invalid cache key, not uploading", "key", key, "error", err)
		return
	}
	if outputs == nil {
		return
	}

	_ = m.locks.DoWithLock(key, func() error {
		for _, name := range outputs.Names() {
			value, _ := outputs.Value(name)
			m.uploadField(prefix, key, name, value)
		}
		return nil
	})
}

func (m *CacheManager) uploadField(prefix []string, key, field string, value any) {
	defer func() {
		if r := recover(); r != nil {
			m.counters.Failed()
			m.logger.Error("panic while uploading cached field",
				"key", key,
				"field", field,
				"panic", fmt.Sprint(r))
		}
	}()

	if err := backends.ValidateSegment(field); err != nil {
		m.counters.Failed()
		m.logger.Error("invalid field name, not uploading", "key", key, "field", field, "error", err)
		return
	}

	contents, hash, err := m.encode(value)
	if err != nil {
		m.counters.Failed()
		m.logger.Error("failed to prepare cached field",
			"key", key,
			"field", field,
			"error", err)
		return
	}

	roundTrip, err := m.roundTripHash(contents, reflect.TypeOf(value))
	if err != nil || roundTrip != hash {
		m.counters.Skipped()
		m.logger.Error("codec and hash generator disagree for field, not uploading",
			"key", key,
			"field", field,
			"hash", hash,
			"roundTripHash", roundTrip,
			"error", err)
		return
	}

	path := append(append([]string(nil), prefix...), field)
	if err := m.storage.PutContents(path, contents, hash, false); err != nil {
		m.counters.Failed()
		m.logger.Error("failed to upload cached field",
			"key", key,
			"field", field,
			"error", err)
		return
	}
	m.counters.Uploaded()
}

func (m *CacheManager) encode(value any) ([]byte, string, error) {
	contents, err := m.codec.Encode(value)
	if err != nil {
		return nil, "", err
	}
	hash, err := m.hasher.Hash(value)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash value: %w", err)
	}
	return contents, hash, nil
}

func (m *CacheManager) roundTripHash(contents []byte, typ reflect.Type) (string, error) {
	decoded, err := m.codec.Decode(contents, decodeType(typ))
	if err != nil {
		return "", err
	}
	return m.hasher.Hash(decoded)
}

// Stats is a snapshot of the cache manager's counters and latencies.
type Stats struct {
	Counters  metrics.CounterSnapshot
	Latencies []metrics.Stats
}

// Stats returns the current counters and latency statistics.
func (m *CacheManager) Stats() Stats {
	return Stats{
		Counters:  m.counters.Snapshot(),
		Latencies: m.latency.GetAllStats(),
	}
}

func validatePrefix(prefix []string) error {
	for _, segment := range prefix {
		if err := backends.ValidateSegment(segment); err != nil {
			return err
		}
	}
	return nil
}

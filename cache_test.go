package taskcache

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronosphereio/taskcache/backends"
	"github.com/chronosphereio/taskcache/codec"
	"github.com/chronosphereio/taskcache/metrics"
)

type trainMetrics struct {
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
}

var trainSchema = MustSchema(
	FieldOf[[]float64]("result"),
	FieldOf[trainMetrics]("metrics"),
)

func trainOutputs() *Outputs {
	return NewOutputs().
		Set("result", []float64{0.1, 0.2, 0.3}).
		Set("metrics", trainMetrics{Loss: 0.05, Accuracy: 0.97})
}

func TestGetCacheExampleScenario(t *testing.T) {
	storage := newMemoryStorage()
	m := NewCacheManager(storage)

	// Only result's hash exists.
	hash, err := codec.NewDigestHasher().Hash([]float64{0.1, 0.2, 0.3})
	require.NoError(t, err)
	storage.set("train/v1/abc123/result", []byte(`[0.1,0.2,0.3]`), hash)

	cached, hit := m.GetCache("train", "v1", "abc123", trainSchema)
	assert.False(t, hit)
	assert.Nil(t, cached)

	m.UploadCache("train", "v1", "abc123", trainOutputs())

	cached, hit = m.GetCache("train", "v1", "abc123", trainSchema)
	require.True(t, hit)
	require.NotNil(t, cached)
	assert.Equal(t, 0, storage.totalContentsCalls(), "constructing a handle fetches nothing")

	got, err := Get[trainMetrics](cached, "metrics")
	require.NoError(t, err)
	assert.Equal(t, trainMetrics{Loss: 0.05, Accuracy: 0.97}, got)
	assert.Equal(t, 1, storage.contentsCallsFor("train/v1/abc123/metrics"))

	_, err = cached.Get("metrics")
	require.NoError(t, err)
	assert.Equal(t, 1, storage.contentsCallsFor("train/v1/abc123/metrics"), "second read is memoized")
	assert.Equal(t, 0, storage.contentsCallsFor("train/v1/abc123/result"))
}

func TestGetCacheAllOrNothing(t *testing.T) {
	names := []string{"a", "b", "c", "d"}
	fields := make([]Field, len(names))
	for i, name := range names {
		fields[i] = FieldOf[int](name)
	}
	schema := MustSchema(fields...)

	for missing := range names {
		t.Run("missing "+names[missing], func(t *testing.T) {
			storage := newMemoryStorage()
			m := NewCacheManager(storage)
			for i, name := range names {
				if i != missing {
					storage.set("t/v/h/"+name, []byte(`1`), "h")
				}
			}

			cached, hit := m.GetCache("t", "v", "h", schema)
			assert.False(t, hit)
			assert.Nil(t, cached)
		})
	}
}

func TestGetCacheReadDisabled(t *testing.T) {
	storage := newMemoryStorage()
	NewCacheManager(storage).UploadCache("train", "v1", "abc123", trainOutputs())

	m := NewCacheManager(storage, WithReadDisabled(true))
	_, hit := m.GetCache("train", "v1", "abc123", trainSchema)
	assert.False(t, hit)
	assert.Empty(t, storage.hashCalls, "a disabled read never touches the backend")
	assert.Equal(t, int64(1), m.Stats().Counters.Misses)
}

func TestGetCacheBackendErrorIsMiss(t *testing.T) {
	storage := newMemoryStorage()
	NewCacheManager(storage).UploadCache("train", "v1", "abc123", trainOutputs())
	storage.hashErr = errors.New("network down")

	logger, buf := bufferLogger()
	m := NewCacheManager(storage, WithLogger(logger))
	_, hit := m.GetCache("train", "v1", "abc123", trainSchema)
	assert.False(t, hit)
	assert.Contains(t, buf.String(), "network down")
}

func TestGetCacheInvalidKeyIsMiss(t *testing.T) {
	storage := newMemoryStorage()
	m := NewCacheManager(storage)

	_, hit := m.GetCache("train/eval", "v1", "abc123", trainSchema)
	assert.False(t, hit)
	_, hit = m.GetCache("train", "", "abc123", trainSchema)
	assert.False(t, hit)
	assert.Empty(t, storage.hashCalls)
}

func TestGetCacheEmptySchemaIsHit(t *testing.T) {
	m := NewCacheManager(newMemoryStorage())

	cached, hit := m.GetCache("noop", "v1", "abc123", MustSchema())
	require.True(t, hit)
	assert.Empty(t, cached.Fields())
}

func TestUploadCacheIsIdempotent(t *testing.T) {
	storage := newMemoryStorage()
	m := NewCacheManager(storage)

	m.UploadCache("train", "v1", "abc123", trainOutputs())
	first := map[string]string{
		"result":  storage.hashOf("train/v1/abc123/result"),
		"metrics": storage.hashOf("train/v1/abc123/metrics"),
	}

	m.UploadCache("train", "v1", "abc123", trainOutputs())
	assert.Equal(t, first["result"], storage.hashOf("train/v1/abc123/result"))
	assert.Equal(t, first["metrics"], storage.hashOf("train/v1/abc123/metrics"))

	cached, hit := m.GetCache("train", "v1", "abc123", trainSchema)
	require.True(t, hit)
	assert.Equal(t, first, cached.Hashes())
}

func TestUploadCacheNeverFails(t *testing.T) {
	for _, panics := range []bool{false, true} {
		storage := &failingStorage{memoryStorage: newMemoryStorage(), panics: panics}
		logger, buf := bufferLogger()
		m := NewCacheManager(storage, WithLogger(logger))

		assert.NotPanics(t, func() {
			m.UploadCache("train", "v1", "abc123", trainOutputs())
		})
		assert.Equal(t, int64(2), m.Stats().Counters.FailedFields)
		assert.NotEmpty(t, buf.String())
	}
}

func TestUploadCacheRoundTripGuard(t *testing.T) {
	storage := newMemoryStorage()
	logger, buf := bufferLogger()
	m := NewCacheManager(storage, WithCodec(lossyCodec{}), WithLogger(logger))

	m.UploadCache("train", "v1", "abc123", NewOutputs().
		Set("result", 42).
		Set("label", "cat"))

	assert.True(t, storage.has("train/v1/abc123/result"))
	assert.False(t, storage.has("train/v1/abc123/label"))
	assert.Contains(t, buf.String(), "codec and hash generator disagree")

	counters := m.Stats().Counters
	assert.Equal(t, int64(1), counters.UploadedFields)
	assert.Equal(t, int64(1), counters.SkippedFields)
}

func TestUploadCacheUnencodableFieldDoesNotStopOthers(t *testing.T) {
	storage := newMemoryStorage()
	m := NewCacheManager(storage)

	m.UploadCache("train", "v1", "abc123", NewOutputs().
		Set("bad", make(chan int)).
		Set("good", "ok"))

	assert.False(t, storage.has("train/v1/abc123/bad"))
	assert.True(t, storage.has("train/v1/abc123/good"))
}

func TestUploadCacheInvalidKey(t *testing.T) {
	storage := newMemoryStorage()
	m := NewCacheManager(storage)

	m.UploadCache("train", "v1/x", "abc123", trainOutputs())
	m.UploadCache("train", "v1", "abc123", NewOutputs().Set("a/b", 1))
	assert.Empty(t, storage.putCalls)
}

func TestCachedOutputsHashMismatchStillReturnsValue(t *testing.T) {
	storage := newMemoryStorage()
	storage.set("train/v1/abc123/result", []byte(`[1,2]`), "sha256:expected")

	logger, buf := bufferLogger()
	m := NewCacheManager(storage, WithLogger(logger))
	cached, hit := m.GetCache("train", "v1", "abc123", MustSchema(FieldOf[[]int]("result")))
	require.True(t, hit)

	got, err := Get[[]int](cached, "result")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, got)
	assert.True(t, cached.Loaded("result"))
	assert.Contains(t, buf.String(), "hash mismatch")
	assert.Equal(t, int64(1), m.Stats().Counters.HashMismatches)
}

func TestCachedOutputsVanishedContentsAreCorruption(t *testing.T) {
	storage := newMemoryStorage()
	m := NewCacheManager(storage)
	m.UploadCache("train", "v1", "abc123", trainOutputs())

	cached, hit := m.GetCache("train", "v1", "abc123", trainSchema)
	require.True(t, hit)
	storage.deleteContents("train/v1/abc123/result")

	_, err := cached.Get("result")
	assert.ErrorIs(t, err, ErrCacheCorrupted)

	var fieldErr *FieldError
	require.True(t, errors.As(err, &fieldErr))
	assert.Equal(t, "result", fieldErr.Field)
	assert.Equal(t, "train/v1/abc123", fieldErr.Key)
}

func TestCachedOutputsUndecodableContentsAreCorruption(t *testing.T) {
	storage := newMemoryStorage()
	storage.set("train/v1/abc123/result", []byte(`{garbage`), "h")

	m := NewCacheManager(storage)
	cached, hit := m.GetCache("train", "v1", "abc123", MustSchema(FieldOf[int]("result")))
	require.True(t, hit)

	_, err := cached.Get("result")
	assert.ErrorIs(t, err, ErrCacheCorrupted)
	assert.False(t, cached.Loaded("result"))
}

func TestCachedOutputsNotAField(t *testing.T) {
	storage := newMemoryStorage()
	m := NewCacheManager(storage)
	m.UploadCache("train", "v1", "abc123", trainOutputs())

	cached, hit := m.GetCache("train", "v1", "abc123", trainSchema)
	require.True(t, hit)

	_, err := cached.Get("weights")
	assert.ErrorIs(t, err, ErrNotAField)

	_, err = cached.GetHash("weights")
	assert.ErrorIs(t, err, ErrNotAField)

	hash, err := cached.GetHash("metrics")
	require.NoError(t, err)
	assert.Equal(t, storage.hashOf("train/v1/abc123/metrics"), hash)
	assert.Equal(t, 0, storage.totalContentsCalls())
}

func TestGetTypeMismatch(t *testing.T) {
	storage := newMemoryStorage()
	m := NewCacheManager(storage)
	m.UploadCache("train", "v1", "abc123", trainOutputs())

	cached, hit := m.GetCache("train", "v1", "abc123", trainSchema)
	require.True(t, hit)

	_, err := Get[string](cached, "metrics")
	assert.Error(t, err)
}

func TestIndependentHandlesFetchIndependently(t *testing.T) {
	storage := newMemoryStorage()
	m := NewCacheManager(storage)
	m.UploadCache("train", "v1", "abc123", trainOutputs())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		cached, hit := m.GetCache("train", "v1", "abc123", trainSchema)
		require.True(t, hit)
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := Get[[]float64](cached, "result")
			assert.NoError(t, err)
			assert.Equal(t, []float64{0.1, 0.2, 0.3}, got)
		}()
	}
	wg.Wait()
	assert.Equal(t, 4, storage.contentsCallsFor("train/v1/abc123/result"))
}

func TestFileSystemBackendEndToEnd(t *testing.T) {
	fs, err := backends.NewFileSystem(t.TempDir(), codec.NewJSON(), codec.NewDigestHasher(), nil)
	require.NoError(t, err)
	m := NewCacheManager(fs)

	_, hit := m.GetCache("train", "v1", "abc123", trainSchema)
	require.False(t, hit)

	m.UploadCache("train", "v1", "abc123", trainOutputs())

	cached, hit := m.GetCache("train", "v1", "abc123", trainSchema)
	require.True(t, hit)

	got, err := Get[trainMetrics](cached, "metrics")
	require.NoError(t, err)
	assert.Equal(t, trainMetrics{Loss: 0.05, Accuracy: 0.97}, got)

	result, err := Get[[]float64](cached, "result")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, result)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.Counters.Hits)
	assert.Equal(t, int64(1), stats.Counters.Misses)
	assert.Equal(t, int64(2), stats.Counters.UploadedFields)
	assert.Zero(t, stats.Counters.HashMismatches)

	ops := make([]string, 0, len(stats.Latencies))
	for _, s := range stats.Latencies {
		ops = append(ops, s.Operation)
	}
	assert.Equal(t, []string{metrics.OpFetchField, metrics.OpGetCache, metrics.OpUploadCache}, ops)
}

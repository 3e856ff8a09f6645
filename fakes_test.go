package taskcache

import (
	"bytes"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"sync"

	"github.com/chronosphereio/taskcache/codec"
)

// memoryStorage is a StorageManager keeping hashes next to contents, like
// the object store backend does, and counting calls per key.
type memoryStorage struct {
	mu       sync.Mutex
	contents map[string][]byte
	hashes   map[string]string

	hashCalls     map[string]int
	contentsCalls map[string]int
	putCalls      map[string]int

	hashErr error
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{
		contents:      make(map[string][]byte),
		hashes:        make(map[string]string),
		hashCalls:     make(map[string]int),
		contentsCalls: make(map[string]int),
		putCalls:      make(map[string]int),
	}
}

func (s *memoryStorage) GetHash(path []string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.Join(path, "/")
	s.hashCalls[key]++
	if s.hashErr != nil {
		return "", false, s.hashErr
	}
	hash, ok := s.hashes[key]
	return hash, ok, nil
}

func (s *memoryStorage) GetContents(path []string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.Join(path, "/")
	s.contentsCalls[key]++
	contents, ok := s.contents[key]
	return contents, ok, nil
}

func (s *memoryStorage) PutContents(path []string, contents []byte, hash string, overwrite bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.Join(path, "/")
	s.putCalls[key]++
	if _, exists := s.contents[key]; exists && !overwrite {
		return nil
	}
	s.contents[key] = append([]byte(nil), contents...)
	s.hashes[key] = hash
	return nil
}

func (s *memoryStorage) set(key string, contents []byte, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contents[key] = contents
	s.hashes[key] = hash
}

func (s *memoryStorage) deleteContents(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contents, key)
}

func (s *memoryStorage) totalContentsCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.contentsCalls {
		total += n
	}
	return total
}

func (s *memoryStorage) contentsCallsFor(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentsCalls[key]
}

func (s *memoryStorage) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.contents[key]
	return ok
}

func (s *memoryStorage) hashOf(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hashes[key]
}

// failingStorage fails every write, by error or by panic.
type failingStorage struct {
	*memoryStorage
	panics bool
}

func (s *failingStorage) PutContents(path []string, contents []byte, hash string, overwrite bool) error {
	if s.panics {
		panic("storage exploded")
	}
	return errors.New("storage unavailable")
}

// lossyCodec corrupts strings on decode, so their hash doesn't survive a
// round trip.
type lossyCodec struct {
	codec.JSON
}

func (c lossyCodec) Decode(data []byte, typ reflect.Type) (any, error) {
	v, err := c.JSON.Decode(data, typ)
	if s, ok := v.(string); ok {
		return s + "!", err
	}
	return v, err
}

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

package codec

import (
	"bytes"
	_ "crypto/sha256" // registers digest.SHA256
	"encoding/json"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// HashGenerator computes a stable content hash of a decoded value.
type HashGenerator interface {
	Hash(v any) (string, error)
}

// DigestHasher hashes the canonical JSON form of a value. Struct field order
// and number representation don't matter: a struct and the generic map
// decoded from its JSON hash identically.
type DigestHasher struct {
	Algorithm digest.Algorithm
}

// NewDigestHasher creates a hasher using the canonical (sha256) algorithm.
func NewDigestHasher() DigestHasher {
	return DigestHasher{Algorithm: digest.Canonical}
}

func (h DigestHasher) Hash(v any) (string, error) {
	canonical, err := canonicalJSON(v)
	if err != nil {
		return "", err
	}

	alg := h.Algorithm
	if alg == "" {
		alg = digest.Canonical
	}
	if !alg.Available() {
		return "", fmt.Errorf("digest algorithm %q is not available", alg)
	}
	return alg.FromBytes(canonical).String(), nil
}

// canonicalJSON re-encodes v through the generic JSON representation so map
// keys come out sorted regardless of the source type.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value for hashing: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("failed to normalize value for hashing: %w", err)
	}

	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal normalized value: %w", err)
	}
	return canonical, nil
}

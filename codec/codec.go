// Package codec turns a single output field's value into bytes and back, and
// computes the content hash used to verify those bytes.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// Codec serializes one field value. Encoded bytes must be self-describing:
// Decode with a nil type must still produce a value that hashes the same as
// the original.
type Codec interface {
	// Encode serializes v.
	Encode(v any) ([]byte, error)

	// Decode deserializes data into a new value of type typ. A nil typ
	// decodes into the codec's generic representation.
	Decode(data []byte, typ reflect.Type) (any, error)
}

// JSON is the default Codec.
type JSON struct{}

// NewJSON creates a new JSON codec.
func NewJSON() JSON {
	return JSON{}
}

func (JSON) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return data, nil
}

func (JSON) Decode(data []byte, typ reflect.Type) (any, error) {
	if typ == nil {
		var v any
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("failed to decode value: %w", err)
		}
		return v, nil
	}

	ptr := reflect.New(typ)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("failed to decode value as %s: %w", typ, err)
	}
	return ptr.Elem().Interface(), nil
}

package taskcache

import (
	"fmt"
	"reflect"

	"github.com/chronosphereio/taskcache/backends"
)

// Field declares one output of a task.
type Field struct {
	Name string
	// Type is the Go type a cached value decodes into. A nil or interface
	// type decodes into the codec's generic representation.
	Type reflect.Type
}

// FieldOf declares a field whose values decode as T.
func FieldOf[T any](name string) Field {
	return Field{Name: name, Type: reflect.TypeOf((*T)(nil)).Elem()}
}

// Schema is the ordered set of fields a task produces.
type Schema struct {
	fields []Field
	index  map[string]int
}

// NewSchema builds a schema. Field names must be unique, non-empty and free
// of the storage path separator.
func NewSchema(fields ...Field) (Schema, error) {
	s := Schema{
		fields: make([]Field, 0, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	for _, f := range fields {
		if err := backends.ValidateSegment(f.Name); err != nil {
			return Schema{}, fmt.Errorf("invalid field name: %w", err)
		}
		if _, dup := s.index[f.Name]; dup {
			return Schema{}, fmt.Errorf("duplicate field %q", f.Name)
		}
		s.index[f.Name] = len(s.fields)
		s.fields = append(s.fields, f)
	}
	return s, nil
}

// MustSchema is like NewSchema but panics on an invalid declaration.
func MustSchema(fields ...Field) Schema {
	s, err := NewSchema(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Fields returns the declared fields in order.
func (s Schema) Fields() []Field {
	return append([]Field(nil), s.fields...)
}

// Names returns the declared field names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.Name
	}
	return names
}

// Lookup returns the field named name.
func (s Schema) Lookup(name string) (Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// Len returns the number of declared fields.
func (s Schema) Len() int {
	return len(s.fields)
}

// Outputs is the ordered set of values a task produced.
type Outputs struct {
	names  []string
	values map[string]any
}

// NewOutputs creates an empty outputs set.
func NewOutputs() *Outputs {
	return &Outputs{values: make(map[string]any)}
}

// Set records the value of a field, keeping the position of a field that
// was already set.
func (o *Outputs) Set(name string, value any) *Outputs {
	if _, ok := o.values[name]; !ok {
		o.names = append(o.names, name)
	}
	o.values[name] = value
	return o
}

// Names returns the field names in the order they were first set.
func (o *Outputs) Names() []string {
	return append([]string(nil), o.names...)
}

// Value returns the value of a field.
func (o *Outputs) Value(name string) (any, bool) {
	v, ok := o.values[name]
	return v, ok
}

// Len returns the number of fields.
func (o *Outputs) Len() int {
	return len(o.names)
}

// Schema derives a schema from the dynamic types of the values.
func (o *Outputs) Schema() (Schema, error) {
	fields := make([]Field, len(o.names))
	for i, name := range o.names {
		fields[i] = Field{Name: name, Type: reflect.TypeOf(o.values[name])}
	}
	return NewSchema(fields...)
}

// decodeType returns the type to hand to the codec for values of typ.
func decodeType(typ reflect.Type) reflect.Type {
	if typ == nil || typ.Kind() == reflect.Interface {
		return nil
	}
	return typ
}

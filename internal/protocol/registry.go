package protocol

import (
	"reflect"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// TypeCodec binds a stable wire tag to the functions that encode and decode
// one Go type.
type TypeCodec struct {
	Tag string

	match  func(v any) bool
	encode func(v any) ([]byte, error)
	decode func(raw []byte) (any, error)
}

// Registry maps wire tags to codecs. Both ends of a connection must register
// the same tags for the same types. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	codecs []*TypeCodec
	byTag  map[string]*TypeCodec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byTag: make(map[string]*TypeCodec)}
}

// DefaultRegistry returns a registry holding the built-in types.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	MustRegister[string](r, "string")
	MustRegister[bool](r, "bool")
	MustRegister[int](r, "int")
	MustRegister[int32](r, "int32")
	MustRegister[int64](r, "int64")
	MustRegister[uint32](r, "uint32")
	MustRegister[uint64](r, "uint64")
	MustRegister[float32](r, "float32")
	MustRegister[float64](r, "float64")
	MustRegister[[]byte](r, "bytes")
	MustRegister[[]string](r, "strings")
	MustRegister[time.Time](r, "time")
	MustRegister[time.Duration](r, "duration")
	return r
}

// Register adds a codec for T under tag. T must be a concrete type: values
// are matched with a type assertion, and the first registered match wins.
func Register[T any](r *Registry, tag string) error {
	if err := validTag(tag); err != nil {
		return err
	}
	return r.add(&TypeCodec{
		Tag: tag,
		match: func(v any) bool {
			_, ok := v.(T)
			return ok
		},
		encode: func(v any) ([]byte, error) {
			if !validUTF8(reflect.ValueOf(v), 0) {
				return nil, errors.Wrap(ErrUnsupportedType, "string is not valid UTF-8")
			}
			return json.Marshal(v)
		},
		decode: func(raw []byte) (any, error) {
			var out T
			if err := json.Unmarshal(raw, &out); err != nil {
				return nil, err
			}
			return out, nil
		},
	})
}

// maxWalkDepth bounds the UTF-8 walk; deeper values are left to the JSON
// encoder.
const maxWalkDepth = 32

// validUTF8 reports whether every string reachable from v is valid UTF-8.
// JSON would silently replace invalid bytes with U+FFFD.
func validUTF8(v reflect.Value, depth int) bool {
	if depth > maxWalkDepth || !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.String:
		return utf8.ValidString(v.String())
	case reflect.Pointer, reflect.Interface:
		return v.IsNil() || validUTF8(v.Elem(), depth+1)
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return true
		}
		for i := 0; i < v.Len(); i++ {
			if !validUTF8(v.Index(i), depth+1) {
				return false
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if !validUTF8(iter.Key(), depth+1) || !validUTF8(iter.Value(), depth+1) {
				return false
			}
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if t.Field(i).IsExported() && !validUTF8(v.Field(i), depth+1) {
				return false
			}
		}
	}
	return true
}

// MustRegister is Register that panics on error.
func MustRegister[T any](r *Registry, tag string) {
	if err := Register[T](r, tag); err != nil {
		panic(err)
	}
}

func validTag(tag string) error {
	switch {
	case tag == "":
		return errors.New("type tag is empty")
	case tag == EndTypes || tag == EndObject:
		return errors.Errorf("type tag %q is reserved", tag)
	case strings.ContainsAny(tag, "\r\n"):
		return errors.Errorf("type tag %q contains a line break", tag)
	case len(tag) > maxTagLength:
		return errors.Errorf("type tag is longer than %d bytes", maxTagLength)
	}
	return nil
}

func (r *Registry) add(c *TypeCodec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byTag[c.Tag]; ok {
		return errors.Errorf("type tag %q already registered", c.Tag)
	}
	r.byTag[c.Tag] = c
	r.codecs = append(r.codecs, c)
	return nil
}

// Lookup resolves a wire tag.
func (r *Registry) Lookup(tag string) (*TypeCodec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byTag[tag]
	return c, ok
}

// Tags lists the registered tags in registration order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, len(r.codecs))
	for i, c := range r.codecs {
		tags[i] = c.Tag
	}
	return tags
}

func (r *Registry) codecFor(v any) (*TypeCodec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.codecs {
		if c.match(v) {
			return c, nil
		}
	}
	return nil, errors.Wrapf(ErrUnsupportedType, "%T", v)
}

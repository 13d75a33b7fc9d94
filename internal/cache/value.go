package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind tells how a Value was written.
type Kind uint8

const (
	// KindRaw is an opaque string, returned verbatim.
	KindRaw Kind = iota + 1
	// KindStructured is a JSON document.
	KindStructured
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindStructured:
		return "structured"
	default:
		return "unknown"
	}
}

// Wire tags. A stored payload that starts with tagMarker carries its kind in
// the second byte; anything else is a raw string stored verbatim, which keeps
// INCR counters and foreign writers readable.
const (
	tagMarker     = "\x00"
	tagStructured = tagMarker + "j"
	tagRaw        = tagMarker + "r"
)

// ErrNotStructured is returned by Decode on a raw value.
var ErrNotStructured = errors.New("cache: value is not structured")

// Value is either Raw(string) or Structured(json). The zero Value is invalid.
type Value struct {
	kind Kind
	raw  string
	doc  []byte
}

// Raw wraps an opaque string.
func Raw(s string) Value {
	return Value{kind: KindRaw, raw: s}
}

// Structured marshals v to JSON.
func Structured(v any) (Value, error) {
	doc, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("cache: encode structured value: %w", err)
	}
	return Value{kind: KindStructured, doc: doc}, nil
}

// MustStructured is Structured for values known to marshal.
func MustStructured(v any) Value {
	val, err := Structured(v)
	if err != nil {
		panic(err)
	}
	return val
}

// Kind reports the writer's choice.
func (v Value) Kind() Kind { return v.kind }

// IsZero reports whether v was never set.
func (v Value) IsZero() bool { return v.kind == 0 }

// String returns the raw string, or the JSON text of a structured value.
func (v Value) String() string {
	if v.kind == KindStructured {
		return string(v.doc)
	}
	return v.raw
}

// Bytes returns the JSON document of a structured value, or the raw bytes.
func (v Value) Bytes() []byte {
	if v.kind == KindStructured {
		return v.doc
	}
	return []byte(v.raw)
}

// Decode unmarshals a structured value into dst.
func (v Value) Decode(dst any) error {
	if v.kind != KindStructured {
		return ErrNotStructured
	}
	if err := json.Unmarshal(v.doc, dst); err != nil {
		return fmt.Errorf("cache: decode structured value: %w", err)
	}
	return nil
}

func (v Value) encode() string {
	switch v.kind {
	case KindStructured:
		return tagStructured + string(v.doc)
	default:
		if strings.HasPrefix(v.raw, tagMarker) {
			return tagRaw + v.raw
		}
		return v.raw
	}
}

func decode(payload string) Value {
	switch {
	case strings.HasPrefix(payload, tagStructured):
		return Value{kind: KindStructured, doc: []byte(payload[len(tagStructured):])}
	case strings.HasPrefix(payload, tagRaw):
		return Raw(payload[len(tagRaw):])
	default:
		return Raw(payload)
	}
}

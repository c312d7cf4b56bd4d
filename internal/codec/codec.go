// Package codec implements the Record Deserializer Factory: it produces a
// decoder keyed to a handler's declared data and metadata types, wrapping
// the standard JSON codec with a strict, schema-less structural decode.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shardwright/kcr/internal/record"
)

// DeserializationError is returned when raw bytes are not a JSON object,
// are missing either top-level field, or a field's shape does not match
// the handler's declared type. It is never retried; the caller routes it
// to the handler's error callback.
type DeserializationError struct {
	Cause error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("deserialization error: %v", e.Cause)
}

func (e *DeserializationError) Unwrap() error {
	return e.Cause
}

// envelope mirrors the wire format: a UTF-8 JSON object with exactly the
// two top-level keys "data" and "metadata".
type envelope struct {
	Data     json.RawMessage `json:"data"`
	Metadata json.RawMessage `json:"metadata"`
}

// Factory binds a decoder to a single handler's (D, M) type pair. It holds
// no state beyond the type parameters themselves, so a zero-value Factory
// is ready to use; NewFactory exists for symmetry with how callers
// construct the other components.
type Factory[D any, M any] struct{}

// NewFactory constructs a deserializer bound to the given data and
// metadata types, resolved at compile time via Go generics rather than
// runtime type tokens.
func NewFactory[D any, M any]() *Factory[D, M] {
	return &Factory[D, M]{}
}

// Decode performs a strict structural decode: raw must be a JSON object
// with both "data" and "metadata" fields, and each must unmarshal cleanly
// into D and M respectively. No defaulting, no schema evolution.
func (f *Factory[D, M]) Decode(raw []byte) (record.Record[D, M], error) {
	var zero record.Record[D, M]

	var env envelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return zero, &DeserializationError{Cause: err}
	}
	if env.Data == nil {
		return zero, &DeserializationError{Cause: fmt.Errorf("missing required field %q", "data")}
	}
	if env.Metadata == nil {
		return zero, &DeserializationError{Cause: fmt.Errorf("missing required field %q", "metadata")}
	}

	var out record.Record[D, M]
	if err := json.Unmarshal(env.Data, &out.Data); err != nil {
		return zero, &DeserializationError{Cause: fmt.Errorf("decoding data: %w", err)}
	}
	if err := json.Unmarshal(env.Metadata, &out.Metadata); err != nil {
		return zero, &DeserializationError{Cause: fmt.Errorf("decoding metadata: %w", err)}
	}
	return out, nil
}

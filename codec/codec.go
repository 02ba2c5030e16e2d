// Package codec implements the document encoding and deterministic diff/
// apply logic the transaction protocol needs to stage and replay changes
// byte-identically.
package codec

import (
	"fmt"
	"reflect"

	"github.com/cespare/xxhash/v2"
	json "github.com/goccy/go-json"

	"github.com/sharedcode/playerstore"
)

// Encode renders data as its canonical JSON form: object keys sorted, no
// extraneous whitespace. Two equal maps always encode to identical bytes,
// which both ContentHash and the diff below depend on. Data is required to
// be tree-shaped; a cyclic map/slice is rejected rather than recursed into
// unboundedly.
func Encode(data map[string]any) ([]byte, error) {
	canon, err := canonicalize(data, make(map[uintptr]bool))
	if err != nil {
		return nil, err
	}
	return json.Marshal(canon)
}

// Size returns the encoded size of data in bytes.
func Size(data map[string]any) (int, error) {
	b, err := Encode(data)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// Decode parses b into a map.
func Decode(b []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("codec: decode: %w", err)
	}
	return m, nil
}

// ContentHash returns a hex-encoded xxhash64 digest of data's canonical
// encoding, used to detect corruption independent of the DocStore's own
// compare-and-set version.
func ContentHash(data map[string]any) (string, error) {
	b, err := Encode(data)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(b)), nil
}

// canonicalize returns a copy of v with every map converted to a sorted
// pair-list-free structure that json.Marshal renders deterministically.
// go-json, like encoding/json, already sorts map[string]any keys on encode,
// so canonicalize only needs to normalize nested value types (e.g. slices
// of maps) recursively for clarity and to guard against future encoders
// that don't sort keys.
//
// seen tracks the runtime pointer of every map/slice currently on the
// recursion stack (pushed on entry, popped on exit), not every one ever
// visited, so two sibling branches sharing a reference are not mistaken for
// a cycle — only a map or slice that contains itself, directly or through
// its descendants, is.
func canonicalize(v any, seen map[uintptr]bool) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return map[string]any{}, nil
		}
		ptr := reflect.ValueOf(t).Pointer()
		if seen[ptr] {
			return nil, playerstore.NewError(playerstore.KindCorruptRecord, "",
				fmt.Errorf("codec: cyclic reference detected"))
		}
		seen[ptr] = true
		defer delete(seen, ptr)

		out := make(map[string]any, len(t))
		for k, val := range t {
			c, err := canonicalize(val, seen)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case []any:
		if len(t) == 0 {
			return []any{}, nil
		}
		ptr := reflect.ValueOf(t).Pointer()
		if seen[ptr] {
			return nil, playerstore.NewError(playerstore.KindCorruptRecord, "",
				fmt.Errorf("codec: cyclic reference detected"))
		}
		seen[ptr] = true
		defer delete(seen, ptr)

		out := make([]any, len(t))
		for i, val := range t {
			c, err := canonicalize(val, seen)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	default:
		return t, nil
	}
}

package codec

import (
	"testing"

	"github.com/sharedcode/playerstore"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	data := map[string]any{
		"name":  "aria",
		"level": float64(7),
		"tags":  []any{"a", "b"},
	}
	b, err := Encode(data)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if got["name"] != data["name"] || got["level"] != data["level"] {
		t.Errorf("decode mismatch: got %v, want %v", got, data)
	}
}

func TestContentHashStable(t *testing.T) {
	data := map[string]any{"a": float64(1), "b": float64(2)}
	h1, err := ContentHash(data)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := ContentHash(map[string]any{"b": float64(2), "a": float64(1)})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("ContentHash not key-order independent: %s != %s", h1, h2)
	}
}

func TestContentHashChangesOnEdit(t *testing.T) {
	h1, _ := ContentHash(map[string]any{"a": float64(1)})
	h2, _ := ContentHash(map[string]any{"a": float64(2)})
	if h1 == h2 {
		t.Error("ContentHash did not change after edit")
	}
}

func TestEncodeRejectsSelfReferencingMap(t *testing.T) {
	m := map[string]any{"name": "aria"}
	m["self"] = m

	_, err := Encode(m)
	if err == nil {
		t.Fatal("expected a cyclic map to be rejected")
	}
	if !playerstore.IsKind(err, playerstore.KindCorruptRecord) {
		t.Errorf("expected KindCorruptRecord, got %v", err)
	}
}

func TestEncodeRejectsSelfReferencingSlice(t *testing.T) {
	s := make([]any, 1)
	s[0] = s
	m := map[string]any{"items": s}

	_, err := Encode(m)
	if err == nil {
		t.Fatal("expected a cyclic slice to be rejected")
	}
	if !playerstore.IsKind(err, playerstore.KindCorruptRecord) {
		t.Errorf("expected KindCorruptRecord, got %v", err)
	}
}

func TestEncodeAllowsSharedNonCyclicReference(t *testing.T) {
	shared := map[string]any{"hp": float64(10)}
	m := map[string]any{"a": shared, "b": shared}

	if _, err := Encode(m); err != nil {
		t.Errorf("expected a shared (non-cyclic) reference to encode cleanly, got %v", err)
	}
}

package shard

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/sharedcode/playerstore"
)

func TestSplitNoopWhenUnderLimit(t *testing.T) {
	data := map[string]any{"hello": "world"}
	shards, manifest, err := Split("k1", data, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	if len(shards) != 0 {
		t.Errorf("expected no shards under the size limit, got %d", len(shards))
	}
	if manifest.ContentHash == "" {
		t.Error("expected manifest to carry a content hash even when unsplit")
	}
}

func TestSplitReassembleRoundTrip(t *testing.T) {
	data := map[string]any{"payload": make([]any, 0)}
	for i := 0; i < 500; i++ {
		data["payload"] = append(data["payload"].([]any), "padding-value-to-force-a-split")
	}

	shards, manifest, err := Split("k2", data, 256)
	if err != nil {
		t.Fatal(err)
	}
	if len(shards) < 2 {
		t.Fatalf("expected the oversized document to split into multiple shards, got %d", len(shards))
	}
	if len(manifest.ShardIDs) != len(shards) {
		t.Fatalf("manifest shard id count %d does not match shard count %d", len(manifest.ShardIDs), len(shards))
	}
	for i, id := range manifest.ShardIDs {
		if want := ShardID("k2", i); id != want {
			t.Errorf("shard %d id = %q, want %q", i, id, want)
		}
	}

	got, err := Reassemble(manifest, shards)
	if err != nil {
		t.Fatal(err)
	}
	if len(got["payload"].([]any)) != 500 {
		t.Errorf("reassembled payload has %d entries, want 500", len(got["payload"].([]any)))
	}
}

// TestSplitSegmentsFitOnWireAfterEncoding reproduces the base64 encoding and
// JSON envelope a shard segment picks up on its way to the backend, and
// checks that each resulting wire document still fits maxDocBytes — the
// sizes Split hands back are pre-base64, pre-envelope, so undersizing them
// relative to maxDocBytes is what keeps the wire document within budget.
func TestSplitSegmentsFitOnWireAfterEncoding(t *testing.T) {
	data := map[string]any{"payload": make([]any, 0)}
	for i := 0; i < 500; i++ {
		data["payload"] = append(data["payload"].([]any), "padding-value-to-force-a-split")
	}

	const maxDocBytes = 256
	shards, _, err := Split("k4", data, maxDocBytes)
	if err != nil {
		t.Fatal(err)
	}
	if len(shards) < 2 {
		t.Fatalf("expected a split, got %d shard(s)", len(shards))
	}

	for i, seg := range shards {
		encoded := base64.StdEncoding.EncodeToString(seg)
		wire, err := json.Marshal(struct {
			Version int64                    `json:"version"`
			Data    map[string]any           `json:"data"`
			Meta    playerstore.DocumentMeta `json:"meta"`
		}{Version: 1, Data: map[string]any{"chunk": encoded}})
		if err != nil {
			t.Fatal(err)
		}
		if len(wire) > maxDocBytes {
			t.Errorf("shard %d wire size %d exceeds maxDocBytes %d", i, len(wire), maxDocBytes)
		}
	}
}

func TestReassembleDetectsCorruption(t *testing.T) {
	data := map[string]any{"padding": make([]any, 0)}
	for i := 0; i < 500; i++ {
		data["padding"] = append(data["padding"].([]any), "padding-value-to-force-a-split")
	}
	shards, manifest, err := Split("k3", data, 256)
	if err != nil {
		t.Fatal(err)
	}
	shards[0] = append([]byte{}, shards[0]...)
	shards[0][0] ^= 0xFF

	if _, err := Reassemble(manifest, shards); err == nil {
		t.Error("expected corrupted shard data to be rejected")
	}
}

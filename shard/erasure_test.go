package shard

import "testing"

func TestSplitErasureReassembleRoundTrip(t *testing.T) {
	e, err := NewErasure(4, 2)
	if err != nil {
		t.Fatal(err)
	}
	data := map[string]any{"name": "erasure-roundtrip", "score": 42.0}

	shards, metas, manifest, err := e.SplitErasure("ek1", data)
	if err != nil {
		t.Fatal(err)
	}
	if len(shards) != 6 {
		t.Fatalf("expected 6 total shards, got %d", len(shards))
	}

	got, err := e.ReassembleErasure(manifest, shards, metas)
	if err != nil {
		t.Fatal(err)
	}
	if got["name"] != "erasure-roundtrip" {
		t.Errorf("name = %v, want erasure-roundtrip", got["name"])
	}
}

func TestReassembleErasureToleratesMissingParityShards(t *testing.T) {
	e, err := NewErasure(4, 2)
	if err != nil {
		t.Fatal(err)
	}
	data := map[string]any{"name": "missing-shard-test"}

	shards, metas, manifest, err := e.SplitErasure("ek2", data)
	if err != nil {
		t.Fatal(err)
	}

	shards[1] = nil
	shards[4] = nil

	got, err := e.ReassembleErasure(manifest, shards, metas)
	if err != nil {
		t.Fatal(err)
	}
	if got["name"] != "missing-shard-test" {
		t.Errorf("name = %v, want missing-shard-test", got["name"])
	}
}

func TestReassembleErasureToleratesCorruptedShard(t *testing.T) {
	e, err := NewErasure(4, 2)
	if err != nil {
		t.Fatal(err)
	}
	data := map[string]any{"name": "corrupted-shard-test"}

	shards, metas, manifest, err := e.SplitErasure("ek3", data)
	if err != nil {
		t.Fatal(err)
	}

	shards[2] = append([]byte{}, shards[2]...)
	shards[2][0] ^= 0xFF

	got, err := e.ReassembleErasure(manifest, shards, metas)
	if err != nil {
		t.Fatal(err)
	}
	if got["name"] != "corrupted-shard-test" {
		t.Errorf("name = %v, want corrupted-shard-test", got["name"])
	}
}

func TestNewErasureRejectsExcessiveShardCount(t *testing.T) {
	if _, err := NewErasure(200, 100); err == nil {
		t.Error("expected shard counts summing over 256 to be rejected")
	}
}

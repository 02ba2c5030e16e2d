// Package shard implements the Shard Manager: splitting an oversized
// encoded document into sibling DocStore documents, and reassembling and
// verifying them on read.
package shard

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/sharedcode/playerstore"
	"github.com/sharedcode/playerstore/codec"
)

// Manifest is the primary document's payload once a record has been split:
// everything needed to find and verify the siblings holding the real data.
type Manifest struct {
	ShardIDs    []string `json:"shardIds"`
	TotalSize   int      `json:"totalSize"`
	ContentHash string   `json:"contentHash"`
	// DataShards/ParityShards are non-zero only when the record was split
	// in erasure-coded mode (see erasure.go); a plain split has both zero.
	DataShards   int `json:"dataShards,omitempty"`
	ParityShards int `json:"parityShards,omitempty"`
}

// ShardID returns the deterministic sibling document ID for the index'th
// shard of key.
func ShardID(key string, index int) string {
	return fmt.Sprintf("%s/shard/%d", key, index)
}

// shardEnvelopeOverhead is a conservative upper bound on the fixed-size
// JSON scaffolding a shard segment picks up on its way to the backend: the
// {"chunk":"..."} object the caller wraps it in, plus docstore's own
// {"version","data","meta"} envelope around that.
const shardEnvelopeOverhead = 128

// segmentBudget converts a backend document size cap into the largest raw
// segment size that still lands within it once the caller base64-encodes
// the segment (a 4/3 expansion) and docstore's envelope wraps the result.
func segmentBudget(maxDocBytes int) int {
	usable := maxDocBytes - shardEnvelopeOverhead
	if usable <= 0 {
		return 0
	}
	return (usable * 3) / 4
}

// Split encodes data and, if it exceeds maxDocBytes, divides it into K
// equal-sized byte segments (the last segment absorbing any remainder)
// sized so that each, once base64-encoded and wrapped for the backend, is
// at most maxDocBytes. It returns the shard payloads (empty if no split was
// needed) and the manifest describing them.
func Split(key string, data map[string]any, maxDocBytes int) (shards [][]byte, manifest Manifest, err error) {
	encoded, err := codec.Encode(data)
	if err != nil {
		return nil, Manifest{}, err
	}
	hash, err := codec.ContentHash(data)
	if err != nil {
		return nil, Manifest{}, err
	}
	manifest = Manifest{TotalSize: len(encoded), ContentHash: hash}

	if maxDocBytes <= 0 || len(encoded) <= maxDocBytes {
		return nil, manifest, nil
	}

	budget := segmentBudget(maxDocBytes)
	if budget <= 0 {
		budget = 1
	}
	k := (len(encoded) + budget - 1) / budget
	segSize := (len(encoded) + k - 1) / k
	shards = make([][]byte, 0, k)
	ids := make([]string, 0, k)
	for i, off := 0, 0; off < len(encoded); i, off = i+1, off+segSize {
		end := off + segSize
		if end > len(encoded) {
			end = len(encoded)
		}
		shards = append(shards, encoded[off:end])
		ids = append(ids, ShardID(key, i))
	}
	manifest.ShardIDs = ids
	return shards, manifest, nil
}

// Reassemble concatenates shard payloads (fetched by the caller in manifest
// order) and verifies the result against manifest.ContentHash, returning
// CorruptRecord if it doesn't match.
func Reassemble(manifest Manifest, shards [][]byte) (map[string]any, error) {
	total := 0
	for _, s := range shards {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range shards {
		buf = append(buf, s...)
	}

	var data map[string]any
	if err := json.Unmarshal(buf, &data); err != nil {
		return nil, playerstore.NewError(playerstore.KindCorruptRecord, "", err)
	}
	gotHash, err := codec.ContentHash(data)
	if err != nil {
		return nil, err
	}
	if gotHash != manifest.ContentHash {
		return nil, playerstore.NewError(playerstore.KindCorruptRecord, "",
			fmt.Errorf("shard: content hash mismatch after reassembly: got %s, want %s", gotHash, manifest.ContentHash))
	}
	return data, nil
}

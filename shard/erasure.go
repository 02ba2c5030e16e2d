package shard

import (
	"bytes"
	"crypto/md5"
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/sharedcode/playerstore"
	"github.com/sharedcode/playerstore/codec"
)

// metadataSize is 1 stuffed-byte-count byte + a 16-byte md5 checksum, a
// fixed per-shard metadata layout prepended to every encoded shard.
const metadataSize = 17

// Erasure wraps a Reed-Solomon encoder/decoder pair for one (dataShards,
// parityShards) configuration.
type Erasure struct {
	DataShards   int
	ParityShards int
	codec        reedsolomon.Encoder
}

// NewErasure builds an Erasure for dataShards data shards plus
// parityShards parity shards.
func NewErasure(dataShards, parityShards int) (*Erasure, error) {
	if dataShards+parityShards > 256 {
		return nil, fmt.Errorf("shard: sum of data and parity shards cannot exceed 256")
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("shard: new reedsolomon encoder: %w", err)
	}
	return &Erasure{DataShards: dataShards, ParityShards: parityShards, codec: enc}, nil
}

// SplitErasure encodes data, content-hashes it, then erasure-codes the
// result into DataShards+ParityShards shards, any ParityShards of which
// can be lost without losing the record.
func (e *Erasure) SplitErasure(key string, data map[string]any) (shards [][]byte, metas [][]byte, manifest Manifest, err error) {
	encoded, err := codec.Encode(data)
	if err != nil {
		return nil, nil, Manifest{}, err
	}
	hash, err := codec.ContentHash(data)
	if err != nil {
		return nil, nil, Manifest{}, err
	}

	shards, err = e.codec.Split(encoded)
	if err != nil {
		return nil, nil, Manifest{}, fmt.Errorf("shard: split: %w", err)
	}
	if err := e.codec.Encode(shards); err != nil {
		return nil, nil, Manifest{}, fmt.Errorf("shard: encode parity: %w", err)
	}

	metas = make([][]byte, len(shards))
	for i := range shards {
		metas[i] = e.shardMeta(len(encoded), shards, i)
	}

	ids := make([]string, len(shards))
	for i := range shards {
		ids[i] = ShardID(key, i)
	}

	manifest = Manifest{
		ShardIDs:     ids,
		TotalSize:    len(encoded),
		ContentHash:  hash,
		DataShards:   e.DataShards,
		ParityShards: e.ParityShards,
	}
	return shards, metas, manifest, nil
}

func (e *Erasure) shardMeta(dataSize int, shards [][]byte, index int) []byte {
	checksum := md5.Sum(shards[index])
	meta := make([]byte, metadataSize)
	if dataSize%e.DataShards != 0 {
		meta[0] = byte(e.DataShards - dataSize%e.DataShards)
	}
	copy(meta[1:], checksum[:])
	return meta
}

// ReassembleErasure verifies shards against metas, reconstructing any
// missing or corrupted shard (up to ParityShards of them) before rejoining
// and validating the whole against manifest.ContentHash.
func (e *Erasure) ReassembleErasure(manifest Manifest, shards [][]byte, metas [][]byte) (map[string]any, error) {
	if ok, _ := e.codec.Verify(shards); !ok {
		if err := e.reconstructMissing(shards); err != nil {
			return nil, playerstore.NewError(playerstore.KindCorruptRecord, "", err)
		}
		if ok, _ := e.codec.Verify(shards); !ok {
			if err := e.reconstructCorrupted(shards, metas); err != nil {
				return nil, playerstore.NewError(playerstore.KindCorruptRecord, "", err)
			}
		}
	}

	var buf bytes.Buffer
	if err := e.codec.Join(&buf, shards, len(shards[0])*e.DataShards); err != nil {
		return nil, fmt.Errorf("shard: join: %w", err)
	}

	stuffed := 0
	if len(metas) > 0 {
		stuffed = int(metas[0][0])
	}
	raw := buf.Bytes()
	if stuffed <= len(raw) {
		raw = raw[:len(raw)-stuffed]
	}

	data, err := codec.Decode(raw)
	if err != nil {
		return nil, playerstore.NewError(playerstore.KindCorruptRecord, "", err)
	}
	gotHash, err := codec.ContentHash(data)
	if err != nil {
		return nil, err
	}
	if gotHash != manifest.ContentHash {
		return nil, playerstore.NewError(playerstore.KindCorruptRecord, "",
			fmt.Errorf("shard: content hash mismatch after erasure reassembly"))
	}
	return data, nil
}

func (e *Erasure) reconstructMissing(shards [][]byte) error {
	missing := make([]bool, len(shards))
	haveMissing := false
	for i, s := range shards {
		if s == nil {
			missing[i] = true
			haveMissing = true
		}
	}
	if !haveMissing {
		return nil
	}
	return e.codec.ReconstructSome(shards, missing)
}

func (e *Erasure) reconstructCorrupted(shards [][]byte, metas [][]byte) error {
	for i := range shards {
		if shards[i] == nil || len(metas[i]) < metadataSize {
			continue
		}
		want := metas[i][1:]
		got := md5.Sum(shards[i])
		if !bytes.Equal(want, got[:]) {
			shards[i] = nil
		}
	}
	if err := e.codec.Reconstruct(shards); err != nil {
		return err
	}
	if ok, err := e.codec.Verify(shards); !ok {
		return fmt.Errorf("shard: verify failed after reconstruct: %w", err)
	}
	return nil
}

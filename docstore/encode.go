package docstore

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/sharedcode/playerstore"
)

// wireDocument is the on-disk shape written to every backend: Data plus
// Meta plus a copy of the version counter. Cassandra's 'ver' column is the
// authoritative CAS token for that backend; S3 has no such column, so the
// embedded Version is what Get returns and what the caller passes back in
// as expectedVersion on the next Put, with S3's own ETag doing the actual
// atomic compare-and-set underneath.
type wireDocument struct {
	Version int64                    `json:"version"`
	Data    map[string]any           `json:"data"`
	Meta    playerstore.DocumentMeta `json:"meta"`
}

// encodeMeta serializes doc's Data, Meta, and the version the write will
// become (newVersion) into a backend body blob.
func encodeMeta(doc playerstore.Document, newVersion int64) ([]byte, error) {
	w := wireDocument{Version: newVersion, Data: doc.Data, Meta: doc.Meta}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("docstore: encode: %w", err)
	}
	return b, nil
}

// decodeDocument parses a backend body blob back into a Document. fallback
// is used as the version if the body predates the embedded Version field
// (always zero for documents written by this package).
func decodeDocument(body []byte, fallback int64) (playerstore.Document, error) {
	var w wireDocument
	if err := json.Unmarshal(body, &w); err != nil {
		return playerstore.Document{}, fmt.Errorf("docstore: decode: %w", err)
	}
	version := w.Version
	if version == 0 {
		version = fallback
	}
	return playerstore.Document{Data: w.Data, Meta: w.Meta, Version: version}, nil
}

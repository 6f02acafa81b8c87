package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// cacheSchemaVersion is bumped when the envelope layout changes.
const cacheSchemaVersion = 1

// CollectionBlob is the persisted form of one reconciled collection.
type CollectionBlob struct {
	Schema       int            `json:"schema"`
	Collection   string         `json:"collection,omitempty"`
	Type         string         `json:"type,omitempty"`
	TenantID     string         `json:"tenantId,omitempty"`
	ReconciledAt *time.Time     `json:"reconciledAt,omitempty"`
	Records      []CachedRecord `json:"records"`
}

// EncodeCollection serializes records for the local cache.
func EncodeCollection(key CollectionKey, tenantID string, records []CachedRecord, at time.Time) ([]byte, error) {
	blob := CollectionBlob{
		Schema:     cacheSchemaVersion,
		Collection: key.Collection,
		Type:       key.Type,
		TenantID:   tenantID,
		Records:    records,
	}
	if !at.IsZero() {
		t := at.UTC()
		blob.ReconciledAt = &t
	}
	if blob.Records == nil {
		blob.Records = []CachedRecord{}
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to encode collection %s: %w", key, err)
	}
	return data, nil
}

// DecodeCollection parses a cache blob. A bare JSON array of records, as written
// by older page modules, decodes with unknown provenance.
func DecodeCollection(data []byte) ([]CachedRecord, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}

	if data[0] == '[' {
		var legacy []Record
		if err := json.Unmarshal(data, &legacy); err != nil {
			return nil, Wrap(ErrMalformedRecord, fmt.Errorf("decode legacy cache blob: %w", err))
		}
		out := make([]CachedRecord, 0, len(legacy))
		for _, r := range legacy {
			out = append(out, CachedRecord{Record: r})
		}
		return out, nil
	}

	var blob CollectionBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, Wrap(ErrMalformedRecord, fmt.Errorf("decode cache blob: %w", err))
	}
	if blob.Schema > cacheSchemaVersion {
		return nil, Wrap(ErrMalformedRecord, fmt.Errorf("unsupported cache schema %d", blob.Schema))
	}
	return blob.Records, nil
}

// Records strips provenance from cached records.
func Records(cached []CachedRecord) []Record {
	out := make([]Record, len(cached))
	for i, c := range cached {
		out[i] = c.Record
	}
	return out
}

package record

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeCollection(t *testing.T) {
	key := NewCollectionKey("gastos", "expense")
	confirmed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	records := []CachedRecord{
		{Record: Record{ID: "a", TenantID: "t1", Type: "expense"}, Provenance: FromRemote, ConfirmedAt: &confirmed},
		{Record: Record{ID: "b", TenantID: "t1", Type: "expense"}, Provenance: LocalPendingSync},
	}

	data, err := EncodeCollection(key, "t1", records, confirmed)
	require.NoError(t, err)

	var blob map[string]any
	require.NoError(t, json.Unmarshal(data, &blob))
	assert.Equal(t, float64(1), blob["schema"])
	assert.Equal(t, "gastos", blob["collection"])

	decoded, err := DecodeCollection(data)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, "a", decoded[0].Record.ID)
	assert.Equal(t, FromRemote, decoded[0].Provenance)
	require.NotNil(t, decoded[0].ConfirmedAt)
	assert.True(t, confirmed.Equal(*decoded[0].ConfirmedAt))
	assert.Equal(t, LocalPendingSync, decoded[1].Provenance)
}

func TestEncodeCollection_EmptyRecordsIsArray(t *testing.T) {
	data, err := EncodeCollection(NewCollectionKey("c", "t"), "t1", nil, time.Time{})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"records":[]`)
}

func TestDecodeCollection_LegacyArray(t *testing.T) {
	decoded, err := DecodeCollection([]byte(`[{"id":"1709287200000","nombre":"Juan"},{"id":"x"}]`))
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, "1709287200000", decoded[0].Record.ID)
	assert.Equal(t, ProvenanceUnknown, decoded[0].Provenance)
	assert.Equal(t, "Juan", decoded[0].Record.Fields["nombre"])
}

func TestDecodeCollection_Empty(t *testing.T) {
	for _, in := range []string{"", "  ", "null"} {
		decoded, err := DecodeCollection([]byte(in))
		require.NoError(t, err)
		assert.Empty(t, decoded)
	}
}

func TestDecodeCollection_Corrupt(t *testing.T) {
	for _, in := range []string{"{not json", "[1,2", `{"schema":99,"records":[]}`} {
		_, err := DecodeCollection([]byte(in))
		require.Error(t, err, in)
		assert.True(t, errors.Is(err, ErrMalformedRecord), in)
	}
}

func TestRecords(t *testing.T) {
	out := Records([]CachedRecord{{Record: Record{ID: "a"}}, {Record: Record{ID: "b"}}})
	assert.Equal(t, []string{"a", "b"}, ids(out))
}

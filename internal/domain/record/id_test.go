package record

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthesizeID(t *testing.T) {
	at := time.UnixMilli(1709287200123)

	id := SynthesizeID("Expense", at, "abc123")
	assert.Equal(t, "expense_1709287200123_abc123", id)

	got, ok := ParseSyntheticID(id)
	require.True(t, ok)
	assert.Equal(t, at.UnixMilli(), got.UnixMilli())
}

func TestSynthesizeID_PrefixSanitized(t *testing.T) {
	id := SynthesizeID("shipment_leg", time.UnixMilli(1709287200123), "r")
	assert.Equal(t, "shipment-leg_1709287200123_r", id)

	id = SynthesizeID("  ", time.UnixMilli(1709287200123), "r")
	assert.True(t, strings.HasPrefix(id, "rec_"))
}

func TestNewLocalID_Unique(t *testing.T) {
	at := time.Now()
	a := NewLocalID(TypeIncident, at)
	b := NewLocalID(TypeIncident, at)

	assert.NotEqual(t, a, b)
	for _, id := range []string{a, b} {
		born, ok := ParseSyntheticID(id)
		assert.True(t, ok, id)
		assert.Equal(t, at.UnixMilli(), born.UnixMilli())
	}
}

func TestParseSyntheticID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		ok   bool
	}{
		{"prefixed", "inc_1709287200000_x1y2", true},
		{"prefix with underscores", "local_expense_1709287200000_z", true},
		{"bare millis", "1709287200000", true},
		{"remote document id", "8f3kLmQ2pX", false},
		{"uuid", "550e8400-e29b-41d4-a716-446655440000", false},
		{"short number", "12345", false},
		{"missing random", "inc_1709287200000_", false},
		{"missing prefix", "_1709287200000_x", false},
		{"non numeric timestamp", "inc_17092872000a0_x", false},
		{"zero timestamp", "inc_0_x", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := ParseSyntheticID(tt.id)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestDeterministicID(t *testing.T) {
	created := time.UnixMilli(1709287200000)
	r := Record{TenantID: "t1", Type: "expense", CreatedAt: &created, Fields: map[string]any{"amount": "10"}}

	first := DeterministicID("expense", r)
	second := DeterministicID("expense", r.Clone())
	assert.Equal(t, first, second)
	assert.True(t, strings.HasPrefix(first, "expense_1709287200000_"))

	other := r.Clone()
	other.Set("amount", "11")
	assert.NotEqual(t, first, DeterministicID("expense", other))
}

func TestFingerprint_IgnoresID(t *testing.T) {
	r := Record{TenantID: "t1", Type: "incident"}
	withID := r
	withID.ID = "something"
	assert.Equal(t, Fingerprint(r), Fingerprint(withID))
}

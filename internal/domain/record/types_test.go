package record

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsExpense(t *testing.T) {
	n := NewNormalizer(nil)

	var raw Record
	require.NoError(t, json.Unmarshal([]byte(`{"id":"e1","empresaId":"t1","importe":"1520.75","concepto":"Caseta","operadorId":"op-3"}`), &raw))

	exp, err := AsExpense(n.Normalize(raw, TypeExpense))
	require.NoError(t, err)
	assert.Equal(t, "e1", exp.ID)
	assert.Equal(t, "t1", exp.TenantID)
	assert.True(t, decimal.RequireFromString("1520.75").Equal(exp.Amount))
	assert.Equal(t, "Caseta", exp.Concept)
	assert.Equal(t, "op-3", exp.OperatorID)
}

func TestAsExpense_NumericAmount(t *testing.T) {
	var raw Record
	require.NoError(t, json.Unmarshal([]byte(`{"type":"expense","amount":99.9}`), &raw))

	exp, err := AsExpense(raw)
	require.NoError(t, err)
	assert.Equal(t, "99.9", exp.Amount.String())
}

func TestAsExpense_Errors(t *testing.T) {
	_, err := AsExpense(Record{Type: TypeIncident})
	assert.True(t, errors.Is(err, ErrMalformedRecord))

	_, err = AsExpense(Record{Type: TypeExpense, Fields: map[string]any{"amount": "abc"}})
	assert.True(t, errors.Is(err, ErrMalformedRecord))
}

func TestExpense_ToRecordRoundTrip(t *testing.T) {
	in := Expense{ID: "e1", TenantID: "t1", Concept: "Diesel", Amount: decimal.NewFromFloat(10.5), Currency: "MXN"}

	out, err := AsExpense(in.ToRecord())
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.True(t, in.Amount.Equal(out.Amount))
	assert.Equal(t, "MXN", out.Currency)
}

func TestAsOperator(t *testing.T) {
	n := NewNormalizer(nil)
	op, err := AsOperator(n.Normalize(Record{ID: "op-1", Fields: map[string]any{"fullName": "Ana Ruiz", "licencia": "L-1"}}, TypeOperator))
	require.NoError(t, err)
	assert.Equal(t, "Ana Ruiz", op.Name)
	assert.Equal(t, "L-1", op.LicenseNumber)

	back := op.ToRecord()
	assert.Equal(t, TypeOperator, back.Type)
	assert.Equal(t, "Ana Ruiz", back.Fields["name"])
}

func TestAsIncidentAndShipmentLeg(t *testing.T) {
	n := NewNormalizer(nil)

	inc, err := AsIncident(n.Normalize(Record{ID: "i1", Fields: map[string]any{"descripcion": "Ponchadura", "gravedad": "media"}}, TypeIncident))
	require.NoError(t, err)
	assert.Equal(t, "Ponchadura", inc.Description)
	assert.Equal(t, "media", inc.Severity)

	leg, err := AsShipmentLeg(n.Normalize(Record{ID: "l1", Fields: map[string]any{"destino": "Monterrey", "salida": "CDMX"}}, TypeShipmentLeg))
	require.NoError(t, err)
	assert.Equal(t, "CDMX", leg.Departure)
	assert.Equal(t, "Monterrey", leg.Destination)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		r       Record
		wantErr bool
	}{
		{name: "expense", r: Record{Type: TypeExpense, Fields: map[string]any{"amount": "10.25"}}},
		{name: "expense numeric amount", r: Record{Type: TypeExpense, Fields: map[string]any{"amount": json.Number("7")}}},
		{name: "expense bad amount", r: Record{Type: TypeExpense, Fields: map[string]any{"amount": "abc"}}, wantErr: true},
		{name: "expense bad number", r: Record{Type: TypeExpense, Fields: map[string]any{"amount": json.Number("1e")}}, wantErr: true},
		{name: "expense amount object", r: Record{Type: TypeExpense, Fields: map[string]any{"amount": map[string]any{}}}, wantErr: true},
		{name: "operator", r: Record{Type: TypeOperator}},
		{name: "custom type", r: Record{Type: "fuel_card", Fields: map[string]any{"amount": "abc"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.r)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrMalformedRecord))
				return
			}
			assert.NoError(t, err)
		})
	}
}

package record

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Built-in record types.
const (
	TypeExpense     = "expense"
	TypeIncident    = "incident"
	TypeShipmentLeg = "shipment_leg"
	TypeOperator    = "operator"
)

// Expense is the canonical view of an expense record.
type Expense struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenantId"`
	Concept    string          `json:"concept"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	OperatorID string          `json:"operatorId"`
	ShipmentID string          `json:"shipmentId"`
	CreatedAt  *time.Time      `json:"createdAt,omitempty"`
}

// Incident is the canonical view of an incident record.
type Incident struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenantId"`
	Description string     `json:"description"`
	Severity    string     `json:"severity"`
	OperatorID  string     `json:"operatorId"`
	ShipmentID  string     `json:"shipmentId"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
}

// ShipmentLeg is the canonical view of one leg of a shipment.
type ShipmentLeg struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenantId"`
	ShipmentID  string     `json:"shipmentId"`
	Departure   string     `json:"departure"`
	Destination string     `json:"destination"`
	OperatorID  string     `json:"operatorId"`
	Status      string     `json:"status"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
}

// Operator is the canonical view of a truck operator.
type Operator struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenantId"`
	Name          string     `json:"name"`
	LicenseNumber string     `json:"licenseNumber"`
	Phone         string     `json:"phone"`
	Status        string     `json:"status"`
	CreatedAt     *time.Time `json:"createdAt,omitempty"`
}

// AsExpense adapts a normalized record to an Expense.
func AsExpense(r Record) (Expense, error) {
	if err := expectType(r, TypeExpense); err != nil {
		return Expense{}, err
	}
	amount, err := decimalField(r, "amount")
	if err != nil {
		return Expense{}, err
	}
	return Expense{
		ID:         r.ID,
		TenantID:   r.TenantID,
		Concept:    stringField(r, "concept"),
		Amount:     amount,
		Currency:   stringField(r, "currency"),
		OperatorID: stringField(r, "operatorId"),
		ShipmentID: stringField(r, "shipmentId"),
		CreatedAt:  r.CreatedAt,
	}, nil
}

// AsIncident adapts a normalized record to an Incident.
func AsIncident(r Record) (Incident, error) {
	if err := expectType(r, TypeIncident); err != nil {
		return Incident{}, err
	}
	return Incident{
		ID:          r.ID,
		TenantID:    r.TenantID,
		Description: stringField(r, "description"),
		Severity:    stringField(r, "severity"),
		OperatorID:  stringField(r, "operatorId"),
		ShipmentID:  stringField(r, "shipmentId"),
		CreatedAt:   r.CreatedAt,
	}, nil
}

// AsShipmentLeg adapts a normalized record to a ShipmentLeg.
func AsShipmentLeg(r Record) (ShipmentLeg, error) {
	if err := expectType(r, TypeShipmentLeg); err != nil {
		return ShipmentLeg{}, err
	}
	return ShipmentLeg{
		ID:          r.ID,
		TenantID:    r.TenantID,
		ShipmentID:  stringField(r, "shipmentId"),
		Departure:   stringField(r, "departure"),
		Destination: stringField(r, "destination"),
		OperatorID:  stringField(r, "operatorId"),
		Status:      stringField(r, "status"),
		CreatedAt:   r.CreatedAt,
	}, nil
}

// AsOperator adapts a normalized record to an Operator.
func AsOperator(r Record) (Operator, error) {
	if err := expectType(r, TypeOperator); err != nil {
		return Operator{}, err
	}
	return Operator{
		ID:            r.ID,
		TenantID:      r.TenantID,
		Name:          stringField(r, "name"),
		LicenseNumber: stringField(r, "licenseNumber"),
		Phone:         stringField(r, "phone"),
		Status:        stringField(r, "status"),
		CreatedAt:     r.CreatedAt,
	}, nil
}

// ToRecord converts the expense back into a generic record.
func (e Expense) ToRecord() Record {
	r := Record{ID: e.ID, TenantID: e.TenantID, Type: TypeExpense, CreatedAt: e.CreatedAt}
	r.Set("concept", e.Concept)
	r.Set("amount", e.Amount.String())
	r.Set("currency", e.Currency)
	r.Set("operatorId", e.OperatorID)
	r.Set("shipmentId", e.ShipmentID)
	return r
}

// ToRecord converts the operator back into a generic record.
func (o Operator) ToRecord() Record {
	r := Record{ID: o.ID, TenantID: o.TenantID, Type: TypeOperator, CreatedAt: o.CreatedAt}
	r.Set("name", o.Name)
	r.Set("licenseNumber", o.LicenseNumber)
	r.Set("phone", o.Phone)
	r.Set("status", o.Status)
	return r
}

// Validate checks a normalized record against the canonical view of its
// built-in type. Records of other types are accepted as is.
func Validate(r Record) error {
	var err error
	switch r.Type {
	case TypeExpense:
		_, err = AsExpense(r)
	case TypeIncident:
		_, err = AsIncident(r)
	case TypeShipmentLeg:
		_, err = AsShipmentLeg(r)
	case TypeOperator:
		_, err = AsOperator(r)
	}
	return err
}

func expectType(r Record, want string) error {
	if r.Type != want {
		return Wrap(ErrMalformedRecord, fmt.Errorf("record %q has type %q, want %q", r.ID, r.Type, want))
	}
	return nil
}

func stringField(r Record, field string) string {
	v, ok := r.Get(field)
	if !ok {
		return ""
	}
	s, _ := stringify(v)
	return s
}

func decimalField(r Record, field string) (decimal.Decimal, error) {
	v, ok := r.Get(field)
	if !ok || v == nil {
		return decimal.Zero, nil
	}
	switch x := v.(type) {
	case decimal.Decimal:
		return x, nil
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return decimal.Zero, Wrap(ErrMalformedRecord, fmt.Errorf("field %s: %w", field, err))
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(x), nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case string:
		if x == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(x)
		if err != nil {
			return decimal.Zero, Wrap(ErrMalformedRecord, fmt.Errorf("field %s: %w", field, err))
		}
		return d, nil
	default:
		return decimal.Zero, Wrap(ErrMalformedRecord, fmt.Errorf("field %s has unsupported type %T", field, v))
	}
}

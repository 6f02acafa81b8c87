// Package record holds the canonical business record shared by every page module
// (expenses, incidents, shipment legs, operators) together with the pure helpers
// that prepare records for reconciliation: normalization, ID synthesis and
// tenant filtering.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Canonical JSON field names.
const (
	FieldID        = "id"
	FieldTenantID  = "tenantId"
	FieldUserID    = "userId"
	FieldType      = "type"
	FieldOrigin    = "origin"
	FieldCreatedAt = "createdAt"
)

// Record is one business entity. The logical fields used by reconciliation are
// promoted to struct fields; everything else lives in Fields.
type Record struct {
	ID        string
	TenantID  string
	UserID    string
	Type      string
	Origin    string
	CreatedAt *time.Time
	Fields    map[string]any
}

// Clone returns a copy whose Fields map can be mutated independently.
func (r Record) Clone() Record {
	out := r
	if r.CreatedAt != nil {
		t := *r.CreatedAt
		out.CreatedAt = &t
	}
	if r.Fields != nil {
		out.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// Get returns a non-canonical field value.
func (r Record) Get(field string) (any, bool) {
	if r.Fields == nil {
		return nil, false
	}
	v, ok := r.Fields[field]
	return v, ok
}

// Set stores a non-canonical field value.
func (r *Record) Set(field string, value any) {
	if r.Fields == nil {
		r.Fields = make(map[string]any)
	}
	r.Fields[field] = value
}

// HasTenant reports whether the record carries a tenant identifier.
func (r Record) HasTenant() bool {
	return r.TenantID != ""
}

// MarshalJSON encodes the record as a flat JSON object.
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+6)
	for k, v := range r.Fields {
		out[k] = v
	}
	if r.ID != "" {
		out[FieldID] = r.ID
	}
	if r.TenantID != "" {
		out[FieldTenantID] = r.TenantID
	}
	if r.UserID != "" {
		out[FieldUserID] = r.UserID
	}
	if r.Type != "" {
		out[FieldType] = r.Type
	}
	if r.Origin != "" {
		out[FieldOrigin] = r.Origin
	}
	if r.CreatedAt != nil {
		out[FieldCreatedAt] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a flat JSON object. Numeric IDs written by older page
// modules become strings; an unparseable createdAt is kept verbatim in Fields.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		*r = Record{}
		return nil
	}

	*r = FromMap(raw)
	return nil
}

// FromMap builds a Record from a generic field map, promoting canonical fields.
func FromMap(raw map[string]any) Record {
	var rec Record
	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		fields[k] = v
	}

	if v, ok := takeString(fields, FieldID); ok {
		rec.ID = v
	}
	if v, ok := takeString(fields, FieldTenantID); ok {
		rec.TenantID = v
	}
	if v, ok := takeString(fields, FieldUserID); ok {
		rec.UserID = v
	}
	if v, ok := takeString(fields, FieldType); ok {
		rec.Type = v
	}
	if v, ok := takeString(fields, FieldOrigin); ok {
		rec.Origin = v
	}
	if v, ok := fields[FieldCreatedAt]; ok {
		if t, ok := ParseTimestamp(v); ok {
			rec.CreatedAt = &t
			delete(fields, FieldCreatedAt)
		}
	}
	if len(fields) > 0 {
		rec.Fields = fields
	}
	return rec
}

// takeString removes key from fields and returns it as a trimmed string.
// Empty and null values are removed and reported as absent.
func takeString(fields map[string]any, key string) (string, bool) {
	v, ok := fields[key]
	if !ok {
		return "", false
	}
	s, ok := stringify(v)
	if !ok {
		return "", false
	}
	delete(fields, key)
	s = strings.TrimSpace(s)
	return s, s != ""
}

func stringify(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", true
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case fmt.Stringer:
		return x.String(), true
	default:
		return "", false
	}
}

// timestampLayouts are the createdAt encodings seen in cached blobs.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp accepts ISO-8601 strings, epoch milliseconds and time values.
func ParseTimestamp(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, !x.IsZero()
	case *time.Time:
		if x == nil || x.IsZero() {
			return time.Time{}, false
		}
		return *x, true
	case json.Number:
		ms, err := x.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(ms).UTC(), ms > 0
	case float64:
		return time.UnixMilli(int64(x)).UTC(), x > 0
	case int64:
		return time.UnixMilli(x).UTC(), x > 0
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
			return time.UnixMilli(ms).UTC(), true
		}
	}
	return time.Time{}, false
}

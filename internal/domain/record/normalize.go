package record

import (
	"strings"
)

// AliasTable maps a canonical field name to the alternate names older page
// modules wrote it under, in lookup order.
type AliasTable map[string][]string

// commonAliases apply to every record type. Only true creation fields alias
// createdAt; business dates such as "fecha" stay in Fields.
var commonAliases = AliasTable{
	FieldID:        {"_id", "docId", "uuid"},
	FieldTenantID:  {"empresaId", "companyId", "tenant_id", "tenant"},
	FieldUserID:    {"usuarioId", "uid", "user_id", "ownerId"},
	FieldType:      {"tipo", "kind"},
	FieldOrigin:    {"origen", "source"},
	FieldCreatedAt: {"fechaCreacion", "created_at"},
}

// DefaultTypeAliases are the per-type field aliases for the built-in record types.
var DefaultTypeAliases = map[string]AliasTable{
	TypeOperator: {
		"name":          {"nombre", "displayName", "fullName", "nombreCompleto"},
		"licenseNumber": {"licencia", "numeroLicencia", "license"},
		"phone":         {"telefono", "phoneNumber"},
		"status":        {"estado", "estatus"},
	},
	TypeExpense: {
		"amount":      {"importe", "monto", "total"},
		"concept":     {"concepto", "description", "descripcion"},
		"operatorId":  {"operadorId", "driverId"},
		"shipmentId":  {"viajeId", "tripId"},
		"currency":    {"moneda"},
		"paymentForm": {"formaPago"},
	},
	TypeIncident: {
		"description": {"descripcion", "detalle", "notes"},
		"severity":    {"severidad", "gravedad"},
		"operatorId":  {"operadorId", "driverId"},
		"shipmentId":  {"viajeId", "tripId"},
	},
	TypeShipmentLeg: {
		"shipmentId":  {"viajeId", "tripId", "numeroRegistro"},
		"departure":   {"origenViaje", "salida", "from"},
		"destination": {"destino", "to"},
		"operatorId":  {"operadorPrincipal", "operadorId", "driverId"},
		"status":      {"estado", "estatus"},
	},
}

// Normalizer maps records onto the canonical shape. It is pure and safe for
// concurrent use once constructed.
type Normalizer struct {
	typeAliases map[string]AliasTable
}

// NewNormalizer returns a normalizer using the built-in alias tables plus extra.
// Aliases in extra are tried after the built-in ones.
func NewNormalizer(extra map[string]AliasTable) *Normalizer {
	tables := make(map[string]AliasTable, len(DefaultTypeAliases)+len(extra))
	for t, table := range DefaultTypeAliases {
		tables[t] = cloneTable(table)
	}
	for t, table := range extra {
		t = strings.ToLower(t)
		dst, ok := tables[t]
		if !ok {
			dst = AliasTable{}
			tables[t] = dst
		}
		for canonical, aliases := range table {
			dst[canonical] = append(dst[canonical], aliases...)
		}
	}
	return &Normalizer{typeAliases: tables}
}

// Normalize returns a canonical copy of r. expectedType fills an absent type.
func (n *Normalizer) Normalize(r Record, expectedType string) Record {
	out := r.Clone()

	n.promoteCanonical(&out)

	out.Type = strings.ToLower(strings.TrimSpace(out.Type))
	if out.Type == "" {
		out.Type = strings.ToLower(strings.TrimSpace(expectedType))
	}
	out.ID = strings.TrimSpace(out.ID)
	out.TenantID = strings.TrimSpace(out.TenantID)
	out.UserID = strings.TrimSpace(out.UserID)
	out.Origin = strings.TrimSpace(out.Origin)

	if table, ok := n.typeAliases[out.Type]; ok {
		applyAliases(&out, table)
	}
	if len(out.Fields) == 0 {
		out.Fields = nil
	}
	return out
}

func (n *Normalizer) promoteCanonical(r *Record) {
	if r.Fields == nil {
		return
	}
	promote := func(dst *string, canonical string) {
		if *dst != "" {
			return
		}
		for _, alias := range commonAliases[canonical] {
			if v, ok := takeString(r.Fields, alias); ok {
				*dst = v
				return
			}
		}
	}
	promote(&r.ID, FieldID)
	promote(&r.TenantID, FieldTenantID)
	promote(&r.UserID, FieldUserID)
	promote(&r.Type, FieldType)
	promote(&r.Origin, FieldOrigin)

	if r.CreatedAt == nil {
		for _, alias := range commonAliases[FieldCreatedAt] {
			v, ok := r.Fields[alias]
			if !ok {
				continue
			}
			if t, ok := ParseTimestamp(v); ok {
				r.CreatedAt = &t
				delete(r.Fields, alias)
				break
			}
		}
	}
}

func applyAliases(r *Record, table AliasTable) {
	if r.Fields == nil {
		return
	}
	for canonical, aliases := range table {
		if isPopulated(r.Fields[canonical]) {
			continue
		}
		for _, alias := range aliases {
			v, ok := r.Fields[alias]
			if !ok || !isPopulated(v) {
				continue
			}
			r.Fields[canonical] = v
			delete(r.Fields, alias)
			break
		}
	}
}

func isPopulated(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(x) != ""
	default:
		return true
	}
}

func cloneTable(t AliasTable) AliasTable {
	out := make(AliasTable, len(t))
	for k, v := range t {
		out[k] = append([]string(nil), v...)
	}
	return out
}

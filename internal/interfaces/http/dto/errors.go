package dto

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/erp/fleetsync/internal/domain/record"
)

// General error codes
const (
	ErrCodeInternal    = "ERR_INTERNAL"
	ErrCodeBadRequest  = "ERR_BAD_REQUEST"
	ErrCodeInvalidJSON = "ERR_INVALID_JSON"
	ErrCodeValidation  = "ERR_VALIDATION"
	ErrCodeNotFound    = "ERR_NOT_FOUND"
	ErrCodeForbidden   = "ERR_FORBIDDEN"
	// ErrCodeMaxConnections is used when the stream client limit is reached
	ErrCodeMaxConnections = "ERR_MAX_CONNECTIONS"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes. Sync error codes
// are passed through unchanged.
var ErrorCodeHTTPStatus = map[string]int{
	ErrCodeInternal:       http.StatusInternalServerError,
	ErrCodeBadRequest:     http.StatusBadRequest,
	ErrCodeInvalidJSON:    http.StatusBadRequest,
	ErrCodeValidation:     http.StatusBadRequest,
	ErrCodeNotFound:       http.StatusNotFound,
	ErrCodeForbidden:      http.StatusForbidden,
	ErrCodeMaxConnections: http.StatusServiceUnavailable,

	// Remote side unreachable -> 503
	record.CodeRemoteUnavailable: http.StatusServiceUnavailable,
	record.CodeNotReady:          http.StatusServiceUnavailable,
	record.CodeNoResult:          http.StatusServiceUnavailable,

	// Local cache full -> 507
	record.CodeQuotaExceeded: http.StatusInsufficientStorage,

	record.CodeDuplicateRecord: http.StatusConflict,
	record.CodeWriteConflict:   http.StatusConflict,
	record.CodeMalformedRecord: http.StatusUnprocessableEntity,
}

// GetHTTPStatus returns the HTTP status code for an error code
// Returns 500 Internal Server Error if the error code is not found
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// ErrorInfoFor classifies err. Unclassified errors become ERR_INTERNAL with a
// generic message so internals do not leak.
func ErrorInfoFor(err error) (int, ErrorInfo) {
	var se *record.SyncError
	if errors.As(err, &se) {
		return GetHTTPStatus(se.Code), ErrorInfo{Code: se.Code, Message: se.Error()}
	}
	return http.StatusInternalServerError, ErrorInfo{Code: ErrCodeInternal, Message: "An unexpected error occurred"}
}

// ValidationDetails converts validator errors into response details. It
// returns nil when err carries no field errors.
func ValidationDetails(err error) []ValidationDetail {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	details := make([]ValidationDetail, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, ValidationDetail{
			Field:   toSnakeCase(fe.Field()),
			Tag:     fe.Tag(),
			Message: validationMessage(fe),
		})
	}
	return details
}

func validationMessage(fe validator.FieldError) string {
	field := toSnakeCase(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "alphanumunicode", "printascii":
		return field + " contains invalid characters"
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

func toSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

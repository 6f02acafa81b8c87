package record

import "errors"

// Error codes surfaced by the sync core.
const (
	CodeRemoteUnavailable = "REMOTE_UNAVAILABLE"
	CodeQuotaExceeded     = "QUOTA_EXCEEDED"
	CodeDuplicateRecord   = "DUPLICATE_RECORD"
	CodeMalformedRecord   = "MALFORMED_RECORD"
	CodeWriteConflict     = "WRITE_CONFLICT"
	CodeNoResult          = "NO_RESULT"
	CodeNotReady          = "NOT_READY"
)

// SyncError is a classified sync failure. Two SyncErrors match under errors.Is
// when their codes are equal, so wrapped causes still compare against the
// package sentinels.
type SyncError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is matches by code.
func (e *SyncError) Is(target error) bool {
	var other *SyncError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// NewSyncError creates a new sync error
func NewSyncError(code, message string) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
	}
}

// Wrap returns a copy of the sentinel carrying cause.
func Wrap(sentinel *SyncError, cause error) *SyncError {
	return &SyncError{
		Code:    sentinel.Code,
		Message: sentinel.Message,
		Err:     cause,
	}
}

// Common sync errors
var (
	ErrRemoteUnavailable = NewSyncError(CodeRemoteUnavailable, "remote store unavailable")
	ErrQuotaExceeded     = NewSyncError(CodeQuotaExceeded, "local cache quota exceeded")
	ErrDuplicateRecord   = NewSyncError(CodeDuplicateRecord, "duplicate record id")
	ErrMalformedRecord   = NewSyncError(CodeMalformedRecord, "malformed record")
	ErrWriteConflict     = NewSyncError(CodeWriteConflict, "cache entry version changed")
	ErrNoResult          = NewSyncError(CodeNoResult, "neither remote nor local cache produced a result")
	ErrNotReady          = NewSyncError(CodeNotReady, "remote store not ready")
)

// CodeOf returns the SyncError code of err, or "" when err is not classified.
func CodeOf(err error) string {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

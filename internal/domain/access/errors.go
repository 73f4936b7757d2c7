package access

import (
	"errors"
	"fmt"
)

// Error kinds. Every *Error matches exactly one of these with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrStateConflict     = errors.New("state conflict")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrAccessDenied      = errors.New("access denied")
	ErrExpired           = errors.New("expired")
	ErrAlreadyResolved   = errors.New("already resolved")
	ErrValidation        = errors.New("validation failed")
	ErrResourceExhausted = errors.New("resource exhausted")
)

// Store-level errors returned by repositories.
var (
	ErrAlreadyExists   = errors.New("store: key already exists")
	ErrVersionConflict = errors.New("store: version conflict")
	ErrNoRows          = errors.New("store: no rows")
)

// Error is a domain error with a stable code and a kind.
type Error struct {
	Code string
	Kind error
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Kind }

func newErr(kind error, code, msg string) *Error {
	return &Error{Code: code, Kind: kind, Msg: msg}
}

// Code returns the code of err when it is (or wraps) an *Error.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

var (
	errPatientNotFound      = newErr(ErrNotFound, "PatientNotFound", "patient account not found")
	errRecordNotFound       = newErr(ErrNotFound, "RecordNotFound", "medical record not found")
	errGrantNotFound        = newErr(ErrNotFound, "AccessGrantNotFound", "access grant not found")
	errRequestNotFound      = newErr(ErrNotFound, "AccessRequestNotFound", "access request not found")
	errPatientExists        = newErr(ErrStateConflict, "PatientAlreadyExists", "patient account already exists")
	errPatientInactive      = newErr(ErrStateConflict, "PatientInactive", "patient account is inactive")
	errPatientAlreadyActive = newErr(ErrStateConflict, "PatientAlreadyActive", "patient account is already active")
	errRecordInactive       = newErr(ErrStateConflict, "RecordInactive", "record is inactive or archived")
	errRecordExists         = newErr(ErrStateConflict, "RecordAlreadyExists", "a record with this id already exists for the patient")
	errGrantExists          = newErr(ErrStateConflict, "GrantAlreadyExists", "an access grant already exists for this provider")
	errRequestExists        = newErr(ErrStateConflict, "RequestAlreadyExists", "an access request already exists for this requester")
	errConcurrentUpdate     = newErr(ErrStateConflict, "ConcurrentUpdate", "entity was modified concurrently")
	errUnauthorized         = newErr(ErrUnauthorized, "Unauthorized", "you don't have permission to perform this action")
	errCannotRevoke         = newErr(ErrUnauthorized, "CannotRevokeGrant", "cannot revoke an access grant that doesn't belong to you")
	errAccessDenied         = newErr(ErrAccessDenied, "AccessDenied", "no valid access grant exists")
	errGrantExpired         = newErr(ErrExpired, "AccessGrantExpired", "access grant has expired")
	errRequestExpired       = newErr(ErrExpired, "RequestExpired", "access request has expired")
	errGrantRevoked         = newErr(ErrAlreadyResolved, "AccessGrantRevoked", "access grant is already revoked")
	errRequestResponded     = newErr(ErrAlreadyResolved, "RequestAlreadyResponded", "access request has already been responded to")
	errTooManyRecordTypes   = newErr(ErrResourceExhausted, "TooManyRecordTypes", "maximum number of record types exceeded")
	errTooManyProviders     = newErr(ErrResourceExhausted, "TooManyProviders", "too many providers (max 10 per batch)")
	errCounterOverflow      = newErr(ErrValidation, "CounterOverflow", "counter overflow")
	errExportTooLarge       = newErr(ErrResourceExhausted, "AuditExportTooLarge", "too many audit entries; narrow the time range")
)

func validationErr(code, format string, args ...any) *Error {
	return newErr(ErrValidation, code, fmt.Sprintf(format, args...))
}

func accessDenied(msg string) *Error {
	return newErr(ErrAccessDenied, "AccessDenied", msg)
}

package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeUnauthorized  Code = "UNAUTHORIZED"
	CodeForbidden     Code = "FORBIDDEN"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	CodeStateConflict Code = "STATE_CONFLICT"
	CodeIdempotency   Code = "IDEMPOTENCY_KEY_REUSED"
	CodeRateLimit     Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeDependency    Code = "DEPENDENCY_ERROR"

	CodeOutOfOrder        Code = "OUT_OF_ORDER"
	CodeAlreadyReleased   Code = "ALREADY_RELEASED"
	CodeDuplicateBid      Code = "DUPLICATE_BID"
	CodeLedgerUnavailable Code = "LEDGER_UNAVAILABLE"
	CodeLedgerFailure     Code = "LEDGER_FAILURE"
	CodeInconsistent      Code = "INCONSISTENT"
)

// Metadata is the HTTP face of a code. Details are only rendered to callers
// when DetailsAllowed is set.
type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
}

var metadataByCode = map[Code]Metadata{
	CodeValidation:    {http.StatusBadRequest, false, "validation failed", true},
	CodeUnauthorized:  {http.StatusUnauthorized, false, "authentication required", false},
	CodeForbidden:     {http.StatusForbidden, false, "access denied", false},
	CodeNotFound:      {http.StatusNotFound, false, "resource not found", false},
	CodeConflict:      {http.StatusConflict, false, "conflict detected", false},
	CodeStateConflict: {http.StatusUnprocessableEntity, false, "state transition disallowed", true},
	CodeIdempotency:   {http.StatusConflict, false, "idempotency key reused", true},
	CodeRateLimit:     {http.StatusTooManyRequests, false, "rate limit exceeded", false},
	CodeInternal:      {http.StatusInternalServerError, true, "internal server error", false},
	CodeDependency:    {http.StatusServiceUnavailable, true, "dependency unavailable", true},

	CodeOutOfOrder:      {http.StatusConflict, false, "earlier milestones must be paid first", true},
	CodeAlreadyReleased: {http.StatusConflict, false, "milestone already released", true},
	CodeDuplicateBid:    {http.StatusConflict, false, "an open bid already exists", false},
	CodeInconsistent:    {http.StatusConflict, false, "ledger state inconsistent; escalated", false},
	// Ledger outcomes are accepted but pending; reconciliation finishes them.
	CodeLedgerUnavailable: {http.StatusAccepted, true, "ledger unavailable; operation pending", true},
	CodeLedgerFailure:     {http.StatusAccepted, true, "ledger did not confirm; operation pending", true},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// IsCode reports whether the first typed error in err's chain has the given code.
func IsCode(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.code == code
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

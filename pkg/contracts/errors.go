package contracts

import (
	"errors"
	"fmt"
)

// ErrorCode classifies domain failures for the route layer and for tests.
type ErrorCode string

const (
	CodeInvalidTransition   ErrorCode = "INVALID_TRANSITION"
	CodeInvalidState        ErrorCode = "INVALID_STATE"
	CodeForbidden           ErrorCode = "FORBIDDEN"
	CodeTaskNotFound        ErrorCode = "TASK_NOT_FOUND"
	CodeTaskSuperseded      ErrorCode = "TASK_SUPERSEDED"
	CodeQueryAlreadyOpen    ErrorCode = "QUERY_ALREADY_OPEN"
	CodeQueryNotFound       ErrorCode = "QUERY_NOT_FOUND"
	CodeApplicationNotFound ErrorCode = "APPLICATION_NOT_FOUND"
	CodeValidationFailed    ErrorCode = "VALIDATION_FAILED"
	CodeSLABatchFailed      ErrorCode = "SLA_BATCH_FAILED"
	CodeAuditChainMismatch  ErrorCode = "AUDIT_CHAIN_MISMATCH"
)

// DomainError is a typed engine failure. All executor-boundary failures are
// one of these; anything else escaping the engine is an infrastructure error.
type DomainError struct {
	Code   ErrorCode
	Detail string
}

func (e *DomainError) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Is matches two domain errors by code, so callers can use
// errors.Is(err, &DomainError{Code: CodeForbidden}).
func (e *DomainError) Is(target error) bool {
	var de *DomainError
	if !errors.As(target, &de) {
		return false
	}
	return e.Code == de.Code
}

// Errorf builds a DomainError with a formatted detail message.
func Errorf(code ErrorCode, format string, args ...any) *DomainError {
	return &DomainError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the domain error code from err, or "" when err is not a
// domain error.
func CodeOf(err error) ErrorCode {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

package schema

import (
	"errors"
	"fmt"
)

// Code is the wire-visible error code of the broker taxonomy.
type Code string

const (
	// CodeValidation covers malformed requests, unknown enum values, and
	// operations outside an adapter's vocabulary.
	CodeValidation Code = "VALIDATION"
	// CodeInvalidOperation is the validation failure for an operation not in
	// the kb_type's vocabulary; the reply echoes the allowed set.
	CodeInvalidOperation Code = "INVALID_OPERATION"
	// CodeDuplicate signals an identity or kb_id that is already registered.
	CodeDuplicate Code = "DUPLICATE"
	// CodeUnknownResource signals a kb_id or target agent not in the registry.
	CodeUnknownResource Code = "UNKNOWN_RESOURCE"
	// CodeDenied is a policy denial.
	CodeDenied Code = "DENIED"
	// CodeEvaluatorUnavailable means the policy evaluator could not be
	// reached or returned garbage. The broker fails closed.
	CodeEvaluatorUnavailable Code = "EVALUATOR_UNAVAILABLE"
	// CodeAdapterError covers worker error replies and dispatch timeouts.
	CodeAdapterError Code = "ADAPTER_ERROR"
	// CodeAuditFailure means the audit write failed; the operation is
	// converted to an error reply, never a success.
	CodeAuditFailure Code = "AUDIT_FAILURE"
	// CodeInternal is the fallback for faults with no better classification.
	CodeInternal Code = "INTERNAL"
)

// Error is a coded broker error. It is the only error type that crosses the
// transport boundary; everything else is wrapped before serialization.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"error"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a coded error.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the broker code from err, unwrapping as needed.
// Uncoded errors map to CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// MessageOf returns the wire message for err: the bare message for coded
// errors, err.Error() otherwise. Replies carry the code in its own field,
// so the text never repeats it.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

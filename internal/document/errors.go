package document

import (
	"errors"
	"fmt"
)

// MutationError represents a semantically invalid action rejected by a
// document adapter.
//
// Mutation errors are recoverable: the server rebuilds the authoritative
// copy, the acting client rolls back its optimistic copy, and no other
// connection is affected.
type MutationError struct {
	// Code identifies the error category.
	Code MutationErrorCode

	// Op is the action op that failed, when known.
	Op string

	// Message is a human-readable description.
	Message string
}

// MutationErrorCode categorizes mutation errors.
type MutationErrorCode string

const (
	// ErrCodeInvalidAction indicates a payload that does not match the
	// action schema.
	ErrCodeInvalidAction MutationErrorCode = "INVALID_ACTION"

	// ErrCodeUnknownOp indicates an op the adapter does not implement.
	ErrCodeUnknownOp MutationErrorCode = "UNKNOWN_OP"

	// ErrCodeDuplicateID indicates an element id that already exists.
	ErrCodeDuplicateID MutationErrorCode = "DUPLICATE_ID"

	// ErrCodeMissingID indicates a referenced element that does not exist.
	ErrCodeMissingID MutationErrorCode = "MISSING_ID"

	// ErrCodeElementInUse indicates a deletion blocked by references.
	ErrCodeElementInUse MutationErrorCode = "ELEMENT_IN_USE"
)

// Error implements the error interface.
func (e *MutationError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s (op=%s)", e.Code, e.Message, e.Op)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsMutationError reports whether err is (or wraps) a MutationError.
func IsMutationError(err error) bool {
	var me *MutationError
	return errors.As(err, &me)
}

// NewMutationError creates a MutationError with the given code, op, and
// formatted message.
func NewMutationError(code MutationErrorCode, op, format string, args ...any) *MutationError {
	return &MutationError{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

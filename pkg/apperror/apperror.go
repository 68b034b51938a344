// Package apperror classifies engine failures into caller-recoverable kinds.
package apperror

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNotFound         Kind = "NOT_FOUND"
	KindConflict         Kind = "CONFLICT"
	KindCapacityExceeded Kind = "CAPACITY_EXCEEDED"
	KindInvalidState     Kind = "INVALID_STATE"
	KindInvalidArgument  Kind = "INVALID_ARGUMENT"
	KindInternal         Kind = "INTERNAL"
)

// Error is a sentinel with a stable snake_case code.
type Error struct {
	Kind Kind
	Code string
}

func New(kind Kind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

func (e *Error) Error() string {
	return e.Code
}

// DetailedError decorates a sentinel with a human message and structured context
// such as the purchased seat count or the tier a user already holds.
type DetailedError struct {
	err     *Error
	message string
	details map[string]any
}

func WithDetails(sentinel *Error, message string, details map[string]any) error {
	if sentinel == nil {
		return nil
	}
	return &DetailedError{err: sentinel, message: message, details: details}
}

func (e *DetailedError) Error() string {
	if e.message == "" {
		return e.err.Code
	}
	return fmt.Sprintf("%s: %s", e.err.Code, e.message)
}

func (e *DetailedError) Unwrap() error {
	return e.err
}

func (e *DetailedError) Message() string {
	return e.message
}

// KindOf returns the classification of err. Unclassified errors are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// CodeOf returns the sentinel code, or "internal_error" for unclassified errors.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "internal_error"
}

func DetailsOf(err error) map[string]any {
	var detailed *DetailedError
	if errors.As(err, &detailed) {
		return detailed.details
	}
	return nil
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

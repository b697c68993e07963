package skills

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error by who is at fault and whether a retry can help.
type Kind string

const (
	KindValidation  Kind = "ValidationError"
	KindSecurity    Kind = "SecurityError"
	KindConcurrency Kind = "ConcurrencyError"
	KindNotFound    Kind = "NotFoundError"
	KindExecution   Kind = "ExecutionError"
	KindInternal    Kind = "InternalError"
)

// Code identifies the specific failure within a Kind.
type Code string

const (
	CodeInvalidName              Code = "InvalidName"
	CodeInvalidContext           Code = "InvalidContext"
	CodeOutOfRange               Code = "OutOfRange"
	CodeInvalidEnumValue         Code = "InvalidEnumValue"
	CodePathTraversal            Code = "PathTraversal"
	CodeUnsupportedExtension     Code = "UnsupportedExtension"
	CodeInvalidScript            Code = "InvalidScript"
	CodeNotFound                 Code = "NotFound"
	CodeSkillNotFound            Code = "SkillNotFound"
	CodeNoExecutableScript       Code = "NoExecutableScript"
	CodeConcurrencyLimitExceeded Code = "ConcurrencyLimitExceeded"
	CodeTimeout                  Code = "Timeout"
	CodeNonZeroExit              Code = "NonZeroExit"
	CodeOutputTooLarge           Code = "OutputTooLarge"
	CodeSpawnFailed              Code = "SpawnFailed"
	CodeCanceled                 Code = "Canceled"
	CodeInternal                 Code = "Internal"
)

var codeKinds = map[Code]Kind{
	CodeInvalidName:              KindValidation,
	CodeInvalidContext:           KindValidation,
	CodeOutOfRange:               KindValidation,
	CodeInvalidEnumValue:         KindValidation,
	CodePathTraversal:            KindSecurity,
	CodeUnsupportedExtension:     KindSecurity,
	CodeInvalidScript:            KindSecurity,
	CodeNotFound:                 KindNotFound,
	CodeSkillNotFound:            KindNotFound,
	CodeNoExecutableScript:       KindNotFound,
	CodeConcurrencyLimitExceeded: KindConcurrency,
	CodeTimeout:                  KindExecution,
	CodeNonZeroExit:              KindExecution,
	CodeOutputTooLarge:           KindExecution,
	CodeSpawnFailed:              KindExecution,
	CodeCanceled:                 KindExecution,
	CodeInternal:                 KindInternal,
}

// KindOf returns the Kind a Code belongs to.
func KindOf(code Code) Kind {
	if kind, ok := codeKinds[code]; ok {
		return kind
	}
	return KindInternal
}

// Error is the structured error returned by every skillrunner component.
// Details carries the offending value and the expected constraint so the
// failure can be audited without re-deriving it.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

// NewError creates an Error whose Kind is derived from code.
func NewError(code Code, message string, details map[string]any) *Error {
	return &Error{
		Kind:    KindOf(code),
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Errorf creates an Error without details using a format string.
func Errorf(code Code, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...), nil)
}

// WrapError attaches cause to a new Error of the given code.
func WrapError(cause error, code Code, message string) *Error {
	e := NewError(code, message, nil)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// IsSecurity reports whether the error should be recorded as a security event.
func (e *Error) IsSecurity() bool {
	return e.Kind == KindSecurity
}

// ErrorDescriptor is the serializable form of an error carried by an ExecutionRecord.
type ErrorDescriptor struct {
	Kind    Kind           `json:"kind"`
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Describe normalizes any error into an ErrorDescriptor. Errors that are not
// an *Error somewhere in their chain are reported as InternalError.
func Describe(err error) *ErrorDescriptor {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &ErrorDescriptor{
			Kind:    e.Kind,
			Code:    e.Code,
			Message: e.Error(),
			Details: e.Details,
		}
	}

	return &ErrorDescriptor{
		Kind:    KindInternal,
		Code:    CodeInternal,
		Message: err.Error(),
	}
}

// CodeOf returns the Code of err, or CodeInternal when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Package apperr carries the failure taxonomy shared by intake, recognition,
// extraction and storage.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and reporting decisions.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindEngineUnavailable  Kind = "engine_unavailable"
	KindRecognitionTimeout Kind = "recognition_timeout"
	KindTransient          Kind = "transient"
	KindDecode             Kind = "decode"
	KindStore              Kind = "store"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindInternal           Kind = "internal"
)

// Error is an application error with a kind and optional remediation text
// shown to the user.
type Error struct {
	Kind        Kind
	Message     string
	Remediation string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Validation is shorthand for a user-facing validation failure.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// RemediationOf returns the remediation text of the first *Error in the chain.
func RemediationOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Remediation
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

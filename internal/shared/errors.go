package shared

import (
	"errors"
	"fmt"
)

// Kind classifies failures so callers can react without parsing messages.
type Kind string

const (
	KindUnknown    Kind = "UNKNOWN"
	KindValidation Kind = "VALIDATION"
	KindNotFound   Kind = "NOT_FOUND"
	KindConflict   Kind = "CONFLICT"
	KindIntegrity  Kind = "INTEGRITY"
	KindTransport  Kind = "TRANSPORT"
	KindData       Kind = "DATA"
	KindMigration  Kind = "MIGRATION"
)

// Error is a classified error. Message is what ends up in a service envelope.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Message == "" {
			return e.Err.Error()
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrConflict   = &Error{Kind: KindConflict}
	ErrIntegrity  = &Error{Kind: KindIntegrity}
	ErrTransport  = &Error{Kind: KindTransport}
	ErrData       = &Error{Kind: KindData}
	ErrMigration  = &Error{Kind: KindMigration}
)

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error { return newf(KindValidation, format, args...) }
func NotFound(format string, args ...any) *Error   { return newf(KindNotFound, format, args...) }
func Conflict(format string, args ...any) *Error   { return newf(KindConflict, format, args...) }
func DataErr(format string, args ...any) *Error    { return newf(KindData, format, args...) }

// Integrity wraps a database constraint failure.
func Integrity(op string, err error) *Error {
	return &Error{Kind: KindIntegrity, Op: op, Message: op, Err: err}
}

// MigrationErr wraps a failed migration step.
func MigrationErr(version string, err error) *Error {
	return &Error{Kind: KindMigration, Op: version, Message: "migration " + version, Err: err}
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

package apperror

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Kind classifies failures surfaced by the chat core.
type Kind string

const (
	KindPermissionDenied Kind = "permission_denied"
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not_found"
	KindTransientIO      Kind = "transient_io"
)

// Error is the typed error returned by services and the session core.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

var (
	// ErrPermissionDenied matches any permission failure via errors.Is.
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied, Message: "permission denied"}
	// ErrValidation matches any validation failure via errors.Is.
	ErrValidation = &Error{Kind: KindValidation, Message: "validation failed"}
	// ErrNotFound matches any missing entity via errors.Is.
	ErrNotFound = &Error{Kind: KindNotFound, Message: "not found"}
	// ErrTransientIO matches any store failure via errors.Is.
	ErrTransientIO = &Error{Kind: KindTransientIO, Message: "store unavailable"}
)

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target carries the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// PermissionDenied builds a permission error with the given message.
func PermissionDenied(message string) error {
	return &Error{Kind: KindPermissionDenied, Message: message}
}

// Validation builds a validation error with the given message.
func Validation(message string) error {
	return &Error{Kind: KindValidation, Message: message}
}

// Invalid wraps a validator error.
func Invalid(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindValidation, Message: "invalid payload", Err: err}
}

// NotFound builds a not found error for the named entity.
func NotFound(entity string) error {
	return &Error{Kind: KindNotFound, Message: entity + " not found"}
}

// TransientIO wraps a store failure for the named operation.
func TransientIO(op string, err error) error {
	return &Error{Kind: KindTransientIO, Message: op + " failed", Err: err}
}

// FromStore maps a repository error to the taxonomy. gorm.ErrRecordNotFound becomes NotFound.
func FromStore(entity string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NotFound(entity)
	}
	return TransientIO(entity, err)
}

// KindOf extracts the kind of err, defaulting to transient I/O for untyped errors.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindTransientIO
}

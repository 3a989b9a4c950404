package result

import (
	"fmt"
	"runtime/debug"
)

// Error is the kinded error used across the runtime. It wraps an optional
// cause so errors.Is and errors.As keep working through it.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Message is a human-readable description.
	Message string
	// Cause is the underlying error, if any.
	Cause error
	// Stack holds a captured stack trace for panics lifted into errors.
	Stack string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// New returns a kinded error with the given message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf returns a kinded error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message. The original error stays
// reachable through errors.Unwrap.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: err}
}

// Wrapf annotates err with a kind and formatted message.
func Wrapf(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: err}
}

// Validationf returns a KindValidation error.
func Validationf(format string, args ...any) *Error {
	return Newf(KindValidation, format, args...)
}

// NotFoundf returns a KindNotFound error.
func NotFoundf(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

// Conflictf returns a KindConflict error.
func Conflictf(format string, args ...any) *Error {
	return Newf(KindConflict, format, args...)
}

// Unauthorizedf returns a KindUnauthorized error.
func Unauthorizedf(format string, args ...any) *Error {
	return Newf(KindUnauthorized, format, args...)
}

// Transientf returns a KindTransient error.
func Transientf(format string, args ...any) *Error {
	return Newf(KindTransient, format, args...)
}

// RateLimitedf returns a KindRateLimited error.
func RateLimitedf(format string, args ...any) *Error {
	return Newf(KindRateLimited, format, args...)
}

// Configurationf returns a KindConfiguration error.
func Configurationf(format string, args ...any) *Error {
	return Newf(KindConfiguration, format, args...)
}

// Fatalf returns a KindFatal error.
func Fatalf(format string, args ...any) *Error {
	return Newf(KindFatal, format, args...)
}

// FromPanic lifts a recovered panic value into a KindFatal error carrying
// the stack trace at the recovery point.
func FromPanic(recovered any) *Error {
	if err, ok := recovered.(*Error); ok {
		return err
	}
	e := &Error{
		Kind:    KindFatal,
		Message: fmt.Sprintf("panic: %v", recovered),
		Stack:   string(debug.Stack()),
	}
	if cause, ok := recovered.(error); ok {
		e.Cause = cause
	}
	return e
}

package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies an error into one of the failure kinds the library
// surfaces to callers.
type Code string

const (
	// CodeConfiguration marks construction-time failures: invalid URI,
	// unknown storage scheme, missing required option, or a storage that
	// lacks a capability the caller asked for. The instance is not usable.
	CodeConfiguration Code = "CONFIGURATION"

	// CodeInvalidArgument marks programmer errors such as an unparseable
	// rate limit string.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// CodeStorage marks any backend I/O or protocol failure during a
	// strategy call. The underlying driver error is wrapped.
	CodeStorage Code = "STORAGE"

	// CodeConcurrentUpdate marks optimistic-lock exhaustion (etcd) after
	// the configured number of retries.
	CodeConcurrentUpdate Code = "CONCURRENT_UPDATE"

	// CodeUnsupported marks operations a backend cannot provide, such as
	// Reset on memcached.
	CodeUnsupported Code = "UNSUPPORTED"

	// CodeInternal marks unexpected internal failures.
	CodeInternal Code = "INTERNAL"
)

// AppError is the standard error type used throughout the library.
type AppError struct {
	Code    Code
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with the given code, message and optional cause.
func New(code Code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Err: cause}
}

// Wrap annotates a backend driver error as a storage failure. A nil err
// returns nil so call sites can wrap unconditionally.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return &AppError{Code: CodeStorage, Message: message, Err: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &AppError{Code: CodeStorage, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the Code from err, walking the wrap chain. Errors that do
// not carry an AppError report CodeInternal.
func CodeOf(err error) Code {
	var app *AppError
	if stderrors.As(err, &app) {
		return app.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	for err != nil {
		var app *AppError
		if !stderrors.As(err, &app) {
			return false
		}
		if app.Code == code {
			return true
		}
		err = app.Err
	}
	return false
}

// ConcurrentUpdate builds the error returned when a key cannot be updated
// after the configured number of optimistic retries.
func ConcurrentUpdate(key string, attempts int) *AppError {
	return &AppError{
		Code:    CodeConcurrentUpdate,
		Message: fmt.Sprintf("unable to update %s after %d retries", key, attempts),
	}
}

// Is, As and Join re-export the standard helpers so call sites only import
// this package.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func Join(errs ...error) error { return stderrors.Join(errs...) }

// Package errors provides the error classification and the orchestration error
// taxonomy shared by the registrar, resolver, orchestrator and service packages.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or caller misuse
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Orchestration taxonomy. Every error surfaced by an orchestrator operation
// matches exactly one of these with errors.Is.
var (
	// ErrUninitialized means an interface was used before it was set up.
	ErrUninitialized = errors.New("interface is not initialized")
	// ErrRPCFailure means the transport or the remote side failed a call.
	ErrRPCFailure = errors.New("rpc call failed")
	// ErrResolutionFailed means no catalog entry satisfies the request.
	ErrResolutionFailed = errors.New("no catalog entry matches the request")
	// ErrUnloadNotFound means a stop or reload target is not allocated.
	ErrUnloadNotFound = errors.New("unable to unload a resource that is not loaded")
	// ErrUnloadFailure means the transport rejected an unload.
	ErrUnloadFailure = errors.New("resource unload failed")
)

// Standard error variables for common conditions
var (
	ErrNoConnection       = errors.New("no connection available")
	ErrConnectionLost     = errors.New("connection lost")
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrSubscriptionFailed = errors.New("subscription failed")

	ErrInvalidData   = errors.New("invalid data format")
	ErrParsingFailed = errors.New("parsing failed")

	ErrKeyNotFound = errors.New("key not found")

	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
)

// Wire codes carried in RPC replies so the taxonomy survives the transport.
const (
	CodeUninitialized    = "UNINITIALIZED"
	CodeRPCFailure       = "RPC_FAILURE"
	CodeResolutionFailed = "RESOLUTION_FAILED"
	CodeUnloadNotFound   = "UNLOAD_NOT_FOUND"
	CodeUnloadFailure    = "UNLOAD_FAILURE"
)

var codeSentinels = []struct {
	code string
	err  error
}{
	{CodeUninitialized, ErrUninitialized},
	{CodeResolutionFailed, ErrResolutionFailed},
	{CodeUnloadNotFound, ErrUnloadNotFound},
	{CodeUnloadFailure, ErrUnloadFailure},
	{CodeRPCFailure, ErrRPCFailure},
}

// Code returns the wire code of err, or "" when err is not part of the taxonomy.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, cs := range codeSentinels {
		if errors.Is(err, cs.err) {
			return cs.code
		}
	}
	return ""
}

// FromCode returns the sentinel for a wire code. Unknown codes map to ErrRPCFailure.
func FromCode(code string) error {
	for _, cs := range codeSentinels {
		if cs.code == code {
			return cs.err
		}
	}
	return ErrRPCFailure
}

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	if ce.Err == nil {
		return ce.Class.String() + " error"
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrRPCFailure) ||
		errors.Is(err, ErrUnloadFailure) ||
		errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "unavailable", "no responders"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsInvalid checks if an error is due to invalid input or caller misuse
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrParsingFailed) ||
		errors.Is(err, ErrUninitialized) ||
		errors.Is(err, ErrUnloadNotFound) ||
		errors.Is(err, ErrResolutionFailed)
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrMissingConfig)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorTransient
	case IsFatal(err):
		return ErrorFatal
	case IsInvalid(err):
		return ErrorInvalid
	default:
		// Unknown errors default to transient to allow retry
		return ErrorTransient
	}
}

func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// New builds a classified taxonomy error. The sentinel stays reachable through
// errors.Is and, when cause is non-nil, so does the cause.
func New(sentinel error, component, method, detail string, cause error) error {
	var wrapped error
	if cause != nil {
		wrapped = fmt.Errorf("%s.%s: %s: %w: %w", component, method, detail, sentinel, cause)
	} else {
		wrapped = fmt.Errorf("%s.%s: %s: %w", component, method, detail, sentinel)
	}

	class := ErrorTransient
	switch sentinel {
	case ErrUninitialized, ErrUnloadNotFound, ErrResolutionFailed:
		class = ErrorInvalid
	}
	return newClassified(class, wrapped, component, method, wrapped.Error())
}

// Join returns an error wrapping all non-nil errs, or nil when there are none
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is reports whether any error in err's tree matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Package errors provides the error taxonomy used across tapstream.
// It includes error classification, the standard error variables raised by the
// sync engine, and helper functions for consistent wrapping.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/c360/tapstream/pkg/retry"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop the sync
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

// Standard error variables
var (
	// Sync engine taxonomy
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrSchemaMismatch        = errors.New("schema mismatch")
	ErrUnknownEncodingFormat = errors.New("unknown encoding format")
	ErrUnknownStorageScheme  = errors.New("unknown storage scheme")
	ErrUnknownCompression    = errors.New("unknown compression")
	ErrBatchWriteFailed      = errors.New("batch write failed")
	ErrSinkWriteFailed       = errors.New("sink write failed")

	// Data processing errors
	ErrInvalidData   = errors.New("invalid data format")
	ErrParsingFailed = errors.New("parsing failed")

	// Storage errors
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrBucketNotFound     = errors.New("bucket not found")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Connection errors
	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionTimeout = errors.New("connection timeout")
)

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
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// fatalSentinels end a sync regardless of what the wrapped cause looks like.
var fatalSentinels = []error{
	ErrUnknownEncodingFormat,
	ErrUnknownStorageScheme,
	ErrUnknownCompression,
	ErrBatchWriteFailed,
	ErrSinkWriteFailed,
	ErrInvalidConfig,
	ErrMissingConfig,
}

var invalidSentinels = []error{
	ErrInvalidArgument,
	ErrSchemaMismatch,
	ErrInvalidData,
	ErrParsingFailed,
}

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// classOf returns the class of the outermost ClassifiedError in err's chain.
func classOf(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return 0, false
}

var transientPatterns = []string{
	"timeout",
	"connection",
	"network",
	"temporary",
	"unavailable",
	"throttl",
	"slow down",
}

// IsTransient reports whether err may succeed if retried. Unclassified
// errors are matched against the connection sentinels, then by message.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorTransient
	}
	if isAny(err, fatalSentinels) || isAny(err, invalidSentinels) {
		return false
	}
	if isAny(err, []error{ErrConnectionTimeout, ErrNoConnection, ErrStorageUnavailable, context.DeadlineExceeded}) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// IsFatal reports whether err must end the sync.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorFatal
	}
	return isAny(err, fatalSentinels)
}

// IsInvalid reports whether err comes from bad input or configuration.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorInvalid
	}
	return isAny(err, invalidSentinels)
}

// Classify returns the class of err. Unknown errors, and nil, are transient.
func Classify(err error) ErrorClass {
	switch {
	case IsFatal(err):
		return ErrorFatal
	case IsInvalid(err):
		return ErrorInvalid
	default:
		return ErrorTransient
	}
}

// Wrap adds context in the form "component.method: action failed: %w".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps err as a transient failure.
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapFatal wraps err as a failure that ends the sync.
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}

// WrapInvalid wraps err as an input or configuration error.
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}

// Mark joins a taxonomy sentinel onto a cause so that errors.Is matches both.
func Mark(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}

// RetryPolicy returns the upload retry policy with IsTransient as its
// predicate, so invalid and fatal errors fail on the first attempt.
func RetryPolicy() retry.Policy {
	p := retry.Upload()
	p.Retryable = IsTransient
	return p
}

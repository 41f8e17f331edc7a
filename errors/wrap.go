package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already an *Error, the wrapper keeps its code and category.
// Context and network errors map to TIMEOUT, CANCELED and NETWORK_ERR;
// anything else becomes INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var structured *Error
	if errors.As(err, &structured) {
		wrapped := &Error{
			code:      structured.code,
			category:  structured.category,
			message:   message,
			cause:     err,
			metadata:  structured.Metadata(),
			retryable: structured.retryable,
			timestamp: structured.timestamp,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	opts = append(opts, WithCause(err))

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, opts...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, opts...)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return New(ErrCodeTimeout, message, opts...)
		}
		return New(ErrCodeNetworkErr, message, opts...)
	}

	return New(ErrCodeInternal, message, opts...)
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsStructured extracts a structured error from an error chain.
// Returns nil if none is found.
func AsStructured(err error) *Error {
	var structured *Error
	if errors.As(err, &structured) {
		return structured
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	return Code(err) == code
}

// IsRetryable checks if the error is retryable.
// Errors outside the taxonomy are not retryable.
func IsRetryable(err error) bool {
	if structured := AsStructured(err); structured != nil {
		return structured.Retryable()
	}
	return false
}

// Code extracts the error code from an error, if available.
// Returns empty string if err carries no structured error.
func Code(err error) ErrorCode {
	if structured := AsStructured(err); structured != nil {
		return structured.code
	}
	return ""
}

// GetMetadata extracts metadata from an error.
// Returns nil if err carries no structured error.
func GetMetadata(err error) map[string]string {
	if structured := AsStructured(err); structured != nil {
		return structured.Metadata()
	}
	return nil
}

// Join combines multiple errors into a single error.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered any) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}

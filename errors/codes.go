package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: a peer that stopped answering pings, network timeouts.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: invalid heartbeat configuration.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for heartbeat and connection failures.
const (
	// Transient errors
	ErrCodeHeartbeatTimeout ErrorCode = "HEARTBEAT_TIMEOUT" // No pong within the heartbeat timeout
	ErrCodeTimeout          ErrorCode = "TIMEOUT"           // Operation timed out
	ErrCodeUnavailable      ErrorCode = "UNAVAILABLE"       // Peer temporarily unavailable
	ErrCodeNetworkErr       ErrorCode = "NETWORK_ERR"       // Network connectivity issue

	// Permanent errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG" // Configuration failed validation
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"  // Malformed or invalid input
	ErrCodeCanceled      ErrorCode = "CANCELED"       // Operation was canceled

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeHeartbeatTimeout, ErrCodeTimeout, ErrCodeUnavailable, ErrCodeNetworkErr:
		return CategoryTransient
	case ErrCodeInvalidConfig, ErrCodeInvalidInput, ErrCodeCanceled:
		return CategoryPermanent
	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeHeartbeatTimeout: "no response to heartbeat within timeout",
	ErrCodeTimeout:          "operation timed out",
	ErrCodeUnavailable:      "peer temporarily unavailable",
	ErrCodeNetworkErr:       "network connectivity error",
	ErrCodeInvalidConfig:    "invalid configuration",
	ErrCodeInvalidInput:     "invalid input provided",
	ErrCodeCanceled:         "operation canceled",
	ErrCodeInternal:         "internal error",
	ErrCodePanic:            "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}

// Package errors provides the structured error taxonomy used across kvbeat.
//
// Every failure the heartbeat subsystem reports is an *Error carrying a code,
// a category and optional metadata, so callers can tell a rejected
// configuration apart from a connection that stopped answering.
//
// # Categories
//
//   - Transient: the peer may recover (timeouts, dead connections)
//   - Permanent: retrying with the same input will not help (bad config)
//   - Internal: bugs and recovered panics
//
// # Codes
//
//   - INVALID_CONFIG: heartbeat options failed validation
//   - HEARTBEAT_TIMEOUT: no pong arrived within the heartbeat timeout
//   - TIMEOUT, UNAVAILABLE, NETWORK_ERR, INVALID_INPUT, CANCELED, INTERNAL, PANIC
//
// # Usage
//
//	err := errors.InvalidConfig("heartbeat_interval", "must be larger than heartbeat_timeout")
//	if errors.Is(err, errors.ErrCodeInvalidConfig) {
//	    // fix the configuration and retry construction
//	}
//
// Errors marshal to JSON so they can travel inside heartbeat events.
package errors

package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		message      string
		wantCategory ErrorCategory
	}{
		{"heartbeat_timeout", ErrCodeHeartbeatTimeout, "no pong", CategoryTransient},
		{"timeout", ErrCodeTimeout, "operation timed out", CategoryTransient},
		{"invalid_config", ErrCodeInvalidConfig, "bad interval", CategoryPermanent},
		{"internal", ErrCodeInternal, "internal error", CategoryInternal},
		{"unknown", ErrorCode("WHATEVER"), "?", CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message)
			if err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", err.Code(), tt.code)
			}
			if err.Category() != tt.wantCategory {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.wantCategory)
			}
			if err.Error() != tt.message {
				t.Errorf("Error() = %v, want %v", err.Error(), tt.message)
			}
			if err.Timestamp().IsZero() {
				t.Error("Timestamp() should not be zero")
			}
		})
	}
}

func TestFromCode(t *testing.T) {
	err := FromCode(ErrCodeHeartbeatTimeout)
	if err.Error() != "no response to heartbeat within timeout" {
		t.Errorf("Error() = %q", err.Error())
	}
	if got := ErrorCode("NOPE").Description(); got != "unknown error" {
		t.Errorf("Description() = %q, want unknown error", got)
	}
}

func TestInvalidConfig(t *testing.T) {
	err := InvalidConfig("heartbeat_interval", "must be larger than heartbeat_timeout")

	if err.Code() != ErrCodeInvalidConfig {
		t.Errorf("Code() = %v, want %v", err.Code(), ErrCodeInvalidConfig)
	}
	if err.Retryable() {
		t.Error("invalid config should not be retryable")
	}
	want := `"heartbeat_interval" must be larger than heartbeat_timeout`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	md := err.Metadata()
	if md["field"] != "heartbeat_interval" {
		t.Errorf("field = %q", md["field"])
	}
	if md["constraint"] != "must be larger than heartbeat_timeout" {
		t.Errorf("constraint = %q", md["constraint"])
	}
}

func TestHeartbeatTimeout(t *testing.T) {
	err := HeartbeatTimeout(time.Second, WithMetadata("round", "3"))

	if err.Code() != ErrCodeHeartbeatTimeout {
		t.Errorf("Code() = %v", err.Code())
	}
	if !err.Retryable() {
		t.Error("heartbeat timeout should be retryable")
	}
	if err.Message() != "no response to heartbeat within timeout" {
		t.Errorf("Message() = %q", err.Message())
	}
	md := err.Metadata()
	if md["timeout"] != "1s" || md["round"] != "3" {
		t.Errorf("Metadata() = %v", md)
	}
}

func TestRetryableFollowsCategory(t *testing.T) {
	if !HeartbeatTimeout(time.Second).Retryable() {
		t.Error("a missed heartbeat should be retryable")
	}
	if InvalidConfig("heartbeat_timeout", "must be positive").Retryable() {
		t.Error("invalid configuration should not be retryable")
	}
	if !IsRetryable(fmt.Errorf("wrapped: %w", Timeout("t"))) {
		t.Error("IsRetryable should see through fmt wrapping")
	}
	if IsRetryable(Wrap(fmt.Errorf("boom"), "internal")) {
		t.Error("internal errors should not be retryable")
	}
}

func TestMetadataImmutability(t *testing.T) {
	err := New(ErrCodeInternal, "x", WithMetadata("a", "1"))
	md := err.Metadata()
	md["a"] = "changed"
	if err.Metadata()["a"] != "1" {
		t.Error("metadata should not be modifiable through the returned map")
	}

	empty := New(ErrCodeInternal, "x")
	if empty.Metadata() == nil {
		t.Error("Metadata() should never return nil")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "nothing") != nil {
		t.Error("Wrap(nil) should be nil")
	}

	base := fmt.Errorf("boom")
	wrapped := Wrap(base, "pinging")
	if wrapped.Code() != ErrCodeInternal {
		t.Errorf("Code() = %v, want INTERNAL", wrapped.Code())
	}
	if !errors.Is(wrapped, base) {
		t.Error("wrapped error should unwrap to base")
	}
	if wrapped.Error() != "pinging: boom" {
		t.Errorf("Error() = %q", wrapped.Error())
	}
}

func TestWrapStructured(t *testing.T) {
	inner := InvalidConfig("heartbeat_timeout", "must be a non-zero positive number")
	outer := Wrap(inner, "starting monitor")

	if outer.Code() != ErrCodeInvalidConfig {
		t.Errorf("Code() = %v", outer.Code())
	}
	if outer.Metadata()["field"] != "heartbeat_timeout" {
		t.Error("metadata should be preserved")
	}
	if !Is(outer, ErrCodeInvalidConfig) {
		t.Error("Is should find the code")
	}
}

func TestWrapContextAndNetErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"deadline", context.DeadlineExceeded, ErrCodeTimeout},
		{"canceled", context.Canceled, ErrCodeCanceled},
		{"net_timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, ErrCodeTimeout},
		{"net_other", &net.OpError{Op: "dial", Err: fmt.Errorf("refused")}, ErrCodeNetworkErr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Wrap(tt.err, "op").Code(); got != tt.want {
				t.Errorf("Code() = %v, want %v", got, tt.want)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestWrapWithCode(t *testing.T) {
	if WrapWithCode(nil, ErrCodeTimeout, "x") != nil {
		t.Error("WrapWithCode(nil) should be nil")
	}
	err := WrapWithCode(fmt.Errorf("eof"), ErrCodeNetworkErr, "ping failed")
	if err.Code() != ErrCodeNetworkErr {
		t.Errorf("Code() = %v", err.Code())
	}
}

func TestJSONRoundtrip(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	orig := HeartbeatTimeout(time.Second, WithTimestamp(ts), WithCause(fmt.Errorf("socket idle")))

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var decoded Error
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if decoded.Code() != ErrCodeHeartbeatTimeout {
		t.Errorf("Code() = %v", decoded.Code())
	}
	if !decoded.Timestamp().Equal(ts) {
		t.Errorf("Timestamp() = %v, want %v", decoded.Timestamp(), ts)
	}
	if decoded.Unwrap() == nil || decoded.Unwrap().Error() != "socket idle" {
		t.Errorf("cause = %v", decoded.Unwrap())
	}
	if !decoded.Retryable() {
		t.Error("Retryable should survive the roundtrip")
	}
}

func TestExtractorsOnPlainErrors(t *testing.T) {
	plain := fmt.Errorf("plain")
	if Code(plain) != "" {
		t.Error("Code of plain error should be empty")
	}
	if GetMetadata(plain) != nil {
		t.Error("GetMetadata of plain error should be nil")
	}
	if IsRetryable(plain) {
		t.Error("plain errors are not retryable")
	}
	if AsStructured(plain) != nil {
		t.Error("AsStructured of plain error should be nil")
	}
}

func TestRecoverPanic(t *testing.T) {
	if RecoverPanic(nil) != nil {
		t.Error("RecoverPanic(nil) should be nil")
	}

	err := func() (err *Error) {
		defer func() { err = RecoverPanic(recover()) }()
		panic("kill callback exploded")
	}()

	if err.Code() != ErrCodePanic {
		t.Errorf("Code() = %v", err.Code())
	}
	if err.Metadata()["panic_value"] != "string" {
		t.Errorf("panic_value = %q", err.Metadata()["panic_value"])
	}
}

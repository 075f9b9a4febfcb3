package errors

import (
	"context"
	"errors"
	"fmt"
)

// NetworkError represents a transient transport failure (HTTP, WebSocket or
// MQTT broker). Recovered by retry or reconnection.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// NewNetworkError wraps err as a transient network failure.
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err}
}

// TimeoutError represents an elapsed bounded wait. For retry decisions it
// counts as a network failure.
type TimeoutError struct {
	Op   string
	Wait string
}

func (e *TimeoutError) Error() string {
	if e.Wait != "" {
		return fmt.Sprintf("timeout: %s after %s", e.Op, e.Wait)
	}
	return fmt.Sprintf("timeout: %s", e.Op)
}

// NewTimeoutError records an elapsed wait for op.
func NewTimeoutError(op, wait string) *TimeoutError {
	return &TimeoutError{Op: op, Wait: wait}
}

// AuthError means the cloud rejected the credentials or a token was absent
// from the response. Fatal for the current session, never retried.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("auth: %s", e.Op)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NewAuthError wraps err as a credential/token failure.
func NewAuthError(op string, err error) *AuthError {
	return &AuthError{Op: op, Err: err}
}

// ProtocolError means an RPC returned a malformed body.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// NewProtocolError wraps err as a malformed-response failure.
func NewProtocolError(op string, err error) *ProtocolError {
	return &ProtocolError{Op: op, Err: err}
}

// ValidationError is a write refused by the register allowlist. It never
// reaches the wire and is never retried.
type ValidationError struct {
	Register int
	Value    int
	Allowed  string // human-readable description of the permitted set
}

func (e *ValidationError) Error() string {
	if e.Allowed == "" {
		return fmt.Sprintf("validation: register %d not in writable allowlist", e.Register)
	}
	return fmt.Sprintf("validation: value %d not allowed for register %d (allowed: %s)",
		e.Value, e.Register, e.Allowed)
}

// NewUnknownRegisterError reports a write to a register outside the allowlist.
func NewUnknownRegisterError(register int) *ValidationError {
	return &ValidationError{Register: register}
}

// NewValueOutOfRangeError reports a value outside a register's permitted set.
func NewValueOutOfRangeError(register, value int, allowed string) *ValidationError {
	return &ValidationError{Register: register, Value: value, Allowed: allowed}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsCancelled reports cooperative cancellation. Cancellation is propagated
// without logging as an error and without retry.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsRetryable reports whether the failure may be absorbed by the retry
// budget. Validation and auth failures are final; cancellation propagates.
func IsRetryable(err error) bool {
	if err == nil || IsCancelled(err) || IsValidation(err) || IsAuth(err) {
		return false
	}
	// Network, timeout and protocol failures are retryable; unknown errors
	// are assumed recoverable.
	return true
}

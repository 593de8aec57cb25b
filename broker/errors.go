package broker

import (
	"errors"
	"fmt"
)

// ErrInvalidGrant is the uniform failure for every token exchange problem:
// unknown client, disallowed redirect, spent/expired/unknown code, connection
// ownership mismatch, PKCE failure. Keeping it undifferentiated denies an
// attacker an oracle for guessing codes and verifiers; the specific cause is
// logged server side.
var ErrInvalidGrant = errors.New("invalid_grant")

// ErrAPIKeysDisabled is returned when the static-key path is not enabled.
var ErrAPIKeysDisabled = errors.New("api key issuance is disabled")

// ValidationError reports malformed or missing request fields. Callers can
// correct the input and retry.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// NotAllowedError reports a policy rejection: unregistered client, redirect
// outside the allowlist, CSRF mismatch, tampered state. Never retried.
type NotAllowedError struct {
	Msg string
}

func (e *NotAllowedError) Error() string { return e.Msg }

// CryptoError wraps a cipher failure: bad master key or corrupted
// ciphertext. Fatal to the request; the wrapped error is for logs only.
type CryptoError struct {
	Err error
}

func (e *CryptoError) Error() string { return fmt.Sprintf("crypto failure: %v", e.Err) }
func (e *CryptoError) Unwrap() error { return e.Err }

// UpstreamError wraps an identity-provider failure during the upstream leg.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("upstream %s failed: %v", e.Op, e.Err) }
func (e *UpstreamError) Unwrap() error { return e.Err }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

func notAllowedErrorf(format string, args ...any) error {
	return &NotAllowedError{Msg: fmt.Sprintf(format, args...)}
}

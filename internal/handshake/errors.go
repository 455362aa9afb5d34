package handshake

import (
	"errors"
	"fmt"
)

// ConfigError indicates the handshake was asked to start with invalid
// configuration. It is not recoverable by retry; the caller must fix
// the named field first.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("handshake config error (%s): %s", e.Field, e.Reason)
}

// IsConfigError reports whether err (or any error in its chain) is a
// ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// AuthFailure indicates handshake finalization failed: no handshake in
// progress, malformed remote key material, or key agreement failure.
// No partial session is ever left behind.
type AuthFailure struct {
	Identity string
	Reason   string
	Err      error
}

func (e *AuthFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth failure (%s): %s: %v", e.Identity, e.Reason, e.Err)
	}
	return fmt.Sprintf("auth failure (%s): %s", e.Identity, e.Reason)
}

func (e *AuthFailure) Unwrap() error { return e.Err }

// IsAuthFailure reports whether err (or any error in its chain) is an
// AuthFailure.
func IsAuthFailure(err error) bool {
	var af *AuthFailure
	return errors.As(err, &af)
}

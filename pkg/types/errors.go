package types

import "fmt"

// ConfigurationError means a bridge is missing credentials. The bridge stays
// disabled; everything else still starts.
type ConfigurationError struct {
	Bridge string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s bridge not configured: %s", e.Bridge, e.Reason)
}

// AuthenticationError means the platform rejected our credentials at runtime.
type AuthenticationError struct {
	Bridge string
	Err    error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s bridge authentication failed: %v", e.Bridge, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ValidationError covers bad signatures, malformed payloads, and failed
// handshakes. The HTTP edge answers 400/401 and drops the event.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// NotFoundError marks an inbound event referencing an unknown container or
// message. Callers answer success and drop it so the platform does not retry.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// TransientNetworkError wraps a failed outbound call. Logged, never retried.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

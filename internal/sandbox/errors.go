package sandbox

import (
	"errors"
	"fmt"
)

// Error taxonomy for lifecycle operations. Callers distinguish cases
// with errors.Is / errors.As; the HTTP layer maps them to status codes.
var (
	// ErrUnknownType is returned when an unregistered type is requested.
	// Caller error — never retried.
	ErrUnknownType = errors.New("unknown sandbox type")

	// ErrPortsExhausted is returned when every port in the configured
	// range is reserved. Callers should back off and retry later.
	ErrPortsExhausted = errors.New("port range exhausted")

	// ErrNotFound is returned by inspect when an instance ID is unknown
	// everywhere (locally and in the shared state store). Release treats
	// the same condition as success.
	ErrNotFound = errors.New("sandbox not found")

	// ErrBackendUnavailable is returned when the container substrate is
	// unreachable. Fatal for acquire; running instances are unaffected.
	ErrBackendUnavailable = errors.New("sandbox backend unavailable")
)

// ProvisionError wraps a backend create/start failure. Surfaced
// immediately on the synchronous miss path; background fill retries on
// the next maintenance tick instead.
type ProvisionError struct {
	Type string
	Err  error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning sandbox type %q: %v", e.Type, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

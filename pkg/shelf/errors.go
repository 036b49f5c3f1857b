package shelf

import (
	"errors"
	"fmt"
)

var (

	// ErrPermissionDenied denotes that access to the radio was denied by the host
	ErrPermissionDenied = errors.New("bluetooth permission denied")

	// ErrRadioPoweredOff denotes that the bluetooth adapter is turned off
	ErrRadioPoweredOff = errors.New("bluetooth radio is powered off")

	// ErrConnectionFailed denotes a link-layer failure or connection timeout
	ErrConnectionFailed = errors.New("connection to peripheral failed")

	// ErrSubscriptionFailed denotes that the notification characteristic could
	// not be found or armed
	ErrSubscriptionFailed = errors.New("characteristic subscription failed")
)

// NotFoundError denotes a scan that timed out without matching the target. It
// carries everything that WAS discovered so a naming / addressing mismatch can
// be diagnosed
type NotFoundError struct {
	Identity   PeripheralIdentity
	Discovered []DiscoveredPeripheral
}

// Error fulfils the error interface
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("peripheral not found (address=%q name=%q, %d other device(s) discovered)",
		e.Identity.Address, e.Identity.Name, len(e.Discovered))
}

// DecodeError denotes a payload that did not yield a usable weight. The
// cleaned payload is retained (truncated) for diagnostics
type DecodeError struct {
	Payload string
	Reason  string
}

// maxDecodeErrPayload bounds the raw payload carried in a DecodeError
const maxDecodeErrPayload = 64

// NewDecodeError constructs a DecodeError, truncating the payload
func NewDecodeError(payload, reason string) *DecodeError {
	if len(payload) > maxDecodeErrPayload {
		payload = payload[:maxDecodeErrPayload]
	}
	return &DecodeError{Payload: payload, Reason: reason}
}

// Error fulfils the error interface
func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode frame (%s): %q", e.Reason, e.Payload)
}

// Remedy maps an error to a user-actionable message. Each error kind requires
// a different user remedy, hence the distinction
func Remedy(err error) string {
	var notFound *NotFoundError

	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "Grant the application permission to use Bluetooth and try again"
	case errors.Is(err, ErrRadioPoweredOff):
		return "Turn on Bluetooth and try again"
	case errors.As(err, &notFound):
		return "Make sure the shelf scale is powered on and in range, then check the discovered-device list for a naming or addressing mismatch"
	case errors.Is(err, ErrConnectionFailed):
		return "Move closer to the shelf scale and retry the connection"
	case errors.Is(err, ErrSubscriptionFailed):
		return "The scale connected but is not streaming data; power-cycle the scale firmware"
	}

	return "Retry the operation"
}

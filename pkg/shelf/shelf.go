package shelf

import "time"

// Monitor denotes a shelf-scale peripheral connection
type Monitor interface {

	// RequestPermissions verifies that the host grants access to the radio.
	// It has no side effect on radio state; on denial the caller must not scan
	RequestPermissions() (bool, error)

	// StartScan discovers and connects the peripheral matching the identity.
	// It suspends the caller until the session is subscribed or a scan /
	// connect timeout fires. Any existing session is torn down first
	StartScan(identity PeripheralIdentity, timeout time.Duration) error

	// Disconnect tears down the active session, if any. Idempotent and safe
	// to call from any state
	Disconnect() error

	// Status returns the current connection status, reflecting the underlying
	// link state
	Status() ConnectionStatus

	// Discovered returns the devices seen during the most recent scan
	Discovered() []DiscoveredPeripheral

	// SetStatusHandler defines a handler function that is called upon state change
	SetStatusHandler(fn func(status ConnectionStatus))

	// SetStatusChannel defines a channel that state changes are put on
	SetStatusChannel(ch chan ConnectionStatus)

	// SetDataHandler defines a handler function that is called with each raw
	// notification payload
	SetDataHandler(fn func(payload []byte))

	// SetDataChannel defines a channel that raw payloads are put on
	SetDataChannel(ch chan []byte)

	// Close terminates the connection to the device and releases the radio
	Close() error
}

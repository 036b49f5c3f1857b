package esp32

import "errors"

// AdapterState reflects the power / authorization state of the host radio
type AdapterState int

const (

	// AdapterUnknown is active before the radio stack reported a state
	AdapterUnknown AdapterState = iota

	// AdapterUnauthorized is active when the host denies radio access
	AdapterUnauthorized

	// AdapterPoweredOff is active while the radio is turned off
	AdapterPoweredOff

	// AdapterPoweredOn is active while the radio is usable
	AdapterPoweredOn
)

// String fulfils the Stringer interface
func (s AdapterState) String() string {
	switch s {
	case AdapterUnauthorized:
		return "unauthorized"
	case AdapterPoweredOff:
		return "powered_off"
	case AdapterPoweredOn:
		return "powered_on"
	}
	return "unknown"
}

// ErrProfileNotFound is returned by DiscoverProfile when the service /
// characteristic walk succeeded but the profile's pair was not present
var ErrProfileNotFound = errors.New("profile service/characteristic not present on peripheral")

// Advertisement carries the subset of advertising data used for identity
// matching and diagnostics
type Advertisement struct {
	LocalName    string
	Connectable  bool
	ServiceUUIDs []string
}

// Events is the closed set of callbacks a Central delivers. Callbacks are
// invoked in arrival order and must run to completion before the next one
type Events struct {
	AdapterState func(state AdapterState)
	Discovered   func(p Peripheral, a Advertisement, rssi int)
	Connected    func(p Peripheral, err error)
	Disconnected func(p Peripheral, err error)
}

// Central abstracts the host-side radio manager. The production
// implementation wraps a gatt.Device (see gatt.go); tests substitute a fake
type Central interface {

	// Handle registers the event callbacks. Must be called before Init
	Handle(ev Events)

	// Init initializes the radio stack; the adapter state is reported
	// asynchronously through Events.AdapterState
	Init() error

	// Scan starts an open (scan-all) discovery. Peripheral firmware
	// advertising is unreliable, so no service filter is applied
	Scan() error

	// StopScan stops a running discovery
	StopScan() error

	// Connect initiates a connection to a discovered peripheral
	Connect(p Peripheral) error

	// CancelConnection cancels an established or half-open connection
	CancelConnection(p Peripheral) error

	// Close releases the radio manager
	Close() error
}

// Peripheral abstracts a single remote device
type Peripheral interface {

	// ID returns the physical address (MAC on Linux)
	ID() string

	// Name returns the advertised device name
	Name() string

	// SetMTU negotiates the connection MTU
	SetMTU(mtu int) error

	// DiscoverProfile walks services and characteristics, arming the
	// profile's notification characteristic. It returns the opaque handle of
	// the characteristic, or ErrProfileNotFound when the walk succeeded but
	// the pair is absent
	DiscoverProfile(profile Profile) (handle string, err error)

	// Subscribe registers the notification listener on the characteristic
	// previously armed by DiscoverProfile
	Subscribe(fn func(payload []byte, err error)) error
}

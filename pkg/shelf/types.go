package shelf

import (
	"strings"
	"time"
)

// Presence denotes the object-presence classification of a reading
type Presence string

const (

	// PresenceUnknown denotes an unknown / undecidable presence state
	PresenceUnknown Presence = "unknown"

	// PresencePresent denotes that an object rests on the shelf sensor
	PresencePresent Presence = "present"

	// PresenceAbsent denotes that the shelf sensor is empty
	PresenceAbsent Presence = "absent"
)

// State denotes a connection state of the peripheral link
type State int

const (

	// StateIdle is active while no session exists
	StateIdle State = iota

	// StatePermissionPending is active while radio access is being verified
	StatePermissionPending

	// StateScanning is active while scanning for the shelf peripheral
	StateScanning

	// StateConnecting is active while establishing the link
	StateConnecting

	// StateDiscovering is active while enumerating services / characteristics
	StateDiscovering

	// StateSubscribed is active while connected with an armed notification
	StateSubscribed

	// StateDisconnecting is active while tearing the session down
	StateDisconnecting

	// StateError is active after a session failed (transient, settles to Idle)
	StateError
)

// String fulfils the Stringer interface
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePermissionPending:
		return "permission_pending"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateDiscovering:
		return "discovering"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnecting:
		return "disconnecting"
	case StateError:
		return "error"
	}

	return "invalid"
}

// ConnectionStatus denotes the current status of the peripheral link
type ConnectionStatus struct {
	Error    error
	Degraded bool
	Frames   uint64
	Uptime   time.Duration
	State
}

// PeripheralIdentity is the immutable descriptor used to recognize the target
// device among scan results. At least one of Address / Name must be set
type PeripheralIdentity struct {
	Address string
	Name    string
}

// Valid returns whether a match against this identity is possible at all
func (id PeripheralIdentity) Valid() bool {
	return id.Address != "" || id.Name != ""
}

// Matches checks a discovered address / name pair against the identity. The
// match is a logical OR of case-insensitive address equality and
// case-insensitive name substring containment
func (id PeripheralIdentity) Matches(address, name string) bool {
	if id.Address != "" && strings.EqualFold(address, id.Address) {
		return true
	}
	if id.Name != "" && name != "" &&
		strings.Contains(strings.ToLower(name), strings.ToLower(id.Name)) {
		return true
	}

	return false
}

// DiscoveredPeripheral denotes a device seen during a scan, retained for
// diagnostic display when the target cannot be found
type DiscoveredPeripheral struct {
	Address      string    `json:"address"`
	Name         string    `json:"name"`
	LocalName    string    `json:"local_name,omitempty"`
	RSSI         int       `json:"rssi"`
	Connectable  bool      `json:"connectable"`
	ServiceUUIDs []string  `json:"service_uuids,omitempty"`
	SeenAt       time.Time `json:"seen_at"`
}

// SensorReading denotes a decoded weight / presence measurement at a certain
// point in time. Immutable once constructed
type SensorReading struct {
	TimeStamp time.Time `json:"timestamp"`
	Weight    float64   `json:"weight"`
	Presence  Presence  `json:"presence"`
	Location  string    `json:"location,omitempty"`
}

// Value provides a method to retrieve the current value (for interface use)
func (r SensorReading) Value() float64 {
	return r.Weight
}

// SensorReadings denotes an ordered set of readings
type SensorReadings []SensorReading

// ShockEvent denotes a detected physical impact on the shelving, derived from
// the weight delta between two consecutive readings
type ShockEvent struct {
	ID        string    `json:"id"`
	TimeStamp time.Time `json:"timestamp"`
	Weight    float64   `json:"weight"`
	Delta     float64   `json:"delta"`
	Location  string    `json:"location,omitempty"`
	Confirmed bool      `json:"confirmed"`
}

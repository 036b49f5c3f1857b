package esp32

import (
	"fmt"
	"strings"
)

// Profile denotes the characteristic-addressing scheme of a peripheral
// firmware revision. The two deployed firmware generations disagree on how
// the notification service / characteristic pair is addressed, so the scheme
// is a per-deployment configuration point rather than a constant
type Profile struct {
	Name           string
	Service        string
	Characteristic string
}

var (

	// ProfileSerial matches the original firmware exposing the 16-bit serial
	// service / characteristic pair
	ProfileSerial = Profile{
		Name:           "serial",
		Service:        "ffe0",
		Characteristic: "ffe1",
	}

	// ProfileExtended matches revised firmware advertising the same pair as
	// full 128-bit UUIDs
	ProfileExtended = Profile{
		Name:           "extended",
		Service:        "0000ffe0-0000-1000-8000-00805f9b34fb",
		Characteristic: "0000ffe1-0000-1000-8000-00805f9b34fb",
	}
)

// ProfileByName resolves a configured profile name
func ProfileByName(name string) (Profile, error) {
	switch strings.ToLower(name) {
	case "", ProfileSerial.Name:
		return ProfileSerial, nil
	case ProfileExtended.Name:
		return ProfileExtended, nil
	}

	return Profile{}, fmt.Errorf("unknown peripheral profile %q", name)
}

// uuidBaseSuffix is the Bluetooth base UUID tail shared by all 16-bit short
// form identifiers
const uuidBaseSuffix = "00001000800000805f9b34fb"

// uuidEqual compares two UUIDs regardless of representation: case, dashes and
// short (16-bit) versus full 128-bit base-UUID form
func uuidEqual(a, b string) bool {
	a, b = normalizeUUID(a), normalizeUUID(b)
	if a == b {
		return true
	}

	return shortForm(a) == shortForm(b)
}

func normalizeUUID(u string) string {
	return strings.ToLower(strings.ReplaceAll(u, "-", ""))
}

// shortForm reduces a full 128-bit base-UUID identifier to its embedded
// 16-bit short form; anything else is returned unchanged
func shortForm(u string) string {
	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, uuidBaseSuffix) {
		return u[4:8]
	}
	return u
}

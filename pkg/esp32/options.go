package esp32

import (
	"time"

	"github.com/fako1024/gatt"

	"github.com/Muskantaranum/btshelf/pkg/shelf"
)

// WithProfile sets the characteristic-addressing profile of the peripheral
// firmware
func WithProfile(profile Profile) func(*Driver) {
	return func(d *Driver) {
		d.profile = profile
	}
}

// WithConnectTimeout overrides the fixed connection timeout
func WithConnectTimeout(timeout time.Duration) func(*Driver) {
	return func(d *Driver) {
		if timeout > 0 {
			d.connectTimeout = timeout
		}
	}
}

// WithDevice sets the underlying Bluetooth device
func WithDevice(btDevice gatt.Device) func(*Driver) {
	return func(d *Driver) {
		d.centralFactory = func() (Central, error) {
			return wrapGattDevice(btDevice), nil
		}
	}
}

// WithCentral sets the radio backend, bypassing the host bluetooth stack
// (used to substitute a fake backend in tests)
func WithCentral(c Central) func(*Driver) {
	return func(d *Driver) {
		d.centralFactory = func() (Central, error) {
			return c, nil
		}
	}
}

// WithLogger sets a logger for the driver
func WithLogger(logger shelf.Logger) func(*Driver) {
	return func(d *Driver) {
		d.logger = logger
	}
}

package esp32

import (
	"fmt"

	"github.com/fako1024/gatt"
)

// gattCentral adapts a gatt.Device to the Central interface
type gattCentral struct {
	dev gatt.Device
	ev  Events
}

// newGattCentral instantiates a Central backed by the host bluetooth stack
func newGattCentral() (Central, error) {
	dev, err := gatt.NewDevice(defaultBTClientOptions...)
	if err != nil {
		return nil, err
	}

	return &gattCentral{dev: dev}, nil
}

// wrapGattDevice adapts an externally provided gatt.Device
func wrapGattDevice(dev gatt.Device) Central {
	return &gattCentral{dev: dev}
}

func (c *gattCentral) Handle(ev Events) {
	c.ev = ev

	c.dev.Handle(
		gatt.AddPeripheralDiscovered(func(p gatt.Peripheral, a *gatt.Advertisement, rssi int) {
			c.ev.Discovered(&gattPeripheral{p: p}, advertisementFrom(a), rssi)
		}),
		gatt.AddPeripheralConnected(func(p gatt.Peripheral, err error) {
			c.ev.Connected(&gattPeripheral{p: p}, err)
		}),
		gatt.AddPeripheralDisconnected(func(p gatt.Peripheral, err error) {
			c.ev.Disconnected(&gattPeripheral{p: p}, err)
		}),
	)
}

func (c *gattCentral) Init() error {
	return c.dev.Init(func(_ gatt.Device, s gatt.State) {
		if c.ev.AdapterState != nil {
			c.ev.AdapterState(adapterStateFrom(s))
		}
	})
}

func (c *gattCentral) Scan() error {
	return c.dev.Scan([]gatt.UUID{}, false)
}

func (c *gattCentral) StopScan() error {
	return c.dev.StopScanning()
}

func (c *gattCentral) Connect(p Peripheral) error {
	gp, ok := p.(*gattPeripheral)
	if !ok {
		return fmt.Errorf("peripheral %s was not discovered by this central", p.ID())
	}
	return c.dev.Connect(gp.p)
}

func (c *gattCentral) CancelConnection(p Peripheral) error {
	gp, ok := p.(*gattPeripheral)
	if !ok {
		return fmt.Errorf("peripheral %s was not discovered by this central", p.ID())
	}
	return c.dev.CancelConnection(gp.p)
}

func (c *gattCentral) Close() error {
	_ = c.dev.StopScanning()
	return c.dev.RemoveAllServices()
}

func adapterStateFrom(s gatt.State) AdapterState {
	switch s {
	case gatt.StatePoweredOn:
		return AdapterPoweredOn
	case gatt.StatePoweredOff:
		return AdapterPoweredOff
	case gatt.StateUnauthorized:
		return AdapterUnauthorized
	}
	return AdapterUnknown
}

func advertisementFrom(a *gatt.Advertisement) Advertisement {
	if a == nil {
		return Advertisement{}
	}

	uuids := make([]string, 0, len(a.Services))
	for _, u := range a.Services {
		uuids = append(uuids, u.String())
	}

	return Advertisement{
		LocalName:    a.LocalName,
		Connectable:  a.Connectable,
		ServiceUUIDs: uuids,
	}
}

// gattPeripheral adapts a gatt.Peripheral, holding the characteristic found
// by the profile walk until subscription
type gattPeripheral struct {
	p              gatt.Peripheral
	characteristic *gatt.Characteristic
}

func (g *gattPeripheral) ID() string {
	return g.p.ID()
}

func (g *gattPeripheral) Name() string {
	return g.p.Name()
}

func (g *gattPeripheral) SetMTU(mtu int) error {
	return g.p.SetMTU(uint16(mtu))
}

func (g *gattPeripheral) DiscoverProfile(profile Profile) (string, error) {

	ss, err := g.p.DiscoverServices(nil)
	if err != nil {
		return "", fmt.Errorf("failed to discover services: %w", err)
	}

	for _, s := range ss {
		if !uuidEqual(s.UUID().String(), profile.Service) {
			continue
		}

		cs, err := g.p.DiscoverCharacteristics(nil, s)
		if err != nil {
			return "", fmt.Errorf("failed to discover characteristics: %w", err)
		}

		for _, c := range cs {
			if !uuidEqual(c.UUID().String(), profile.Characteristic) {
				continue
			}

			if _, err := g.p.DiscoverDescriptors(nil, c); err != nil {
				return "", fmt.Errorf("failed to discover descriptors: %w", err)
			}

			g.characteristic = c
			return c.UUID().String(), nil
		}
	}

	return "", ErrProfileNotFound
}

func (g *gattPeripheral) Subscribe(fn func(payload []byte, err error)) error {
	if g.characteristic == nil {
		return fmt.Errorf("no characteristic armed for subscription")
	}

	return g.p.SetNotifyValue(g.characteristic, func(_ *gatt.Characteristic, req []byte, err error) {
		fn(req, err)
	})
}

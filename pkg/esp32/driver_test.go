package esp32

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Muskantaranum/btshelf/pkg/shelf"
)

// fakePeripheral simulates a remote device offered by the fake central
type fakePeripheral struct {
	id   string
	name string
	adv  Advertisement
	rssi int

	offersProfile bool
	mtuErr        error
	subscribeErr  error

	mu     sync.Mutex
	notify func(payload []byte, err error)
}

func (p *fakePeripheral) ID() string   { return p.id }
func (p *fakePeripheral) Name() string { return p.name }

func (p *fakePeripheral) SetMTU(int) error { return p.mtuErr }

func (p *fakePeripheral) DiscoverProfile(profile Profile) (string, error) {
	if !p.offersProfile {
		return "", ErrProfileNotFound
	}
	return profile.Characteristic, nil
}

func (p *fakePeripheral) Subscribe(fn func(payload []byte, err error)) error {
	if p.subscribeErr != nil {
		return p.subscribeErr
	}
	p.mu.Lock()
	p.notify = fn
	p.mu.Unlock()
	return nil
}

func (p *fakePeripheral) emit(payload string) {
	p.mu.Lock()
	fn := p.notify
	p.mu.Unlock()
	if fn != nil {
		fn([]byte(payload), nil)
	}
}

// fakeCentral simulates the radio backend, delivering callbacks
// asynchronously the way the real stack does and recording the operation
// order for invariant checks
type fakeCentral struct {
	adapter     AdapterState
	peripherals []*fakePeripheral
	stalled     map[string]bool // peripherals whose connect never completes

	mu  sync.Mutex
	ev  Events
	ops []string
}

func newFakeCentral(adapter AdapterState, peripherals ...*fakePeripheral) *fakeCentral {
	return &fakeCentral{
		adapter:     adapter,
		peripherals: peripherals,
		stalled:     make(map[string]bool),
	}
}

func (f *fakeCentral) record(op string) {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()
}

func (f *fakeCentral) operations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeCentral) Handle(ev Events) {
	f.mu.Lock()
	f.ev = ev
	f.mu.Unlock()
}

func (f *fakeCentral) Init() error {
	f.ev.AdapterState(f.adapter)
	return nil
}

func (f *fakeCentral) Scan() error {
	f.record("scan")
	peripherals := append([]*fakePeripheral(nil), f.peripherals...)
	go func() {
		for _, p := range peripherals {
			f.ev.Discovered(p, p.adv, p.rssi)
		}
	}()
	return nil
}

func (f *fakeCentral) StopScan() error {
	f.record("stop_scan")
	return nil
}

func (f *fakeCentral) Connect(p Peripheral) error {
	f.record("connect:" + p.ID())
	if f.stalled[p.ID()] {
		return nil
	}
	go f.ev.Connected(p, nil)
	return nil
}

func (f *fakeCentral) CancelConnection(p Peripheral) error {
	f.record("cancel:" + p.ID())
	return nil
}

func (f *fakeCentral) Close() error {
	f.record("close")
	return nil
}

////////////////////////////////////////////////////////////////////////////////

func newTestDriver(t *testing.T, fc *fakeCentral) *Driver {
	t.Helper()

	d, err := New(WithCentral(fc), WithConnectTimeout(500*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	return d
}

func TestScanConnectSubscribe(t *testing.T) {

	other := &fakePeripheral{id: "11:22:33:44:55:66", name: "JBL Flip", rssi: -80}
	target := &fakePeripheral{id: "aa:bb:cc:dd:ee:ff", name: "ESP32_Scale_BT", rssi: -52, offersProfile: true}
	fc := newFakeCentral(AdapterPoweredOn, other, target)
	d := newTestDriver(t, fc)

	var (
		statesMu sync.Mutex
		states   []shelf.State
	)
	d.SetStatusHandler(func(status shelf.ConnectionStatus) {
		statesMu.Lock()
		states = append(states, status.State)
		statesMu.Unlock()
	})

	frames := make(chan []byte, 8)
	d.SetDataHandler(func(payload []byte) { frames <- payload })

	err := d.StartScan(shelf.PeripheralIdentity{Name: "esp32_scale_bt"}, time.Second)
	require.NoError(t, err)

	status := d.Status()
	assert.Equal(t, shelf.StateSubscribed, status.State)
	assert.False(t, status.Degraded)

	// Both devices were retained for diagnostics, non-match included
	discovered := d.Discovered()
	require.Len(t, discovered, 2)
	assert.Equal(t, "11:22:33:44:55:66", discovered[0].Address)

	// Raw payloads are forwarded verbatim and counted
	target.emit("Weight: 342.50 g, Object: No Object")
	select {
	case payload := <-frames:
		assert.Equal(t, "Weight: 342.50 g, Object: No Object", string(payload))
	case <-time.After(time.Second):
		t.Fatal("no frame forwarded")
	}
	assert.Equal(t, uint64(1), d.Status().Frames)

	statesMu.Lock()
	defer statesMu.Unlock()
	assert.Subset(t, states, []shelf.State{
		shelf.StateScanning, shelf.StateConnecting, shelf.StateDiscovering, shelf.StateSubscribed,
	})
}

func TestScanTimeoutReportsDiscovered(t *testing.T) {

	fc := newFakeCentral(AdapterPoweredOn,
		&fakePeripheral{id: "00:00:00:00:00:01", name: "Speaker"},
		&fakePeripheral{id: "00:00:00:00:00:02", name: "Headset"},
		&fakePeripheral{id: "00:00:00:00:00:03", name: ""},
	)
	d := newTestDriver(t, fc)

	err := d.StartScan(shelf.PeripheralIdentity{Name: "esp32_scale_bt"}, 100*time.Millisecond)
	require.Error(t, err)

	// The full discovered list travels with the failure so the user can
	// diagnose a naming mismatch
	var notFound *shelf.NotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Len(t, notFound.Discovered, 3)

	status := d.Status()
	assert.Equal(t, shelf.StateIdle, status.State)
	assert.ErrorAs(t, status.Error, &notFound)
}

func TestProfileNotFoundDegradesSession(t *testing.T) {

	target := &fakePeripheral{id: "aa:bb:cc:dd:ee:ff", name: "ESP32_Scale_BT", offersProfile: false}
	fc := newFakeCentral(AdapterPoweredOn, target)
	d := newTestDriver(t, fc)

	// The link stays up without telemetry
	require.NoError(t, d.StartScan(shelf.PeripheralIdentity{Name: "esp32"}, time.Second))

	status := d.Status()
	assert.Equal(t, shelf.StateSubscribed, status.State)
	assert.True(t, status.Degraded)
	assert.ErrorIs(t, status.Error, shelf.ErrSubscriptionFailed)
}

func TestSubscribeFailureDegradesSession(t *testing.T) {

	target := &fakePeripheral{
		id: "aa:bb:cc:dd:ee:ff", name: "ESP32_Scale_BT",
		offersProfile: true, subscribeErr: fmt.Errorf("notify setup rejected"),
	}
	fc := newFakeCentral(AdapterPoweredOn, target)
	d := newTestDriver(t, fc)

	require.NoError(t, d.StartScan(shelf.PeripheralIdentity{Name: "esp32"}, time.Second))
	assert.True(t, d.Status().Degraded)
}

func TestMTUFailureFailsConnection(t *testing.T) {

	target := &fakePeripheral{
		id: "aa:bb:cc:dd:ee:ff", name: "ESP32_Scale_BT",
		offersProfile: true, mtuErr: fmt.Errorf("mtu rejected"),
	}
	fc := newFakeCentral(AdapterPoweredOn, target)
	d := newTestDriver(t, fc)

	err := d.StartScan(shelf.PeripheralIdentity{Name: "esp32"}, time.Second)
	assert.ErrorIs(t, err, shelf.ErrConnectionFailed)
	assert.Equal(t, shelf.StateIdle, d.Status().State)
}

func TestPermissionMapping(t *testing.T) {

	t.Run("unauthorized", func(t *testing.T) {
		d := newTestDriver(t, newFakeCentral(AdapterUnauthorized))

		granted, err := d.RequestPermissions()
		assert.False(t, granted)
		assert.ErrorIs(t, err, shelf.ErrPermissionDenied)

		// A denied permission also blocks scanning
		err = d.StartScan(shelf.PeripheralIdentity{Name: "esp32"}, time.Second)
		assert.ErrorIs(t, err, shelf.ErrPermissionDenied)
	})

	t.Run("powered off", func(t *testing.T) {
		d := newTestDriver(t, newFakeCentral(AdapterPoweredOff))

		granted, err := d.RequestPermissions()
		assert.False(t, granted)
		assert.ErrorIs(t, err, shelf.ErrRadioPoweredOff)
	})

	t.Run("powered on", func(t *testing.T) {
		d := newTestDriver(t, newFakeCentral(AdapterPoweredOn))

		granted, err := d.RequestPermissions()
		assert.True(t, granted)
		assert.NoError(t, err)
	})
}

func TestAtMostOneSession(t *testing.T) {

	first := &fakePeripheral{id: "aa:aa:aa:aa:aa:01", name: "shelf-a", offersProfile: true}
	second := &fakePeripheral{id: "aa:aa:aa:aa:aa:02", name: "shelf-b", offersProfile: true}
	fc := newFakeCentral(AdapterPoweredOn, first, second)
	fc.stalled[first.id] = true // first connect never completes

	d := newTestDriver(t, fc)

	firstResult := make(chan error, 1)
	go func() {
		firstResult <- d.StartScan(shelf.PeripheralIdentity{Name: "shelf-a"}, time.Second)
	}()

	// Wait until the first session is mid-connect
	require.Eventually(t, func() bool {
		return d.Status().State == shelf.StateConnecting
	}, time.Second, 5*time.Millisecond)

	// The second scan must fully tear down the old session before its own
	// scan starts
	require.NoError(t, d.StartScan(shelf.PeripheralIdentity{Name: "shelf-b"}, time.Second))
	assert.Equal(t, shelf.StateSubscribed, d.Status().State)

	select {
	case err := <-firstResult:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("superseded scan did not unblock")
	}

	ops := fc.operations()
	cancelFirst, secondScan := -1, -1
	scans := 0
	for i, op := range ops {
		switch op {
		case "cancel:" + first.id:
			if cancelFirst < 0 {
				cancelFirst = i
			}
		case "scan":
			scans++
			if scans == 2 {
				secondScan = i
			}
		}
	}
	require.GreaterOrEqual(t, cancelFirst, 0, "old session was never cancelled, ops: %v", ops)
	require.GreaterOrEqual(t, secondScan, 0, "second scan never started, ops: %v", ops)
	assert.Less(t, cancelFirst, secondScan, "old session must be torn down before the new scan, ops: %v", ops)
}

func TestDisconnectIdempotent(t *testing.T) {

	target := &fakePeripheral{id: "aa:bb:cc:dd:ee:ff", name: "ESP32_Scale_BT", offersProfile: true}
	fc := newFakeCentral(AdapterPoweredOn, target)
	d := newTestDriver(t, fc)

	// No session at all: a no-op, not an error
	require.NoError(t, d.Disconnect())

	require.NoError(t, d.StartScan(shelf.PeripheralIdentity{Name: "esp32"}, time.Second))
	require.NoError(t, d.Disconnect())
	assert.Equal(t, shelf.StateIdle, d.Status().State)

	// And again, after teardown
	require.NoError(t, d.Disconnect())
}

// Package esp32 drives the bluetooth link to an ESP32-based shelf scale: scan
// for the peripheral, connect, discover the profile's notification
// characteristic and stream raw frames to the registered data sink. The
// driver owns at most one session at a time; retries are always
// caller-initiated.
package esp32

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/stopwatch"

	"github.com/Muskantaranum/btshelf/pkg/shelf"
)

const (

	// DefaultScanTimeout bounds a scan when the caller passes none
	DefaultScanTimeout = 10 * time.Second

	// DefaultConnectTimeout bounds the connect / discover / subscribe sequence
	DefaultConnectTimeout = 10 * time.Second

	defaultMTU = 500

	btSettleDelay   = 50 * time.Millisecond
	btSettleRetries = 100
)

// attempt phases, guarded by the driver mutex
const (
	phaseScanning = iota
	phaseConnecting
	phaseSubscribed
	phaseDone
)

// attempt tracks a single scan / connect session
type attempt struct {
	identity shelf.PeripheralIdentity
	target   Peripheral
	phase    int
	parked   bool

	matched  chan struct{}
	result   chan error
	done     chan struct{}
	finished chan struct{}

	matchOnce sync.Once
	doneOnce  sync.Once
}

func newAttempt(identity shelf.PeripheralIdentity) *attempt {
	return &attempt{
		identity: identity,
		matched:  make(chan struct{}),
		result:   make(chan error, 1),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// deliver settles the attempt result. First settled wins, later outcomes are
// dropped
func (a *attempt) deliver(err error) {
	select {
	case a.result <- err:
	default:
	}
}

// Driver denotes a connection to an ESP32 shelf-scale peripheral
type Driver struct {
	mu sync.Mutex

	central        Central
	centralFactory func() (Central, error)
	centralReady   bool

	adapter  AdapterState
	state    shelf.State
	lastErr  error
	degraded bool
	handle   string
	frames   uint64
	watch    *stopwatch.Stopwatch

	profile        Profile
	connectTimeout time.Duration
	mtu            int

	att *attempt

	discovered      map[string]shelf.DiscoveredPeripheral
	discoveredOrder []string

	statusHandler func(status shelf.ConnectionStatus)
	statusChan    chan shelf.ConnectionStatus
	dataHandler   func(payload []byte)
	dataChan      chan []byte

	logger shelf.Logger
}

// New instantiates a new Driver, executing functional options, if any
func New(options ...func(*Driver)) (*Driver, error) {

	d := &Driver{
		state:          shelf.StateIdle,
		profile:        ProfileSerial,
		connectTimeout: DefaultConnectTimeout,
		mtu:            defaultMTU,
		discovered:     make(map[string]shelf.DiscoveredPeripheral),
		centralFactory: newGattCentral,
		logger:         &shelf.NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(d)
	}

	return d, d.ensureCentral()
}

// RequestPermissions verifies that the host grants access to the radio. It
// performs no radio state change itself; a denial maps the adapter state onto
// the matching error kind
func (d *Driver) RequestPermissions() (bool, error) {

	d.transientState(shelf.StatePermissionPending)

	if err := d.ensureCentral(); err != nil {
		d.settleIdle(err)
		return false, err
	}

	var err error
	switch state := d.waitForAdapter(); state {
	case AdapterPoweredOn:
		d.settleIdle(nil)
		return true, nil
	case AdapterUnauthorized:
		err = shelf.ErrPermissionDenied
	case AdapterPoweredOff:
		err = shelf.ErrRadioPoweredOff
	default:
		err = fmt.Errorf("bluetooth adapter unavailable (state %s)", state)

		// Unexpected manager state: drop it so the next call reinitializes
		d.dropCentral()
	}

	d.settleIdle(err)
	return false, err
}

// StartScan discovers and connects the peripheral matching the identity,
// suspending the caller until the session is subscribed or a timeout fires.
// Any existing session is fully torn down first: the driver maintains at most
// one session
func (d *Driver) StartScan(identity shelf.PeripheralIdentity, timeout time.Duration) error {

	if !identity.Valid() {
		return fmt.Errorf("peripheral identity requires an address or a name")
	}
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}

	if err := d.Disconnect(); err != nil {
		return err
	}

	if granted, err := d.RequestPermissions(); !granted {
		if err == nil {
			err = shelf.ErrPermissionDenied
		}
		return err
	}

	att := newAttempt(identity)
	d.mu.Lock()
	d.att = att
	d.discovered = make(map[string]shelf.DiscoveredPeripheral)
	d.discoveredOrder = nil
	d.degraded = false
	d.handle = ""
	d.lastErr = nil
	atomic.StoreUint64(&d.frames, 0)
	c := d.central
	d.mu.Unlock()

	d.setStatus(shelf.StateScanning, nil)

	if err := c.Scan(); err != nil {
		d.teardown(att)
		return d.fail(fmt.Errorf("failed to start scanning: %w", err))
	}

	// Scan phase: first settled of match, failure, teardown or timeout wins
	scanTimer := time.NewTimer(timeout)
	defer scanTimer.Stop()

	select {
	case <-att.matched:
	case err := <-att.result:
		d.teardown(att)
		return d.fail(err)
	case <-att.done:
		return fmt.Errorf("scan aborted: session torn down")
	case <-scanTimer.C:
		if err := c.StopScan(); err != nil {
			d.logger.Warnf("failed to stop scanning after timeout: %s", err)
		}
		notFound := &shelf.NotFoundError{Identity: identity, Discovered: d.Discovered()}
		d.teardown(att)
		return d.fail(notFound)
	}

	// Connect phase, bounded by its own fixed timeout
	connTimer := time.NewTimer(d.connectTimeout)
	defer connTimer.Stop()

	select {
	case err := <-att.result:
		if err != nil {
			d.teardown(att)
			return d.fail(err)
		}
		return nil
	case <-att.done:
		return fmt.Errorf("connect aborted: session torn down")
	case <-connTimer.C:
		d.teardown(att)
		return d.fail(fmt.Errorf("%w: connect timeout after %v", shelf.ErrConnectionFailed, d.connectTimeout))
	}
}

// Disconnect tears down the active session, if any. Safe to call from any
// state; calling it with no active session is a no-op
func (d *Driver) Disconnect() error {

	d.mu.Lock()
	att := d.att
	c := d.central
	d.mu.Unlock()

	if att == nil {
		if c != nil {
			_ = c.StopScan()
		}
		return nil
	}

	d.setStatus(shelf.StateDisconnecting, nil)
	if err := c.StopScan(); err != nil {
		d.logger.Warnf("failed to stop scanning on disconnect: %s", err)
	}
	d.teardown(att)
	d.setStatus(shelf.StateIdle, nil)

	return nil
}

// Status returns the current connection status. The subscribed state is only
// reported while the underlying adapter is actually usable, so the answer
// reflects the link layer rather than local session bookkeeping
func (d *Driver) Status() shelf.ConnectionStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	state, err := d.state, d.lastErr
	if state == shelf.StateSubscribed && d.adapter != AdapterPoweredOn {
		state, err = shelf.StateError, shelf.ErrRadioPoweredOff
	}

	var uptime time.Duration
	if state == shelf.StateSubscribed && d.watch != nil {
		uptime = d.watch.ElapsedTime()
	}

	return shelf.ConnectionStatus{
		State:    state,
		Error:    err,
		Degraded: d.degraded,
		Frames:   atomic.LoadUint64(&d.frames),
		Uptime:   uptime,
	}
}

// Discovered returns the devices seen during the most recent scan, in
// discovery order, for diagnostic display
func (d *Driver) Discovered() []shelf.DiscoveredPeripheral {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := make([]shelf.DiscoveredPeripheral, 0, len(d.discoveredOrder))
	for _, addr := range d.discoveredOrder {
		list = append(list, d.discovered[addr])
	}
	return list
}

// SetStatusHandler defines a handler function that is called upon state change
func (d *Driver) SetStatusHandler(fn func(status shelf.ConnectionStatus)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statusHandler = fn
}

// SetStatusChannel defines a channel that state changes are put on
func (d *Driver) SetStatusChannel(ch chan shelf.ConnectionStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statusChan = ch
}

// SetDataHandler defines a handler function that is called with each raw
// notification payload
func (d *Driver) SetDataHandler(fn func(payload []byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dataHandler = fn
}

// SetDataChannel defines a channel that raw payloads are put on
func (d *Driver) SetDataChannel(ch chan []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dataChan = ch
}

// Close terminates the connection to the device and releases the radio
func (d *Driver) Close() error {
	if err := d.Disconnect(); err != nil {
		return err
	}

	d.mu.Lock()
	c := d.central
	d.central = nil
	d.centralReady = false
	d.mu.Unlock()

	if c == nil {
		return nil
	}
	return c.Close()
}

////////////////////////////////////////////////////////////////////////////////

func (d *Driver) ensureCentral() error {

	d.mu.Lock()
	if d.central == nil {
		c, err := d.centralFactory()
		if err != nil {
			d.mu.Unlock()
			return err
		}
		d.central = c
		d.centralReady = false
	}
	c, ready := d.central, d.centralReady
	d.mu.Unlock()

	if ready {
		return nil
	}

	c.Handle(Events{
		AdapterState: d.onAdapterState,
		Discovered:   d.onDiscovered,
		Connected:    d.onConnected,
		Disconnected: d.onDisconnected,
	})
	if err := c.Init(); err != nil {
		d.dropCentral()
		return err
	}

	d.mu.Lock()
	d.centralReady = true
	d.mu.Unlock()
	return nil
}

func (d *Driver) dropCentral() {
	d.mu.Lock()
	c := d.central
	d.central = nil
	d.centralReady = false
	d.adapter = AdapterUnknown
	d.mu.Unlock()

	if c != nil {
		_ = c.Close()
	}
}

// waitForAdapter polls until the radio stack reported a definite state
func (d *Driver) waitForAdapter() AdapterState {
	for i := 0; i < btSettleRetries; i++ {
		d.mu.Lock()
		state := d.adapter
		d.mu.Unlock()
		if state != AdapterUnknown {
			return state
		}
		time.Sleep(btSettleDelay)
	}
	return AdapterUnknown
}

// teardown terminates the given attempt: it releases the park on the
// connected callback (which cancels the link itself) or cancels a half-open
// connection directly, and detaches the attempt from the driver
func (d *Driver) teardown(att *attempt) {

	d.mu.Lock()
	if d.att == att {
		d.att = nil
	}
	att.phase = phaseDone
	target, parked := att.target, att.parked
	if d.watch != nil {
		d.watch.Stop()
	}
	c := d.central
	d.mu.Unlock()

	att.doneOnce.Do(func() { close(att.done) })

	if parked {
		<-att.finished
		return
	}
	if target != nil && c != nil {
		_ = c.CancelConnection(target)
	}
}

// fail reports a terminal session failure: the state machine passes through
// Error and settles in Idle, ready for a fresh attempt, with the error
// retained on the status
func (d *Driver) fail(err error) error {
	d.setStatus(shelf.StateError, err)
	d.setStatus(shelf.StateIdle, err)
	return err
}

// transientState enters an intermediate state only when no session is active
func (d *Driver) transientState(state shelf.State) {
	d.mu.Lock()
	idle := d.state == shelf.StateIdle || d.state == shelf.StateError
	d.mu.Unlock()
	if idle {
		d.setStatus(state, nil)
	}
}

func (d *Driver) settleIdle(err error) {
	d.mu.Lock()
	transient := d.state == shelf.StatePermissionPending
	d.mu.Unlock()
	if transient {
		d.setStatus(shelf.StateIdle, err)
	}
}

func (d *Driver) setStatus(state shelf.State, err error) {

	d.mu.Lock()
	d.state = state
	if err != nil {
		d.lastErr = err
	}
	status := shelf.ConnectionStatus{
		State:    state,
		Error:    d.lastErr,
		Degraded: d.degraded,
		Frames:   atomic.LoadUint64(&d.frames),
	}
	handler, ch := d.statusHandler, d.statusChan
	d.mu.Unlock()

	// Call handler function, if any
	if handler != nil {
		handler(status)
	}

	// Put state change on channel, if any
	if ch != nil {
		select {
		case ch <- status:
		default:
		}
	}
}

// setDegraded flags the session as connected-without-telemetry and reports
// the subscription failure once. The link itself stays up
func (d *Driver) setDegraded(err error) {
	d.mu.Lock()
	d.degraded = true
	d.lastErr = err
	d.mu.Unlock()

	d.logger.Warnf("session degraded: %s", err)
}

////////////////////////////////////////////////////////////////////////////////

func (d *Driver) onAdapterState(state AdapterState) {

	d.mu.Lock()
	d.adapter = state
	att := d.att
	d.mu.Unlock()

	d.logger.Debugf("adapter state changed to %s", state)

	if state == AdapterPoweredOff && att != nil {
		att.deliver(shelf.ErrRadioPoweredOff)
	}
}

func (d *Driver) onDiscovered(p Peripheral, a Advertisement, rssi int) {

	d.logger.Debugf("discovered device `%s/%s`", p.Name(), p.ID())

	d.mu.Lock()
	att := d.att
	if att == nil {
		d.mu.Unlock()
		return
	}

	// Record every device for troubleshooting display, deduplicated by
	// address (newest sighting wins)
	addr := strings.ToLower(p.ID())
	if _, seen := d.discovered[addr]; !seen {
		d.discoveredOrder = append(d.discoveredOrder, addr)
	}
	d.discovered[addr] = shelf.DiscoveredPeripheral{
		Address:      p.ID(),
		Name:         p.Name(),
		LocalName:    a.LocalName,
		RSSI:         rssi,
		Connectable:  a.Connectable,
		ServiceUUIDs: a.ServiceUUIDs,
		SeenAt:       time.Now(),
	}

	if att.phase != phaseScanning ||
		(!att.identity.Matches(p.ID(), p.Name()) && !att.identity.Matches(p.ID(), a.LocalName)) {
		d.mu.Unlock()
		return
	}

	// Earliest match wins over strongest signal: connect immediately
	att.phase = phaseConnecting
	att.target = p
	c := d.central
	d.mu.Unlock()

	d.logger.Debugf("connecting device `%s/%s`", p.Name(), p.ID())

	// Stop scanning once we've got the peripheral we're looking for.
	if err := c.StopScan(); err != nil {
		d.logger.Warnf("failed to stop scanning: %s", err)
	}

	d.setStatus(shelf.StateConnecting, nil)
	att.matchOnce.Do(func() { close(att.matched) })

	if err := c.Connect(p); err != nil {
		att.deliver(fmt.Errorf("%w: %v", shelf.ErrConnectionFailed, err))
	}
}

func (d *Driver) onConnected(p Peripheral, connErr error) {

	d.mu.Lock()
	att := d.att
	if att == nil || att.phase != phaseConnecting || att.target == nil || att.target.ID() != p.ID() {
		c := d.central
		d.mu.Unlock()

		// Stray connection from a superseded session
		if c != nil {
			_ = c.CancelConnection(p)
		}
		return
	}
	att.parked = true
	c := d.central
	d.mu.Unlock()

	d.logger.Debugf("connected peripheral `%s/%s`", p.Name(), p.ID())

	defer func() {
		if c != nil {
			_ = c.CancelConnection(p)
		}
		close(att.finished)
	}()

	if connErr != nil {
		att.deliver(fmt.Errorf("%w: %v", shelf.ErrConnectionFailed, connErr))
		return
	}

	d.setStatus(shelf.StateDiscovering, nil)

	// Set connection MTU
	if err := p.SetMTU(d.mtu); err != nil {
		att.deliver(fmt.Errorf("%w: failed to set MTU: %v", shelf.ErrConnectionFailed, err))
		return
	}

	handle, err := p.DiscoverProfile(d.profile)
	switch {
	case errors.Is(err, ErrProfileNotFound):
		d.setDegraded(fmt.Errorf("%w: %v", shelf.ErrSubscriptionFailed, err))
	case err != nil:
		att.deliver(fmt.Errorf("%w: %v", shelf.ErrConnectionFailed, err))
		return
	default:
		if err := p.Subscribe(d.onNotify); err != nil {
			d.setDegraded(fmt.Errorf("%w: %v", shelf.ErrSubscriptionFailed, err))
		} else {
			d.mu.Lock()
			d.handle = handle
			d.mu.Unlock()
		}
	}

	d.mu.Lock()
	att.phase = phaseSubscribed
	if d.watch == nil {
		d.watch = stopwatch.Start(0)
	} else {
		d.watch.Reset()
		d.watch.Start(0)
	}
	d.mu.Unlock()

	d.setStatus(shelf.StateSubscribed, nil)
	att.deliver(nil)

	d.logger.Debugf("waiting to release peripheral `%s/%s`", p.Name(), p.ID())
	<-att.done
	d.logger.Debugf("released peripheral `%s/%s`", p.Name(), p.ID())
}

func (d *Driver) onDisconnected(p Peripheral, err error) {

	d.mu.Lock()
	att := d.att
	if att == nil || att.target == nil || att.target.ID() != p.ID() {
		d.mu.Unlock()
		return
	}
	subscribed := att.phase == phaseSubscribed
	d.mu.Unlock()

	d.logger.Debugf("disconnected peripheral `%s/%s`", p.Name(), p.ID())

	if !subscribed {
		return
	}

	// Unexpected link drop: report immediately instead of waiting for the
	// next status poll. No automatic reconnection, retries are
	// caller-initiated
	linkErr := fmt.Errorf("%w: link dropped", shelf.ErrConnectionFailed)
	if err != nil {
		linkErr = fmt.Errorf("%w: link dropped: %v", shelf.ErrConnectionFailed, err)
	}

	d.teardown(att)
	_ = d.fail(linkErr)
}

func (d *Driver) onNotify(payload []byte, err error) {

	if err != nil {
		d.logger.Warnf("notification error: %s", err)
		return
	}

	atomic.AddUint64(&d.frames, 1)

	d.mu.Lock()
	handler, ch := d.dataHandler, d.dataChan
	d.mu.Unlock()

	// Call handler function, if any
	if handler != nil {
		handler(payload)
	}

	// Put payload on channel, if any
	if ch != nil {
		ch <- payload
	}
}

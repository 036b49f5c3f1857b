// Package mock provides a synthetic shelf monitor for UI development and
// integration testing without BLE hardware. It emits generated telemetry
// frames in the same serial text format as the real peripheral, including the
// occasional terse and garbled frame.
package mock

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/fatih/stopwatch"

	"github.com/Muskantaranum/btshelf/pkg/shelf"
)

const (
	defaultDeviceName = "esp32_scale_bt"
	defaultAddress    = "00:11:22:33:44:55"
	defaultInterval   = 500 * time.Millisecond

	settleDelay = 50 * time.Millisecond
)

// Mock denotes a synthetic shelf monitor
type Mock struct {
	mu sync.Mutex

	state    shelf.State
	lastErr  error
	degraded bool
	frames   uint64
	watch    *stopwatch.Stopwatch

	deviceName string
	address    string
	interval   time.Duration
	rng        *rand.Rand

	weight float64

	discovered []shelf.DiscoveredPeripheral

	statusHandler func(status shelf.ConnectionStatus)
	statusChan    chan shelf.ConnectionStatus
	dataHandler   func(data []byte)
	dataChan      chan []byte

	doneChan chan struct{}
}

// New instantiates a new Mock, executing functional options, if any
func New(options ...func(*Mock)) (*Mock, error) {

	m := &Mock{
		deviceName: defaultDeviceName,
		address:    defaultAddress,
		interval:   defaultInterval,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		weight:     420,
	}

	for _, option := range options {
		option(m)
	}

	return m, nil
}

// WithInterval sets the frame emission interval
func WithInterval(interval time.Duration) func(*Mock) {
	return func(m *Mock) {
		m.interval = interval
	}
}

// WithSeed makes the generated weight walk deterministic
func WithSeed(seed int64) func(*Mock) {
	return func(m *Mock) {
		m.rng = rand.New(rand.NewSource(seed))
	}
}

// WithInitialWeight sets the starting point of the generated weight walk
func WithInitialWeight(weight float64) func(*Mock) {
	return func(m *Mock) {
		m.weight = weight
	}
}

// RequestPermissions always grants access
func (m *Mock) RequestPermissions() (bool, error) {
	return true, nil
}

// StartScan simulates a scan / connect / subscribe sequence and starts the
// frame generator. It blocks until the synthetic session is subscribed
func (m *Mock) StartScan(identity shelf.PeripheralIdentity, _ time.Duration) error {

	if !identity.Valid() {
		return fmt.Errorf("invalid peripheral identity, either address or name must be set")
	}

	if err := m.Disconnect(); err != nil {
		return err
	}

	if !identity.Matches(m.address, m.deviceName) {
		m.setState(shelf.StateScanning, nil)
		time.Sleep(settleDelay)
		m.mu.Lock()
		m.discovered = []shelf.DiscoveredPeripheral{{
			Address:     m.address,
			Name:        m.deviceName,
			LocalName:   m.deviceName,
			RSSI:        -40 - m.rng.Intn(40),
			Connectable: true,
			SeenAt:      time.Now(),
		}}
		m.mu.Unlock()
		m.setState(shelf.StateIdle, nil)
		return &shelf.NotFoundError{Identity: identity, Discovered: m.Discovered()}
	}

	for _, state := range []shelf.State{
		shelf.StatePermissionPending,
		shelf.StateScanning,
		shelf.StateConnecting,
		shelf.StateDiscovering,
	} {
		m.setState(state, nil)
		time.Sleep(settleDelay)
	}

	m.mu.Lock()
	m.discovered = []shelf.DiscoveredPeripheral{{
		Address:     m.address,
		Name:        m.deviceName,
		LocalName:   m.deviceName,
		RSSI:        -40 - m.rng.Intn(40),
		Connectable: true,
		SeenAt:      time.Now(),
	}}
	m.frames = 0
	m.degraded = false
	if m.watch == nil {
		m.watch = stopwatch.Start(0)
	} else {
		m.watch.Reset()
		m.watch.Start(0)
	}
	done := make(chan struct{})
	m.doneChan = done
	m.mu.Unlock()

	m.setState(shelf.StateSubscribed, nil)
	go m.emit(done)

	return nil
}

// Disconnect stops the frame generator and settles to idle
func (m *Mock) Disconnect() error {

	m.mu.Lock()
	done := m.doneChan
	m.doneChan = nil
	active := m.state != shelf.StateIdle
	if m.watch != nil {
		m.watch.Stop()
	}
	m.mu.Unlock()

	if done != nil {
		close(done)
	}
	if active {
		m.setState(shelf.StateDisconnecting, nil)
		m.setState(shelf.StateIdle, nil)
	}

	return nil
}

// Status returns the current status of the synthetic link
func (m *Mock) Status() shelf.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// Discovered returns the synthetic scan results
func (m *Mock) Discovered() []shelf.DiscoveredPeripheral {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]shelf.DiscoveredPeripheral(nil), m.discovered...)
}

// SetStatusHandler defines a handler function that is called upon status change
func (m *Mock) SetStatusHandler(fn func(status shelf.ConnectionStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusHandler = fn
}

// SetStatusChannel defines a channel that status changes are sent to
func (m *Mock) SetStatusChannel(ch chan shelf.ConnectionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusChan = ch
}

// SetDataHandler defines a handler function that is called for every frame
func (m *Mock) SetDataHandler(fn func(data []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dataHandler = fn
}

// SetDataChannel defines a channel that frames are sent to
func (m *Mock) SetDataChannel(ch chan []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dataChan = ch
}

// Close terminates the synthetic session
func (m *Mock) Close() error {
	return m.Disconnect()
}

////////////////////////////////////////////////////////////////////////////////

// emit generates frames until the session is torn down. Most frames are
// well-formed, every tenth is the terse firmware variant and every
// twenty-fifth is garbage, matching what real hardware produces
func (m *Mock) emit(done chan struct{}) {

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	var n int
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			n++
			m.forward(m.nextFrame(n))
		}
	}
}

func (m *Mock) nextFrame(n int) []byte {

	m.mu.Lock()
	defer m.mu.Unlock()

	// Random walk with the occasional pick / place step
	m.weight += m.rng.Float64()*2 - 1
	switch m.rng.Intn(20) {
	case 0:
		m.weight -= 60
	case 1:
		m.weight += 60
	}
	if m.weight < 0 {
		m.weight = 0
	}

	if n%25 == 0 {
		return []byte("RSSI: -70 dBm link ok")
	}
	if n%10 == 0 {
		return []byte(fmt.Sprintf("W:%.2f", m.weight))
	}

	object := "Object Detected"
	if m.weight < 50 {
		object = "No Object"
	}
	return []byte(fmt.Sprintf("Weight: %.2f g, Object: %s", m.weight, object))
}

func (m *Mock) forward(frame []byte) {

	m.mu.Lock()
	m.frames++
	dataHandler, dataChan := m.dataHandler, m.dataChan
	m.mu.Unlock()

	if dataHandler != nil {
		dataHandler(frame)
	}
	if dataChan != nil {
		select {
		case dataChan <- frame:
		default:
		}
	}
}

func (m *Mock) setState(state shelf.State, err error) {

	m.mu.Lock()
	m.state = state
	m.lastErr = err
	status := m.statusLocked()
	statusHandler, statusChan := m.statusHandler, m.statusChan
	m.mu.Unlock()

	if statusHandler != nil {
		statusHandler(status)
	}
	if statusChan != nil {
		select {
		case statusChan <- status:
		default:
		}
	}
}

func (m *Mock) statusLocked() shelf.ConnectionStatus {
	status := shelf.ConnectionStatus{
		State:    m.state,
		Error:    m.lastErr,
		Degraded: m.degraded,
		Frames:   m.frames,
	}
	if m.watch != nil {
		status.Uptime = m.watch.ElapsedTime()
	}
	return status
}

// Package telemetry aggregates decoded sensor readings into business-level
// shelf state: latest reading and bounded history, derived low-stock flag,
// shock events, monitoring liveness and a long-horizon trend log.
package telemetry

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Muskantaranum/btshelf/pkg/frame"
	"github.com/Muskantaranum/btshelf/pkg/shelf"
)

// Config carries the aggregation thresholds and capacities. All observed
// deployment constants are defaults here, not hardcoded behavior
type Config struct {

	// LowStockThreshold is the weight (grams) below which a shelf without a
	// present object counts as low stock
	LowStockThreshold float64

	// ShockThreshold is the weight delta between two consecutive readings
	// that counts as a physical shock
	ShockThreshold float64

	// ChangeEpsilon suppresses jitter-driven update storms: a reading that
	// differs from the previous one by no more than this (with unchanged
	// presence) only refreshes liveness
	ChangeEpsilon float64

	// HistorySize bounds the recent-reading history
	HistorySize int

	// ShockHistorySize bounds the recent shock-event list
	ShockHistorySize int

	// TrendSize bounds the long-horizon trend log
	TrendSize int

	// TrendInterval is the minimum elapsed time between trend snapshots
	TrendInterval time.Duration

	// LivenessInterval is the period of the liveness check
	LivenessInterval time.Duration

	// LivenessWindow is the maximum reading gap before monitoring counts as
	// stalled
	LivenessWindow time.Duration

	// Location labels readings / shock events that carry no shelf label of
	// their own
	Location string
}

// DefaultConfig returns the deployed default thresholds and capacities
func DefaultConfig() Config {
	return Config{
		LowStockThreshold: 350,
		ShockThreshold:    0.5,
		ChangeEpsilon:     0.01,
		HistorySize:       16,
		ShockHistorySize:  10,
		TrendSize:         24,
		TrendInterval:     time.Hour,
		LivenessInterval:  time.Second,
		LivenessWindow:    2 * time.Second,
	}
}

// Sink receives readings and shock events for remote persistence. Pushes are
// fire-and-forget: errors are logged, never propagated into the aggregation
// path
type Sink interface {
	PushReading(ctx context.Context, reading shelf.SensorReading) error
	PushShock(ctx context.Context, event shelf.ShockEvent) error
}

// State is a consistent snapshot of the aggregated shelf telemetry
type State struct {
	Latest         *shelf.SensorReading   `json:"latest,omitempty"`
	History        []shelf.SensorReading  `json:"history"`
	Trend          []shelf.SensorReading  `json:"trend"`
	Shocks         []shelf.ShockEvent     `json:"shocks"`
	LowStock       bool                   `json:"low_stock"`
	Monitoring     bool                   `json:"monitoring"`
	LastUpdate     time.Time              `json:"last_update"`
	DecodeFailures uint64                 `json:"decode_failures"`
	LastFailure    string                 `json:"last_failure,omitempty"`
}

// Aggregator consumes decoded readings and maintains the derived state. It
// never touches the radio; the connection layer feeds it through HandleFrame
// or Ingest
type Aggregator struct {
	mu sync.Mutex

	cfg Config

	latest     *shelf.SensorReading
	history    []shelf.SensorReading
	trend      []shelf.SensorReading
	shocks     []shelf.ShockEvent
	lowStock   bool
	monitoring bool
	lastUpdate time.Time
	lastTrend  time.Time

	decodeFailures uint64
	lastFailure    string

	updateHandler func(state State)
	shockHandler  func(event shelf.ShockEvent)

	sink   Sink
	logger shelf.Logger

	doneChan chan struct{}
	once     sync.Once
}

// New instantiates a new Aggregator, executing functional options, if any
func New(cfg Config, options ...func(*Aggregator)) *Aggregator {

	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	if cfg.ShockHistorySize <= 0 {
		cfg.ShockHistorySize = DefaultConfig().ShockHistorySize
	}
	if cfg.TrendSize <= 0 {
		cfg.TrendSize = DefaultConfig().TrendSize
	}
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = DefaultConfig().LivenessInterval
	}
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = DefaultConfig().LivenessWindow
	}

	a := &Aggregator{
		cfg:      cfg,
		logger:   &shelf.NullLogger{},
		doneChan: make(chan struct{}),
	}

	for _, option := range options {
		option(a)
	}

	return a
}

// WithSink attaches a remote persistence sink
func WithSink(sink Sink) func(*Aggregator) {
	return func(a *Aggregator) {
		a.sink = sink
	}
}

// WithLogger sets a logger for the aggregator
func WithLogger(logger shelf.Logger) func(*Aggregator) {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// OnUpdate registers the handler called with a fresh snapshot after every
// accepted reading and on liveness changes
func (a *Aggregator) OnUpdate(fn func(state State)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updateHandler = fn
}

// OnShock registers the handler called for every detected shock event
func (a *Aggregator) OnShock(fn func(event shelf.ShockEvent)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shockHandler = fn
}

// Start launches the periodic liveness check
func (a *Aggregator) Start() {
	go a.watchLiveness()
}

// Stop terminates the liveness check
func (a *Aggregator) Stop() {
	a.once.Do(func() { close(a.doneChan) })
}

// HandleFrame decodes a raw payload and ingests the reading. A frame that
// fails to decode is recorded for diagnostics and leaves the last-known-good
// state untouched
func (a *Aggregator) HandleFrame(payload []byte) {

	reading, err := frame.Decode(payload)
	if err != nil {
		a.recordFailure(err)
		return
	}

	a.Ingest(reading)
}

// Ingest incorporates a decoded reading into the aggregated state
func (a *Aggregator) Ingest(reading shelf.SensorReading) {

	if reading.Location == "" {
		reading.Location = a.cfg.Location
	}

	a.mu.Lock()

	prev := a.latest
	now := reading.TimeStamp
	if now.IsZero() {
		now = time.Now()
	}

	// Jitter suppression: an unchanged value only proves the peripheral is
	// alive
	if prev != nil &&
		math.Abs(reading.Weight-prev.Weight) <= a.cfg.ChangeEpsilon &&
		reading.Presence == prev.Presence {
		a.lastUpdate = now
		a.monitoring = true
		a.mu.Unlock()
		return
	}

	var shock *shelf.ShockEvent
	if prev != nil && math.Abs(reading.Weight-prev.Weight) > a.cfg.ShockThreshold {

		// Transient-impact detection compares against the immediately
		// preceding reading, never an average
		shock = &shelf.ShockEvent{
			ID:        uuid.New().String(),
			TimeStamp: now,
			Weight:    reading.Weight,
			Delta:     reading.Weight - prev.Weight,
			Location:  reading.Location,
			Confirmed: true,
		}
		a.shocks = appendBounded(a.shocks, *shock, a.cfg.ShockHistorySize)
	}

	a.latest = &reading
	a.history = appendBounded(a.history, reading, a.cfg.HistorySize)
	a.lowStock = reading.Weight < a.cfg.LowStockThreshold && reading.Presence != shelf.PresencePresent
	a.lastUpdate = now
	a.monitoring = true

	// Long-horizon trend log, gated on elapsed time rather than a calendar
	// schedule
	if a.lastTrend.IsZero() || now.Sub(a.lastTrend) >= a.cfg.TrendInterval {
		a.trend = appendBounded(a.trend, reading, a.cfg.TrendSize)
		a.lastTrend = now
	}

	state := a.snapshotLocked()
	updateHandler, shockHandler, sink := a.updateHandler, a.shockHandler, a.sink
	a.mu.Unlock()

	if shock != nil {
		a.logger.Warnf("shock detected at %s: weight %.2f (delta %.2f)",
			shock.Location, shock.Weight, shock.Delta)
		if shockHandler != nil {
			shockHandler(*shock)
		}
		if sink != nil {
			if err := sink.PushShock(context.Background(), *shock); err != nil {
				a.logger.Warnf("failed to push shock event: %s", err)
			}
		}
	}

	if updateHandler != nil {
		updateHandler(state)
	}
	if sink != nil {
		if err := sink.PushReading(context.Background(), reading); err != nil {
			a.logger.Warnf("failed to push reading: %s", err)
		}
	}
}

// State returns a consistent snapshot of the aggregated telemetry
func (a *Aggregator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

////////////////////////////////////////////////////////////////////////////////

func (a *Aggregator) recordFailure(err error) {
	a.mu.Lock()
	a.decodeFailures++
	if decodeErr, ok := err.(*shelf.DecodeError); ok {
		a.lastFailure = decodeErr.Payload
	}
	count := a.decodeFailures
	a.mu.Unlock()

	a.logger.Debugf("decode failure #%d: %s", count, err)
}

// watchLiveness flips the monitoring indicator when readings stop arriving,
// independent of the link-layer connected flag: a link can stay nominally
// connected while the peripheral stops sending useful data
func (a *Aggregator) watchLiveness() {

	ticker := time.NewTicker(a.cfg.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.doneChan:
			return
		case <-ticker.C:
			a.mu.Lock()
			stalled := a.monitoring && !a.lastUpdate.IsZero() &&
				time.Since(a.lastUpdate) > a.cfg.LivenessWindow
			var (
				state   State
				handler func(State)
			)
			if stalled {
				a.monitoring = false
				state = a.snapshotLocked()
				handler = a.updateHandler
			}
			a.mu.Unlock()

			if stalled {
				a.logger.Warnf("telemetry stalled: no reading for more than %v", a.cfg.LivenessWindow)
				if handler != nil {
					handler(state)
				}
			}
		}
	}
}

func (a *Aggregator) snapshotLocked() State {
	return State{
		Latest:         a.latest,
		History:        append([]shelf.SensorReading(nil), a.history...),
		Trend:          append([]shelf.SensorReading(nil), a.trend...),
		Shocks:         append([]shelf.ShockEvent(nil), a.shocks...),
		LowStock:       a.lowStock,
		Monitoring:     a.monitoring,
		LastUpdate:     a.lastUpdate,
		DecodeFailures: a.decodeFailures,
		LastFailure:    a.lastFailure,
	}
}

// appendBounded appends to a bounded history, evicting the oldest entry
func appendBounded[T any](list []T, item T, capacity int) []T {
	list = append(list, item)
	if len(list) > capacity {
		list = list[len(list)-capacity:]
	}
	return list
}

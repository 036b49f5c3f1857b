// Package store persists aggregated shelf telemetry to Redis. The sink is
// offline-tolerant: a missing or unreachable server degrades pushes to no-ops
// instead of failing the telemetry path.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/Muskantaranum/btshelf/pkg/shelf"
)

const (
	defaultPrefix       = "btshelf"
	defaultHistoryLimit = 1000
	pingTimeout         = 5 * time.Second
)

// Config carries the Redis connection parameters
type Config struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int

	// Prefix namespaces all keys written by the sink
	Prefix string

	// HistoryLimit bounds the per-key reading history kept server-side
	HistoryLimit int
}

// Sink writes readings and shock events to Redis
type Sink struct {
	client *redis.Client
	cfg    Config

	mu        sync.RWMutex
	connected bool

	logger shelf.Logger
}

// New instantiates a new Sink, executing functional options, if any. A failed
// initial connection is logged, not returned: the sink starts offline and
// reconnects on the next successful push
func New(cfg Config, options ...func(*Sink)) *Sink {

	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}

	s := &Sink{
		cfg:    cfg,
		logger: &shelf.NullLogger{},
	}

	for _, option := range options {
		option(s)
	}

	if !cfg.Enabled {
		return s
	}

	s.client = redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.logger.Warnf("store unreachable at %s, continuing offline: %s", cfg.Addr, err)
		return s
	}

	s.connected = true
	return s
}

// WithLogger sets a logger for the sink
func WithLogger(logger shelf.Logger) func(*Sink) {
	return func(s *Sink) {
		s.logger = logger
	}
}

// WithClient injects an existing Redis client (used for testing against
// miniature servers)
func WithClient(client *redis.Client) func(*Sink) {
	return func(s *Sink) {
		s.client = client
		s.connected = true
		s.cfg.Enabled = true
	}
}

// IsConnected denotes if the sink currently has a live server connection
func (s *Sink) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected && s.cfg.Enabled
}

// PushReading persists a reading: the latest snapshot as JSON plus a bounded
// time-scored history entry
func (s *Sink) PushReading(ctx context.Context, reading shelf.SensorReading) error {

	if !s.ensureConnected(ctx) {
		return nil
	}

	data, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("failed to encode reading: %w", err)
	}

	ts := reading.TimeStamp.UnixNano() / int64(time.Millisecond)

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.key("latest"), data, 0)
	pipe.Set(ctx, s.key("weight"), reading.Weight, 0)
	pipe.Set(ctx, s.key("presence"), string(reading.Presence), 0)
	pipe.ZAdd(ctx, s.key("history"), &redis.Z{
		Score:  float64(ts),
		Member: data,
	})
	pipe.ZRemRangeByRank(ctx, s.key("history"), 0, int64(-s.cfg.HistoryLimit-1))

	if _, err := pipe.Exec(ctx); err != nil {
		s.markDisconnected(err)
		return fmt.Errorf("failed to push reading: %w", err)
	}

	return nil
}

// PushShock persists a shock event onto a bounded list, newest first
func (s *Sink) PushShock(ctx context.Context, event shelf.ShockEvent) error {

	if !s.ensureConnected(ctx) {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode shock event: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.LPush(ctx, s.key("shocks"), data)
	pipe.LTrim(ctx, s.key("shocks"), 0, int64(s.cfg.HistoryLimit-1))
	pipe.Incr(ctx, s.key("shocks_total"))

	if _, err := pipe.Exec(ctx); err != nil {
		s.markDisconnected(err)
		return fmt.Errorf("failed to push shock event: %w", err)
	}

	return nil
}

// RecentShocks returns up to limit stored shock events, newest first
func (s *Sink) RecentShocks(ctx context.Context, limit int64) ([]shelf.ShockEvent, error) {

	if !s.ensureConnected(ctx) {
		return nil, nil
	}

	raw, err := s.client.LRange(ctx, s.key("shocks"), 0, limit-1).Result()
	if err != nil {
		s.markDisconnected(err)
		return nil, fmt.Errorf("failed to fetch shock events: %w", err)
	}

	events := make([]shelf.ShockEvent, 0, len(raw))
	for _, item := range raw {
		var event shelf.ShockEvent
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			continue
		}
		events = append(events, event)
	}

	return events, nil
}

// Close terminates the server connection
func (s *Sink) Close() error {
	if s.client == nil {
		return nil
	}

	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	return s.client.Close()
}

////////////////////////////////////////////////////////////////////////////////

func (s *Sink) key(name string) string {
	return fmt.Sprintf("%s:%s", s.cfg.Prefix, name)
}

// ensureConnected re-probes an offline server so the sink recovers without a
// restart
func (s *Sink) ensureConnected(ctx context.Context) bool {

	if !s.cfg.Enabled || s.client == nil {
		return false
	}

	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	if connected {
		return true
	}

	if err := s.client.Ping(ctx).Err(); err != nil {
		return false
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.logger.Infof("store connection established at %s", s.cfg.Addr)

	return true
}

func (s *Sink) markDisconnected(err error) {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.logger.Warnf("store connection lost: %s", err)
}

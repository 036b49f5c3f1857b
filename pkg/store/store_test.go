package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Muskantaranum/btshelf/pkg/shelf"
)

func TestDisabledSinkIsNoOp(t *testing.T) {

	s := New(Config{Enabled: false})
	assert.False(t, s.IsConnected())

	r := shelf.SensorReading{TimeStamp: time.Now(), Weight: 210, Presence: shelf.PresencePresent}
	require.NoError(t, s.PushReading(context.Background(), r))
	require.NoError(t, s.PushShock(context.Background(), shelf.ShockEvent{ID: "x"}))

	events, err := s.RecentShocks(context.Background(), 10)
	require.NoError(t, err)
	assert.Nil(t, events)

	require.NoError(t, s.Close())
}

func TestConfigDefaults(t *testing.T) {

	s := New(Config{Enabled: false})
	assert.Equal(t, defaultPrefix, s.cfg.Prefix)
	assert.Equal(t, defaultHistoryLimit, s.cfg.HistoryLimit)
	assert.Equal(t, "btshelf:latest", s.key("latest"))
}

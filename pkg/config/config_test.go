package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "btshelf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "esp32_scale_bt", cfg.Peripheral.Name)
	assert.Equal(t, 10*time.Second, cfg.ScanTimeout())
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout())
	assert.InDelta(t, 350, cfg.Telemetry.LowStockThreshold, 1e-9)
	assert.InDelta(t, 0.5, cfg.Telemetry.ShockThreshold, 1e-9)
	assert.True(t, cfg.Identity().Valid())
}

func TestLoadOverridesDefaults(t *testing.T) {

	path := writeConfig(t, `
peripheral:
  address: "AA:BB:CC:DD:EE:FF"
  scan_timeout_ms: 5000
telemetry:
  location: "Shelf1"
  low_stock_threshold: 500
store:
  enabled: true
  addr: "redis.local:6379"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "AA:BB:CC:DD:EE:FF", cfg.Peripheral.Address)
	assert.Equal(t, 5*time.Second, cfg.ScanTimeout())

	// Untouched sections keep their defaults
	assert.Equal(t, "esp32_scale_bt", cfg.Peripheral.Name)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout())

	tc := cfg.TelemetryConfig()
	assert.Equal(t, "Shelf1", tc.Location)
	assert.InDelta(t, 500, tc.LowStockThreshold, 1e-9)
	assert.InDelta(t, 0.5, tc.ShockThreshold, 1e-9)
	assert.Equal(t, time.Hour, tc.TrendInterval)

	sc := cfg.StoreConfig()
	assert.True(t, sc.Enabled)
	assert.Equal(t, "redis.local:6379", sc.Addr)
	assert.Equal(t, "btshelf", sc.Prefix)
}

func TestLoadRejectsInvalidValues(t *testing.T) {

	tests := []struct {
		name    string
		content string
	}{
		{
			name: "empty identity",
			content: `
peripheral:
  name: ""
`,
		},
		{
			name: "zero scan timeout",
			content: `
peripheral:
  scan_timeout_ms: 0
`,
		},
		{
			name: "negative shock threshold",
			content: `
telemetry:
  shock_threshold: -1
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {

	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

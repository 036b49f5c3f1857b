package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Muskantaranum/btshelf/pkg/shelf"
	"github.com/Muskantaranum/btshelf/pkg/telemetry"
)

type stubMonitor struct {
	mu         sync.Mutex
	status     shelf.ConnectionStatus
	discovered []shelf.DiscoveredPeripheral

	scanIdentity  shelf.PeripheralIdentity
	scanTimeout   time.Duration
	scanCalled    bool
	disconnectErr error
}

func (m *stubMonitor) RequestPermissions() (bool, error) { return true, nil }

func (m *stubMonitor) StartScan(identity shelf.PeripheralIdentity, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanIdentity = identity
	m.scanTimeout = timeout
	m.scanCalled = true
	return nil
}

func (m *stubMonitor) Disconnect() error { return m.disconnectErr }

func (m *stubMonitor) Status() shelf.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *stubMonitor) Discovered() []shelf.DiscoveredPeripheral { return m.discovered }

func (m *stubMonitor) SetStatusHandler(func(shelf.ConnectionStatus)) {}
func (m *stubMonitor) SetStatusChannel(chan shelf.ConnectionStatus) {}
func (m *stubMonitor) SetDataHandler(func([]byte))                  {}
func (m *stubMonitor) SetDataChannel(chan []byte)                   {}
func (m *stubMonitor) Close() error                                 { return nil }

func newTestAPI(monitor *stubMonitor) (*API, *telemetry.Aggregator) {
	aggregator := telemetry.New(telemetry.DefaultConfig())
	api := &API{
		monitor:     monitor,
		aggregator:  aggregator,
		router:      fiber.New(),
		scanTimeout: defaultScanTimeout,
	}
	api.setupRoutes()
	return api, aggregator
}

func doJSON(t *testing.T, api *API, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := api.router.Test(req)
	require.NoError(t, err)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	return resp, data
}

func TestStatusEndpoint(t *testing.T) {

	monitor := &stubMonitor{
		status: shelf.ConnectionStatus{
			State:    shelf.StateError,
			Error:    shelf.ErrPermissionDenied,
			Degraded: false,
			Frames:   12,
			Uptime:   3 * time.Second,
		},
	}
	api, _ := newTestAPI(monitor)

	resp, body := doJSON(t, api, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status statusResponse
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "error", status.State)
	assert.Equal(t, uint64(12), status.Frames)
	assert.Equal(t, int64(3000), status.UptimeMS)
	assert.NotEmpty(t, status.Error)
	assert.NotEmpty(t, status.Remedy)
}

func TestTelemetryEndpoint(t *testing.T) {

	api, aggregator := newTestAPI(&stubMonitor{})
	aggregator.Ingest(shelf.SensorReading{
		TimeStamp: time.Now(),
		Weight:    120,
		Presence:  shelf.PresenceAbsent,
	})

	resp, body := doJSON(t, api, http.MethodGet, "/api/telemetry", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var state telemetry.State
	require.NoError(t, json.Unmarshal(body, &state))
	require.NotNil(t, state.Latest)
	assert.InDelta(t, 120, state.Latest.Weight, 1e-9)
	assert.True(t, state.LowStock)
}

func TestScanEndpoint(t *testing.T) {

	monitor := &stubMonitor{}
	api, _ := newTestAPI(monitor)

	resp, _ := doJSON(t, api, http.MethodPost, "/api/scan",
		scanRequest{Name: "esp32_scale_bt", TimeoutMS: 5000})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Eventually(t, func() bool {
		monitor.mu.Lock()
		defer monitor.mu.Unlock()
		return monitor.scanCalled
	}, time.Second, 10*time.Millisecond)

	monitor.mu.Lock()
	defer monitor.mu.Unlock()
	assert.Equal(t, "esp32_scale_bt", monitor.scanIdentity.Name)
	assert.Equal(t, 5*time.Second, monitor.scanTimeout)
}

func TestScanEndpointRejectsEmptyIdentity(t *testing.T) {

	api, _ := newTestAPI(&stubMonitor{})

	resp, _ := doJSON(t, api, http.MethodPost, "/api/scan", scanRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDisconnectEndpoint(t *testing.T) {

	api, _ := newTestAPI(&stubMonitor{})

	resp, _ := doJSON(t, api, http.MethodPost, "/api/disconnect", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestFailuresEndpoint(t *testing.T) {

	api, aggregator := newTestAPI(&stubMonitor{})
	aggregator.HandleFrame([]byte("garbled"))

	resp, body := doJSON(t, api, http.MethodGet, "/api/failures", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var failures failureResponse
	require.NoError(t, json.Unmarshal(body, &failures))
	assert.Equal(t, uint64(1), failures.DecodeFailures)
	assert.Equal(t, "garbled", failures.LastFailure)
}

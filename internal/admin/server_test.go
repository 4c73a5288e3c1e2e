package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/devicefarmd/agent/internal/device"
	"github.com/devicefarmd/agent/internal/eventbus"
	"github.com/devicefarmd/agent/internal/metrics"
	"github.com/devicefarmd/agent/internal/orchestrator"
	"github.com/devicefarmd/agent/internal/plugin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServerEngine(t *testing.T) (*Server, *device.Registry, *eventbus.Bus) {
	t.Helper()
	reg := device.NewRegistry()
	bus := eventbus.New(zerolog.Nop())
	m := metrics.New(prometheus.NewRegistry())
	orch := orchestrator.New(zerolog.Nop(), m, plugin.NewRegistry(), orchestrator.Config{MonitorInterval: time.Minute, RestartBackoffSeconds: 1})

	s := New(zerolog.Nop(), "127.0.0.1:0", reg, orch, bus, promhttp.Handler())
	return s, reg, bus
}

func TestHealthzReturnsOK(t *testing.T) {
	s, _, _ := newTestServerEngine(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestDevicesEndpointReflectsRegistry(t *testing.T) {
	s, reg, _ := newTestServerEngine(t)
	reg.AddOrUpdate(device.Device{Platform: device.Android, ID: "d1", State: device.Connected})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "d1")
}

func TestEventStreamForwardsPublishedEvents(t *testing.T) {
	s, _, bus := newTestServerEngine(t)
	srv := httptest.NewServer(s.engine)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(50 * time.Millisecond) // allow the handler's Subscribe calls to register
	bus.Publish(eventbus.DeviceConnected{Device: eventbus.Device{Platform: "android", ID: "dev1"}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(msg, &payload))
	assert.Contains(t, payload["Device"].(map[string]any)["ID"], "dev1")
}

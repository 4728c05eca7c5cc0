package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deviceio/relay/db"
	"github.com/deviceio/relay/relay"
	"github.com/deviceio/relay/telemetry"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type snapshotCall struct {
	deviceid string
	event    string
	data     string
}

type fakeRegistry struct {
	mu        sync.Mutex
	devices   map[string]*db.Device
	snapshots []snapshotCall
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{devices: map[string]*db.Device{}}
}

func (t *fakeRegistry) AddOrUpdateDevice(_ context.Context, device *db.Device) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := *device
	t.devices[device.ID] = &d
	return nil
}

func (t *fakeRegistry) SetDeviceConnected(_ context.Context, deviceid string, connected bool, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.devices[deviceid]
	if !ok {
		return db.ErrNotFound
	}
	d.IsConnected = connected
	d.LastActivity = &at
	return nil
}

func (t *fakeRegistry) PutSnapshot(_ context.Context, deviceid string, event string, data json.RawMessage, _ time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.snapshots = append(t.snapshots, snapshotCall{deviceid, event, string(data)})
	return nil
}

func (t *fakeRegistry) device(id string) (db.Device, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.devices[id]
	if !ok {
		return db.Device{}, false
	}
	return *d, true
}

func (t *fakeRegistry) snapshotCalls() []snapshotCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]snapshotCall(nil), t.snapshots...)
}

const (
	deviceA = "0b6f6f1e-1c47-4d1a-9b39-6a0d7c1f2e01"
	deviceB = "0b6f6f1e-1c47-4d1a-9b39-6a0d7c1f2e02"
)

type ServiceTestSuite struct {
	suite.Suite
	service  *Service
	registry *fakeRegistry
	server   *httptest.Server
	logger   *logrus.Logger
}

func (t *ServiceTestSuite) SetupTest() {
	t.logger, _ = test.NewNullLogger()
	t.registry = newFakeRegistry()
	t.service = NewService(&Options{
		Registry: t.registry,
		Logger:   t.logger,
	})
	t.server = httptest.NewServer(t.service.Handler())

	t.T().Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		t.service.Shutdown(ctx)
		t.server.Close()
	})
}

func (t *ServiceTestSuite) url() string {
	return "ws" + strings.TrimPrefix(t.server.URL, "http") + "/v1/connect"
}

func (t *ServiceTestSuite) peer(header http.Header) *relay.Client {
	c := relay.New(&relay.Options{
		URL:                  t.url(),
		Header:               header,
		ConnectTimeout:       2 * time.Second,
		MaxReconnectAttempts: -1,
		Logger:               t.logger,
	})
	t.T().Cleanup(c.Disconnect)

	return c
}

func deviceHeader(id, hostname string) http.Header {
	h := http.Header{}
	h.Set(HeaderID, id)
	h.Set(HeaderHostname, hostname)
	h.Set(HeaderRole, string(RoleDevice))
	h.Set(HeaderKind, string(telemetry.KindESP32))
	h.Set(HeaderPlatform, "freertos")
	h.Set(HeaderArchitecture, "xtensa")
	h.Set(HeaderTags, "printer-1, bed")
	return h
}

func (t *ServiceTestSuite) Test_device_telemetry_is_relayed_and_recorded() {
	device := t.peer(deviceHeader(deviceA, "esp32-bed"))
	dashboard := t.peer(nil)

	received := make(chan json.RawMessage, 4)
	dashboard.OnEvent(telemetry.EventDeviceTelemetry, func(data json.RawMessage) {
		received <- data
	})

	echoed := make(chan struct{}, 1)
	device.OnEvent(telemetry.EventDeviceTelemetry, func(json.RawMessage) {
		echoed <- struct{}{}
	})

	require.NoError(t.T(), dashboard.Connect(context.Background()))
	require.NoError(t.T(), device.Connect(context.Background()))

	require.Eventually(t.T(), func() bool {
		return t.service.PeerCount() == 2
	}, time.Second, 5*time.Millisecond)

	registered, ok := t.registry.device(deviceA)
	require.True(t.T(), ok)
	assert.True(t.T(), registered.IsConnected)
	assert.Equal(t.T(), "esp32-bed", registered.Hostname)
	assert.Equal(t.T(), "esp32", registered.Kind)
	assert.Equal(t.T(), []string{"printer-1", "bed"}, registered.Tags)

	require.True(t.T(), device.Send(telemetry.EventDeviceTelemetry, telemetry.DeviceTelemetry{
		DeviceID:    deviceA,
		Kind:        telemetry.KindESP32,
		Temperature: 61.5,
	}))

	select {
	case data := <-received:
		var dt telemetry.DeviceTelemetry
		require.NoError(t.T(), json.Unmarshal(data, &dt))
		assert.Equal(t.T(), 61.5, dt.Temperature)
	case <-time.After(2 * time.Second):
		t.T().Fatal("dashboard did not receive telemetry")
	}

	select {
	case <-echoed:
		t.T().Fatal("telemetry echoed back to sender")
	case <-time.After(100 * time.Millisecond):
	}

	calls := t.registry.snapshotCalls()
	require.Len(t.T(), calls, 1)
	assert.Equal(t.T(), deviceA, calls[0].deviceid)
	assert.Equal(t.T(), telemetry.EventDeviceTelemetry, calls[0].event)
}

func (t *ServiceTestSuite) Test_dashboard_events_are_not_recorded() {
	dashboard := t.peer(nil)
	other := t.peer(nil)

	received := make(chan json.RawMessage, 1)
	other.OnEvent(telemetry.EventDeviceStatus, func(data json.RawMessage) {
		received <- data
	})

	require.NoError(t.T(), dashboard.Connect(context.Background()))
	require.NoError(t.T(), other.Connect(context.Background()))

	require.Eventually(t.T(), func() bool {
		return t.service.PeerCount() == 2
	}, time.Second, 5*time.Millisecond)

	dashboard.Send(telemetry.EventDeviceStatus, "spoofed")

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.T().Fatal("event not relayed")
	}

	assert.Empty(t.T(), t.registry.snapshotCalls())
}

func (t *ServiceTestSuite) Test_qc_results_are_relayed_but_not_recorded() {
	header := deviceHeader(deviceB, "qc-cam")
	header.Set(HeaderKind, string(telemetry.KindRaspberryQC))

	qc := t.peer(header)
	dashboard := t.peer(nil)

	received := make(chan json.RawMessage, 1)
	dashboard.OnEvent(telemetry.EventQCResult, func(data json.RawMessage) {
		received <- data
	})

	require.NoError(t.T(), dashboard.Connect(context.Background()))
	require.NoError(t.T(), qc.Connect(context.Background()))

	require.Eventually(t.T(), func() bool {
		return t.service.PeerCount() == 2
	}, time.Second, 5*time.Millisecond)

	inspected := time.Date(2026, 3, 2, 10, 4, 0, 0, time.UTC)

	require.True(t.T(), qc.Send(telemetry.EventQCResult, telemetry.QualityResult{
		DeviceID:  deviceB,
		JobID:     "job-42",
		Score:     0.61,
		Defects:   []string{"stringing", "layer_shift"},
		Timestamp: inspected,
	}))

	select {
	case data := <-received:
		var result telemetry.QualityResult
		require.NoError(t.T(), json.Unmarshal(data, &result))
		assert.Equal(t.T(), "job-42", result.JobID)
		assert.False(t.T(), result.Passed)
		assert.Equal(t.T(), []string{"stringing", "layer_shift"}, result.Defects)
		assert.True(t.T(), inspected.Equal(result.Timestamp))
	case <-time.After(2 * time.Second):
		t.T().Fatal("dashboard did not receive qc result")
	}

	registered, ok := t.registry.device(deviceB)
	require.True(t.T(), ok)
	assert.Equal(t.T(), string(telemetry.KindRaspberryQC), registered.Kind)
	assert.Empty(t.T(), t.registry.snapshotCalls())
}

func (t *ServiceTestSuite) Test_invalid_id_is_rejected() {
	h := http.Header{}
	h.Set(HeaderID, "not-a-uuid")

	_, resp, err := websocket.DefaultDialer.Dial(t.url(), h)

	require.Error(t.T(), err)
	require.NotNil(t.T(), resp)
	assert.Equal(t.T(), http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t.T(), 0, t.service.PeerCount())
}

func (t *ServiceTestSuite) Test_unknown_role_is_rejected() {
	h := http.Header{}
	h.Set(HeaderRole, "printer")

	_, resp, err := websocket.DefaultDialer.Dial(t.url(), h)

	require.Error(t.T(), err)
	require.NotNil(t.T(), resp)
	assert.Equal(t.T(), http.StatusBadRequest, resp.StatusCode)
}

func (t *ServiceTestSuite) Test_duplicate_id_is_rejected_and_first_connection_kept() {
	first := t.peer(deviceHeader(deviceA, "esp32-bed"))
	require.NoError(t.T(), first.Connect(context.Background()))

	require.Eventually(t.T(), func() bool {
		return t.service.PeerCount() == 1
	}, time.Second, 5*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(t.url(), deviceHeader(deviceA, "esp32-bed"))

	require.Error(t.T(), err)
	require.NotNil(t.T(), resp)
	assert.Equal(t.T(), http.StatusConflict, resp.StatusCode)
	assert.True(t.T(), first.Connected())
	assert.True(t.T(), t.service.IsDeviceConnected(deviceA))
}

func (t *ServiceTestSuite) Test_unresponsive_connection_is_evicted_by_same_id() {
	service := NewService(&Options{Registry: t.registry, Logger: t.logger})
	service.staleWait = 100 * time.Millisecond

	server := httptest.NewServer(service.Handler())
	defer server.Close()
	defer service.Shutdown(context.Background())

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/connect"

	// never reads, so the gateway ping goes unanswered like a half-open socket
	stale, _, err := websocket.DefaultDialer.Dial(url, deviceHeader(deviceA, "esp32-bed"))
	require.NoError(t.T(), err)
	defer stale.Close()

	require.Eventually(t.T(), func() bool {
		return service.IsDeviceConnected(deviceA)
	}, time.Second, 5*time.Millisecond)

	fresh, resp, err := websocket.DefaultDialer.Dial(url, deviceHeader(deviceA, "esp32-bed"))
	require.NoError(t.T(), err)
	defer fresh.Close()

	assert.Equal(t.T(), http.StatusSwitchingProtocols, resp.StatusCode)

	require.Eventually(t.T(), func() bool {
		d, ok := t.registry.device(deviceA)
		return ok && d.IsConnected && service.PeerCount() == 1 && service.IsDeviceConnected(deviceA)
	}, time.Second, 5*time.Millisecond)

	require.NoError(t.T(), service.SendToDevice(deviceA, telemetry.EventDeviceCommand, json.RawMessage(`{"action":"pause"}`)))

	fresh.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := fresh.ReadMessage()
	require.NoError(t.T(), err)
	assert.JSONEq(t.T(), `{"event":"device_command","data":{"action":"pause"}}`, string(frame))
}

func (t *ServiceTestSuite) Test_late_disconnect_keeps_newer_presence() {
	older := &connection{info: &connectionInfo{ID: deviceA, Hostname: "esp32-bed", Role: RoleDevice}, logger: t.logger}
	newer := &connection{info: &connectionInfo{ID: deviceA, Hostname: "esp32-bed", Role: RoleDevice}, logger: t.logger}

	t.service.mutex.Lock()
	t.service.conns[deviceA] = newer
	t.service.mutex.Unlock()

	t.service.recordPresence(newer, true)
	t.service.recordPresence(older, false)
	t.service.recordPresence(older, true)

	d, ok := t.registry.device(deviceA)
	require.True(t.T(), ok)
	assert.True(t.T(), d.IsConnected)

	t.service.mutex.Lock()
	delete(t.service.conns, deviceA)
	t.service.mutex.Unlock()

	t.service.recordPresence(newer, false)

	d, _ = t.registry.device(deviceA)
	assert.False(t.T(), d.IsConnected)
}

func (t *ServiceTestSuite) Test_SendToDevice_by_id_and_hostname() {
	device := t.peer(deviceHeader(deviceA, "esp32-bed"))

	commands := make(chan telemetry.DeviceCommand, 2)
	device.OnEvent(telemetry.EventDeviceCommand, func(data json.RawMessage) {
		var cmd telemetry.DeviceCommand
		json.Unmarshal(data, &cmd)
		commands <- cmd
	})

	require.NoError(t.T(), device.Connect(context.Background()))

	require.Eventually(t.T(), func() bool {
		return t.service.IsDeviceConnected(deviceA)
	}, time.Second, 5*time.Millisecond)

	require.NoError(t.T(), t.service.SendToDevice(deviceA, telemetry.EventDeviceCommand, json.RawMessage(`{"action":"pause"}`)))
	require.NoError(t.T(), t.service.SendToDevice("ESP32-BED", telemetry.EventDeviceCommand, json.RawMessage(`{"action":"resume"}`)))

	for _, want := range []string{"pause", "resume"} {
		select {
		case cmd := <-commands:
			assert.Equal(t.T(), want, cmd.Action)
		case <-time.After(2 * time.Second):
			t.T().Fatalf("command %v not delivered", want)
		}
	}
}

func (t *ServiceTestSuite) Test_SendToDevice_errors() {
	err := t.service.SendToDevice(deviceB, telemetry.EventDeviceCommand, nil)

	var notConnected *ErrDeviceNotConnected
	assert.True(t.T(), errors.As(err, &notConnected))

	assert.Error(t.T(), t.service.SendToDevice("", telemetry.EventDeviceCommand, nil))
	assert.Error(t.T(), t.service.SendToDevice(deviceA, "", nil))

	a := t.peer(deviceHeader(deviceA, "twin"))
	b := t.peer(deviceHeader(deviceB, "twin"))
	require.NoError(t.T(), a.Connect(context.Background()))
	require.NoError(t.T(), b.Connect(context.Background()))

	require.Eventually(t.T(), func() bool {
		return t.service.PeerCount() == 2
	}, time.Second, 5*time.Millisecond)

	err = t.service.SendToDevice("twin", telemetry.EventDeviceCommand, nil)

	var ambiguous *ErrAmbiguousHostnameLookup
	assert.True(t.T(), errors.As(err, &ambiguous))
	assert.NoError(t.T(), t.service.SendToDevice(deviceB, telemetry.EventDeviceCommand, nil))
}

func (t *ServiceTestSuite) Test_device_disconnect_updates_registry() {
	device := t.peer(deviceHeader(deviceA, "esp32-bed"))
	require.NoError(t.T(), device.Connect(context.Background()))

	require.Eventually(t.T(), func() bool {
		return t.service.IsDeviceConnected(deviceA)
	}, time.Second, 5*time.Millisecond)

	device.Disconnect()

	require.Eventually(t.T(), func() bool {
		d, ok := t.registry.device(deviceA)
		return ok && !d.IsConnected && t.service.PeerCount() == 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.False(t.T(), t.service.IsDeviceConnected(deviceA))
}

func (t *ServiceTestSuite) Test_Shutdown_drops_peers() {
	device := t.peer(deviceHeader(deviceA, "esp32-bed"))
	require.NoError(t.T(), device.Connect(context.Background()))

	require.Eventually(t.T(), func() bool {
		return t.service.PeerCount() == 1
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t.T(), t.service.Shutdown(ctx))

	assert.Eventually(t.T(), func() bool {
		return !device.Connected()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t.T(), 0, t.service.PeerCount())
}

func TestServiceTestSuite(t *testing.T) {
	suite.Run(t, new(ServiceTestSuite))
}

func Test_parseConnectionInfo(t *testing.T) {
	info, err := parseConnectionInfo(http.Header{})
	require.NoError(t, err)
	assert.Equal(t, RoleDashboard, info.Role)
	assert.NotEmpty(t, info.ID)

	h := deviceHeader(strings.ToUpper(deviceA), "esp32-bed")
	info, err = parseConnectionInfo(h)
	require.NoError(t, err)
	assert.Equal(t, deviceA, info.ID)
	assert.Equal(t, RoleDevice, info.Role)
	assert.Equal(t, telemetry.KindESP32, info.Kind)

	h.Set(HeaderKind, "toaster")
	_, err = parseConnectionInfo(h)
	assert.Error(t, err)
}

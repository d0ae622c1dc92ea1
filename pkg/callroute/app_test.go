package callroute

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/nik9play/callroute/pkg/callroute/route"
)

type notification struct {
	title   string
	message string
}

type recordingNotifier struct {
	mu            sync.Mutex
	notifications []notification
}

func (rn *recordingNotifier) Notify(title string, message string) {
	rn.mu.Lock()
	defer rn.mu.Unlock()

	rn.notifications = append(rn.notifications, notification{title: title, message: message})
}

func (rn *recordingNotifier) all() []notification {
	rn.mu.Lock()
	defer rn.mu.Unlock()

	out := make([]notification, len(rn.notifications))
	copy(out, rn.notifications)

	return out
}

type testApp struct {
	*CallRoute
	notifier *recordingNotifier
	server   *httptest.Server
}

// newTestApp wires a CallRoute on the in-memory platform the way initializeRouting does,
// serving its HTTP handler from an httptest server
func newTestApp(t *testing.T, lang string) *testApp {
	t.Helper()

	// the loop, the change consumer and the websocket handlers outlive each test
	logger := zap.NewNop().Sugar()

	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("toml", toml.Unmarshal)
	_, err := bundle.LoadMessageFileFS(langFS, "lang/active.ru.toml")
	require.NoError(t, err)

	notifier := &recordingNotifier{}

	d := &CallRoute{
		logger:        logger,
		notifier:      notifier,
		config:        &CanonicalConfig{Notifications: true, DefaultDevice: route.DeviceSpeakerPhone},
		bundle:        bundle,
		localizer:     i18n.NewLocalizer(bundle, lang),
		loop:          route.NewLoop(logger),
		events:        NewEventBroadcaster(logger),
		deviceChanges: make(chan deviceChange, deviceChangeQueueSize),
		stopChannel:   make(chan bool),
	}

	d.memory = newMemoryPlatform(logger)
	d.platform = d.memory

	engine, err := route.NewEngine(logger, d.config.DefaultDevice, d.platform.Platform(), route.WithDispatcher(d.loop))
	require.NoError(t, err)

	d.router = newRouter(logger, engine, d.loop, route.ListenerFunc(d.onAudioDeviceChanged))
	d.http = newHTTPServer(logger, d.router, d.events, d.memory)

	ctx, cancel := context.WithCancel(context.Background())
	go d.loop.Run(ctx)
	go d.consumeDeviceChanges()

	server := httptest.NewServer(d.http.handler())

	t.Cleanup(func() {
		server.Close()
		cancel()
	})

	return &testApp{CallRoute: d, notifier: notifier, server: server}
}

func (ta *testApp) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()

	var payload io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(encoded)
	}

	resp, err := http.Post(ta.server.URL+path, "application/json", payload)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func (ta *testApp) devices(t *testing.T) devicesResponse {
	t.Helper()

	resp, err := http.Get(ta.server.URL + "/devices")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	return decodeDevices(t, resp)
}

// selected polls the current selection, it's safe to call from an Eventually condition
func (ta *testApp) selected() route.Device {
	resp, err := http.Get(ta.server.URL + "/devices")
	if err != nil {
		return route.DeviceNone
	}
	defer resp.Body.Close()

	var body devicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return route.DeviceNone
	}

	return body.Selected
}

// waitForNotifications waits until the change consumer has handled count changes
func (ta *testApp) waitForNotifications(t *testing.T, count int) []notification {
	t.Helper()

	require.Eventually(t, func() bool {
		return len(ta.notifier.all()) >= count
	}, 2*time.Second, 10*time.Millisecond)

	return ta.notifier.all()
}

func decodeDevices(t *testing.T, resp *http.Response) devicesResponse {
	t.Helper()

	var body devicesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	return body
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	app := newTestApp(t, "en")

	assert.Equal(t, "uninitialized", app.devices(t).State)

	resp := app.post(t, "/session/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	started := decodeDevices(t, resp)
	assert.Equal(t, "running", started.State)
	assert.Equal(t, route.DeviceSpeakerPhone, started.Selected)
	assert.Equal(t, []route.Device{route.DeviceSpeakerPhone, route.DeviceEarpiece}, started.Available.Devices())
	assert.True(t, started.HasEarpiece)
	assert.NotEmpty(t, started.SessionID)

	resp = app.post(t, "/session/start", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = app.post(t, "/session/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "uninitialized", decodeDevices(t, resp).State)

	resp = app.post(t, "/session/stop", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSelectDeviceOverHTTP(t *testing.T) {
	app := newTestApp(t, "en")

	resp := app.post(t, "/devices/select", map[string]string{"device": "earpiece"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "selection without a session")

	require.Equal(t, http.StatusOK, app.post(t, "/session/start", nil).StatusCode)

	resp = app.post(t, "/devices/select", map[string]string{"device": "earpiece"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// the choice is recorded, routing still follows the default device
	selected := decodeDevices(t, resp)
	assert.Equal(t, route.DeviceSpeakerPhone, selected.Selected)
	assert.Equal(t, route.DeviceEarpiece, selected.UserOverride)

	resp = app.post(t, "/devices/select", map[string]string{"device": "wired_headset"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, route.DeviceEarpiece, app.devices(t).UserOverride)

	resp = app.post(t, "/devices/select", map[string]string{"device": "subwoofer"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHeadsetFollowsMemoryPlatform(t *testing.T) {
	app := newTestApp(t, "en")

	require.Equal(t, http.StatusOK, app.post(t, "/session/start", nil).StatusCode)

	resp := app.post(t, "/headset", map[string]bool{"enabled": true})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.Eventually(t, func() bool {
		return app.selected() == route.DeviceWiredHeadset
	}, 2*time.Second, 10*time.Millisecond)

	devices := app.devices(t)
	assert.True(t, devices.HasWiredHeadset)
	assert.Equal(t, []route.Device{route.DeviceWiredHeadset}, devices.Available.Devices())

	app.post(t, "/headset", map[string]bool{"enabled": false})

	require.Eventually(t, func() bool {
		return app.selected() == route.DeviceSpeakerPhone
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTogglesOverHTTP(t *testing.T) {
	app := newTestApp(t, "en")

	require.Equal(t, http.StatusOK, app.post(t, "/session/start", nil).StatusCode)

	resp := app.post(t, "/microphone/mute", map[string]bool{"enabled": true})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, app.memory.Current().MicrophoneMute)

	resp = app.post(t, "/speakerphone", map[string]bool{"enabled": false})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, app.memory.Current().SpeakerphoneOn)
}

func TestHTTPRejectsBadRequests(t *testing.T) {
	app := newTestApp(t, "en")

	resp, err := http.Post(app.server.URL+"/devices/select", "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(app.server.URL+"/speakerphone", "application/json", bytes.NewBufferString("nope"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	for _, path := range []string{"/devices/select", "/session/start", "/session/stop", "/speakerphone", "/microphone/mute", "/headset"} {
		resp, err := http.Get(app.server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, path)
	}

	resp = app.post(t, "/devices", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApp(t, "en")

	resp, err := http.Get(app.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "callroute_session_running")
}

func TestHeadsetEndpointOnlyForMemoryBackend(t *testing.T) {
	server := newHTTPServer(zap.NewNop().Sugar(), nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/headset", bytes.NewBufferString(`{"enabled":true}`))
	rec := httptest.NewRecorder()
	server.handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type wireEvent struct {
	Type RouteEventType  `json:"type"`
	Data json.RawMessage `json:"data"`
}

func TestEventsStream(t *testing.T) {
	app := newTestApp(t, "en")

	require.Equal(t, http.StatusOK, app.post(t, "/session/start", nil).StatusCode)

	// the initial selection has been broadcast once it has been notified
	app.waitForNotifications(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, app.server.URL+"/events", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var event wireEvent
	require.NoError(t, wsjson.Read(ctx, conn, &event))
	require.Equal(t, RouteEventSnapshot, event.Type)

	var snapshot devicesResponse
	require.NoError(t, json.Unmarshal(event.Data, &snapshot))
	assert.Equal(t, "running", snapshot.State)
	assert.Equal(t, route.DeviceSpeakerPhone, snapshot.Selected)

	require.Equal(t, 1, app.events.SubscriberCount())

	require.Equal(t, http.StatusNoContent, app.post(t, "/headset", map[string]bool{"enabled": true}).StatusCode)

	require.NoError(t, wsjson.Read(ctx, conn, &event))
	require.Equal(t, RouteEventDeviceChanged, event.Type)

	var changed DeviceChangedData
	require.NoError(t, json.Unmarshal(event.Data, &changed))
	assert.Equal(t, route.DeviceWiredHeadset, changed.Selected)
	assert.Equal(t, []route.Device{route.DeviceWiredHeadset}, changed.Available.Devices())

	conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return app.events.SubscriberCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeviceChangeNotifications(t *testing.T) {
	app := newTestApp(t, "en")

	require.Equal(t, http.StatusOK, app.post(t, "/session/start", nil).StatusCode)
	require.Equal(t, http.StatusNoContent, app.post(t, "/headset", map[string]bool{"enabled": true}).StatusCode)

	notifications := app.waitForNotifications(t, 2)

	assert.Equal(t, notification{
		title:   "Call audio: Speakerphone",
		message: "Available: Speakerphone, Earpiece",
	}, notifications[0])
	assert.Equal(t, notification{
		title:   "Call audio: Wired headset",
		message: "Available: Wired headset",
	}, notifications[1])
}

func TestNotificationsCanBeTurnedOff(t *testing.T) {
	app := newTestApp(t, "en")
	app.config.Notifications = false

	app.notifyDeviceChange(deviceChange{
		selected:  route.DeviceEarpiece,
		available: route.NewDeviceSet(route.DeviceSpeakerPhone, route.DeviceEarpiece),
	})

	assert.Empty(t, app.notifier.all())

	// a missing localizer also keeps things quiet
	app.config.Notifications = true
	app.localizer = nil

	app.notifyDeviceChange(deviceChange{selected: route.DeviceSpeakerPhone})

	assert.Empty(t, app.notifier.all())
}

func TestDeviceTitlesAreLocalized(t *testing.T) {
	app := newTestApp(t, "ru")

	assert.Equal(t, "Разговорный динамик", app.deviceTitle(route.DeviceEarpiece))
	assert.Equal(t, "Проводная гарнитура", app.deviceTitle(route.DeviceWiredHeadset))
	assert.Equal(t, "Нет", app.deviceTitle(route.DeviceNone))
	assert.Equal(t, "Громкая связь, Разговорный динамик",
		app.deviceListTitle(route.NewDeviceSet(route.DeviceEarpiece, route.DeviceSpeakerPhone)))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: route.ErrNotRunning, want: http.StatusConflict},
		{err: route.ErrAlreadyRunning, want: http.StatusConflict},
		{err: route.ErrDeviceUnavailable, want: http.StatusConflict},
		{err: route.ErrLoopStopped, want: http.StatusServiceUnavailable},
		{err: io.EOF, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestGrantingFocus(t *testing.T) {
	focus := newGrantingFocus(zap.NewNop().Sugar())

	assert.Equal(t, route.FocusGranted, focus.RequestFocus(nil))
	assert.True(t, focus.held)

	require.NoError(t, focus.ReleaseFocus())
	assert.False(t, focus.held)
}

func TestNewPlatformMemoryBackend(t *testing.T) {
	platform, err := newPlatform(zap.NewNop().Sugar(), &CanonicalConfig{Backend: backendMemory})
	require.NoError(t, err)

	memory, ok := platform.(*memoryPlatform)
	require.True(t, ok)

	assert.True(t, memory.Platform().Earpiece.HasEarpiece())
	assert.Equal(t, audioModeNormal, memory.Current().Mode)
	assert.NoError(t, platform.Release())
}

package callroute

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/nik9play/callroute/pkg/callroute/route"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	return path
}

func loadConfig(t *testing.T, contents string) (*CanonicalConfig, error) {
	t.Helper()

	config, err := NewConfig(zaptest.NewLogger(t).Sugar(), nil, writeConfig(t, contents))
	require.NoError(t, err)

	return config, config.Load(nil)
}

func TestDefaultDeviceFromSetting(t *testing.T) {
	tests := []struct {
		setting string
		want    route.Device
		wantErr bool
	}{
		{setting: "auto", want: route.DeviceSpeakerPhone},
		{setting: "true", want: route.DeviceSpeakerPhone},
		{setting: "TRUE", want: route.DeviceSpeakerPhone},
		{setting: "", want: route.DeviceSpeakerPhone},
		{setting: "false", want: route.DeviceEarpiece},
		{setting: " False ", want: route.DeviceEarpiece},
		{setting: "earpiece", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.setting, func(t *testing.T) {
			got, err := defaultDeviceFromSetting(tt.setting)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	config, err := loadConfig(t, "")
	require.NoError(t, err)

	assert.Equal(t, route.DeviceSpeakerPhone, config.DefaultDevice)
	assert.Equal(t, "auto", config.Language)
	assert.True(t, config.Notifications)
	assert.Equal(t, defaultFocusRetryDelay, config.FocusRetryDelay)
	assert.Empty(t, config.HTTPAddress)
	assert.Equal(t, backendAuto, config.Backend)
	assert.Empty(t, config.JackSensor.COMPort)
	assert.Equal(t, defaultBaudRate, config.JackSensor.BaudRate)
	assert.Equal(t, PulseConfig{
		SpeakerPort:    defaultSpeakerPort,
		EarpiecePort:   defaultEarpiecePort,
		HeadphonesPort: defaultHeadphonesPort,
	}, config.Pulse)
}

func TestConfigValues(t *testing.T) {
	config, err := loadConfig(t, `
speakerphone = "false"
language = "ru"
notifications = false
focus_retry_delay = "2s"
http_address = "127.0.0.1:8787"
backend = "Memory"

[jack_sensor]
com_port = "auto"
baud_rate = 115200

[pulse]
sink = "alsa_output.platform-sound.HiFi__hw_0__sink"
earpiece_port = "[Out] Handset"
`)
	require.NoError(t, err)

	assert.Equal(t, route.DeviceEarpiece, config.DefaultDevice)
	assert.Equal(t, "ru", config.Language)
	assert.False(t, config.Notifications)
	assert.Equal(t, 2*time.Second, config.FocusRetryDelay)
	assert.Equal(t, "127.0.0.1:8787", config.HTTPAddress)
	assert.Equal(t, backendMemory, config.Backend)
	assert.Equal(t, "auto", config.JackSensor.COMPort)
	assert.Equal(t, 115200, config.JackSensor.BaudRate)
	assert.Equal(t, "alsa_output.platform-sound.HiFi__hw_0__sink", config.Pulse.Sink)
	assert.Equal(t, "[Out] Handset", config.Pulse.EarpiecePort)
	assert.Equal(t, defaultSpeakerPort, config.Pulse.SpeakerPort)
}

func TestConfigFallsBackOnBadNumbers(t *testing.T) {
	config, err := loadConfig(t, `
focus_retry_delay = "-1s"

[jack_sensor]
baud_rate = -5
`)
	require.NoError(t, err)

	assert.Equal(t, defaultFocusRetryDelay, config.FocusRetryDelay)
	assert.Equal(t, defaultBaudRate, config.JackSensor.BaudRate)
}

func TestConfigRejectsInvalidValues(t *testing.T) {
	_, err := loadConfig(t, `speakerphone = "sometimes"`)
	assert.Error(t, err)

	_, err = loadConfig(t, `backend = "coreaudio"`)
	assert.ErrorIs(t, err, errInvalidBackend)

	_, err = loadConfig(t, `speakerphone = `)
	assert.Error(t, err, "broken TOML")
}

func TestConfigMissingFile(t *testing.T) {
	config, err := NewConfig(zaptest.NewLogger(t).Sugar(), nil, filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)

	assert.Error(t, config.Load(nil))
}

func TestConfigReloadNotifiesSubscribers(t *testing.T) {
	config, err := loadConfig(t, "")
	require.NoError(t, err)

	first := config.SubscribeToChanges()
	second := config.SubscribeToChanges()

	go config.onConfigReloaded()

	assert.True(t, <-first)
	assert.True(t, <-second)
}

func TestConfigFailedReloadKeepsPreviousValues(t *testing.T) {
	path := writeConfig(t, `
speakerphone = "false"
notifications = false

[jack_sensor]
com_port = "COM3"
`)

	config, err := NewConfig(zaptest.NewLogger(t).Sugar(), nil, path)
	require.NoError(t, err)
	require.NoError(t, config.Load(nil))

	// valid speakerphone and notifications, but the backend fails validation
	require.NoError(t, os.WriteFile(path, []byte(`
speakerphone = "true"
notifications = true
backend = "coreaudio"

[jack_sensor]
com_port = "COM4"
`), 0o644))

	assert.ErrorIs(t, config.Load(nil), errInvalidBackend)

	assert.Equal(t, route.DeviceEarpiece, config.DefaultDevice)
	assert.False(t, config.NotificationsEnabled())
	assert.Equal(t, JackSensorConfig{COMPort: "COM3", BaudRate: defaultBaudRate}, config.JackSensorSettings())
	assert.Equal(t, backendAuto, config.Backend)
}

func TestConfigReloadWhileReading(t *testing.T) {
	path := writeConfig(t, `notifications = true`)

	config, err := NewConfig(zap.NewNop().Sugar(), nil, path)
	require.NoError(t, err)
	require.NoError(t, config.Load(nil))

	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case <-done:
				return
			default:
				config.NotificationsEnabled()
				config.JackSensorSettings()
			}
		}
	}()

	for i := 0; i < 20; i++ {
		require.NoError(t, config.Load(nil))
	}

	close(done)
	wg.Wait()

	assert.True(t, config.NotificationsEnabled())
}

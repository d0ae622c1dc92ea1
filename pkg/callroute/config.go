package callroute

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nik9play/callroute/pkg/callroute/route"
	"github.com/nik9play/callroute/pkg/callroute/util"
	"github.com/nik9play/callroute/pkg/notify"
)

// CanonicalConfig provides application-wide access to configuration fields,
// as well as loading/file watching logic for callroute's configuration file
type CanonicalConfig struct {
	// DefaultDevice is derived from the "speakerphone" key and is only read when the engine is created
	DefaultDevice route.Device

	Language      string
	Notifications bool

	FocusRetryDelay time.Duration
	HTTPAddress     string
	Backend         string

	JackSensor JackSensorConfig

	Pulse PulseConfig

	// guards the fields a reload may change while other goroutines read them
	mu sync.RWMutex

	logger   *zap.SugaredLogger
	notifier notify.Notifier

	configPath string

	stopWatcherChannel chan bool
	reloadConsumers    []chan bool

	userConfig *viper.Viper
}

// JackSensorConfig tells the jack sensor where to find the board
type JackSensorConfig struct {
	COMPort  string
	BaudRate int
}

// PulseConfig names the sink and the ports the PulseAudio platform switches between
type PulseConfig struct {
	Sink           string
	SpeakerPort    string
	EarpiecePort   string
	HeadphonesPort string
}

const (
	defaultConfigFilepath = "config.toml"

	configType = "toml"

	configKeySpeakerphone    = "speakerphone"
	configKeyLanguage        = "language"
	configKeyNotifications   = "notifications"
	configKeyFocusRetryDelay = "focus_retry_delay"
	configKeyHTTPAddress     = "http_address"
	configKeyBackend         = "backend"
	configKeyCOMPort         = "jack_sensor.com_port"
	configKeyBaudRate        = "jack_sensor.baud_rate"
	configKeyPulseSink       = "pulse.sink"
	configKeySpeakerPort     = "pulse.speaker_port"
	configKeyEarpiecePort    = "pulse.earpiece_port"
	configKeyHeadphonesPort  = "pulse.headphones_port"

	speakerphoneAuto  = "auto"
	speakerphoneTrue  = "true"
	speakerphoneFalse = "false"

	backendAuto   = "auto"
	backendPulse  = "pulse"
	backendWCA    = "wca"
	backendMemory = "memory"

	defaultBaudRate        = 9600
	defaultFocusRetryDelay = 500 * time.Millisecond
	defaultSpeakerPort     = "[Out] Speaker"
	defaultEarpiecePort    = "[Out] Earpiece"
	defaultHeadphonesPort  = "[Out] Headphones"
)

var errInvalidBackend = errors.New("invalid backend")

// NewConfig creates a config instance for the callroute object and sets up viper instances for callroute's config file
func NewConfig(logger *zap.SugaredLogger, notifier notify.Notifier, configPath string) (*CanonicalConfig, error) {
	logger = logger.Named("config")

	if configPath == "" {
		configPath = defaultConfigFilepath
	}

	cc := &CanonicalConfig{
		logger:             logger,
		notifier:           notifier,
		configPath:         configPath,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
	}

	// distinguish between the user-provided config and whatever defaults we set in code
	userConfig := viper.New()
	userConfig.SetConfigFile(configPath)
	userConfig.SetConfigType(configType)

	userConfig.SetDefault(configKeySpeakerphone, speakerphoneAuto)
	userConfig.SetDefault(configKeyLanguage, "auto")
	userConfig.SetDefault(configKeyNotifications, true)
	userConfig.SetDefault(configKeyFocusRetryDelay, defaultFocusRetryDelay)
	userConfig.SetDefault(configKeyHTTPAddress, "")
	userConfig.SetDefault(configKeyBackend, backendAuto)
	userConfig.SetDefault(configKeyCOMPort, "")
	userConfig.SetDefault(configKeyBaudRate, defaultBaudRate)
	userConfig.SetDefault(configKeyPulseSink, "")
	userConfig.SetDefault(configKeySpeakerPort, defaultSpeakerPort)
	userConfig.SetDefault(configKeyEarpiecePort, defaultEarpiecePort)
	userConfig.SetDefault(configKeyHeadphonesPort, defaultHeadphonesPort)

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

// Load reads callroute's config file from disk and tries to parse it
func (cc *CanonicalConfig) Load(localizer *i18n.Localizer) error {
	cc.logger.Debugw("Loading config", "path", cc.configPath)

	// make sure it exists
	if !util.FileExists(cc.configPath) {
		cc.logger.Warnw("Config file not found", "path", cc.configPath)
		cc.notify(localizer, "ConfigNotFoundTitle", "Can't find configuration!",
			"ConfigNotFoundDescription", "{{.Path}} must be in the same directory as callroute. Please re-launch",
			map[string]string{"Path": cc.configPath})

		return fmt.Errorf("config file doesn't exist: %s", cc.configPath)
	}

	// load the user config
	if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.logger.Warnw("Viper failed to read user config", "error", err)

		cc.notify(localizer, "ConfigInvalidTitle", "Invalid configuration!",
			"ConfigInvalidDescription", "Please make sure {{.Path}} is valid TOML",
			map[string]string{"Path": cc.configPath})

		return fmt.Errorf("read user config: %w", err)
	}

	// canonize the configuration with viper's helpers
	if err := cc.populateFromVipers(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"defaultDevice", cc.DefaultDevice,
		"language", cc.Language,
		"notifications", cc.Notifications,
		"focusRetryDelay", cc.FocusRetryDelay,
		"httpAddress", cc.HTTPAddress,
		"backend", cc.Backend,
		"jackSensor", cc.JackSensor,
		"pulse", cc.Pulse)

	return nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *CanonicalConfig) SubscribeToChanges() chan bool {
	c := make(chan bool)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *CanonicalConfig) WatchConfigFileChanges(localizer *i18n.Localizer) {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.configPath)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {

		// when we get a write event...
		if event.Op&fsnotify.Write == fsnotify.Write {

			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {

				// and attempt reload if appropriate
				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				<-time.After(delayBetweenEventAndReload)

				previousDefault := cc.DefaultDevice

				if err := cc.Load(localizer); err != nil {
					cc.logger.Warnw("Failed to reload config file", "error", err)
				} else {
					cc.logger.Info("Reloaded config successfully")

					if cc.DefaultDevice != previousDefault {
						cc.logger.Infow("Default device changed, it will apply after a restart",
							"previous", previousDefault,
							"configured", cc.DefaultDevice)
					}

					cc.notify(localizer, "ConfigReloadedTitle", "Configuration reloaded!",
						"ConfigReloadedDescription", "Your changes have been applied.", nil)

					cc.onConfigReloaded()
				}

				// don't forget to update the time
				lastAttemptedReload = now
			}
		}
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *CanonicalConfig) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

// populateFromVipers validates everything first, so a bad reload leaves the previous values in place
func (cc *CanonicalConfig) populateFromVipers() error {
	defaultDevice, err := defaultDeviceFromSetting(cc.userConfig.GetString(configKeySpeakerphone))
	if err != nil {
		cc.logger.Warnw("Invalid speakerphone setting", "error", err)
		return err
	}

	backend := strings.ToLower(cc.userConfig.GetString(configKeyBackend))
	switch backend {
	case backendAuto, backendPulse, backendWCA, backendMemory:
	default:
		cc.logger.Warnw("Invalid backend", "backend", backend)
		return fmt.Errorf("%w: %q", errInvalidBackend, backend)
	}

	focusRetryDelay := cc.userConfig.GetDuration(configKeyFocusRetryDelay)
	if focusRetryDelay < 0 {
		cc.logger.Warnw("Invalid focus retry delay, falling back to default",
			"invalidValue", focusRetryDelay,
			"defaultValue", defaultFocusRetryDelay)
		focusRetryDelay = defaultFocusRetryDelay
	}

	jackSensor := JackSensorConfig{
		COMPort:  cc.userConfig.GetString(configKeyCOMPort),
		BaudRate: cc.userConfig.GetInt(configKeyBaudRate),
	}
	if jackSensor.BaudRate <= 0 {
		cc.logger.Warnw("Invalid baud rate specified, using default value",
			"key", configKeyBaudRate,
			"invalidValue", jackSensor.BaudRate,
			"defaultValue", defaultBaudRate)

		jackSensor.BaudRate = defaultBaudRate
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()

	cc.DefaultDevice = defaultDevice
	cc.Backend = backend
	cc.Language = cc.userConfig.GetString(configKeyLanguage)
	cc.Notifications = cc.userConfig.GetBool(configKeyNotifications)
	cc.HTTPAddress = cc.userConfig.GetString(configKeyHTTPAddress)
	cc.FocusRetryDelay = focusRetryDelay
	cc.JackSensor = jackSensor
	cc.Pulse = PulseConfig{
		Sink:           cc.userConfig.GetString(configKeyPulseSink),
		SpeakerPort:    cc.userConfig.GetString(configKeySpeakerPort),
		EarpiecePort:   cc.userConfig.GetString(configKeyEarpiecePort),
		HeadphonesPort: cc.userConfig.GetString(configKeyHeadphonesPort),
	}

	cc.logger.Debug("Populated config fields from vipers")

	return nil
}

// NotificationsEnabled is safe to call while the config file is being reloaded
func (cc *CanonicalConfig) NotificationsEnabled() bool {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	return cc.Notifications
}

// JackSensorSettings is safe to call while the config file is being reloaded
func (cc *CanonicalConfig) JackSensorSettings() JackSensorConfig {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	return cc.JackSensor
}

// defaultDeviceFromSetting maps the speakerphone setting to the fallback device:
// "false" means earpiece, anything else ("auto", "true") means speakerphone
func defaultDeviceFromSetting(setting string) (route.Device, error) {
	switch strings.ToLower(strings.TrimSpace(setting)) {
	case speakerphoneFalse:
		return route.DeviceEarpiece, nil
	case speakerphoneAuto, speakerphoneTrue, "":
		return route.DeviceSpeakerPhone, nil
	default:
		return route.DeviceNone, fmt.Errorf("speakerphone must be one of %q, %q or %q, got %q",
			speakerphoneAuto, speakerphoneTrue, speakerphoneFalse, setting)
	}
}

func (cc *CanonicalConfig) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		consumer <- true
	}
}

func (cc *CanonicalConfig) notify(localizer *i18n.Localizer, titleID, title, descriptionID, description string, data map[string]string) {
	if localizer == nil || cc.notifier == nil {
		return
	}

	cc.notifier.Notify(
		localizer.MustLocalize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{ID: titleID, Other: title},
			TemplateData:   data,
		}),
		localizer.MustLocalize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{ID: descriptionID, Other: description},
			TemplateData:   data,
		}),
	)
}

// Package callroute provides a desktop daemon that routes call audio between
// the speakerphone, the earpiece and a wired headset, following the headset
// jack and the user's choice from the tray or over HTTP
package callroute

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/thoas/go-funk"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/jeandeaual/go-locale"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/pelletier/go-toml/v2"

	"github.com/nik9play/callroute/pkg/callroute/route"
	"github.com/nik9play/callroute/pkg/callroute/util"
	"github.com/nik9play/callroute/pkg/notify"
)

const (

	// when this is set to anything, callroute won't use a tray icon
	envNoTray = "CALLROUTE_NO_TRAY_ICON"

	deviceChangeQueueSize = 16
)

// deviceChange is one engine notification, queued for the tray, the desktop and websocket subscribers
type deviceChange struct {
	selected  route.Device
	available route.DeviceSet
}

// CallRoute is the main entity managing access to all sub-components
type CallRoute struct {
	logger    *zap.SugaredLogger
	notifier  notify.Notifier
	config    *CanonicalConfig
	bundle    *i18n.Bundle
	localizer *i18n.Localizer

	platform   audioPlatform
	memory     *memoryPlatform
	jackSensor *JackSensor
	loop       *route.Loop
	loopCancel context.CancelFunc
	router     *router
	events     *EventBroadcaster
	http       *httpServer
	tray       *trayMenu

	deviceChanges chan deviceChange
	stopChannel   chan bool
	version       string
	verbose       bool
}

//go:embed lang/active.*.toml
var langFS embed.FS

// NewCallRoute creates a CallRoute instance
func NewCallRoute(logger *zap.SugaredLogger, verbose bool, configPath string) (*CallRoute, error) {
	logger = logger.Named("callroute")

	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("toml", toml.Unmarshal)

	if _, err := bundle.LoadMessageFileFS(langFS, "lang/active.ru.toml"); err != nil {
		logger.Errorw("Failed to open ru message file", "error", err)
		return nil, fmt.Errorf("load message file: %w", err)
	}

	notifier, err := notify.NewDesktopNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create DesktopNotifier", "error", err)
		return nil, fmt.Errorf("create new DesktopNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier, configPath)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	d := &CallRoute{
		logger:        logger,
		notifier:      notifier,
		config:        config,
		bundle:        bundle,
		loop:          route.NewLoop(logger),
		events:        NewEventBroadcaster(logger),
		deviceChanges: make(chan deviceChange, deviceChangeQueueSize),
		stopChannel:   make(chan bool),
		verbose:       verbose,
	}

	jackSensor, err := NewJackSensor(d, logger)
	if err != nil {
		logger.Errorw("Failed to create JackSensor", "error", err)
		return nil, fmt.Errorf("create new JackSensor: %w", err)
	}

	d.jackSensor = jackSensor

	logger.Debug("Created callroute instance")

	return d, nil
}

// Initialize sets up components and starts to run in the background
func (d *CallRoute) Initialize() error {
	d.logger.Debug("Initializing")

	// create temp initialLocalizer because we don't know the language yet
	initialLocalizer, err := d.GetSystemLocalizer()
	if err != nil {
		return err
	}

	// load the config for the first time
	if err := d.config.Load(initialLocalizer); err != nil {
		d.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	if err := d.updateLocalizer(); err != nil {
		d.logger.Errorw("Failed to update localizer", "error", err)
		return fmt.Errorf("update localizer: %w", err)
	}

	if err := d.initializeRouting(); err != nil {
		d.logger.Errorw("Failed to initialize routing", "error", err)
		return fmt.Errorf("init routing: %w", err)
	}

	d.jackSensor.setupOnConfigReload()

	// decide whether to run with/without tray
	if _, noTraySet := os.LookupEnv(envNoTray); noTraySet {

		d.logger.Debugw("Running without tray icon", "reason", "envvar set")

		// run in main thread while waiting on ctrl+C
		d.setupInterruptHandler()
		d.run()

	} else {
		d.setupInterruptHandler()
		d.initializeTray(d.run)
	}

	return nil
}

func (d *CallRoute) initializeRouting() error {
	platform, err := newPlatform(d.logger, d.config)
	if err != nil {
		d.logger.Errorw("Failed to create audio platform", "error", err)
		return fmt.Errorf("create audio platform: %w", err)
	}

	d.platform = platform

	if memory, ok := platform.(*memoryPlatform); ok {
		d.memory = memory
	}

	collaborators := platform.Platform()

	// a jack sensor knows better than the OS whether something is plugged in
	if d.jackSensor.Enabled() {
		d.logger.Infow("Using serial jack sensor as headset signal", "comPort", d.config.JackSensor.COMPort)
		collaborators.Headset = d.jackSensor
		d.jackSensor.attached = true
	}

	engine, err := route.NewEngine(d.logger, d.config.DefaultDevice, collaborators,
		route.WithDispatcher(d.loop),
		route.WithFocusRetryDelay(d.config.FocusRetryDelay))

	if err != nil {
		d.logger.Errorw("Failed to create routing engine", "error", err)
		return fmt.Errorf("create routing engine: %w", err)
	}

	d.router = newRouter(d.logger, engine, d.loop, route.ListenerFunc(d.onAudioDeviceChanged))

	if d.config.HTTPAddress != "" {
		d.http = newHTTPServer(d.logger, d.router, d.events, d.memory)
	}

	return nil
}

func (d *CallRoute) GetSystemLocalizer() (*i18n.Localizer, error) {
	lang, err := locale.GetLanguage()
	if err != nil {
		return nil, fmt.Errorf("get system locale: %w", err)
	}
	return i18n.NewLocalizer(d.bundle, lang, "en"), nil
}

func (d *CallRoute) updateLocalizer() error {
	lang := d.config.Language
	if lang == "auto" {
		var err error
		lang, err = locale.GetLanguage()

		if err != nil {
			d.logger.Errorw("Failed to get system locale", "error", err)
			return fmt.Errorf("get system locale: %w", err)
		}
	}
	d.logger.Infof("Selected language: %s", lang)
	d.localizer = i18n.NewLocalizer(d.bundle, lang, "en")

	return nil
}

// SetVersion causes callroute to add a version string to its tray menu if called before Initialize
func (d *CallRoute) SetVersion(version string) {
	d.version = version
}

// Verbose returns a boolean indicating whether callroute is running in verbose mode
func (d *CallRoute) Verbose() bool {
	return d.verbose
}

func (d *CallRoute) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		d.logger.Debugw("Interrupted", "signal", signal)
		d.signalStop()
	}()
}

func (d *CallRoute) run() {
	d.logger.Info("Run loop starting")

	ctx, cancel := context.WithCancel(context.Background())
	d.loopCancel = cancel

	// the engine only ever runs on this goroutine
	go d.loop.Run(ctx)

	go d.consumeDeviceChanges()

	// watch the config file for changes
	go d.config.WatchConfigFileChanges(d.localizer)

	if d.jackSensor.attached {
		d.jackSensor.Start()
	}

	if d.http != nil {
		if err := d.http.Start(d.config.HTTPAddress); err != nil {
			d.logger.Warnw("Failed to start HTTP server, continuing without it", "error", err)
		}
	}

	if err := d.router.startSession(); err != nil {
		d.logger.Warnw("Failed to start routing session", "error", err)
	}

	// wait until stopped (gracefully)
	<-d.stopChannel
	d.logger.Debug("Stop channel signaled, terminating")

	if err := d.stop(); err != nil {
		d.logger.Warnw("Failed to stop callroute", "error", err)
		os.Exit(1)
	}
	// exit with 0
	os.Exit(0)
}

func (d *CallRoute) signalStop() {
	d.logger.Debug("Signalling stop channel")
	d.stopChannel <- true
}

func (d *CallRoute) stop() error {
	d.logger.Info("Stopping")

	// give the system its audio settings back before anything else goes away
	if err := d.router.stopSession(); err != nil && !errors.Is(err, route.ErrNotRunning) {
		d.logger.Warnw("Failed to stop routing session", "error", err)
	}

	d.config.StopWatchingConfigFile()
	d.jackSensor.Stop()

	if d.http != nil {
		if err := d.http.Stop(); err != nil {
			d.logger.Warnw("Failed to stop HTTP server", "error", err)
		}
	}

	d.loopCancel()

	if err := d.platform.Release(); err != nil {
		d.logger.Errorw("Failed to release audio platform", "error", err)
		return fmt.Errorf("release audio platform: %w", err)
	}

	d.stopTray()

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = d.logger.Sync()

	return nil
}

// onAudioDeviceChanged runs on the dispatch loop, so it only queues the change
func (d *CallRoute) onAudioDeviceChanged(selected route.Device, available route.DeviceSet) {
	select {
	case d.deviceChanges <- deviceChange{selected: selected, available: available}:
	default:
		d.logger.Warnw("Device change queue full, dropping change", "selected", selected, "available", available)
	}
}

func (d *CallRoute) consumeDeviceChanges() {
	for change := range d.deviceChanges {
		d.logger.Infow("Audio device changed", "selected", change.selected, "available", change.available)

		if d.tray != nil {
			d.tray.update(change)
		}

		d.events.BroadcastDeviceChanged(change.selected, change.available)
		d.notifyDeviceChange(change)
	}
}

func (d *CallRoute) notifyDeviceChange(change deviceChange) {
	if !d.config.NotificationsEnabled() || d.localizer == nil {
		return
	}

	d.notify("DeviceChangedTitle", "Call audio: {{.Device}}",
		"DeviceChangedDescription", "Available: {{.Available}}",
		map[string]string{
			"Device":    d.deviceTitle(change.selected),
			"Available": d.deviceListTitle(change.available),
		})
}

// notify shows a localized desktop notification, unless they're turned off
func (d *CallRoute) notify(titleID, title, descriptionID, description string, data map[string]string) {
	if !d.config.NotificationsEnabled() || d.localizer == nil {
		return
	}

	d.notifier.Notify(d.localize(titleID, title, data), d.localize(descriptionID, description, data))
}

func (d *CallRoute) localize(id, other string, data map[string]string) string {
	return d.localizer.MustLocalize(&i18n.LocalizeConfig{
		DefaultMessage: &i18n.Message{ID: id, Other: other},
		TemplateData:   data,
	})
}

func (d *CallRoute) deviceTitle(device route.Device) string {
	switch device {
	case route.DeviceSpeakerPhone:
		return d.localize("DeviceSpeakerPhone", "Speakerphone", nil)
	case route.DeviceEarpiece:
		return d.localize("DeviceEarpiece", "Earpiece", nil)
	case route.DeviceWiredHeadset:
		return d.localize("DeviceWiredHeadset", "Wired headset", nil)
	default:
		return d.localize("DeviceNone", "None", nil)
	}
}

func (d *CallRoute) deviceListTitle(devices route.DeviceSet) string {
	titles := funk.Map(devices.Devices(), d.deviceTitle).([]string)

	return strings.Join(titles, ", ")
}

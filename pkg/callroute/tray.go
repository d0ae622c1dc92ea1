package callroute

import (
	"github.com/getlantern/systray"
	"go.uber.org/zap"

	"github.com/nik9play/callroute/pkg/callroute/route"
	"github.com/nik9play/callroute/pkg/callroute/util"
	"github.com/nik9play/callroute/pkg/icon"
)

// the order devices appear in the tray menu
var trayDevices = []route.Device{route.DeviceSpeakerPhone, route.DeviceEarpiece, route.DeviceWiredHeadset}

// trayMenu holds the menu items that follow the routing state
type trayMenu struct {
	devices map[route.Device]*systray.MenuItem
}

// update shows the available devices and checks the selected one
func (tm *trayMenu) update(change deviceChange) {
	for device, item := range tm.devices {
		if change.available.Contains(device) {
			item.Show()
		} else {
			item.Hide()
		}

		if device == change.selected {
			item.Check()
		} else {
			item.Uncheck()
		}
	}
}

func (d *CallRoute) initializeTray(onDone func()) {
	logger := d.logger.Named("tray")

	onReady := func() {
		logger.Debug("Tray instance ready")

		systray.SetTemplateIcon(icon.CallRouteLogo, icon.CallRouteLogo)
		systray.SetTitle("callroute")
		systray.SetTooltip("callroute")

		tm := &trayMenu{devices: make(map[route.Device]*systray.MenuItem, len(trayDevices))}
		for _, device := range trayDevices {
			item := systray.AddMenuItemCheckbox(d.deviceTitle(device), "", false)
			item.Hide()

			tm.devices[device] = item
			go d.watchDeviceItem(logger, device, item)
		}

		systray.AddSeparator()

		speakerphone := systray.AddMenuItemCheckbox(
			d.localize("SpeakerphoneTitle", "Speakerphone", nil),
			d.localize("SpeakerphoneDescription", "Force the loudspeaker on or off", nil),
			false)

		mute := systray.AddMenuItemCheckbox(
			d.localize("MuteTitle", "Mute microphone", nil),
			d.localize("MuteDescription", "Mute or unmute the microphone", nil),
			false)

		session := systray.AddMenuItemCheckbox(
			d.localize("RoutingTitle", "Route call audio", nil),
			d.localize("RoutingDescription", "Start or stop the routing session", nil),
			true)

		systray.AddSeparator()

		editConfig := systray.AddMenuItem(
			d.localize("EditConfigTitle", "Edit configuration", nil),
			d.localize("EditConfigDescription", "Open config file in the default editor", nil))

		if d.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(d.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()

		quit := systray.AddMenuItem(
			d.localize("QuitTitle", "Quit", nil),
			d.localize("QuitDescription", "Stop callroute and quit", nil))

		d.tray = tm

		// wait on things to happen
		go func() {
			for {
				select {

				// quit
				case <-quit.ClickedCh:
					logger.Info("Quit menu item clicked, stopping")

					d.signalStop()

				// edit config
				case <-editConfig.ClickedCh:
					logger.Info("Edit config menu item clicked, opening config for editing")

					if err := util.OpenExternal(logger, d.config.configPath); err != nil {
						logger.Warnw("Failed to open config file for editing", "error", err)
					}

				case <-speakerphone.ClickedCh:
					on := !speakerphone.Checked()
					logger.Infow("Speakerphone menu item clicked", "on", on)

					if err := d.router.setSpeakerphoneOn(on); err != nil {
						logger.Warnw("Failed to toggle speakerphone", "error", err)
						continue
					}
					setChecked(speakerphone, on)

				case <-mute.ClickedCh:
					muted := !mute.Checked()
					logger.Infow("Mute menu item clicked", "mute", muted)

					if err := d.router.setMicrophoneMute(muted); err != nil {
						logger.Warnw("Failed to toggle microphone mute", "error", err)
						continue
					}
					setChecked(mute, muted)

				case <-session.ClickedCh:
					if session.Checked() {
						logger.Info("Routing menu item unchecked, stopping session")

						if err := d.router.stopSession(); err != nil {
							logger.Warnw("Failed to stop routing session", "error", err)
						}
						session.Uncheck()

						// nothing is routed while stopped
						tm.update(deviceChange{selected: route.DeviceNone})
					} else {
						logger.Info("Routing menu item checked, starting session")

						if err := d.router.startSession(); err != nil {
							logger.Warnw("Failed to start routing session", "error", err)
						}
						session.Check()
					}
				}
			}
		}()

		// actually start the main runtime
		onDone()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	// start the tray icon
	logger.Debug("Running in tray")
	systray.Run(onReady, onExit)
}

func (d *CallRoute) watchDeviceItem(logger *zap.SugaredLogger, device route.Device, item *systray.MenuItem) {
	for range item.ClickedCh {
		logger.Infow("Device menu item clicked", "device", device)

		if err := d.router.selectDevice(device); err != nil {
			logger.Warnw("Failed to select device", "device", device, "error", err)
		}
	}
}

func setChecked(item *systray.MenuItem, checked bool) {
	if checked {
		item.Check()
	} else {
		item.Uncheck()
	}
}

func (d *CallRoute) stopTray() {
	d.logger.Debug("Quitting tray")
	systray.Quit()
}

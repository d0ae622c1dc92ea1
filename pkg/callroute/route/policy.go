package route

// Evaluate computes the selectable devices and the device that should be
// active for the given hardware signals.
//
// A wired headset is the only option while it's plugged in. Otherwise the
// speakerphone is always available, the earpiece is added on hardware that
// has one, and the configured default device wins. The previously selected
// device is never consulted.
func Evaluate(hasWiredHeadset bool, hasEarpiece bool, defaultDevice Device) (DeviceSet, Device) {
	if hasWiredHeadset {
		return NewDeviceSet(DeviceWiredHeadset), DeviceWiredHeadset
	}

	if hasEarpiece {
		return NewDeviceSet(DeviceSpeakerPhone, DeviceEarpiece), defaultDevice
	}

	// an earpiece default on hardware without one would select a device
	// that isn't available, so the speakerphone takes over
	return NewDeviceSet(DeviceSpeakerPhone), DeviceSpeakerPhone
}

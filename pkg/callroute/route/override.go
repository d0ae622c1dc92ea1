package route

// ReconcileOverride keeps the user's explicit device choice consistent with
// the current wired headset state. A speakerphone choice is promoted to the
// headset when one is plugged in, and a headset choice falls back to the
// speakerphone once it's unplugged. Anything else passes through untouched.
func ReconcileOverride(hasWiredHeadset bool, previous Device) Device {
	if hasWiredHeadset && previous == DeviceSpeakerPhone {
		return DeviceWiredHeadset
	}

	if !hasWiredHeadset && previous == DeviceWiredHeadset {
		return DeviceSpeakerPhone
	}

	return previous
}

package route

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReconcileOverride(t *testing.T) {
	tests := []struct {
		name            string
		hasWiredHeadset bool
		previous        Device
		expected        Device
	}{
		{"speaker promoted on plug", true, DeviceSpeakerPhone, DeviceWiredHeadset},
		{"headset demoted on unplug", false, DeviceWiredHeadset, DeviceSpeakerPhone},
		{"headset kept while plugged", true, DeviceWiredHeadset, DeviceWiredHeadset},
		{"speaker kept while unplugged", false, DeviceSpeakerPhone, DeviceSpeakerPhone},
		{"earpiece untouched on plug", true, DeviceEarpiece, DeviceEarpiece},
		{"earpiece untouched on unplug", false, DeviceEarpiece, DeviceEarpiece},
		{"none untouched on plug", true, DeviceNone, DeviceNone},
		{"none untouched on unplug", false, DeviceNone, DeviceNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ReconcileOverride(tt.hasWiredHeadset, tt.previous))
		})
	}
}

func TestEvaluateHeadsetWins(t *testing.T) {
	for _, defaultDevice := range []Device{DeviceSpeakerPhone, DeviceEarpiece} {
		for _, hasEarpiece := range []bool{true, false} {
			available, selected := Evaluate(true, hasEarpiece, defaultDevice)

			assert.True(t, available.Equal(NewDeviceSet(DeviceWiredHeadset)))
			assert.Equal(t, DeviceWiredHeadset, selected)
		}
	}
}

func TestEvaluateFallback(t *testing.T) {
	tests := []struct {
		name          string
		hasEarpiece   bool
		defaultDevice Device
		available     DeviceSet
		selected      Device
	}{
		{"phone speaker default", true, DeviceSpeakerPhone, NewDeviceSet(DeviceSpeakerPhone, DeviceEarpiece), DeviceSpeakerPhone},
		{"phone earpiece default", true, DeviceEarpiece, NewDeviceSet(DeviceSpeakerPhone, DeviceEarpiece), DeviceEarpiece},
		{"tablet speaker default", false, DeviceSpeakerPhone, NewDeviceSet(DeviceSpeakerPhone), DeviceSpeakerPhone},
		{"tablet earpiece default", false, DeviceEarpiece, NewDeviceSet(DeviceSpeakerPhone), DeviceSpeakerPhone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			available, selected := Evaluate(false, tt.hasEarpiece, tt.defaultDevice)

			assert.True(t, available.Equal(tt.available), "available = %s", available)
			assert.Equal(t, tt.selected, selected)
			assert.True(t, available.Contains(selected))
		})
	}
}

package route

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/thoas/go-funk"
)

// Device is one of the audio endpoints a call can be routed to
type Device int

const (
	// DeviceNone means nothing has been selected yet
	DeviceNone Device = iota
	// DeviceSpeakerPhone is the loudspeaker
	DeviceSpeakerPhone
	// DeviceWiredHeadset is a plugged-in wired (or USB) headset
	DeviceWiredHeadset
	// DeviceEarpiece is the handset earpiece, present only on telephony hardware
	DeviceEarpiece
)

// ErrUnknownDevice is returned when parsing a device name that doesn't exist
var ErrUnknownDevice = errors.New("unknown audio device")

var deviceNames = map[Device]string{
	DeviceNone:         "none",
	DeviceSpeakerPhone: "speaker_phone",
	DeviceWiredHeadset: "wired_headset",
	DeviceEarpiece:     "earpiece",
}

var deviceFromName = map[string]Device{
	"none":          DeviceNone,
	"speaker_phone": DeviceSpeakerPhone,
	"wired_headset": DeviceWiredHeadset,
	"earpiece":      DeviceEarpiece,
}

func (d Device) String() string {
	if s, ok := deviceNames[d]; ok {
		return s
	}
	return "unknown"
}

// ParseDevice turns a device name (as produced by String) back into a Device
func ParseDevice(name string) (Device, error) {
	if d, ok := deviceFromName[strings.ToLower(strings.TrimSpace(name))]; ok {
		return d, nil
	}
	return DeviceNone, fmt.Errorf("%w: %q", ErrUnknownDevice, name)
}

func (d Device) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Device) UnmarshalText(text []byte) error {
	parsed, err := ParseDevice(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DeviceSet is an immutable set of devices. The zero value is the empty set
type DeviceSet struct {
	devices []Device
}

// NewDeviceSet builds a set from the given devices, dropping duplicates
func NewDeviceSet(devices ...Device) DeviceSet {
	if len(devices) == 0 {
		return DeviceSet{}
	}

	unique := funk.Uniq(devices).([]Device)

	// keep a canonical order so String() and Devices() are stable
	sort.Slice(unique, func(i, j int) bool { return unique[i] < unique[j] })

	return DeviceSet{devices: unique}
}

// Contains reports whether d is a member of the set
func (s DeviceSet) Contains(d Device) bool {
	return funk.Contains(s.devices, d)
}

// Equal compares two sets by membership only
func (s DeviceSet) Equal(other DeviceSet) bool {
	if s.Len() != other.Len() {
		return false
	}

	for _, d := range other.devices {
		if !s.Contains(d) {
			return false
		}
	}

	return true
}

func (s DeviceSet) Len() int {
	return len(s.devices)
}

func (s DeviceSet) IsEmpty() bool {
	return len(s.devices) == 0
}

// Devices returns a copy of the members in canonical order
func (s DeviceSet) Devices() []Device {
	out := make([]Device, len(s.devices))
	copy(out, s.devices)
	return out
}

func (s DeviceSet) String() string {
	names := make([]string, len(s.devices))
	for i, d := range s.devices {
		names[i] = d.String()
	}
	return "[" + strings.Join(names, " ") + "]"
}

func (s DeviceSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Devices())
}

func (s *DeviceSet) UnmarshalJSON(data []byte) error {
	var devices []Device
	if err := json.Unmarshal(data, &devices); err != nil {
		return err
	}
	*s = NewDeviceSet(devices...)
	return nil
}

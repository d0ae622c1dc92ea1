package route

import "errors"

// AudioMode is the system-wide audio mode captured before a session starts.
// Its value is opaque to the engine and only handed back on restore
type AudioMode string

// AudioModeInCommunication is the mode platforms without a richer notion of modes report during a call
const AudioModeInCommunication AudioMode = "in_communication"

// SavedState holds the system audio settings that were active before Start,
// so they can be put back on Stop
type SavedState struct {
	Mode           AudioMode
	SpeakerphoneOn bool
	MicrophoneMute bool
}

// FocusResult is the outcome of an audio focus request
type FocusResult int

const (
	FocusDenied FocusResult = iota
	FocusGranted
)

func (r FocusResult) String() string {
	if r == FocusGranted {
		return "granted"
	}
	return "denied"
}

// FocusChange describes how the system changed our audio focus after it was requested
type FocusChange int

const (
	FocusChangeInvalid FocusChange = iota
	FocusChangeGain
	FocusChangeGainTransient
	FocusChangeGainTransientExclusive
	FocusChangeGainTransientMayDuck
	FocusChangeLoss
	FocusChangeLossTransient
	FocusChangeLossTransientCanDuck
)

func (c FocusChange) String() string {
	switch c {
	case FocusChangeGain:
		return "gain"
	case FocusChangeGainTransient:
		return "gain_transient"
	case FocusChangeGainTransientExclusive:
		return "gain_transient_exclusive"
	case FocusChangeGainTransientMayDuck:
		return "gain_transient_may_duck"
	case FocusChangeLoss:
		return "loss"
	case FocusChangeLossTransient:
		return "loss_transient"
	case FocusChangeLossTransientCanDuck:
		return "loss_transient_can_duck"
	default:
		return "invalid"
	}
}

// AudioFocusController acquires and releases the system's audio focus for voice calls.
// onChange may be invoked from any goroutine
type AudioFocusController interface {
	RequestFocus(onChange func(FocusChange)) FocusResult
	ReleaseFocus() error
}

// SpeakerphoneController toggles the speakerphone and the microphone mute.
// Both calls must be no-ops when the hardware is already in the requested state
type SpeakerphoneController interface {
	SetSpeakerphoneOn(on bool) error
	SetMicrophoneMute(mute bool) error
}

// SystemAudioStateStore captures and restores the system audio settings around a session
type SystemAudioStateStore interface {
	Capture() (SavedState, error)
	Restore(state SavedState) error

	// EnterCommunicationMode switches the system into its voice call mode
	EnterCommunicationMode() error
}

// HeadsetSignalSource reports whether a wired headset is plugged in.
// The callback given to StartWatching may be invoked from any goroutine
type HeadsetSignalSource interface {
	HasWiredHeadset() bool
	StartWatching(onChange func(hasWiredHeadset bool)) error
	StopWatching()
}

// EarpieceCapabilityQuery reports whether the hardware has a handset earpiece
type EarpieceCapabilityQuery interface {
	HasEarpiece() bool
}

// Platform bundles every collaborator the engine drives
type Platform struct {
	Focus        AudioFocusController
	Speakerphone SpeakerphoneController
	State        SystemAudioStateStore
	Headset      HeadsetSignalSource
	Earpiece     EarpieceCapabilityQuery
}

var errIncompletePlatform = errors.New("platform is missing a collaborator")

func (p Platform) validate() error {
	if p.Focus == nil || p.Speakerphone == nil || p.State == nil || p.Headset == nil || p.Earpiece == nil {
		return errIncompletePlatform
	}
	return nil
}

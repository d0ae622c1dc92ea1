package route

import (
	"sync"
)

// MemoryPlatform is an in-process implementation of every collaborator.
// It keeps the "hardware" state in memory and records the calls it receives,
// which makes it useful for headless runs and tests
type MemoryPlatform struct {
	mu sync.Mutex

	mode           AudioMode
	speakerphoneOn bool
	microphoneMute bool
	wiredHeadset   bool
	earpiece       bool
	focusResults   []FocusResult
	focusHeld      bool

	onHeadsetChange func(bool)

	SpeakerphoneCalls []bool
	FocusRequests     int
	FocusReleases     int
	Restores          []SavedState
}

// NewMemoryPlatform creates a platform in the given initial system state
func NewMemoryPlatform(initial SavedState, hasEarpiece bool) *MemoryPlatform {
	return &MemoryPlatform{
		mode:           initial.Mode,
		speakerphoneOn: initial.SpeakerphoneOn,
		microphoneMute: initial.MicrophoneMute,
		earpiece:       hasEarpiece,
	}
}

// Platform exposes m as every collaborator at once
func (m *MemoryPlatform) Platform() Platform {
	return Platform{
		Focus:        m,
		Speakerphone: m,
		State:        m,
		Headset:      m,
		Earpiece:     m,
	}
}

// QueueFocusResults scripts the answers of the next focus requests. Once the
// queue is drained every request is granted
func (m *MemoryPlatform) QueueFocusResults(results ...FocusResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.focusResults = append(m.focusResults, results...)
}

// PlugHeadset changes the simulated wired headset state and reports it to the watcher, if any
func (m *MemoryPlatform) PlugHeadset(plugged bool) {
	m.mu.Lock()
	m.wiredHeadset = plugged
	onChange := m.onHeadsetChange
	m.mu.Unlock()

	if onChange != nil {
		onChange(plugged)
	}
}

// SetHeadsetPresent changes the wired headset state without notifying anyone
func (m *MemoryPlatform) SetHeadsetPresent(plugged bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.wiredHeadset = plugged
}

// Current returns the simulated system state
func (m *MemoryPlatform) Current() SavedState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return SavedState{Mode: m.mode, SpeakerphoneOn: m.speakerphoneOn, MicrophoneMute: m.microphoneMute}
}

func (m *MemoryPlatform) FocusHeld() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.focusHeld
}

func (m *MemoryPlatform) Watching() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.onHeadsetChange != nil
}

func (m *MemoryPlatform) RequestFocus(_ func(FocusChange)) FocusResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FocusRequests++

	result := FocusGranted
	if len(m.focusResults) > 0 {
		result = m.focusResults[0]
		m.focusResults = m.focusResults[1:]
	}

	if result == FocusGranted {
		m.focusHeld = true
	}

	return result
}

func (m *MemoryPlatform) ReleaseFocus() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FocusReleases++
	m.focusHeld = false

	return nil
}

func (m *MemoryPlatform) SetSpeakerphoneOn(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SpeakerphoneCalls = append(m.SpeakerphoneCalls, on)
	m.speakerphoneOn = on

	return nil
}

func (m *MemoryPlatform) SetMicrophoneMute(mute bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.microphoneMute = mute

	return nil
}

func (m *MemoryPlatform) Capture() (SavedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return SavedState{Mode: m.mode, SpeakerphoneOn: m.speakerphoneOn, MicrophoneMute: m.microphoneMute}, nil
}

func (m *MemoryPlatform) Restore(state SavedState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Restores = append(m.Restores, state)
	m.mode = state.Mode
	m.speakerphoneOn = state.SpeakerphoneOn
	m.microphoneMute = state.MicrophoneMute

	return nil
}

func (m *MemoryPlatform) EnterCommunicationMode() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mode = AudioModeInCommunication

	return nil
}

func (m *MemoryPlatform) HasWiredHeadset() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.wiredHeadset
}

func (m *MemoryPlatform) StartWatching(onChange func(bool)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onHeadsetChange = onChange

	return nil
}

func (m *MemoryPlatform) StopWatching() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onHeadsetChange = nil
}

func (m *MemoryPlatform) HasEarpiece() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.earpiece
}

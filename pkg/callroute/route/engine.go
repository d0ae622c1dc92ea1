// Package route decides which audio device a call is routed to. It reconciles
// the wired headset signal, the earpiece capability of the hardware and the
// user's explicit choice, and reports every change to a single listener.
package route

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the lifecycle state of an Engine
type State int

const (
	StateUninitialized State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

var (
	// ErrNotRunning describes operations ignored because no session is running
	ErrNotRunning = errors.New("routing session not running")
	// ErrAlreadyRunning describes a Start ignored because a session is already running
	ErrAlreadyRunning = errors.New("routing session already running")
	// ErrDeviceUnavailable describes a selection of a device that isn't currently available
	ErrDeviceUnavailable = errors.New("audio device not available")
	// ErrInvalidDefaultDevice is returned by NewEngine for defaults other than speakerphone or earpiece
	ErrInvalidDefaultDevice = errors.New("default device must be speaker_phone or earpiece")
)

// RoutingSnapshot is the engine's view of the world while a session runs
type RoutingSnapshot struct {
	SessionID       string    `json:"sessionId,omitempty"`
	State           State     `json:"-"`
	Available       DeviceSet `json:"available"`
	Selected        Device    `json:"selected"`
	UserOverride    Device    `json:"userOverride"`
	HasWiredHeadset bool      `json:"hasWiredHeadset"`
	HasEarpiece     bool      `json:"hasEarpiece"`
	DefaultDevice   Device    `json:"defaultDevice"`
}

// Option customizes an Engine
type Option func(*Engine)

// WithDispatcher makes the engine route asynchronous inputs (headset signals,
// focus retries) through d instead of handling them on the calling goroutine
func WithDispatcher(d Dispatcher) Option {
	return func(e *Engine) {
		e.dispatcher = d
	}
}

// WithFocusRetryDelay sets how long to wait before the single focus retry
func WithFocusRetryDelay(delay time.Duration) Option {
	return func(e *Engine) {
		e.focusRetryDelay = delay
	}
}

// Engine owns the routing state of one call at a time. It isn't safe for
// concurrent use: every method must be called from the same goroutine, see Loop
type Engine struct {
	logger        *zap.SugaredLogger
	sessionLogger *zap.SugaredLogger

	platform        Platform
	dispatcher      Dispatcher
	focusRetryDelay time.Duration
	notifier        changeNotifier

	state         State
	defaultDevice Device
	snapshot      RoutingSnapshot

	saved      SavedState
	savedValid bool

	// bumped on every Start so stale callbacks from an earlier session are ignored
	generation uint64
}

// NewEngine creates an engine that falls back to defaultDevice whenever no wired headset is plugged in
func NewEngine(logger *zap.SugaredLogger, defaultDevice Device, platform Platform, opts ...Option) (*Engine, error) {
	logger = logger.Named("route")

	if defaultDevice != DeviceSpeakerPhone && defaultDevice != DeviceEarpiece {
		logger.Errorw("Invalid default device", "device", defaultDevice)
		return nil, fmt.Errorf("create engine: %w", ErrInvalidDefaultDevice)
	}

	if err := platform.validate(); err != nil {
		logger.Errorw("Incomplete platform", "error", err)
		return nil, fmt.Errorf("create engine: %w", err)
	}

	e := &Engine{
		logger:        logger,
		sessionLogger: logger,
		platform:      platform,
		dispatcher:    inlineDispatcher{},
		state:         StateUninitialized,
		defaultDevice: defaultDevice,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.resetSnapshot()

	logger.Debugw("Created routing engine instance", "defaultDevice", defaultDevice)

	return e, nil
}

// Start begins a routing session and reports the initial device selection to listener.
// Calling it while a session is already running does nothing
func (e *Engine) Start(listener Listener) {
	if e.state == StateRunning {
		e.sessionLogger.Errorw("Audio routing is already active", "error", ErrAlreadyRunning)
		recordRejected(rejectReasonAlreadyRunning)
		return
	}

	e.generation++
	sessionID := uuid.NewString()
	e.sessionLogger = e.logger.With("session", sessionID)
	e.sessionLogger.Info("Audio routing starting")

	e.notifier.set(listener)

	// store the current system state so Stop can put it back
	saved, err := e.platform.State.Capture()
	if err != nil {
		e.sessionLogger.Warnw("Failed to capture system audio state, it won't be restored", "error", err)
		e.savedValid = false
	} else {
		e.saved = saved
		e.savedValid = true
		e.sessionLogger.Debugw("Captured system audio state", "state", saved)
	}

	e.resetSnapshot()
	e.snapshot.SessionID = sessionID
	e.snapshot.HasWiredHeadset = e.platform.Headset.HasWiredHeadset()
	e.snapshot.HasEarpiece = e.platform.Earpiece.HasEarpiece()

	e.state = StateRunning
	e.snapshot.State = StateRunning
	sessionRunning.Set(1)

	e.requestFocus(false)

	if err := e.platform.State.EnterCommunicationMode(); err != nil {
		e.sessionLogger.Warnw("Failed to enter communication mode", "error", err)
	}

	// the microphone is always live during a call
	if err := e.platform.Speakerphone.SetMicrophoneMute(false); err != nil {
		e.sessionLogger.Warnw("Failed to unmute microphone", "error", err)
	}

	e.evaluate()

	generation := e.generation
	if err := e.platform.Headset.StartWatching(func(hasWiredHeadset bool) {
		e.dispatcher.Dispatch(func() {
			if e.generation != generation {
				return
			}
			e.OnHeadsetSignalChanged(hasWiredHeadset)
		})
	}); err != nil {
		e.sessionLogger.Warnw("Failed to watch wired headset changes", "error", err)
	}

	e.sessionLogger.Info("Audio routing started")
}

// Stop ends the running session, restores the system audio state captured by
// Start and releases audio focus. No further changes are reported afterwards
func (e *Engine) Stop() {
	if e.state != StateRunning {
		e.sessionLogger.Errorw("Trying to stop audio routing in incorrect state", "state", e.state, "error", ErrNotRunning)
		recordRejected(rejectReasonNotRunning)
		return
	}

	e.sessionLogger.Info("Audio routing stopping")

	e.state = StateUninitialized
	sessionRunning.Set(0)

	e.platform.Headset.StopWatching()

	if e.savedValid {
		if err := e.platform.State.Restore(e.saved); err != nil {
			e.sessionLogger.Warnw("Failed to restore system audio state", "error", err)
		} else {
			e.sessionLogger.Debugw("Restored system audio state", "state", e.saved)
		}
	}
	e.savedValid = false

	if err := e.platform.Focus.ReleaseFocus(); err != nil {
		e.sessionLogger.Warnw("Failed to release audio focus", "error", err)
	} else {
		e.sessionLogger.Debug("Released audio focus")
	}

	e.notifier.clear()
	e.resetSnapshot()

	e.sessionLogger.Info("Audio routing stopped")
	e.sessionLogger = e.logger
}

// SelectDevice records device as the user's explicit choice. Devices that
// aren't currently available are ignored
func (e *Engine) SelectDevice(device Device) {
	if e.state != StateRunning {
		e.sessionLogger.Warnw("Ignoring device selection", "device", device, "error", ErrNotRunning)
		recordRejected(rejectReasonNotRunning)
		return
	}

	if !e.snapshot.Available.Contains(device) {
		e.sessionLogger.Warnw("Can not select device",
			"device", device,
			"available", e.snapshot.Available,
			"error", ErrDeviceUnavailable)
		recordRejected(rejectReasonUnavailable)
		return
	}

	e.sessionLogger.Debugw("User selected device", "device", device)
	e.snapshot.UserOverride = device

	e.evaluate()
}

// OnHeadsetSignalChanged feeds a new wired headset state into the engine
func (e *Engine) OnHeadsetSignalChanged(hasWiredHeadset bool) {
	recordHeadsetSignal(hasWiredHeadset)

	if e.state != StateRunning {
		e.sessionLogger.Debugw("Ignoring headset signal", "hasWiredHeadset", hasWiredHeadset, "error", ErrNotRunning)
		recordRejected(rejectReasonNotRunning)
		return
	}

	e.sessionLogger.Debugw("Wired headset signal changed", "hasWiredHeadset", hasWiredHeadset)
	e.snapshot.HasWiredHeadset = hasWiredHeadset

	e.evaluate()
}

// SetSpeakerphoneOn drives the speakerphone directly, bypassing device selection
func (e *Engine) SetSpeakerphoneOn(on bool) error {
	if err := e.platform.Speakerphone.SetSpeakerphoneOn(on); err != nil {
		e.sessionLogger.Warnw("Failed to set speakerphone", "on", on, "error", err)
		return fmt.Errorf("set speakerphone: %w", err)
	}
	return nil
}

// SetMicrophoneMute mutes or unmutes the microphone
func (e *Engine) SetMicrophoneMute(mute bool) error {
	if err := e.platform.Speakerphone.SetMicrophoneMute(mute); err != nil {
		e.sessionLogger.Warnw("Failed to set microphone mute", "mute", mute, "error", err)
		return fmt.Errorf("set microphone mute: %w", err)
	}
	return nil
}

func (e *Engine) State() State {
	return e.state
}

func (e *Engine) DefaultDevice() Device {
	return e.defaultDevice
}

// Snapshot returns a copy of the current routing state
func (e *Engine) Snapshot() RoutingSnapshot {
	return e.snapshot
}

// AvailableDevices returns the devices that can currently be selected
func (e *Engine) AvailableDevices() DeviceSet {
	return e.snapshot.Available
}

// SelectedDevice returns the device audio is currently routed to
func (e *Engine) SelectedDevice() Device {
	return e.snapshot.Selected
}

// UserOverride returns the user's last explicit choice, after headset migration
func (e *Engine) UserOverride() Device {
	return e.snapshot.UserOverride
}

// evaluate is the single place the routing state changes. The user override
// is tracked but deliberately not consulted when picking the device
func (e *Engine) evaluate() {
	e.sessionLogger.Debugw("Updating audio device state",
		"hasWiredHeadset", e.snapshot.HasWiredHeadset,
		"available", e.snapshot.Available,
		"selected", e.snapshot.Selected,
		"userOverride", e.snapshot.UserOverride)

	e.snapshot.UserOverride = ReconcileOverride(e.snapshot.HasWiredHeadset, e.snapshot.UserOverride)

	available, selected := Evaluate(e.snapshot.HasWiredHeadset, e.snapshot.HasEarpiece, e.defaultDevice)

	availabilityChanged := !available.Equal(e.snapshot.Available)
	e.snapshot.Available = available

	selectionChanged := selected != e.snapshot.Selected

	if !selectionChanged && !availabilityChanged {
		return
	}

	e.applyDevice(selected)
	e.snapshot.Selected = selected

	e.sessionLogger.Infow("Audio device changed",
		"selected", e.snapshot.Selected,
		"available", e.snapshot.Available)

	deviceChangesTotal.Inc()
	e.notifier.emit(e.snapshot.Selected, e.snapshot.Available)
}

func (e *Engine) applyDevice(device Device) {
	var speakerphoneOn bool

	switch device {
	case DeviceSpeakerPhone:
		speakerphoneOn = true
	case DeviceEarpiece, DeviceWiredHeadset:
		speakerphoneOn = false
	default:
		e.sessionLogger.Errorw("Invalid audio device selection", "device", device)
		return
	}

	if err := e.platform.Speakerphone.SetSpeakerphoneOn(speakerphoneOn); err != nil {
		e.sessionLogger.Warnw("Failed to apply audio device", "device", device, "error", err)
	}
}

func (e *Engine) requestFocus(retry bool) {
	result := e.platform.Focus.RequestFocus(e.onFocusChange)
	recordFocusRequest(result)

	if result == FocusGranted {
		e.sessionLogger.Debugw("Audio focus request granted for voice call streams", "retry", retry)
		return
	}

	if retry {
		e.sessionLogger.Warn("Audio focus retry failed, continuing without focus")
		return
	}

	e.sessionLogger.Warnw("Audio focus request failed, retrying once", "delay", e.focusRetryDelay)

	generation := e.generation
	e.dispatcher.DispatchAfter(e.focusRetryDelay, func() {
		if e.state != StateRunning || e.generation != generation {
			e.sessionLogger.Debug("Skipping audio focus retry, session no longer running")
			return
		}
		e.requestFocus(true)
	})
}

func (e *Engine) onFocusChange(change FocusChange) {
	e.logger.Debugw("Audio focus changed", "change", change)
}

func (e *Engine) resetSnapshot() {
	e.snapshot = RoutingSnapshot{
		State:         e.state,
		Available:     NewDeviceSet(),
		Selected:      DeviceNone,
		UserOverride:  DeviceNone,
		DefaultDevice: e.defaultDevice,
	}
}

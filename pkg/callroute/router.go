package callroute

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/nik9play/callroute/pkg/callroute/route"
)

// router is the goroutine-safe face of the routing engine: every call is
// executed on the dispatch loop that owns the engine
type router struct {
	logger   *zap.SugaredLogger
	engine   *route.Engine
	loop     *route.Loop
	listener route.Listener
}

func newRouter(logger *zap.SugaredLogger, engine *route.Engine, loop *route.Loop, listener route.Listener) *router {
	return &router{
		logger:   logger.Named("router"),
		engine:   engine,
		loop:     loop,
		listener: listener,
	}
}

// startSession starts routing, failing with route.ErrAlreadyRunning if a session is active
func (r *router) startSession() error {
	var rejected error

	if err := r.loop.Do(func() {
		if r.engine.State() == route.StateRunning {
			rejected = route.ErrAlreadyRunning
		}

		// the engine logs and counts the rejection itself
		r.engine.Start(r.listener)
	}); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	return rejected
}

// stopSession stops routing, failing with route.ErrNotRunning if no session is active
func (r *router) stopSession() error {
	var rejected error

	if err := r.loop.Do(func() {
		if r.engine.State() != route.StateRunning {
			rejected = route.ErrNotRunning
		}

		r.engine.Stop()
	}); err != nil {
		return fmt.Errorf("stop session: %w", err)
	}

	return rejected
}

// selectDevice asks the engine to route to device and reports why it would be ignored, if it is
func (r *router) selectDevice(device route.Device) error {
	var rejected error

	if err := r.loop.Do(func() {
		switch {
		case r.engine.State() != route.StateRunning:
			rejected = route.ErrNotRunning
		case !r.engine.AvailableDevices().Contains(device):
			rejected = route.ErrDeviceUnavailable
		}

		r.engine.SelectDevice(device)
	}); err != nil {
		return fmt.Errorf("select device: %w", err)
	}

	return rejected
}

func (r *router) snapshot() (route.RoutingSnapshot, error) {
	var snapshot route.RoutingSnapshot

	if err := r.loop.Do(func() {
		snapshot = r.engine.Snapshot()
	}); err != nil {
		return route.RoutingSnapshot{}, fmt.Errorf("get snapshot: %w", err)
	}

	return snapshot, nil
}

func (r *router) setSpeakerphoneOn(on bool) error {
	var result error

	if err := r.loop.Do(func() {
		result = r.engine.SetSpeakerphoneOn(on)
	}); err != nil {
		return fmt.Errorf("set speakerphone: %w", err)
	}

	return result
}

func (r *router) setMicrophoneMute(mute bool) error {
	var result error

	if err := r.loop.Do(func() {
		result = r.engine.SetMicrophoneMute(mute)
	}); err != nil {
		return fmt.Errorf("set microphone mute: %w", err)
	}

	return result
}

package route

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Dispatcher runs functions on the goroutine that owns an Engine.
// The engine itself does no locking, so everything that touches it has to go through one
type Dispatcher interface {
	Dispatch(fn func())
	DispatchAfter(delay time.Duration, fn func())
}

// inlineDispatcher runs everything right away on the calling goroutine.
// Delays are ignored
type inlineDispatcher struct{}

func (inlineDispatcher) Dispatch(fn func()) {
	fn()
}

func (inlineDispatcher) DispatchAfter(_ time.Duration, fn func()) {
	fn()
}

const loopQueueSize = 64

// ErrLoopStopped is returned by Do once the loop has exited
var ErrLoopStopped = errors.New("dispatch loop stopped")

// Loop is a Dispatcher backed by a single goroutine. Calls queued from
// any goroutine are executed one at a time, in order
type Loop struct {
	logger *zap.SugaredLogger

	operations chan func()
	done       chan struct{}
}

// NewLoop creates a loop. Nothing runs until Run is called
func NewLoop(logger *zap.SugaredLogger) *Loop {
	logger = logger.Named("loop")

	l := &Loop{
		logger:     logger,
		operations: make(chan func(), loopQueueSize),
		done:       make(chan struct{}),
	}

	logger.Debug("Created dispatch loop instance")

	return l
}

// Run executes queued operations until ctx is cancelled
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)

	l.logger.Debug("Dispatch loop running")

	for {
		select {
		case <-ctx.Done():
			l.logger.Debug("Dispatch loop stopping")
			return
		case fn := <-l.operations:
			fn()
		}
	}
}

// Dispatch queues fn. It's dropped if the loop has already exited
func (l *Loop) Dispatch(fn func()) {
	select {
	case l.operations <- fn:
	case <-l.done:
		l.logger.Debug("Dropping operation, loop already stopped")
	}
}

// DispatchAfter queues fn once delay has elapsed
func (l *Loop) DispatchAfter(delay time.Duration, fn func()) {
	if delay <= 0 {
		l.Dispatch(fn)
		return
	}

	time.AfterFunc(delay, func() {
		l.Dispatch(fn)
	})
}

// Do queues fn and waits for it to finish
func (l *Loop) Do(fn func()) error {
	finished := make(chan struct{})

	select {
	case l.operations <- func() {
		defer close(finished)
		fn()
	}:
	case <-l.done:
		return ErrLoopStopped
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrLoopStopped
		}
	}
}

package route

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startLoop(t *testing.T) (*Loop, context.CancelFunc) {
	t.Helper()

	loop := NewLoop(zaptest.NewLogger(t).Sugar())
	ctx, cancel := context.WithCancel(context.Background())

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		loop.Run(ctx)
	}()

	// the loop logs on exit, which must happen before the test ends
	t.Cleanup(func() {
		cancel()
		<-exited
	})

	return loop, cancel
}

func TestLoopRunsOperationsInOrder(t *testing.T) {
	loop, _ := startLoop(t)

	var order []int
	for i := 0; i < 10; i++ {
		i := i
		loop.Dispatch(func() { order = append(order, i) })
	}

	require.NoError(t, loop.Do(func() {}))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestLoopDispatchAfter(t *testing.T) {
	loop, _ := startLoop(t)

	fired := make(chan time.Time, 1)
	start := time.Now()
	loop.DispatchAfter(20*time.Millisecond, func() { fired <- time.Now() })

	select {
	case at := <-fired:
		assert.GreaterOrEqual(t, at.Sub(start), 20*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed operation never ran")
	}
}

func TestLoopDoAfterStop(t *testing.T) {
	loop, cancel := startLoop(t)
	cancel()

	assert.Eventually(t, func() bool {
		return loop.Do(func() {}) == ErrLoopStopped
	}, time.Second, 5*time.Millisecond)

	// dispatching to a stopped loop must not block
	loop.Dispatch(func() {})
}

func TestEngineOnLoopSerializesConcurrentSignals(t *testing.T) {
	loop, _ := startLoop(t)
	platform := NewMemoryPlatform(initialSystemState, true)

	engine, err := NewEngine(zaptest.NewLogger(t).Sugar(), DeviceSpeakerPhone, platform.Platform(), WithDispatcher(loop))
	require.NoError(t, err)

	listener := &recordingListener{}
	require.NoError(t, loop.Do(func() { engine.Start(listener) }))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			platform.PlugHeadset(i%2 == 0)
		}(i)
	}
	wg.Wait()

	// settle on a known state once every queued signal has been handled
	platform.PlugHeadset(true)

	var snapshot RoutingSnapshot
	require.NoError(t, loop.Do(func() { snapshot = engine.Snapshot() }))

	assert.True(t, snapshot.HasWiredHeadset)
	assert.Equal(t, DeviceWiredHeadset, snapshot.Selected)
	assert.True(t, snapshot.Available.Equal(NewDeviceSet(DeviceWiredHeadset)))

	require.NoError(t, loop.Do(engine.Stop))
	assert.Equal(t, initialSystemState, platform.Current())
}

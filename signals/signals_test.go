package signals_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VoteIT/channels-envelope/signals"
)

const testSignal signals.Signal = "test_signal"

func TestCooperativeListenersRunInOrder(t *testing.T) {
	bus := signals.NewBus(zerolog.Nop())
	var order []string
	bus.Connect(testSignal, signals.Cooperative, func(context.Context, any) error {
		order = append(order, "first")
		return nil
	})
	bus.Connect(testSignal, signals.Cooperative, func(context.Context, any) error {
		order = append(order, "second")
		return nil
	})
	bus.Freeze()

	require.NoError(t, bus.Send(context.Background(), testSignal, nil))
	// Cooperative listeners run on the firing goroutine, so no
	// synchronization is needed to observe the writes.
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestSendJoinsListenerErrors(t *testing.T) {
	bus := signals.NewBus(zerolog.Nop())
	boom := errors.New("boom")
	bus.Connect(testSignal, signals.Cooperative, func(context.Context, any) error { return boom })
	bus.Connect(testSignal, signals.Cooperative, func(context.Context, any) error { return nil })
	bus.Freeze()

	err := bus.Send(context.Background(), testSignal, nil)
	assert.ErrorIs(t, err, boom)
}

func TestSendAwaitsBlockingListeners(t *testing.T) {
	bus := signals.NewBus(zerolog.Nop())
	var ran atomic.Bool
	bus.Connect(testSignal, signals.Blocking, func(context.Context, any) error {
		time.Sleep(10 * time.Millisecond)
		ran.Store(true)
		return nil
	})
	bus.Freeze()

	require.NoError(t, bus.Send(context.Background(), testSignal, nil))
	assert.True(t, ran.Load())
}

func TestSendDeliversEvent(t *testing.T) {
	bus := signals.NewBus(zerolog.Nop())
	var got any
	bus.Connect(testSignal, signals.Cooperative, func(_ context.Context, event any) error {
		got = event
		return nil
	})
	bus.Freeze()

	require.NoError(t, bus.Send(context.Background(), testSignal, "payload"))
	assert.Equal(t, "payload", got)
}

func TestSendWithoutListenersIsNoop(t *testing.T) {
	bus := signals.NewBus(zerolog.Nop())
	bus.Freeze()
	assert.NoError(t, bus.Send(context.Background(), testSignal, nil))
}

func TestConnectAfterFreezePanics(t *testing.T) {
	bus := signals.NewBus(zerolog.Nop())
	bus.Freeze()
	assert.Panics(t, func() {
		bus.Connect(testSignal, signals.Cooperative, func(context.Context, any) error { return nil })
	})
}

func TestListenerPanicBecomesError(t *testing.T) {
	bus := signals.NewBus(zerolog.Nop())
	bus.Connect(testSignal, signals.Cooperative, func(context.Context, any) error {
		panic("kaboom")
	})
	bus.Freeze()

	err := bus.Send(context.Background(), testSignal, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
}

func TestPublishRunsListenersEventually(t *testing.T) {
	bus := signals.NewBus(zerolog.Nop())
	done := make(chan struct{})
	bus.Connect(testSignal, signals.Blocking, func(context.Context, any) error {
		close(done)
		return nil
	})
	bus.Freeze()

	bus.Publish(context.Background(), testSignal, nil)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("published event never reached the listener")
	}
}

func TestShutdownDrainsQueuedTasks(t *testing.T) {
	bus := signals.NewBus(zerolog.Nop(), signals.WithWorkers(2))
	var handled atomic.Int64
	bus.Connect(testSignal, signals.Blocking, func(context.Context, any) error {
		time.Sleep(5 * time.Millisecond)
		handled.Add(1)
		return nil
	})
	bus.Freeze()

	for i := 0; i < 10; i++ {
		bus.Publish(context.Background(), testSignal, i)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, bus.Shutdown(ctx))
	assert.Equal(t, int64(10), handled.Load())
}

// internal/device/bus_test.go
package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testEvent(deviceID string, eventType EventType) Event {
	return Event{DeviceID: deviceID, Type: eventType, Timestamp: time.Now()}
}

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus(zap.NewNop())
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	types := []EventType{EventDeviceOnline, EventDeviceEnabled, EventNoteInserted, EventNoteAccepted}
	for _, et := range types {
		bus.Publish(testEvent("dev-1", et))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var lastSeq uint64
	for i, want := range types {
		env, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, env.Event.Type)
		if i > 0 {
			assert.Equal(t, lastSeq+1, env.Seq, "sequence numbers must be contiguous")
		}
		lastSeq = env.Seq
	}
}

func TestBusDropsOldestWhenFull(t *testing.T) {
	bus := NewBus(zap.NewNop())
	sub := bus.Subscribe(2)
	defer bus.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		bus.Publish(testEvent("dev-1", EventNoteInserted))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Only the newest two survive; the seq gap proves what was lost.
	first, err := sub.Next(ctx)
	require.NoError(t, err)
	second, err := sub.Next(ctx)
	require.NoError(t, err)

	assert.Equal(t, uint64(4), first.Seq)
	assert.Equal(t, uint64(5), second.Seq)
	assert.Equal(t, uint64(3), sub.Missed())
}

func TestBusSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := NewBus(zap.NewNop())
	slow := bus.Subscribe(1)
	fast := bus.Subscribe(64)
	defer bus.Unsubscribe(slow)
	defer bus.Unsubscribe(fast)

	for i := 0; i < 10; i++ {
		bus.Publish(testEvent("dev-1", EventNoteInserted))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 10; i++ {
		env, err := fast.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), env.Seq)
	}
	assert.Zero(t, fast.Missed())
	assert.Equal(t, uint64(9), slow.Missed())
}

func TestBusNextBlocksUntilPublish(t *testing.T) {
	bus := NewBus(zap.NewNop())
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)

	done := make(chan Envelope, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		env, err := sub.Next(ctx)
		if err == nil {
			done <- env
		}
	}()

	time.Sleep(20 * time.Millisecond)
	bus.Publish(testEvent("dev-1", EventDeviceOnline))

	select {
	case env := <-done:
		assert.Equal(t, EventDeviceOnline, env.Event.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber never woke up")
	}
}

func TestBusUnsubscribeWakesBlockedNext(t *testing.T) {
	bus := NewBus(zap.NewNop())
	sub := bus.Subscribe(4)

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	bus.Unsubscribe(sub)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSubscriberClosed)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Unsubscribe")
	}
}

func TestBusConcurrentPublish(t *testing.T) {
	bus := NewBus(zap.NewNop())
	sub := bus.Subscribe(1024)
	defer bus.Unsubscribe(sub)

	const publishers = 8
	const perPublisher = 50

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				bus.Publish(testEvent("dev-1", EventNoteInserted))
			}
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var lastSeq uint64
	for i := 0; i < publishers*perPublisher; i++ {
		env, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Greater(t, env.Seq, lastSeq, "sequence numbers must be strictly increasing")
		lastSeq = env.Seq
	}
	assert.Zero(t, sub.Missed())
}

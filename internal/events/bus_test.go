package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"grbl-service/internal/model"
)

func startBus(t *testing.T) *Bus {
	t.Helper()
	bus := NewBus(16, zap.NewNop())
	go bus.Start()
	t.Cleanup(bus.Stop)
	return bus
}

func receive(t *testing.T, sub *Subscription) model.LinkEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return model.LinkEvent{}
	}
}

func TestBusDeliversByType(t *testing.T) {
	bus := startBus(t)
	states := bus.Subscribe(model.EventSessionStateChanged, 0)
	all := bus.Subscribe(AllEvents, 0)
	assert.Equal(t, 2, bus.SubscriberCount())

	bus.Publish(model.LinkEvent{EventType: model.EventCommandResolved})
	bus.Publish(model.LinkEvent{EventType: model.EventSessionStateChanged})

	assert.Equal(t, model.EventCommandResolved, receive(t, all).EventType)
	assert.Equal(t, model.EventSessionStateChanged, receive(t, all).EventType)
	assert.Equal(t, model.EventSessionStateChanged, receive(t, states).EventType)
	assert.Empty(t, states.C())
}

func TestBusUnsubscribe(t *testing.T) {
	bus := startBus(t)
	sub := bus.Subscribe(AllEvents, 0)
	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.Zero(t, bus.SubscriberCount())

	bus.Publish(model.LinkEvent{EventType: model.EventCommandQueued})
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := startBus(t)
	slow := bus.Subscribe(AllEvents, 1)
	fast := bus.Subscribe(AllEvents, 64)

	for i := 0; i < 10; i++ {
		bus.Publish(model.LinkEvent{EventType: model.EventControllerReport})
	}
	for i := 0; i < 10; i++ {
		receive(t, fast)
	}
	assert.Len(t, slow.C(), 1)
}

func TestBusStopClosesSubscriptions(t *testing.T) {
	bus := NewBus(4, zap.NewNop())
	go bus.Start()
	sub := bus.Subscribe(AllEvents, 0)

	bus.Stop()
	bus.Stop()

	_, ok := <-sub.C()
	assert.False(t, ok)

	bus.Publish(model.LinkEvent{EventType: model.EventCommandQueued})
	late := bus.Subscribe(AllEvents, 0)
	_, ok = <-late.C()
	assert.False(t, ok)
}

func TestBusWaitsForRoomForLifecycleEvents(t *testing.T) {
	bus := NewBus(2, zap.NewNop())
	t.Cleanup(bus.Stop)
	sub := bus.Subscribe(AllEvents, 64)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			bus.Publish(model.LinkEvent{EventType: model.EventCommandResolved})
		}
	}()

	time.Sleep(20 * time.Millisecond)
	go bus.Start()
	<-done

	for i := 0; i < 10; i++ {
		assert.Equal(t, model.EventCommandResolved, receive(t, sub).EventType)
	}
}

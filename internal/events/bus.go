// internal/events/bus.go
package events

import (
	"sync"

	"go.uber.org/zap"

	"grbl-service/internal/model"
)

// AllEvents subscribes to every event type
const AllEvents model.EventType = "*"

// Subscription is a registered event subscriber
type Subscription struct {
	eventType model.EventType
	ch        chan model.LinkEvent
	once      sync.Once
}

// C returns the channel events are delivered on. It is closed on
// Unsubscribe or Stop.
func (s *Subscription) C() <-chan model.LinkEvent {
	return s.ch
}

// Bus manages event distribution
type Bus struct {
	subscribers map[model.EventType][]*Subscription
	events      chan model.LinkEvent
	mutex       sync.RWMutex
	closed      bool
	done        chan struct{}
	logger      *zap.Logger
}

// NewBus creates a new event bus with the given publish queue size
func NewBus(queueSize int, logger *zap.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = 1000
	}
	return &Bus{
		subscribers: make(map[model.EventType][]*Subscription),
		events:      make(chan model.LinkEvent, queueSize),
		done:        make(chan struct{}),
		logger:      logger.With(zap.String("component", "event_bus")),
	}
}

// Start distributes published events until Stop is called
func (eb *Bus) Start() {
	defer close(eb.done)
	for event := range eb.events {
		eb.distributeEvent(event)
	}
}

// Stop drains the queue and closes every subscription
func (eb *Bus) Stop() {
	eb.mutex.Lock()
	if eb.closed {
		eb.mutex.Unlock()
		return
	}
	eb.closed = true
	close(eb.events)
	eb.mutex.Unlock()

	<-eb.done

	eb.mutex.Lock()
	defer eb.mutex.Unlock()
	for _, subs := range eb.subscribers {
		for _, sub := range subs {
			sub.close()
		}
	}
	eb.subscribers = make(map[model.EventType][]*Subscription)
}

// Publish queues an event. Reports and framing errors are dropped when the
// bus is full; other events wait for room.
func (eb *Bus) Publish(event model.LinkEvent) {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()
	if eb.closed {
		return
	}

	if event.EventType != model.EventControllerReport && event.EventType != model.EventFramingError {
		eb.events <- event
		return
	}
	select {
	case eb.events <- event:
	default:
		eb.logger.Warn("Event bus full, dropping event",
			zap.String("event_type", string(event.EventType)),
		)
	}
}

// Subscribe subscribes to events of a specific type, or AllEvents
func (eb *Bus) Subscribe(eventType model.EventType, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 100
	}
	sub := &Subscription{eventType: eventType, ch: make(chan model.LinkEvent, buffer)}

	eb.mutex.Lock()
	defer eb.mutex.Unlock()
	if eb.closed {
		sub.close()
		return sub
	}
	eb.subscribers[eventType] = append(eb.subscribers[eventType], sub)
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (eb *Bus) Unsubscribe(sub *Subscription) {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	subs := eb.subscribers[sub.eventType]
	for i, s := range subs {
		if s == sub {
			eb.subscribers[sub.eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	sub.close()
}

// SubscriberCount returns the number of active subscriptions
func (eb *Bus) SubscriberCount() int {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()
	n := 0
	for _, subs := range eb.subscribers {
		n += len(subs)
	}
	return n
}

// distributeEvent distributes an event to subscribers. Slow subscribers
// miss events rather than stall the bus.
func (eb *Bus) distributeEvent(event model.LinkEvent) {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()

	for _, key := range []model.EventType{event.EventType, AllEvents} {
		for _, sub := range eb.subscribers[key] {
			select {
			case sub.ch <- event:
			default:
				eb.logger.Debug("Subscriber is slow, skipping event",
					zap.String("event_type", string(event.EventType)),
				)
			}
		}
	}
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

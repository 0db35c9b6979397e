// Package state carries live device state out of the sync core. The
// EventBus decouples the stream listener (the sole writer of the device
// registry) from consumers like the MQTT publisher and the HTTP event feed.
package state

import (
	"log/slog"
	"sync"
	"time"
)

// EventType identifies event categories.
type EventType string

const (
	// EventDeviceChanged carries the full snapshot of a device whose trait
	// bag changed. Consumers get state, not diffs.
	EventDeviceChanged EventType = "device_changed"
	// EventStructureChanged carries a structure whose attributes changed.
	EventStructureChanged EventType = "structure_changed"
	// EventStreamConnected fires when the delta subscription is live.
	EventStreamConnected EventType = "stream_connected"
	// EventStreamDisconnected fires when the subscription drops.
	EventStreamDisconnected EventType = "stream_disconnected"
	// EventAuthRequired fires once when re-login is unavoidable. It is the
	// host platform's cue to prompt the user; nothing is retried until new
	// credentials arrive.
	EventAuthRequired EventType = "auth_required"
)

// Event represents a state change.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// EventBus is a simple publish/subscribe event bus. Subscribers that fall
// behind lose events rather than blocking the publisher.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Publish sends an event to all subscribers.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
		// Drain anything buffered so a blocked publisher select resolves.
		for {
			select {
			case <-ch:
			default:
				return
			}
		}
	}
	return ch, unsub
}

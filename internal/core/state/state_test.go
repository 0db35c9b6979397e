package state

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestEventBus(t *testing.T) {
	t.Run("delivers to all subscribers", func(t *testing.T) {
		bus := NewEventBus(testLogger())
		a, unsubA := bus.Subscribe(4)
		defer unsubA()
		b, unsubB := bus.Subscribe(4)
		defer unsubB()

		bus.Publish(Event{Type: EventDeviceChanged, Data: "d1"})

		for _, ch := range []<-chan Event{a, b} {
			select {
			case evt := <-ch:
				assert.Equal(t, EventDeviceChanged, evt.Type)
				assert.Equal(t, "d1", evt.Data)
				assert.False(t, evt.Timestamp.IsZero(), "publish stamps the event")
			case <-time.After(time.Second):
				t.Fatal("event not delivered")
			}
		}
	})

	t.Run("slow subscriber loses events instead of blocking", func(t *testing.T) {
		bus := NewEventBus(testLogger())
		ch, unsub := bus.Subscribe(1)
		defer unsub()

		done := make(chan struct{})
		go func() {
			bus.Publish(Event{Type: EventStreamConnected})
			bus.Publish(Event{Type: EventStreamDisconnected}) // dropped
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("publish blocked on a full subscriber")
		}

		evt := <-ch
		assert.Equal(t, EventStreamConnected, evt.Type)
		select {
		case evt := <-ch:
			t.Fatalf("unexpected second event %s", evt.Type)
		default:
		}
	})

	t.Run("unsubscribed channel receives nothing further", func(t *testing.T) {
		bus := NewEventBus(testLogger())
		ch, unsub := bus.Subscribe(4)
		unsub()

		bus.Publish(Event{Type: EventAuthRequired})

		select {
		case evt := <-ch:
			t.Fatalf("event after unsubscribe: %s", evt.Type)
		default:
		}
	})

	t.Run("unsubscribe twice is safe", func(t *testing.T) {
		bus := NewEventBus(testLogger())
		_, unsub := bus.Subscribe(4)
		require.NotPanics(t, func() {
			unsub()
			unsub()
		})
	})
}

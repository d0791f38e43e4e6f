package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub1 := broker.Subscribe()
	sub2 := broker.Subscribe()

	broker.Publish(&Event{
		Type:     EventSyncCompleted,
		Message:  "sync done",
		Metadata: map[string]string{"strategy": "hash-comparison"},
	})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventSyncCompleted, ev.Type)
			assert.Equal(t, "hash-comparison", ev.Metadata["strategy"])
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(2 * time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Unsubscribe(sub)

	_, open := <-sub
	assert.False(t, open)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	// Never drained: its buffer fills and further events are skipped.
	_ = broker.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			broker.Publish(&Event{Type: EventDeltaApplied})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}

func TestSyncFailedCarriesRetryDecision(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Publish(&Event{
		Type:    EventSyncFailed,
		Message: "peer gone",
		Metadata: map[string]string{
			"kind":       "transport",
			"will_retry": "true",
		},
	})

	select {
	case ev := <-sub:
		require.Equal(t, EventSyncFailed, ev.Type)
		assert.Equal(t, "true", ev.Metadata["will_retry"])
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

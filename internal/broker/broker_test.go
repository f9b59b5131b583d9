// ABOUTME: Tests for the room-based event broker
// ABOUTME: Covers fan-out, room isolation, slow-subscriber drops and ctx cleanup

package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_SingleSubscriberReceivesEvent(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), ConversationRoom("c1"))

	event := NewEvent(EventMessageAppended, "c1", map[string]string{"body": "hi"})
	b.Publish(ConversationRoom("c1"), event)

	select {
	case received := <-ch:
		assert.Equal(t, event.ID, received.ID)
		assert.Equal(t, EventMessageAppended, received.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroker_MultipleSubscribersReceiveSameEvent(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ctx := t.Context()
	ch1, _ := b.Subscribe(ctx, AttendantPoolRoom)
	ch2, _ := b.Subscribe(ctx, AttendantPoolRoom)
	ch3, _ := b.Subscribe(ctx, AttendantPoolRoom)

	event := NewEvent(EventQueueChanged, "", map[string]int{"queue_size": 2})
	b.Publish(AttendantPoolRoom, event)

	for i, ch := range []<-chan *Event{ch1, ch2, ch3} {
		select {
		case received := <-ch:
			assert.Equal(t, event.ID, received.ID, "subscriber %d got wrong event", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestBroker_RoomIsolation(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ctx := t.Context()
	chA, _ := b.Subscribe(ctx, ConversationRoom("a"))
	chB, _ := b.Subscribe(ctx, ConversationRoom("b"))

	b.Publish(ConversationRoom("a"), NewEvent(EventTyping, "a", nil))

	select {
	case <-chA:
	case <-time.After(time.Second):
		t.Fatal("room a subscriber timed out")
	}

	select {
	case ev := <-chB:
		t.Fatalf("room b received event %s for room a", ev.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroker_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New(nil)
	defer b.Close()

	// Never drained: channel fills up after subscriberBufferSize events
	_, _ = b.Subscribe(t.Context(), ConversationRoom("c1"))

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.Publish(ConversationRoom("c1"), NewEvent(EventTyping, "c1", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBroker_UnsubscribeOnContextCancel(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, ConversationRoom("c1"))
	cancel()

	// Channel closes once the cleanup goroutine runs
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestBroker_ConcurrentPublishAndSubscribe(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ctx := t.Context()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch, _ := b.Subscribe(ctx, AttendantPoolRoom)
			go func() {
				for range ch {
				}
			}()
		}()
		go func() {
			defer wg.Done()
			b.Publish(AttendantPoolRoom, NewEvent(EventQueueChanged, "", nil))
		}()
	}
	wg.Wait()
}

func TestNewEvent_UniqueIDs(t *testing.T) {
	a := NewEvent(EventTyping, "c1", nil)
	b := NewEvent(EventTyping, "c1", nil)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.OccurredAt.IsZero())
}

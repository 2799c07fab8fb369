package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker(nil, testLogger())

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	defer b.Unsubscribe(ch1)

	event := formatSSE("kokoro_memory_committed", `{"memory_id":"abc"}`)
	b.broadcast(event)

	for _, ch := range []chan []byte{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, event, got)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}

	b.Unsubscribe(ch2)

	event2 := formatSSE("kokoro_memory_committed", `{"memory_id":"def"}`)
	b.broadcast(event2)

	select {
	case got := <-ch1:
		assert.Equal(t, event2, got)
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber did not receive event")
	}
}

func TestFormatSSE(t *testing.T) {
	got := string(formatSSE("kokoro_conflicts", `{"id":"123"}`))
	want := "event: kokoro_conflicts\ndata: {\"id\":\"123\"}\n\n"
	assert.Equal(t, want, got)
}

func TestBrokerSlowSubscriber(t *testing.T) {
	b := NewBroker(nil, testLogger())

	slow := b.Subscribe()
	defer b.Unsubscribe(slow)

	// Fill the buffer past capacity; extra events must be dropped without
	// blocking the broadcast loop.
	event := formatSSE("kokoro_memory_committed", `{}`)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.broadcast(event)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}

	drained := 0
	for {
		select {
		case <-slow:
			drained++
			continue
		default:
		}
		break
	}
	require.LessOrEqual(t, drained, 64, "buffer bounds how much a slow client can lag")
}

func TestEventForUser(t *testing.T) {
	event := formatSSE("kokoro_memory_committed", `{"memory_id":"m1","user_id":"u-123"}`)
	assert.True(t, eventForUser(event, "u-123"))
	assert.False(t, eventForUser(event, "u-456"))
	assert.False(t, eventForUser([]byte("garbage"), "u-123"))
}

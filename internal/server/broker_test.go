package server

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker() *Broker {
	return &Broker{
		subscribers: make(map[chan []byte]struct{}),
		logger:      slog.New(slog.DiscardHandler),
	}
}

func TestBrokerFanOut(t *testing.T) {
	broker := newTestBroker()

	ch1 := broker.Subscribe()
	ch2 := broker.Subscribe()

	event := formatSSE("arbiter_runs", `{"run_id":"abc","status":"completed"}`)
	broker.broadcast(event)

	for _, ch := range []chan []byte{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, string(event), string(got))
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timed out waiting for event")
		}
	}

	// After unsubscribing ch1, only ch2 receives.
	broker.Unsubscribe(ch1)
	event2 := formatSSE("arbiter_runs", `{"run_id":"def","status":"halted"}`)
	broker.broadcast(event2)

	select {
	case got := <-ch2:
		assert.Equal(t, string(event2), string(got))
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for event after unsubscribe")
	}

	broker.Unsubscribe(ch2)
}

func TestBrokerSlowSubscriberDoesNotBlock(t *testing.T) {
	broker := newTestBroker()

	slow := broker.Subscribe()
	fast := broker.Subscribe()

	// Fill the slow subscriber's buffer without draining it.
	for range 65 {
		broker.broadcast(formatSSE("arbiter_runs", "fill"))
	}
	broker.broadcast(formatSSE("arbiter_runs", "after-fill"))

	select {
	case <-fast:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("fast subscriber starved by a full slow subscriber")
	}

	broker.Unsubscribe(slow)
	broker.Unsubscribe(fast)
}

func TestFormatSSE(t *testing.T) {
	got := string(formatSSE("arbiter_runs", `{"id":"123"}`))
	require.Equal(t, "event: arbiter_runs\ndata: {\"id\":\"123\"}\n\n", got)
}

func TestNotifyBackoff(t *testing.T) {
	// Doubles from 100ms and never exceeds the 5s ceiling, so a dead
	// notify connection cannot busy-spin the wait loop.
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{6, 3200 * time.Millisecond},
		{7, 5 * time.Second},
		{20, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, notifyBackoff(tt.failures), "failures=%d", tt.failures)
	}
}

package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arbiterlabs/arbiter/internal/storage"
)

// Broker fans out Postgres LISTEN/NOTIFY messages to SSE subscribers.
// It runs a background goroutine that calls db.WaitForNotification in a
// loop and sends each payload to all active subscriber channels.
type Broker struct {
	db     *storage.DB
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
func NewBroker(db *storage.DB, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Start begins listening on the run and cycle channels. It blocks, so
// call it in a goroutine. Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	if err := b.db.Listen(ctx, storage.ChannelRuns); err != nil {
		b.logger.Error("broker: listen runs", "error", err)
		return
	}
	if err := b.db.Listen(ctx, storage.ChannelCycles); err != nil {
		b.logger.Error("broker: listen cycles", "error", err)
		return
	}

	b.logger.Info("broker: listening for notifications",
		"channels", []string{storage.ChannelRuns, storage.ChannelCycles})

	var failures int
	for {
		channel, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			failures++
			delay := notifyBackoff(failures)
			if failures >= notifyFailureAlarm {
				b.logger.Error("broker: notification channel failing",
					"consecutive_failures", failures, "retry_in", delay, "error", err)
			} else {
				b.logger.Warn("broker: notification error, retrying",
					"retry_in", delay, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		failures = 0

		b.broadcast(formatSSE(channel, payload))
	}
}

// notifyFailureAlarm is the consecutive-failure count at which retry
// logging escalates from warning to error.
const notifyFailureAlarm = 5

// notifyBackoff returns the wait before the nth consecutive retry,
// doubling from 100ms up to a 5s ceiling so a dead notify connection
// never busy-spins the loop.
func notifyBackoff(failures int) time.Duration {
	delay := 100 * time.Millisecond
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= 5*time.Second {
			return 5 * time.Second
		}
	}
	return delay
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to all subscribers. Slow subscribers with a
// full buffer are skipped so one slow client cannot block the rest.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}

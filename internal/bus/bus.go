package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MEKXH/tether/internal/mcp"
)

// Bus fans server status events out to any number of subscribers. Delivery
// is non-blocking; a subscriber that stops draining its channel loses events
// rather than stalling the publisher.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]chan StatusEvent
	closed bool
}

func New() *Bus {
	return &Bus{subs: make(map[string]chan StatusEvent)}
}

// Subscribe registers a new subscriber and returns its id and channel. The
// channel is closed on Unsubscribe or Close.
func (b *Bus) Subscribe(buffer int) (string, <-chan StatusEvent) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan StatusEvent, buffer)
	id := uuid.NewString()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// PublishServerStatus satisfies mcp.StatusPublisher.
func (b *Bus) PublishServerStatus(status mcp.ServerStatus) {
	event := StatusEvent{Status: status, Timestamp: time.Now()}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			slog.Debug("status subscriber is not draining, dropping event",
				"subscriber", id,
				"server", status.ID,
			)
		}
	}
}

// Close shuts down every subscriber channel. Further publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

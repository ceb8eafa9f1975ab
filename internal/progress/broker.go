package progress

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBufferSize is the per-subscriber channel capacity
const DefaultBufferSize = 64

// Broker is an in-process fan-out of events to per-project subscribers.
// Publish never blocks: a subscriber whose buffer is full misses the event.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	buffer int
	logger *slog.Logger
}

type subscription struct {
	ch      chan Event
	dropped atomic.Int64
}

// NewBroker creates a broker
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subs:   map[string]map[*subscription]struct{}{},
		buffer: DefaultBufferSize,
		logger: logger,
	}
}

// Subscribe registers for a project's events. The returned cancel func must be
// called to release the subscription; it closes the channel.
func (b *Broker) Subscribe(projectID string) (<-chan Event, func()) {
	sub := &subscription{ch: make(chan Event, b.buffer)}

	b.mu.Lock()
	if b.subs[projectID] == nil {
		b.subs[projectID] = map[*subscription]struct{}{}
	}
	b.subs[projectID][sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[projectID], sub)
			if len(b.subs[projectID]) == 0 {
				delete(b.subs, projectID)
			}
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers the event to current subscribers of the project
func (b *Broker) Publish(_ context.Context, event Event) error {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[event.ProjectID] {
		select {
		case sub.ch <- event:
		default:
			n := sub.dropped.Add(1)
			b.logger.Debug("dropping progress event for slow subscriber",
				"project_id", event.ProjectID, "type", event.Type, "dropped", n)
		}
	}
	return nil
}

// Subscribers returns the number of subscribers for a project
func (b *Broker) Subscribers(projectID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[projectID])
}

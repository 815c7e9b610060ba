// Package notify delivers settings events to an explicit list of subscribers.
package notify

import (
	"sync"

	"go.uber.org/zap"
)

// EventType identifies what changed
type EventType string

const (
	// EventFlagChanged carries the final value of a flag after a change settled
	EventFlagChanged EventType = "flag_changed"
	// EventHideStatusView asks presenters to hide the status view
	EventHideStatusView EventType = "hide_status_view"
	// EventSystemProtectionChanged is published when the VPN profile changed
	EventSystemProtectionChanged EventType = "system_protection_changed"
)

// Event is delivered to every subscriber
type Event struct {
	Type  EventType
	Key   string
	Value bool
}

// Subscriber receives events synchronously on the publisher's goroutine
type Subscriber func(Event)

// Broadcaster owns a subscriber list
type Broadcaster struct {
	mu          sync.RWMutex
	nextID      uint64
	subscribers map[uint64]Subscriber
	logger      *zap.Logger
}

// NewBroadcaster creates a broadcaster with no subscribers
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subscribers: make(map[uint64]Subscriber),
		logger:      logger,
	}
}

// Subscribe adds fn and returns the func that removes it again
func (b *Broadcaster) Subscribe(fn Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to every current subscriber. A panicking subscriber is
// logged and does not stop delivery to the others.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, ev)
	}
}

func (b *Broadcaster) deliver(s Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Subscriber panicked",
				zap.String("event", string(ev.Type)),
				zap.Any("panic", r))
		}
	}()
	s(ev)
}

// Len returns the number of subscribers
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

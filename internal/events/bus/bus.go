// Package bus implements the synchronous in-process event bus at the
// heart of the coordinator. Every state change publishes exactly one
// event; listeners run inline on the publisher's goroutine so delivery
// order is publication order. A misbehaving listener is isolated: its
// error or panic is logged and the remaining listeners still run.
package bus

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/weftdev/weft/internal/common/logger"
	"github.com/weftdev/weft/internal/events"
	"github.com/weftdev/weft/internal/metrics"
)

// Wildcard subscribes a listener to every event type.
const Wildcard = "*"

// Listener receives events synchronously. A returned error is logged and
// otherwise ignored; it never reaches the publisher.
type Listener func(*events.Event) error

type subscription struct {
	id uint64
	fn Listener
}

// Bus routes events by type to registered listeners.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]*subscription
	nextID    uint64
	logger    *logger.Logger
	closed    bool
}

// New creates an empty bus.
func New(log *logger.Logger) *Bus {
	return &Bus{
		listeners: make(map[string][]*subscription),
		logger:    log.WithComponent("bus"),
	}
}

// Subscribe registers fn for eventType (or every type via Wildcard) and
// returns an idempotent unsubscribe func. Subscribing to a closed bus
// returns a no-op.
func (b *Bus) Subscribe(eventType string, fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	b.nextID++
	sub := &subscription{id: b.nextID, fn: fn}
	b.listeners[eventType] = append(b.listeners[eventType], sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.listeners[eventType]
			for i, s := range subs {
				if s == sub {
					b.listeners[eventType] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish delivers evt to every listener registered for its type plus
// every wildcard listener, in subscription order, before returning.
// Publishing on a closed bus is a silent no-op.
func (b *Bus) Publish(evt *events.Event) {
	if evt == nil {
		return
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	// Snapshot outside the lock so a listener may itself publish or
	// subscribe without deadlocking.
	subs := make([]*subscription, 0, len(b.listeners[evt.Type])+len(b.listeners[Wildcard]))
	subs = append(subs, b.listeners[evt.Type]...)
	subs = append(subs, b.listeners[Wildcard]...)
	b.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })

	for _, sub := range subs {
		b.deliver(sub, evt)
	}

	metrics.EventsPublishedTotal.WithLabelValues(evt.Type).Inc()
}

// deliver runs one listener with panic isolation.
func (b *Bus) deliver(sub *subscription, evt *events.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event listener panicked",
				zap.String("event_type", evt.Type),
				zap.String("project_id", evt.ProjectID),
				zap.Any("panic", r))
		}
	}()

	if err := sub.fn(evt); err != nil {
		b.logger.Error("Event listener error",
			zap.String("event_type", evt.Type),
			zap.String("project_id", evt.ProjectID),
			zap.Error(err))
	}
}

// Close drops every listener. Subsequent publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.listeners = make(map[string][]*subscription)
	b.logger.Info("Event bus closed")
}

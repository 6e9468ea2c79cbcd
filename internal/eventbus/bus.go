// Package eventbus delivers session events to the embedding application.
// Subscriptions are per event type; dispatch is synchronous and in
// subscription order, so handlers see events exactly as the engine applied
// them. A misbehaving handler never takes the engine down: panics are
// recovered, logged, and isolated from the other subscribers.
package eventbus

import (
	"sync"

	"go.uber.org/zap"
)

// Handler consumes one event. It runs on the engine's dispatch goroutine and
// must not block for long.
type Handler func(Event)

type subscriber struct {
	id int
	fn Handler
}

// Bus is a synchronous publish/subscribe hub keyed by event type.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[EventType][]subscriber
	logger *zap.Logger
}

// New creates an empty bus. A nil logger disables panic reporting but not
// recovery.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[EventType][]subscriber),
		logger: logger,
	}
}

// Subscribe registers fn for one event type and returns a cancel function.
// Cancel is idempotent and safe to call from inside a handler.
func (b *Bus) Subscribe(t EventType, fn Handler) (cancel func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscriber{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[t]
		for i := range list {
			if list[i].id == id {
				b.subs[t] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers ev to every subscriber of its kind. Handlers run one
// after another on the caller's goroutine; a panic in one is recovered and
// logged, and the remaining handlers still run.
func (b *Bus) Publish(ev Event) {
	t := ev.Kind()
	b.mu.RLock()
	list := append([]subscriber(nil), b.subs[t]...)
	b.mu.RUnlock()

	for _, sub := range list {
		b.dispatch(t, sub.fn, ev)
	}
}

func (b *Bus) dispatch(t EventType, fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event", string(t)),
				zap.Any("panic", r))
		}
	}()
	fn(ev)
}

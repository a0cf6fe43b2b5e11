package events

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/fyrsmithlabs/orchestrd/internal/logging"
	"go.uber.org/zap"
)

type subscription struct {
	id      uint64
	kind    Kind
	handler Handler
}

// Bus delivers events synchronously to subscribers in registration order.
// One Bus lives with one engine; there is no package-level instance.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	closed bool
	logger *logging.Logger
}

// NewBus creates an empty bus. A nil logger discards diagnostics.
func NewBus(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Bus{logger: logger.Named("events")}
}

// Subscribe registers h for kind (or Any) and returns a function that
// removes the registration.
func (b *Bus) Subscribe(kind Kind, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || h == nil {
		return func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, kind: kind, handler: h})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers e to every handler registered for e.Kind or Any, then
// returns. Each handler gets its own copy of the top-level payload map.
// Handler errors and panics are logged and do not stop delivery.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.kind == e.Kind || s.kind == Any {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		ev := e
		ev.Payload = maps.Clone(e.Payload)
		if err := b.deliver(ctx, s, ev); err != nil {
			b.logger.Warn(ctx, "event handler failed",
				zap.String("event.kind", string(e.Kind)),
				zap.String("run.id", e.RunID),
				zap.Uint64("subscription", s.id),
				zap.Error(err),
			)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, s subscription, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, e)
}

// Len returns the number of registered handlers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops all subscribers. Later publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
}

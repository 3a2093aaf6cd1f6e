package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"clawremote/internal/domain"
)

const defaultQueueSize = 256

type delivery struct {
	ctx   context.Context
	event domain.Event
}

type subscription struct {
	id      uint64
	handler domain.EventHandler
	queue   chan delivery
}

// Bus is an in-process, goroutine-safe event bus. Every subscriber has its
// own queue drained by a dedicated goroutine, so a subscriber observes events
// in publish order and a slow subscriber never blocks the publisher.
type Bus struct {
	mu        sync.RWMutex
	typed     map[domain.EventType][]*subscription
	allSubs   []*subscription
	nextID    atomic.Uint64
	queueSize int
	logger    *slog.Logger
	wg        sync.WaitGroup
	closed    atomic.Bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize sets the per-subscriber buffer length.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		typed:     make(map[domain.EventType][]*subscription),
		queueSize: defaultQueueSize,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish enqueues an event for matching typed subscribers and all-event
// subscribers. Events for a subscriber whose queue is full are dropped.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.typed[event.Type] {
		b.enqueue(ctx, event, sub)
	}
	for _, sub := range b.allSubs {
		b.enqueue(ctx, event, sub)
	}
}

func (b *Bus) enqueue(ctx context.Context, event domain.Event, sub *subscription) {
	select {
	case sub.queue <- delivery{ctx: ctx, event: event}:
	default:
		b.logger.Warn("eventbus: dropped event for slow subscriber",
			"event", string(event.Type),
			"subscription", sub.id,
		)
	}
}

func (b *Bus) start(sub *subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for d := range sub.queue {
			b.invoke(sub, d)
		}
	}()
}

func (b *Bus) invoke(sub *subscription, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(d.ctx, d.event)
}

func (b *Bus) newSubscription(handler domain.EventHandler) *subscription {
	return &subscription{
		id:      b.nextID.Add(1),
		handler: handler,
		queue:   make(chan delivery, b.queueSize),
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	sub := b.newSubscription(handler)

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return func() {}
	}
	b.typed[eventType] = append(b.typed[eventType], sub)
	b.start(sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.typed[eventType] = b.remove(b.typed[eventType], sub)
		})
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	sub := b.newSubscription(handler)

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return func() {}
	}
	b.allSubs = append(b.allSubs, sub)
	b.start(sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.allSubs = b.remove(b.allSubs, sub)
		})
	}
}

// remove drops sub from subs and closes its queue. Caller holds b.mu.
func (b *Bus) remove(subs []*subscription, sub *subscription) []*subscription {
	for i, s := range subs {
		if s == sub {
			close(s.queue)
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// Close prevents new publishes, lets every subscriber drain its queue and
// waits for in-flight handlers. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed.Swap(true) {
		b.mu.Unlock()
		return
	}
	for _, subs := range b.typed {
		for _, s := range subs {
			close(s.queue)
		}
	}
	for _, s := range b.allSubs {
		close(s.queue)
	}
	b.typed = make(map[domain.EventType][]*subscription)
	b.allSubs = nil
	b.mu.Unlock()

	b.wg.Wait()
}

var _ domain.EventBus = (*Bus)(nil)

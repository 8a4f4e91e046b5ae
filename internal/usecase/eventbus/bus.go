// Package eventbus fans arbiter and planner events out to in-process
// subscribers. Publish is called from the tick loop and never blocks. Each
// subscriber drains its own queue on one goroutine, so it sees events in
// publish order. Events are dropped once the bus-wide limit of undelivered
// events is reached.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"arbiter-ai/internal/domain"
)

// DefaultMaxInFlight bounds events queued or running across all subscribers.
const DefaultMaxInFlight = 256

type subscription struct {
	id      uint64
	handler domain.EventHandler
	box     *mailbox
}

type delivery struct {
	ctx   context.Context
	event domain.Event
}

// mailbox is a subscriber's FIFO. At most one drain goroutine runs per box.
type mailbox struct {
	mu      sync.Mutex
	queue   []delivery
	running bool
}

// Stats counts bus activity.
type Stats struct {
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Panics    uint64 `json:"panics"`
}

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]subscription
	allSubs []subscription
	nextID  atomic.Uint64
	logger  *slog.Logger
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	closed  atomic.Bool

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	panics    atomic.Uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithMaxInFlight sets the undelivered event limit. n <= 0 keeps the default.
func WithMaxInFlight(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		typed:  make(map[domain.EventType][]subscription),
		logger: logger,
		sem:    semaphore.NewWeighted(DefaultMaxInFlight),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish fans out an event to matching typed subscribers and all-event
// subscribers. Panicking handlers are recovered.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}
	b.published.Add(1)

	b.mu.RLock()
	typed := append([]subscription(nil), b.typed[event.Type]...)
	allSubs := append([]subscription(nil), b.allSubs...)
	b.mu.RUnlock()

	for _, sub := range typed {
		b.dispatch(ctx, event, sub)
	}
	for _, sub := range allSubs {
		b.dispatch(ctx, event, sub)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub subscription) {
	if !b.sem.TryAcquire(1) {
		if b.dropped.Add(1)%100 == 1 {
			b.logger.Warn("event bus saturated, dropping events", "event", string(event.Type), "dropped", b.dropped.Load())
		}
		return
	}

	box := sub.box
	box.mu.Lock()
	box.queue = append(box.queue, delivery{ctx: ctx, event: event})
	start := !box.running
	box.running = true
	box.mu.Unlock()

	if start {
		b.wg.Add(1)
		go b.drain(sub)
	}
}

// drain delivers queued events to sub in order and exits once the queue is
// empty.
func (b *Bus) drain(sub subscription) {
	defer b.wg.Done()
	box := sub.box
	for {
		box.mu.Lock()
		if len(box.queue) == 0 {
			box.running = false
			box.queue = nil
			box.mu.Unlock()
			return
		}
		d := box.queue[0]
		box.queue[0] = delivery{}
		box.queue = box.queue[1:]
		box.mu.Unlock()

		b.deliver(sub.handler, d)
		b.sem.Release(1)
	}
}

func (b *Bus) deliver(handler domain.EventHandler, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	handler(d.ctx, d.event)
	b.delivered.Add(1)
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], subscription{id: id, handler: handler, box: &mailbox{}})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.typed[eventType] = remove(b.typed[eventType], id)
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.allSubs = append(b.allSubs, subscription{id: id, handler: handler, box: &mailbox{}})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.allSubs = remove(b.allSubs, id)
	}
}

func remove(subs []subscription, id uint64) []subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// Stats returns a snapshot of the counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
		Panics:    b.panics.Load(),
	}
}

// Close prevents new publishes and waits for queued events to be delivered.
// Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}

package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aether/aether/internal/common/logger"
	"github.com/aether/aether/internal/events"
)

// handlerBudget is the soft per-event handler budget; slower handlers
// log a warning but are not interrupted.
const handlerBudget = 50 * time.Millisecond

// MemoryBus is the in-process event bus. Each subscription owns a
// bounded FIFO drained by a dedicated goroutine, so emission never
// blocks and per-subscriber delivery order matches emission order.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   []*memorySub
	closed bool
	logger *logger.Logger
}

// NewMemoryBus creates an in-process event bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{logger: log.WithFields(zap.String("component", "event-bus"))}
}

type memorySub struct {
	bus     *MemoryBus
	pattern string
	handler Handler
	opts    subOptions

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*events.Event
	pending int // drops since the last lagged sentinel
	dropped int // total drops
	closed  bool
}

// Subscribe registers a handler and starts its drain goroutine.
func (b *MemoryBus) Subscribe(pattern string, handler Handler, opts ...SubOption) (Subscription, error) {
	o := subOptions{queueSize: DefaultQueueSize}
	for _, opt := range opts {
		opt(&o)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySub{bus: b, pattern: pattern, handler: handler, opts: o}
	sub.cond = sync.NewCond(&sub.mu)
	b.subs = append(b.subs, sub)
	go sub.drain()

	b.logger.Debug("subscribed", zap.String("pattern", pattern), zap.String("name", o.name))
	return sub, nil
}

// Emit delivers the event to every matching subscription queue.
func (b *MemoryBus) Emit(ev *events.Event) {
	b.mu.RLock()
	subs := make([]*memorySub, 0, len(b.subs))
	for _, s := range b.subs {
		if Matches(ev.Topic, s.pattern) {
			subs = append(subs, s)
		}
	}
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return
	}
	for _, s := range subs {
		s.enqueue(ev)
	}
}

// Close stops all subscriptions.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	b.logger.Debug("event bus closed")
}

func (b *MemoryBus) remove(target *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// enqueue appends the event, applying the backpressure policy when the
// queue is at its bound: critical events cancel the subscription via the
// overflow callback; otherwise the oldest non-critical event is dropped
// and counted for the lagged sentinel.
func (s *memorySub) enqueue(ev *events.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	if len(s.queue) >= s.opts.queueSize {
		if events.Critical(ev.Topic) {
			s.closed = true
			overflow := s.opts.onOverflow
			s.cond.Broadcast()
			s.mu.Unlock()
			s.bus.remove(s)
			s.bus.logger.Warn("subscriber overflow on critical event, disconnecting",
				zap.String("pattern", s.pattern),
				zap.String("name", s.opts.name),
				zap.String("topic", ev.Topic))
			if overflow != nil {
				overflow()
			}
			return
		}
		if !s.dropOldest() {
			// Queue holds only critical events; treat as overflow.
			s.closed = true
			overflow := s.opts.onOverflow
			s.cond.Broadcast()
			s.mu.Unlock()
			s.bus.remove(s)
			if overflow != nil {
				overflow()
			}
			return
		}
	}

	s.queue = append(s.queue, ev)
	s.cond.Signal()
	s.mu.Unlock()
}

// dropOldest removes the oldest non-critical queued event. Caller holds
// the lock.
func (s *memorySub) dropOldest() bool {
	for i, queued := range s.queue {
		if !events.Critical(queued.Topic) {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.pending++
			s.dropped++
			return true
		}
	}
	return false
}

// drain delivers queued events to the handler, in order, one at a time.
// A lagged sentinel precedes the next event after any drop.
func (s *memorySub) drain() {
	ctx := context.Background()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed && len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}

		var ev *events.Event
		if s.pending > 0 {
			ev = events.New(events.SubscriberLagged, events.LaggedEvent{Count: s.pending})
			s.pending = 0
		} else {
			ev = s.queue[0]
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		s.invoke(ctx, ev)
	}
}

func (s *memorySub) invoke(ctx context.Context, ev *events.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.logger.Error("bus.handlerError",
				zap.String("pattern", s.pattern),
				zap.String("name", s.opts.name),
				zap.String("topic", ev.Topic),
				zap.Any("panic", r))
		}
	}()

	start := time.Now()
	if err := s.handler(ctx, ev); err != nil {
		s.bus.logger.Error("bus.handlerError",
			zap.String("pattern", s.pattern),
			zap.String("name", s.opts.name),
			zap.String("topic", ev.Topic),
			zap.Error(err))
	}
	if elapsed := time.Since(start); elapsed > handlerBudget {
		s.bus.logger.Warn("slow event handler",
			zap.String("pattern", s.pattern),
			zap.String("name", s.opts.name),
			zap.String("topic", ev.Topic),
			zap.Duration("elapsed", elapsed))
	}
}

// Unsubscribe implements Subscription.
func (s *memorySub) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()
	s.bus.remove(s)
}

func (s *memorySub) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Pattern implements Subscription.
func (s *memorySub) Pattern() string { return s.pattern }

// Dropped implements Subscription.
func (s *memorySub) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Package bus provides the kernel event bus. The in-memory
// implementation is the default; a NATS-backed implementation is
// available for hub-and-spoke clustering behind the same interface.
package bus

import (
	"context"

	"github.com/aether/aether/internal/events"
)

// Handler processes one event. Handlers on the same subscription are
// invoked sequentially in emission order; a returned error is logged as
// bus.handlerError and swallowed.
type Handler func(ctx context.Context, ev *events.Event) error

// Subscription is an active registration on the bus.
type Subscription interface {
	// Unsubscribe removes the subscription and stops its drain task.
	Unsubscribe()
	// Pattern returns the subscribed topic pattern.
	Pattern() string
	// Dropped returns the total number of events dropped under
	// backpressure since subscribing.
	Dropped() int
}

// Bus is the publish/subscribe contract.
type Bus interface {
	// Emit delivers the event to every matching subscription. Emit never
	// blocks on slow subscribers.
	Emit(ev *events.Event)
	// Subscribe registers a handler for an exact topic, a suffix
	// wildcard ("agent.*"), or "*".
	Subscribe(pattern string, handler Handler, opts ...SubOption) (Subscription, error)
	// Close stops all subscriptions.
	Close()
}

// SubOption configures a subscription.
type SubOption func(*subOptions)

type subOptions struct {
	queueSize  int
	name       string
	onOverflow func()
}

// DefaultQueueSize is the per-subscription buffer bound.
const DefaultQueueSize = 1024

// WithQueueSize overrides the per-subscription buffer bound.
func WithQueueSize(n int) SubOption {
	return func(o *subOptions) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithName labels the subscription in logs.
func WithName(name string) SubOption {
	return func(o *subOptions) { o.name = name }
}

// WithOverflow installs a callback invoked (once) when a critical event
// arrives at a full queue. The subscription is cancelled; the gateway
// uses this to disconnect the lagging client.
func WithOverflow(fn func()) SubOption {
	return func(o *subOptions) { o.onOverflow = fn }
}

// Matches reports whether a topic matches a subscription pattern.
// Patterns are an exact topic, "*", or a suffix wildcard "prefix.*".
func Matches(topic, pattern string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}
	n := len(pattern)
	if n >= 2 && pattern[n-2] == '.' && pattern[n-1] == '*' {
		prefix := pattern[:n-1] // keep the trailing dot
		return len(topic) > len(prefix) && topic[:len(prefix)] == prefix
	}
	return false
}

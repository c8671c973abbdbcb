package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/aether/aether/internal/common/config"
	"github.com/aether/aether/internal/common/logger"
	"github.com/aether/aether/internal/events"
)

// NATSBus is a Bus backed by a NATS connection, used when several
// kernels share one event plane. Backpressure is NATS's own; the
// per-subscription queue semantics of MemoryBus do not apply.
type NATSBus struct {
	conn   *nats.Conn
	logger *logger.Logger
	config config.NATSConfig
}

// NewNATSBus connects to NATS with reconnection handling.
func NewNATSBus(cfg config.NATSConfig, log *logger.Logger) (*NATSBus, error) {
	bus := &NATSBus{
		logger: log.WithFields(zap.String("component", "nats-bus")),
		config: cfg,
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn("NATS disconnected", zap.Error(err))
			} else {
				bus.logger.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			bus.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				bus.logger.Error("NATS connection closed", zap.Error(err))
			} else {
				bus.logger.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			bus.logger.Error("NATS error", zap.Error(err), zap.String("subject", sub.Subject))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	bus.conn = conn
	bus.logger.Info("connected to NATS", zap.String("url", cfg.URL))
	return bus, nil
}

// Emit publishes the event on its topic as the NATS subject.
func (b *NATSBus) Emit(ev *events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("failed to marshal event", zap.String("topic", ev.Topic), zap.Error(err))
		return
	}
	if err := b.conn.Publish(ev.Topic, data); err != nil {
		b.logger.Error("failed to publish event",
			zap.String("topic", ev.Topic),
			zap.String("event_id", ev.ID),
			zap.Error(err))
	}
}

// Subscribe registers a handler. The local suffix wildcard maps onto the
// NATS multi-token wildcard (">").
func (b *NATSBus) Subscribe(pattern string, handler Handler, opts ...SubOption) (Subscription, error) {
	o := subOptions{queueSize: DefaultQueueSize}
	for _, opt := range opts {
		opt(&o)
	}

	sub, err := b.conn.Subscribe(natsSubject(pattern), func(msg *nats.Msg) {
		var ev events.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Error("failed to unmarshal event",
				zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if err := handler(context.Background(), &ev); err != nil {
			b.logger.Error("bus.handlerError",
				zap.String("subject", msg.Subject),
				zap.String("name", o.name),
				zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}

	if o.queueSize > 0 {
		if err := sub.SetPendingLimits(o.queueSize, -1); err != nil {
			b.logger.Warn("failed to set pending limits", zap.Error(err))
		}
	}
	b.logger.Debug("subscribed", zap.String("pattern", pattern), zap.String("name", o.name))
	return &natsSub{sub: sub, pattern: pattern}, nil
}

// Close drains pending messages then closes the connection.
func (b *NATSBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("error draining NATS connection", zap.Error(err))
		b.conn.Close()
	}
}

// IsConnected reports whether the connection is active.
func (b *NATSBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// natsSubject translates the local pattern grammar to NATS subjects:
// the suffix "*" matches any number of remaining tokens, which is ">"
// in NATS.
func natsSubject(pattern string) string {
	if pattern == "*" {
		return ">"
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.TrimSuffix(pattern, "*") + ">"
	}
	return pattern
}

type natsSub struct {
	sub     *nats.Subscription
	pattern string
}

func (s *natsSub) Unsubscribe() {
	_ = s.sub.Unsubscribe()
}

func (s *natsSub) Pattern() string { return s.pattern }

func (s *natsSub) Dropped() int {
	dropped, _ := s.sub.Dropped()
	return dropped
}

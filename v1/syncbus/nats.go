package syncbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	nats "github.com/nats-io/nats.go"

	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
)

// NATSBus implements Bus using a NATS backend.
type NATSBus struct {
	conn    *nats.Conn
	timeout time.Duration
	dedup   *Deduper
	logger  *slog.Logger
	fan     *fanout

	mu        sync.Mutex
	subs      map[string]*nats.Subscription
	closed    bool
	published atomic.Uint64
}

var _ Bus = (*NATSBus)(nil)

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn, opts ...Option) *NATSBus {
	o := newBusOptions(opts)
	return &NATSBus{
		conn:    conn,
		timeout: o.timeout,
		dedup:   o.dedup,
		logger:  o.logger,
		fan:     newFanout(),
		subs:    make(map[string]*nats.Subscription),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, topic string, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeEvent(evt)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(topic, data); err != nil {
		return mapErr(err, "nats publish", topic, nats.ErrConnectionClosed)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The interest is flushed to the server
// before returning.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, warperrors.ErrConnectionClosed
	}
	if _, ok := b.subs[topic]; !ok {
		ns, err := b.conn.Subscribe(topic, func(m *nats.Msg) {
			evt, ok := decodeEvent(m.Data)
			if !ok {
				b.logger.Debug("warden: dropping malformed bus message", "topic", topic)
				return
			}
			if b.dedup.Seen(evt.ID) {
				return
			}
			b.fan.deliver(topic, evt)
		})
		if err != nil {
			return nil, mapErr(err, "nats subscribe", topic, nats.ErrConnectionClosed)
		}
		if err := b.conn.FlushTimeout(b.timeout); err != nil {
			_ = ns.Unsubscribe()
			return nil, mapErr(err, "nats flush", topic, nats.ErrConnectionClosed)
		}
		b.subs[topic] = ns
	}
	ch := b.fan.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.fan.remove(topic, ch) {
		return nil
	}
	ns, ok := b.subs[topic]
	if !ok {
		return nil
	}
	delete(b.subs, topic)
	if err := ns.Unsubscribe(); err != nil {
		return mapErr(err, "nats unsubscribe", topic, nats.ErrConnectionClosed)
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.fan.delivered.Load(),
	}
}

// Close drops every subscription. The connection is left open.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, ns := range b.subs {
		_ = ns.Unsubscribe()
		delete(b.subs, topic)
	}
	b.fan.closeAll()
	b.dedup.Close()
	return nil
}

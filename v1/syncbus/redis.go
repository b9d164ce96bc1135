package syncbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
)

// RedisBus implements Bus using Redis pub/sub. Each topic gets its own
// subscription, shared by every local subscriber of that topic.
type RedisBus struct {
	client  redis.UniversalClient
	timeout time.Duration
	dedup   *Deduper
	logger  *slog.Logger
	fan     *fanout

	mu        sync.Mutex
	subs      map[string]*redis.PubSub
	closed    bool
	published atomic.Uint64
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(client redis.UniversalClient, opts ...Option) *RedisBus {
	o := newBusOptions(opts)
	return &RedisBus{
		client:  client,
		timeout: o.timeout,
		dedup:   o.dedup,
		logger:  o.logger,
		fan:     newFanout(),
		subs:    make(map[string]*redis.PubSub),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string, evt Event) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(
		attribute.String("warden.bus.topic", topic),
		attribute.String("warden.resource", evt.Resource),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeEvent(evt)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.client.Publish(cctx, topic, data).Err(); err != nil {
		span.RecordError(err)
		return mapErr(err, "redis publish", topic, redis.ErrClosed)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. It returns once Redis has confirmed
// the subscription, so events published afterwards are not missed.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, warperrors.ErrConnectionClosed
	}
	if _, ok := b.subs[topic]; !ok {
		cctx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()
		ps := b.client.Subscribe(cctx, topic)
		if _, err := ps.Receive(cctx); err != nil {
			_ = ps.Close()
			return nil, mapErr(err, "redis subscribe", topic, redis.ErrClosed)
		}
		b.subs[topic] = ps
		go b.dispatch(topic, ps)
	}
	ch := b.fan.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

func (b *RedisBus) dispatch(topic string, ps *redis.PubSub) {
	for msg := range ps.Channel() {
		evt, ok := decodeEvent([]byte(msg.Payload))
		if !ok {
			b.logger.Debug("warden: dropping malformed bus message", "topic", topic)
			continue
		}
		if b.dedup.Seen(evt.ID) {
			continue
		}
		b.fan.deliver(topic, evt)
	}
}

// Unsubscribe implements Bus.Unsubscribe. The Redis subscription is dropped
// with the last local subscriber.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.fan.remove(topic, ch) {
		return nil
	}
	ps, ok := b.subs[topic]
	if !ok {
		return nil
	}
	delete(b.subs, topic)
	if err := ps.Close(); err != nil {
		return mapErr(err, "redis unsubscribe", topic, redis.ErrClosed)
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.fan.delivered.Load(),
	}
}

// Close drops every subscription and closes subscriber channels. The Redis
// client itself is left open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, ps := range b.subs {
		_ = ps.Close()
		delete(b.subs, topic)
	}
	b.fan.closeAll()
	b.dedup.Close()
	return nil
}

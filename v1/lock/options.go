package lock

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-warden/v1/backoff"
	"github.com/mirkobrombin/go-warden/v1/ids"
)

// Infinite is accepted as a TTL (the lock never expires) and as an acquire
// timeout (wait until acquired or cancelled).
const Infinite time.Duration = -1

const (
	DefaultKeyPrefix      = "lock:"
	DefaultTTL            = 20 * time.Minute
	DefaultAcquireTimeout = 30 * time.Second
	DefaultPublishTimeout = 5 * time.Second
)

// Option configures a Provider.
type Option func(*Provider)

// WithKeyPrefix sets the prefix prepended to every resource in the store.
func WithKeyPrefix(prefix string) Option {
	return func(p *Provider) {
		p.prefix = prefix
	}
}

// WithDefaultTTL sets the lease TTL used when an acquisition does not pass one.
func WithDefaultTTL(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 || d == Infinite {
			p.defaultTTL = d
		}
	}
}

// WithDefaultAcquireTimeout sets how long acquisitions wait by default.
func WithDefaultAcquireTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d >= 0 || d == Infinite {
			p.defaultTimeout = d
		}
	}
}

// WithIDGenerator sets the lock id generator.
func WithIDGenerator(g ids.Generator) Option {
	return func(p *Provider) {
		if g != nil {
			p.ids = g
		}
	}
}

// WithBackoff sets the fallback poll policy used while waiting.
func WithBackoff(policy backoff.Policy) Option {
	return func(p *Provider) {
		p.backoff = policy
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock sets the clock driving wait timers and handle timestamps.
func WithClock(c clock.Clock) Option {
	return func(p *Provider) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithReleaseTopic sets the bus topic release events are published on.
func WithReleaseTopic(topic string) Option {
	return func(p *Provider) {
		if topic != "" {
			p.topic = topic
		}
	}
}

// WithPublishTimeout bounds each background release announcement.
func WithPublishTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.publishTimeout = d
		}
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider. The global one
// is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Provider) {
		if tp != nil {
			p.tracer = tp.Tracer(tracerName)
		}
	}
}

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// AcquireOption overrides provider defaults for one acquisition.
type AcquireOption func(*acquireOptions)

type acquireOptions struct {
	ttl     time.Duration
	timeout time.Duration
}

// WithTTL sets the lease TTL. It must be positive or Infinite.
func WithTTL(d time.Duration) AcquireOption {
	return func(o *acquireOptions) {
		o.ttl = d
	}
}

// WithAcquireTimeout sets how long to wait for the lock. Zero tries once,
// Infinite waits until cancelled.
func WithAcquireTimeout(d time.Duration) AcquireOption {
	return func(o *acquireOptions) {
		o.timeout = d
	}
}

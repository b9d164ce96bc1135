package syncbus

import (
	"context"
	"log/slog"
	"time"

	"github.com/bobg/errors"

	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
)

const defaultBusTimeout = 5 * time.Second

// Option configures the wire transports (Redis, NATS and Kafka).
type Option func(*busOptions)

type busOptions struct {
	timeout time.Duration
	dedup   *Deduper
	logger  *slog.Logger
}

// WithTimeout bounds each network call made by the bus.
func WithTimeout(d time.Duration) Option {
	return func(o *busOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithDeduper replaces the default duplicate filter.
func WithDeduper(d *Deduper) Option {
	return func(o *busOptions) {
		o.dedup = d
	}
}

// WithLogger sets the logger used for dropped or malformed messages.
func WithLogger(l *slog.Logger) Option {
	return func(o *busOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

func newBusOptions(opts []Option) busOptions {
	o := busOptions{timeout: defaultBusTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dedup == nil {
		o.dedup = defaultDeduper()
	}
	return o
}

// mapErr translates transport failures to the shared sentinels. closed
// lists the transport's own "connection closed" errors.
func mapErr(err error, op, topic string, closed ...error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(warperrors.ErrTimeout, "%s %q", op, topic)
	}
	for _, c := range closed {
		if errors.Is(err, c) {
			return errors.Wrapf(warperrors.ErrConnectionClosed, "%s %q", op, topic)
		}
	}
	return errors.Wrapf(err, "%s %q", op, topic)
}

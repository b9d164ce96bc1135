// Package throttle limits how many hits a resource may take per fixed window.
//
// The first hit of a window creates the counter with the window as its TTL;
// later hits only increment it. Windows are fixed, not sliding: up to twice
// the limit can be admitted across a window boundary, half at the end of one
// window and half at the start of the next.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bobg/retry"

	"github.com/mirkobrombin/go-warden/v1/adapter"
	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/metrics"
)

const (
	DefaultMaxHitsPerPeriod = 100
	DefaultPeriod           = 15 * time.Minute
	DefaultKeyPrefix        = "throttle:"

	maxPollInterval = time.Second
	minPollInterval = 10 * time.Millisecond
)

// Decision is the outcome of one hit.
type Decision struct {
	// Count is the number of hits in the current window, this one included.
	// It keeps growing past the limit.
	Count   int64
	Allowed bool
}

// Provider counts hits per resource in a CounterStore.
type Provider struct {
	store  adapter.CounterStore
	max    int64
	period time.Duration
	prefix string
	poll   time.Duration
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithMaxHitsPerPeriod sets how many hits a window admits.
func WithMaxHitsPerPeriod(n int64) Option {
	return func(p *Provider) {
		p.max = n
	}
}

// WithPeriod sets the window length.
func WithPeriod(d time.Duration) Option {
	return func(p *Provider) {
		p.period = d
	}
}

// WithKeyPrefix sets the prefix prepended to every resource in the store.
func WithKeyPrefix(prefix string) Option {
	return func(p *Provider) {
		p.prefix = prefix
	}
}

// WithPollInterval sets how often Wait retries a denied hit.
func WithPollInterval(d time.Duration) Option {
	return func(p *Provider) {
		p.poll = d
	}
}

// WithClock sets the clock driving Wait.
func WithClock(c clock.Clock) Option {
	return func(p *Provider) {
		if c != nil {
			p.clock = c
		}
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

// New returns a Provider over store. It fails with ErrInvalidThrottle when
// the limit or the period is not positive.
func New(store adapter.CounterStore, opts ...Option) (*Provider, error) {
	p := &Provider{
		store:  store,
		max:    DefaultMaxHitsPerPeriod,
		period: DefaultPeriod,
		prefix: DefaultKeyPrefix,
		clock:  clock.New(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.max <= 0 || p.period <= 0 {
		return nil, fmt.Errorf("max %d per %v: %w", p.max, p.period, warperrors.ErrInvalidThrottle)
	}
	if p.poll <= 0 {
		p.poll = min(max(p.period/10, minPollInterval), maxPollInterval)
	}
	return p, nil
}

// MaxHitsPerPeriod returns the configured limit.
func (p *Provider) MaxHitsPerPeriod() int64 { return p.max }

// Period returns the configured window length.
func (p *Provider) Period() time.Duration { return p.period }

// Increment records one hit on resource and reports whether it fits in the
// current window.
func (p *Provider) Increment(ctx context.Context, resource string) (Decision, error) {
	if resource == "" {
		return Decision{}, warperrors.ErrInvalidResource
	}
	n, err := p.store.Increment(ctx, p.prefix+resource, p.period)
	if err != nil {
		return Decision{}, fmt.Errorf("counting hit on %q: %w", resource, err)
	}
	d := Decision{Count: n, Allowed: n <= p.max}
	if d.Allowed {
		metrics.ThrottleAllowedCounter.Inc()
	} else {
		metrics.ThrottleDeniedCounter.Inc()
	}
	return d, nil
}

// GetHitCount returns the hits recorded on resource in the current window,
// 0 when there are none. It does not count as a hit.
func (p *Provider) GetHitCount(ctx context.Context, resource string) (int64, error) {
	if resource == "" {
		return 0, warperrors.ErrInvalidResource
	}
	n, err := p.store.GetHitCount(ctx, p.prefix+resource)
	if err != nil {
		return 0, fmt.Errorf("reading hits on %q: %w", resource, err)
	}
	return n, nil
}

var errDenied = errors.New("throttled")

type waitTimeout struct{}

func (waitTimeout) Error() string { return "throttle wait timed out" }

// Wait hits resource until a hit is allowed, retrying at the poll interval
// for up to timeout. Every attempt counts as a hit. It returns false with a
// nil error when the timeout elapsed and the context's error when ctx was
// cancelled. A zero timeout makes a single attempt.
func (p *Provider) Wait(ctx context.Context, resource string, timeout time.Duration) (bool, error) {
	if timeout < 0 {
		return false, warperrors.ErrInvalidTimeout
	}
	if timeout == 0 {
		d, err := p.Increment(ctx, resource)
		return d.Allowed, err
	}

	wctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	t := p.clock.AfterFunc(timeout, func() { cancel(waitTimeout{}) })
	defer t.Stop()

	tr := retry.Tryer{
		Max:         -1,
		Delay:       p.poll,
		Jitter:      p.poll / 4,
		IsRetryable: func(e error) bool { return errors.Is(e, errDenied) },
		After:       p.clock.After,
	}
	err := tr.Try(wctx, func(int) error {
		d, err := p.Increment(wctx, resource)
		if err != nil {
			return err
		}
		if !d.Allowed {
			p.logger.Debug("warden: throttled", "resource", resource, "count", d.Count, "max", p.max)
			return errDenied
		}
		return nil
	})
	if err == nil {
		return true, nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return false, cerr
	}
	if _, ok := context.Cause(wctx).(waitTimeout); ok {
		return false, nil
	}
	return false, err
}

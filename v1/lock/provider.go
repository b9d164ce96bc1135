package lock

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/mirkobrombin/go-warden/v1/adapter"
	"github.com/mirkobrombin/go-warden/v1/backoff"
	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/ids"
	"github.com/mirkobrombin/go-warden/v1/metrics"
	"github.com/mirkobrombin/go-warden/v1/syncbus"
)

const tracerName = "github.com/mirkobrombin/go-warden/v1/lock"

// Provider acquires, renews and releases lease locks. It holds no lock state
// of its own and is safe for concurrent use.
type Provider struct {
	store adapter.LockStore
	bus   syncbus.Bus

	prefix         string
	defaultTTL     time.Duration
	defaultTimeout time.Duration
	ids            ids.Generator
	backoff        backoff.Policy
	logger         *slog.Logger
	clock          clock.Clock
	topic          string
	publishTimeout time.Duration
	tracer         trace.Tracer

	waiters *waiters
	notify  rate.Sometimes

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	// closeMu orders inflight.Add against Close.
	closeMu  sync.Mutex
	inflight sync.WaitGroup
}

// New returns a Provider over store. bus may be nil, in which case waiters in
// other processes only notice releases by polling.
func New(store adapter.LockStore, bus syncbus.Bus, opts ...Option) *Provider {
	p := &Provider{
		store:          store,
		bus:            bus,
		prefix:         DefaultKeyPrefix,
		defaultTTL:     DefaultTTL,
		defaultTimeout: DefaultAcquireTimeout,
		ids:            ids.TimeOrdered(),
		backoff:        backoff.Default(),
		logger:         slog.Default(),
		clock:          clock.New(),
		topic:          syncbus.DefaultTopic,
		publishTimeout: DefaultPublishTimeout,
		tracer:         defaultTracer(),
		notify:         rate.Sometimes{First: 3, Interval: 10 * time.Second},
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.waiters = newWaiters(bus, p.topic, p.logger, &p.notify, p.clock)
	return p
}

func (p *Provider) key(resource string) string {
	return p.prefix + resource
}

// storeTTL converts a lease TTL to the store convention, where <= 0 means no
// expiry. Sub-millisecond leases are rounded up since stores work in ms.
func storeTTL(ttl time.Duration) time.Duration {
	if ttl == Infinite {
		return 0
	}
	if ttl < time.Millisecond {
		return time.Millisecond
	}
	return ttl
}

func (p *Provider) resolve(resource string, opts []AcquireOption) (acquireOptions, error) {
	o := acquireOptions{ttl: p.defaultTTL, timeout: p.defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if resource == "" {
		return o, warperrors.ErrInvalidResource
	}
	if o.ttl <= 0 && o.ttl != Infinite {
		return o, warperrors.ErrInvalidTTL
	}
	if o.timeout < 0 && o.timeout != Infinite {
		return o, warperrors.ErrInvalidTimeout
	}
	return o, nil
}

// insert makes one acquisition attempt under a freshly minted lock id.
func (p *Provider) insert(ctx context.Context, resource string, ttl time.Duration) (string, bool, error) {
	lockID, err := p.ids.NewID()
	if err != nil {
		return "", false, fmt.Errorf("generating lock id: %w", err)
	}
	ok, err := p.store.Insert(ctx, p.key(resource), lockID, storeTTL(ttl))
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return "", false, cerr
		}
		return "", false, fmt.Errorf("acquiring %q: %w", resource, err)
	}
	return lockID, ok, nil
}

// TryAcquire attempts to lock resource, waiting up to the acquire timeout.
// It returns a nil Handle and nil error when the timeout elapsed, and the
// context's error when ctx was cancelled first.
func (p *Provider) TryAcquire(ctx context.Context, resource string, opts ...AcquireOption) (*Handle, error) {
	o, err := p.resolve(resource, opts)
	if err != nil {
		return nil, err
	}
	if p.closed.Load() {
		return nil, warperrors.ErrProviderClosed
	}

	ctx, span := p.tracer.Start(ctx, "lock.TryAcquire", trace.WithAttributes(
		attribute.String("warden.resource", resource),
		attribute.Int64("warden.acquire_timeout_ms", o.timeout.Milliseconds()),
	))
	defer span.End()

	h, err := p.acquire(ctx, resource, o)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case h == nil:
		span.SetAttributes(attribute.Bool("warden.acquired", false))
	default:
		span.SetAttributes(
			attribute.Bool("warden.acquired", true),
			attribute.Int64("warden.waited_ms", h.waited.Milliseconds()),
		)
	}
	return h, err
}

func (p *Provider) acquire(ctx context.Context, resource string, o acquireOptions) (*Handle, error) {
	start := p.clock.Now()
	lockID, ok, err := p.insert(ctx, resource, o.ttl)
	if err != nil {
		return nil, err
	}
	if ok {
		return p.acquired(resource, lockID, start), nil
	}
	if o.timeout == 0 {
		metrics.LockAcquireTimeoutCounter.Inc()
		return nil, nil
	}

	// Listen before retrying so a release landing in between is not missed.
	wake, leave := p.waiters.register(resource)
	defer leave()

	var deadline <-chan time.Time
	budget := time.Duration(0)
	if o.timeout != Infinite {
		t := p.clock.Timer(o.timeout)
		defer t.Stop()
		deadline = t.C
		budget = o.timeout
	}
	bo := backoff.New(p.backoff, backoff.CapFor(budget, p.backoff.Max))

	for {
		lockID, ok, err := p.insert(ctx, resource, o.ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return p.acquired(resource, lockID, start), nil
		}

		poll := p.clock.Timer(bo.Next())
		select {
		case <-wake:
		case <-poll.C:
		case <-deadline:
			poll.Stop()
			metrics.LockAcquireTimeoutCounter.Inc()
			return nil, nil
		case <-ctx.Done():
			poll.Stop()
			return nil, ctx.Err()
		case <-p.done:
			poll.Stop()
			return nil, warperrors.ErrProviderClosed
		}
		poll.Stop()
	}
}

func (p *Provider) acquired(resource, lockID string, start time.Time) *Handle {
	now := p.clock.Now()
	waited := now.Sub(start)
	metrics.LockAcquiredCounter.Inc()
	metrics.LockWaitHistogram.Observe(waited.Seconds())
	return &Handle{
		provider:   p,
		resource:   resource,
		lockID:     lockID,
		acquiredAt: now,
		waited:     waited,
	}
}

// Acquire is TryAcquire waiting without limit unless WithAcquireTimeout is
// given. Giving up is reported as ErrNotAcquired.
func (p *Provider) Acquire(ctx context.Context, resource string, opts ...AcquireOption) (*Handle, error) {
	opts = append([]AcquireOption{WithAcquireTimeout(Infinite)}, opts...)
	h, err := p.TryAcquire(ctx, resource, opts...)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("acquiring %q: %w", resource, warperrors.ErrNotAcquired)
	}
	return h, nil
}

// Renew extends the lease on resource if lockID still holds it. A ttl of 0
// uses the provider default. It returns false when the lock was lost.
func (p *Provider) Renew(ctx context.Context, resource, lockID string, ttl time.Duration) (bool, error) {
	if resource == "" {
		return false, warperrors.ErrInvalidResource
	}
	if ttl == 0 {
		ttl = p.defaultTTL
	}
	if ttl < 0 && ttl != Infinite {
		return false, warperrors.ErrInvalidTTL
	}
	ctx, span := p.tracer.Start(ctx, "lock.Renew", trace.WithAttributes(attribute.String("warden.resource", resource)))
	defer span.End()

	ok, err := p.store.ReplaceIfEqual(ctx, p.key(resource), lockID, lockID, storeTTL(ttl))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("renewing %q: %w", resource, err)
	}
	span.SetAttributes(attribute.Bool("warden.renewed", ok))
	if !ok {
		metrics.LockRenewFailedCounter.Inc()
	}
	return ok, nil
}

// Release frees resource if lockID still holds it and announces the release.
// Releasing a lock that is no longer held is a no-op.
func (p *Provider) Release(ctx context.Context, resource, lockID string) error {
	if resource == "" {
		return warperrors.ErrInvalidResource
	}
	ctx, span := p.tracer.Start(ctx, "lock.Release", trace.WithAttributes(attribute.String("warden.resource", resource)))
	defer span.End()

	ok, err := p.store.RemoveIfEqual(ctx, p.key(resource), lockID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("releasing %q: %w", resource, err)
	}
	span.SetAttributes(attribute.Bool("warden.released", ok))
	if !ok {
		return nil
	}
	metrics.LockReleasedCounter.Inc()
	p.waiters.notify(resource)
	p.announce(resource, lockID)
	return nil
}

// announce publishes the release in the background. Failures only cost the
// remote waiters some latency, so they are logged and counted.
func (p *Provider) announce(resource, lockID string) {
	if p.bus == nil {
		return
	}
	p.closeMu.Lock()
	if p.closed.Load() {
		p.closeMu.Unlock()
		return
	}
	p.inflight.Add(1)
	p.closeMu.Unlock()
	evt := syncbus.NewEvent(resource, lockID)
	go func() {
		defer p.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.publishTimeout)
		defer cancel()
		if err := p.bus.Publish(ctx, p.topic, evt); err != nil {
			metrics.ReleaseNotifyFailedCounter.Inc()
			p.notify.Do(func() {
				p.logger.Debug("warden: release notification failed", "resource", resource, "topic", p.topic, "error", err)
			})
		}
	}()
}

// IsLocked reports whether resource is currently held. The answer may be
// stale by the time the caller acts on it.
func (p *Provider) IsLocked(ctx context.Context, resource string) (bool, error) {
	if resource == "" {
		return false, warperrors.ErrInvalidResource
	}
	ok, err := p.store.Exists(ctx, p.key(resource))
	if err != nil {
		return false, fmt.Errorf("checking %q: %w", resource, err)
	}
	return ok, nil
}

// TimeToLive returns the remaining lease on resource. The boolean is false
// when the resource is not locked; a lock without expiry reports Infinite.
func (p *Provider) TimeToLive(ctx context.Context, resource string) (time.Duration, bool, error) {
	if resource == "" {
		return 0, false, warperrors.ErrInvalidResource
	}
	ttl, ok, err := p.store.GetExpiration(ctx, p.key(resource))
	if err != nil {
		return 0, false, fmt.Errorf("reading ttl of %q: %w", resource, err)
	}
	if ok && ttl == 0 {
		ttl = Infinite
	}
	return ttl, ok, nil
}

// Locks returns every held resource mapped to its lock id.
func (p *Provider) Locks(ctx context.Context) (map[string]string, error) {
	all, err := p.store.GetAllByPrefix(ctx, p.prefix)
	if err != nil {
		return nil, fmt.Errorf("listing locks: %w", err)
	}
	out := make(map[string]string, len(all))
	for k, v := range all {
		out[strings.TrimPrefix(k, p.prefix)] = v
	}
	return out, nil
}

// Count returns the number of held locks.
func (p *Provider) Count(ctx context.Context) (int64, error) {
	n, err := p.store.GetCount(ctx, p.prefix)
	if err != nil {
		return 0, fmt.Errorf("counting locks: %w", err)
	}
	return n, nil
}

// Using runs fn while holding resource and releases it afterwards, even when
// ctx was cancelled meanwhile. It reports whether fn ran.
func (p *Provider) Using(ctx context.Context, resource string, fn func(context.Context) error, opts ...AcquireOption) (bool, error) {
	h, err := p.TryAcquire(ctx, resource, opts...)
	if err != nil || h == nil {
		return false, err
	}
	err = fn(ctx)
	if rerr := h.Release(context.WithoutCancel(ctx)); rerr != nil {
		p.logger.Warn("warden: release after use failed", "resource", resource, "error", rerr)
		if err == nil {
			err = rerr
		}
	}
	return true, err
}

// Close stops waiting acquisitions with ErrProviderClosed, drops the release
// subscription and waits for pending announcements. Held locks stay held.
func (p *Provider) Close() error {
	p.closeOnce.Do(func() {
		p.closeMu.Lock()
		p.closed.Store(true)
		p.closeMu.Unlock()
		close(p.done)
		p.waiters.close()
	})
	p.inflight.Wait()
	return nil
}

package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/mirkobrombin/go-warden/v1/syncbus"
)

// subscribeRetry is how long a failed subscription attempt is remembered
// before a new waiter tries again.
const subscribeRetry = time.Second

// waiters routes release events to the local callers blocked on a resource.
// All of them share one subscription to the release topic. It is opened in
// the background by the first waiter and kept until the provider closes;
// until it is up, waiters rely on their poll timer.
type waiters struct {
	bus    syncbus.Bus
	topic  string
	logger *slog.Logger
	warn   *rate.Sometimes
	clock  clock.Clock

	group singleflight.Group
	base  context.Context
	stop  context.CancelFunc

	mu      sync.Mutex
	byRes   map[string]map[chan struct{}]struct{}
	sub     <-chan syncbus.Event
	cancel  context.CancelFunc
	retryAt time.Time
	closed  bool
}

func newWaiters(bus syncbus.Bus, topic string, logger *slog.Logger, warn *rate.Sometimes, clk clock.Clock) *waiters {
	base, stop := context.WithCancel(context.Background())
	return &waiters{
		bus:    bus,
		topic:  topic,
		logger: logger,
		warn:   warn,
		clock:  clk,
		base:   base,
		stop:   stop,
		byRes:  make(map[string]map[chan struct{}]struct{}),
	}
}

// register adds a waiter for resource and makes sure the shared
// subscription is being opened. It never blocks on the bus. The returned
// channel receives a value whenever the resource may have been freed; done
// must be called once the waiter leaves.
func (w *waiters) register(resource string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	w.mu.Lock()
	set, ok := w.byRes[resource]
	if !ok {
		set = make(map[chan struct{}]struct{})
		w.byRes[resource] = set
	}
	set[ch] = struct{}{}
	w.mu.Unlock()

	w.start()

	done := func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if set, ok := w.byRes[resource]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(w.byRes, resource)
			}
		}
	}
	return ch, done
}

// start opens the subscription in the background unless it is up, already
// being opened, or failed less than subscribeRetry ago.
func (w *waiters) start() {
	if w.bus == nil {
		return
	}
	w.mu.Lock()
	idle := w.sub == nil && !w.closed && !w.clock.Now().Before(w.retryAt)
	w.mu.Unlock()
	if !idle {
		return
	}
	w.group.DoChan(w.topic, func() (any, error) {
		return nil, w.subscribe()
	})
}

func (w *waiters) subscribe() error {
	w.mu.Lock()
	if w.sub != nil || w.closed {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	ctx, cancel := context.WithCancel(w.base)
	ch, err := w.bus.Subscribe(ctx, w.topic)
	if err != nil {
		cancel()
		w.mu.Lock()
		w.retryAt = w.clock.Now().Add(subscribeRetry)
		closed := w.closed
		w.mu.Unlock()
		if !closed {
			w.warn.Do(func() {
				w.logger.Debug("warden: release subscription failed, polling only", "topic", w.topic, "error", err)
			})
		}
		return err
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		cancel()
		_ = w.bus.Unsubscribe(context.Background(), w.topic, ch)
		return nil
	}
	w.sub, w.cancel = ch, cancel
	w.mu.Unlock()
	go w.run(ch)
	return nil
}

func (w *waiters) run(ch <-chan syncbus.Event) {
	for evt := range ch {
		w.notify(evt.Resource)
	}
	// The bus dropped us; the next waiter subscribes again.
	w.mu.Lock()
	if w.sub == ch {
		w.sub = nil
		w.cancel = nil
	}
	w.mu.Unlock()
}

// notify wakes every local waiter of resource without blocking.
func (w *waiters) notify(resource string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for ch := range w.byRes[resource] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (w *waiters) count(resource string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.byRes[resource])
}

func (w *waiters) close() {
	w.stop()
	w.mu.Lock()
	w.closed = true
	sub, cancel := w.sub, w.cancel
	w.sub, w.cancel = nil, nil
	w.mu.Unlock()
	if sub == nil {
		return
	}
	cancel()
	_ = w.bus.Unsubscribe(context.Background(), w.topic, sub)
}

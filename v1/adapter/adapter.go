// Package adapter defines the storage capabilities used by the lock and
// throttle providers and ships backends for them.
//
// A backend only has to offer the atomic primitives below; providers never
// read-then-write without one of these guards.
package adapter

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

//go:generate mockgen -source=adapter.go -destination=mocks/mock_adapter.go -package=mocks

// LockStore is the key-value capability behind the resource lock provider.
//
// A ttl <= 0 means the record never expires. Values are opaque lock ids.
type LockStore interface {
	// Insert stores value under key only if no live record exists. It reports
	// whether this call created the record.
	Insert(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// ReplaceIfEqual swaps the value and ttl only if the live record equals expected.
	ReplaceIfEqual(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error)
	// RemoveIfEqual deletes the record only if it equals expected.
	RemoveIfEqual(ctx context.Context, key, expected string) (bool, error)
	// GetExpiration returns the remaining ttl. The boolean is false when no
	// record exists; a zero duration with true means the record never expires.
	GetExpiration(ctx context.Context, key string) (time.Duration, bool, error)
	// Exists reports whether a live record exists.
	Exists(ctx context.Context, key string) (bool, error)
	// GetAllByPrefix returns every live record whose key starts with prefix.
	GetAllByPrefix(ctx context.Context, prefix string) (map[string]string, error)
	// GetCount returns the number of live records whose key starts with prefix.
	GetCount(ctx context.Context, prefix string) (int64, error)
}

// CounterStore is the counter capability behind the throttling provider.
type CounterStore interface {
	// Increment atomically adds one to the counter and returns the new value.
	// The ttl is applied only when this call created the counter, which is what
	// opens a fresh fixed window.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// GetHitCount returns the current counter value, 0 when absent.
	GetHitCount(ctx context.Context, key string) (int64, error)
}

var (
	_ LockStore    = (*InMemoryStore)(nil)
	_ CounterStore = (*InMemoryStore)(nil)
)

type memItem struct {
	value     string
	expiresAt time.Time
}

type memCounter struct {
	n         int64
	expiresAt time.Time
}

func expired(at, now time.Time) bool {
	return !at.IsZero() && !now.Before(at)
}

// sweepInterval is how often writes purge every expired record.
const sweepInterval = time.Minute

// InMemoryStore implements LockStore and CounterStore in process memory.
// Expired records are dropped when touched, and writes purge all of them at
// most once per sweepInterval.
type InMemoryStore struct {
	clock clock.Clock

	mu        sync.Mutex
	items     map[string]memItem
	counters  map[string]memCounter
	nextSweep time.Time
}

// InMemoryOption configures an InMemoryStore.
type InMemoryOption func(*InMemoryStore)

// WithClock sets the clock used for expirations.
func WithClock(c clock.Clock) InMemoryOption {
	return func(s *InMemoryStore) {
		if c != nil {
			s.clock = c
		}
	}
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore(opts ...InMemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		clock:    clock.New(),
		items:    make(map[string]memItem),
		counters: make(map[string]memCounter),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemoryStore) deadline(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// sweep drops expired records once per sweepInterval. Callers hold mu.
func (s *InMemoryStore) sweep(now time.Time) {
	if now.Before(s.nextSweep) {
		return
	}
	s.nextSweep = now.Add(sweepInterval)
	for k, it := range s.items {
		if expired(it.expiresAt, now) {
			delete(s.items, k)
		}
	}
	for k, c := range s.counters {
		if expired(c.expiresAt, now) {
			delete(s.counters, k)
		}
	}
}

// live returns the record for key, evicting it when expired. Callers hold mu.
func (s *InMemoryStore) live(key string, now time.Time) (memItem, bool) {
	it, ok := s.items[key]
	if !ok {
		return memItem{}, false
	}
	if expired(it.expiresAt, now) {
		delete(s.items, key)
		return memItem{}, false
	}
	return it, true
}

// Insert implements LockStore.Insert.
func (s *InMemoryStore) Insert(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(now)
	if _, ok := s.live(key, now); ok {
		return false, nil
	}
	s.items[key] = memItem{value: value, expiresAt: s.deadline(now, ttl)}
	return true, nil
}

// ReplaceIfEqual implements LockStore.ReplaceIfEqual.
func (s *InMemoryStore) ReplaceIfEqual(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.live(key, now)
	if !ok || it.value != expected {
		return false, nil
	}
	s.items[key] = memItem{value: value, expiresAt: s.deadline(now, ttl)}
	return true, nil
}

// RemoveIfEqual implements LockStore.RemoveIfEqual.
func (s *InMemoryStore) RemoveIfEqual(ctx context.Context, key, expected string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.live(key, now)
	if !ok || it.value != expected {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

// GetExpiration implements LockStore.GetExpiration.
func (s *InMemoryStore) GetExpiration(ctx context.Context, key string) (time.Duration, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.live(key, now)
	if !ok {
		return 0, false, nil
	}
	if it.expiresAt.IsZero() {
		return 0, true, nil
	}
	return it.expiresAt.Sub(now), true, nil
}

// Exists implements LockStore.Exists.
func (s *InMemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := s.clock.Now()
	s.mu.Lock()
	_, ok := s.live(key, now)
	s.mu.Unlock()
	return ok, nil
}

// GetAllByPrefix implements LockStore.GetAllByPrefix.
func (s *InMemoryStore) GetAllByPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	out := make(map[string]string)
	s.mu.Lock()
	for k := range s.items {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if it, ok := s.live(k, now); ok {
			out[k] = it.value
		}
	}
	s.mu.Unlock()
	return out, nil
}

// GetCount implements LockStore.GetCount.
func (s *InMemoryStore) GetCount(ctx context.Context, prefix string) (int64, error) {
	all, err := s.GetAllByPrefix(ctx, prefix)
	if err != nil {
		return 0, err
	}
	return int64(len(all)), nil
}

// Increment implements CounterStore.Increment.
func (s *InMemoryStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(now)
	c, ok := s.counters[key]
	if !ok || expired(c.expiresAt, now) {
		c = memCounter{expiresAt: s.deadline(now, ttl)}
	}
	c.n++
	s.counters[key] = c
	return c.n, nil
}

// GetHitCount implements CounterStore.GetHitCount.
func (s *InMemoryStore) GetHitCount(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[key]
	if !ok {
		return 0, nil
	}
	if expired(c.expiresAt, now) {
		delete(s.counters, key)
		return 0, nil
	}
	return c.n, nil
}

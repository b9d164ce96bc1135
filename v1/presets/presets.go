// Package presets wires stores, buses and providers into ready stacks.
package presets

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-warden/v1/adapter"
	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/syncbus"
	"github.com/mirkobrombin/go-warden/v1/throttle"
)

const (
	breakerThreshold = 5
	breakerTimeout   = 30 * time.Second
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Options carries per-provider options applied on top of the preset.
type Options struct {
	Lock     []lock.Option
	Throttle []throttle.Option
}

// Warden bundles a lock provider and a throttle provider sharing one stack.
type Warden struct {
	Locks    *lock.Provider
	Throttle *throttle.Provider
	Bus      syncbus.Bus

	closers []func() error
}

// Close closes the providers and then every connection the preset opened.
func (w *Warden) Close() error {
	errs := []error{w.Locks.Close()}
	for i := len(w.closers) - 1; i >= 0; i-- {
		errs = append(errs, w.closers[i]())
	}
	return errors.Join(errs...)
}

func build(locks adapter.LockStore, counters adapter.CounterStore, bus syncbus.Bus, o Options, closers ...func() error) (*Warden, error) {
	tp, err := throttle.New(counters, o.Throttle...)
	if err != nil {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}
	return &Warden{
		Locks:    lock.New(locks, bus, o.Lock...),
		Throttle: tp,
		Bus:      bus,
		closers:  closers,
	}, nil
}

// NewInMemory returns a stack that runs entirely in-process with no external
// dependencies. Locks only exclude callers sharing the returned Warden.
func NewInMemory(o Options) (*Warden, error) {
	store := adapter.NewInMemoryStore()
	return build(store, store, syncbus.NewInMemoryBus(), o)
}

func closeConn(conn *nats.Conn) func() error {
	return func() error {
		conn.Close()
		return nil
	}
}

func newRedisClient(opts RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// NewRedis returns a stack using Redis both for storage and for release
// notifications. Publishing goes through a circuit breaker so a flapping
// server does not stall releases.
func NewRedis(opts RedisOptions, o Options) (*Warden, error) {
	client := newRedisClient(opts)
	store := adapter.NewRedisStore(client)
	rb := syncbus.NewRedisBus(client)
	bus := syncbus.NewCircuitBreaker(rb, breakerThreshold, breakerTimeout)
	return build(store, store, bus, o, client.Close, rb.Close)
}

// NewRedisNATS returns a stack storing locks and counters in Redis and
// carrying release notifications over NATS.
func NewRedisNATS(opts RedisOptions, natsURL string, o Options) (*Warden, error) {
	conn, err := nats.Connect(natsURL, nats.Name("warden"))
	if err != nil {
		return nil, err
	}
	client := newRedisClient(opts)
	store := adapter.NewRedisStore(client)
	nb := syncbus.NewNATSBus(conn)
	bus := syncbus.NewCircuitBreaker(nb, breakerThreshold, breakerTimeout)
	return build(store, store, bus, o, client.Close, closeConn(conn), nb.Close)
}

// NewPostgres returns a stack storing locks and counters in PostgreSQL.
// Release notifications go over NATS when natsURL is set and stay in-process
// otherwise, in which case remote waiters fall back to polling.
func NewPostgres(ctx context.Context, dsn, natsURL string, o Options) (*Warden, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	closePool := func() error {
		pool.Close()
		return nil
	}
	store, err := adapter.NewPostgresStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if natsURL == "" {
		return build(store, store, syncbus.NewInMemoryBus(), o, closePool)
	}
	conn, err := nats.Connect(natsURL, nats.Name("warden"))
	if err != nil {
		pool.Close()
		return nil, err
	}
	nb := syncbus.NewNATSBus(conn)
	bus := syncbus.NewCircuitBreaker(nb, breakerThreshold, breakerTimeout)
	return build(store, store, bus, o, closePool, closeConn(conn), nb.Close)
}

package adapter

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/bobg/errors"
	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	defaultScanCount      = 100
)

var (
	_ LockStore    = (*RedisStore)(nil)
	_ CounterStore = (*RedisStore)(nil)
)

var replaceScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    local ttl = tonumber(ARGV[3])
    if ttl > 0 then
        redis.call("SET", KEYS[1], ARGV[2], "PX", ttl)
    else
        redis.call("SET", KEYS[1], ARGV[2])
    end
    return 1
else
    return 0
end
`)

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// incrScript opens the window on the first hit. A counter found without a TTL
// gets one too so a window can never become permanent.
var incrScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
local ttl = tonumber(ARGV[1])
if ttl > 0 and (n == 1 or redis.call("PTTL", KEYS[1]) == -1) then
    redis.call("PEXPIRE", KEYS[1], ttl)
end
return n
`)

// RedisStore implements LockStore and CounterStore using a Redis backend.
type RedisStore struct {
	client    redis.UniversalClient
	timeout   time.Duration
	scanCount int64
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout   time.Duration
	scanCount int64
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithScanCount sets the COUNT hint used while enumerating keys.
func WithScanCount(n int64) RedisOption {
	return func(o *redisStoreOptions) {
		if n > 0 {
			o.scanCount = n
		}
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout, scanCount: defaultScanCount}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, timeout: o.timeout, scanCount: o.scanCount}
}

func (s *RedisStore) mapErr(err error, op, key string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Wrapf(warperrors.ErrTimeout, "redis %s %q", op, key)
	case errors.Is(err, redis.ErrClosed):
		return errors.Wrapf(warperrors.ErrConnectionClosed, "redis %s %q", op, key)
	default:
		return errors.Wrapf(err, "redis %s %q", op, key)
	}
}

func (s *RedisStore) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return cctx, cancel, nil
}

// Insert implements LockStore.Insert using SET NX.
func (s *RedisStore) Insert(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	if ttl < 0 {
		ttl = 0
	}
	ok, err := s.client.SetNX(cctx, key, value, ttl).Result()
	if err != nil {
		return false, s.mapErr(err, "insert", key)
	}
	return ok, nil
}

// ReplaceIfEqual implements LockStore.ReplaceIfEqual with a compare-and-set script.
func (s *RedisStore) ReplaceIfEqual(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := replaceScript.Run(cctx, s.client, []string{key}, expected, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, s.mapErr(err, "replace", key)
	}
	return n == 1, nil
}

// RemoveIfEqual implements LockStore.RemoveIfEqual with a compare-and-delete script.
func (s *RedisStore) RemoveIfEqual(ctx context.Context, key, expected string) (bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := delScript.Run(cctx, s.client, []string{key}, expected).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, s.mapErr(err, "remove", key)
	}
	return n == 1, nil
}

// GetExpiration implements LockStore.GetExpiration using PTTL.
func (s *RedisStore) GetExpiration(ctx context.Context, key string) (time.Duration, bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, false, err
	}
	defer cancel()
	d, err := s.client.PTTL(cctx, key).Result()
	if err != nil {
		return 0, false, s.mapErr(err, "pttl", key)
	}
	// go-redis reports the -2 (missing) and -1 (persistent) replies unscaled.
	switch d {
	case -2:
		return 0, false, nil
	case -1:
		return 0, true, nil
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d, true, nil
}

// Exists implements LockStore.Exists.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := s.client.Exists(cctx, key).Result()
	if err != nil {
		return false, s.mapErr(err, "exists", key)
	}
	return n > 0, nil
}

func (s *RedisStore) scan(ctx context.Context, prefix string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
		seen   = make(map[string]struct{})
	)
	pattern := escapeGlob(prefix) + "*"
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, s.scanCount).Result()
		if err != nil {
			return nil, s.mapErr(err, "scan", prefix)
		}
		// SCAN may return a key more than once.
		for _, k := range batch {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return keys, nil
}

// GetAllByPrefix implements LockStore.GetAllByPrefix using SCAN and MGET.
func (s *RedisStore) GetAllByPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	keys, err := s.scan(cctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := s.client.MGet(cctx, keys...).Result()
	if err != nil {
		return nil, s.mapErr(err, "mget", prefix)
	}
	for i, v := range vals {
		// Keys may expire between SCAN and MGET.
		if str, ok := v.(string); ok {
			out[keys[i]] = str
		}
	}
	return out, nil
}

// GetCount implements LockStore.GetCount.
func (s *RedisStore) GetCount(ctx context.Context, prefix string) (int64, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	keys, err := s.scan(cctx, prefix)
	if err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

// Increment implements CounterStore.Increment.
func (s *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	n, err := incrScript.Run(cctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, s.mapErr(err, "incr", key)
	}
	return n, nil
}

// GetHitCount implements CounterStore.GetHitCount.
func (s *RedisStore) GetHitCount(ctx context.Context, key string) (int64, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	v, err := s.client.Get(cctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, s.mapErr(err, "get", key)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing counter %q", key)
	}
	return n, nil
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}

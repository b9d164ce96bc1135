package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/bobg/errors"
	"github.com/doug-martin/goqu/v8"
	_ "github.com/doug-martin/goqu/v8/dialect/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
)

const (
	defaultPostgresLockTable    = "warden_locks"
	defaultPostgresCounterTable = "warden_counters"
	defaultPostgresOpTimeout    = 5 * time.Second
)

var (
	_ LockStore    = (*PostgresStore)(nil)
	_ CounterStore = (*PostgresStore)(nil)
)

// Expirations are evaluated with the server clock so every node agrees on
// when a lease ends. $n::bigint milliseconds, <= 0 meaning no expiry.
const (
	pgCreateLocks = `CREATE TABLE IF NOT EXISTS %[1]s (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at TIMESTAMPTZ
);`
	pgCreateCounters = `CREATE TABLE IF NOT EXISTS %[1]s (
	key        TEXT PRIMARY KEY,
	hits       BIGINT NOT NULL,
	expires_at TIMESTAMPTZ
);`
	pgExpiry = `CASE WHEN %[1]s::bigint > 0 THEN clock_timestamp() + %[1]s::bigint * interval '1 millisecond' END`
	pgLive   = `(expires_at IS NULL OR expires_at > clock_timestamp())`

	pgInsert = `INSERT INTO %[1]s AS l (key, value, expires_at)
VALUES ($1, $2, %[2]s)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
WHERE l.expires_at IS NOT NULL AND l.expires_at <= clock_timestamp();`
	pgReplace = `UPDATE %[1]s SET value = $3, expires_at = %[2]s
WHERE key = $1 AND value = $2 AND ` + pgLive + `;`
	pgRemove = `DELETE FROM %[1]s WHERE key = $1 AND value = $2 AND ` + pgLive + `;`
	pgTTL    = `SELECT expires_at IS NULL,
	COALESCE((EXTRACT(EPOCH FROM (expires_at - clock_timestamp())) * 1000)::bigint, 0)
FROM %[1]s WHERE key = $1 AND ` + pgLive + `;`
	pgExists    = `SELECT EXISTS(SELECT 1 FROM %[1]s WHERE key = $1 AND ` + pgLive + `);`
	pgIncrement = `INSERT INTO %[1]s AS c (key, hits, expires_at)
VALUES ($1, 1, %[2]s)
ON CONFLICT (key) DO UPDATE SET
	hits = CASE WHEN c.expires_at IS NOT NULL AND c.expires_at <= clock_timestamp() THEN 1 ELSE c.hits + 1 END,
	expires_at = CASE WHEN c.expires_at IS NOT NULL AND c.expires_at <= clock_timestamp() THEN EXCLUDED.expires_at ELSE c.expires_at END
RETURNING hits;`
	pgHits = `SELECT hits FROM %[1]s WHERE key = $1 AND ` + pgLive + `;`
)

// PostgresStore implements LockStore and CounterStore on PostgreSQL through pgx.
type PostgresStore struct {
	pool         *pgxpool.Pool
	lockTable    string
	counterTable string
	timeout      time.Duration

	insert, replace, remove, ttl, exists string
	increment, hits                      string
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithPostgresTables overrides the lock and counter table names.
func WithPostgresTables(locks, counters string) PostgresOption {
	return func(s *PostgresStore) {
		if locks != "" {
			s.lockTable = locks
		}
		if counters != "" {
			s.counterTable = counters
		}
	}
}

// WithPostgresTimeout sets the per-statement timeout.
func WithPostgresTimeout(d time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewPostgresStore returns a PostgresStore, creating its tables when missing.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	s := &PostgresStore{
		pool:         pool,
		lockTable:    defaultPostgresLockTable,
		counterTable: defaultPostgresCounterTable,
		timeout:      defaultPostgresOpTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	locks := pgx.Identifier{s.lockTable}.Sanitize()
	counters := pgx.Identifier{s.counterTable}.Sanitize()

	for _, ddl := range []string{fmt.Sprintf(pgCreateLocks, locks), fmt.Sprintf(pgCreateCounters, counters)} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return nil, errors.Wrap(err, "creating warden tables")
		}
	}

	s.insert = fmt.Sprintf(pgInsert, locks, fmt.Sprintf(pgExpiry, "$3"))
	s.replace = fmt.Sprintf(pgReplace, locks, fmt.Sprintf(pgExpiry, "$4"))
	s.remove = fmt.Sprintf(pgRemove, locks)
	s.ttl = fmt.Sprintf(pgTTL, locks)
	s.exists = fmt.Sprintf(pgExists, locks)
	s.increment = fmt.Sprintf(pgIncrement, counters, fmt.Sprintf(pgExpiry, "$2"))
	s.hits = fmt.Sprintf(pgHits, counters)
	return s, nil
}

func (s *PostgresStore) mapErr(err error, op, key string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(warperrors.ErrTimeout, "postgres %s %q", op, key)
	}
	return errors.Wrapf(err, "postgres %s %q", op, key)
}

func (s *PostgresStore) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return cctx, cancel, nil
}

// Insert implements LockStore.Insert. An expired row is taken over in place.
func (s *PostgresStore) Insert(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	tag, err := s.pool.Exec(cctx, s.insert, key, value, ttl.Milliseconds())
	if err != nil {
		return false, s.mapErr(err, "insert", key)
	}
	return tag.RowsAffected() == 1, nil
}

// ReplaceIfEqual implements LockStore.ReplaceIfEqual.
func (s *PostgresStore) ReplaceIfEqual(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	tag, err := s.pool.Exec(cctx, s.replace, key, expected, value, ttl.Milliseconds())
	if err != nil {
		return false, s.mapErr(err, "replace", key)
	}
	return tag.RowsAffected() == 1, nil
}

// RemoveIfEqual implements LockStore.RemoveIfEqual.
func (s *PostgresStore) RemoveIfEqual(ctx context.Context, key, expected string) (bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	tag, err := s.pool.Exec(cctx, s.remove, key, expected)
	if err != nil {
		return false, s.mapErr(err, "remove", key)
	}
	return tag.RowsAffected() == 1, nil
}

// GetExpiration implements LockStore.GetExpiration.
func (s *PostgresStore) GetExpiration(ctx context.Context, key string) (time.Duration, bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, false, err
	}
	defer cancel()
	var (
		persistent bool
		ms         int64
	)
	err = s.pool.QueryRow(cctx, s.ttl, key).Scan(&persistent, &ms)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, s.mapErr(err, "expiration", key)
	}
	if persistent {
		return 0, true, nil
	}
	if ms < 1 {
		ms = 1
	}
	return time.Duration(ms) * time.Millisecond, true, nil
}

// Exists implements LockStore.Exists.
func (s *PostgresStore) Exists(ctx context.Context, key string) (bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	var ok bool
	if err := s.pool.QueryRow(cctx, s.exists, key).Scan(&ok); err != nil {
		return false, s.mapErr(err, "exists", key)
	}
	return ok, nil
}

func (s *PostgresStore) prefixWhere(prefix string) []goqu.Expression {
	return []goqu.Expression{
		goqu.C("key").Like(escapeLike(prefix) + "%"),
		goqu.Or(
			goqu.C("expires_at").IsNull(),
			goqu.C("expires_at").Gt(goqu.L("clock_timestamp()")),
		),
	}
}

// GetAllByPrefix implements LockStore.GetAllByPrefix.
func (s *PostgresStore) GetAllByPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	query, args, err := goqu.Dialect("postgres").
		From(s.lockTable).
		Select("key", "value").
		Where(s.prefixWhere(prefix)...).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, errors.Wrap(err, "building list query")
	}
	rows, err := s.pool.Query(cctx, query, args...)
	if err != nil {
		return nil, s.mapErr(err, "list", prefix)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, s.mapErr(err, "list", prefix)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapErr(err, "list", prefix)
	}
	return out, nil
}

// GetCount implements LockStore.GetCount.
func (s *PostgresStore) GetCount(ctx context.Context, prefix string) (int64, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	query, args, err := goqu.Dialect("postgres").
		From(s.lockTable).
		Select(goqu.COUNT(goqu.Star())).
		Where(s.prefixWhere(prefix)...).
		Prepared(true).
		ToSQL()
	if err != nil {
		return 0, errors.Wrap(err, "building count query")
	}
	var n int64
	if err := s.pool.QueryRow(cctx, query, args...).Scan(&n); err != nil {
		return 0, s.mapErr(err, "count", prefix)
	}
	return n, nil
}

// Increment implements CounterStore.Increment. An expired window is reset in
// the same statement that counts the hit.
func (s *PostgresStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	var n int64
	if err := s.pool.QueryRow(cctx, s.increment, key, ttl.Milliseconds()).Scan(&n); err != nil {
		return 0, s.mapErr(err, "incr", key)
	}
	return n, nil
}

// GetHitCount implements CounterStore.GetHitCount.
func (s *PostgresStore) GetHitCount(ctx context.Context, key string) (int64, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	var n int64
	err = s.pool.QueryRow(cctx, s.hits, key).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, s.mapErr(err, "hits", key)
	}
	return n, nil
}

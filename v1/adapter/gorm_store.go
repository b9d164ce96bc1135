package adapter

import (
	"context"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bobg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
)

const (
	defaultGormTableName = "warden_locks"
	defaultGormOpTimeout = 5 * time.Second

	gormLiveCond = "(expires_at = 0 OR expires_at > ?)"
)

var _ LockStore = (*GormStore)(nil)

// gormLock is the row model for a lease record. ExpiresAt is in Unix
// nanoseconds; zero means the lease never expires.
type gormLock struct {
	Key       string `gorm:"primaryKey;column:key_id;size:255"`
	Value     string `gorm:"column:value;size:255"`
	ExpiresAt int64  `gorm:"column:expires_at"`
}

// GormStore implements LockStore on a relational table through GORM.
// Expirations are computed from the local clock, never the database's.
type GormStore struct {
	db        *gorm.DB
	tableName string
	timeout   time.Duration
	clock     clock.Clock
}

// GormOption configures a GormStore.
type GormOption func(*gormStoreOptions)

type gormStoreOptions struct {
	tableName string
	timeout   time.Duration
	clock     clock.Clock
}

// WithGormTableName sets the table name for the GormStore.
func WithGormTableName(name string) GormOption {
	return func(o *gormStoreOptions) {
		o.tableName = name
	}
}

// WithGormTimeout sets the operation timeout for GORM calls.
func WithGormTimeout(d time.Duration) GormOption {
	return func(o *gormStoreOptions) {
		o.timeout = d
	}
}

// WithGormClock sets the clock used to compute and check expirations.
func WithGormClock(c clock.Clock) GormOption {
	return func(o *gormStoreOptions) {
		o.clock = c
	}
}

// NewGormStore returns a new GormStore, creating its table when missing.
func NewGormStore(db *gorm.DB, opts ...GormOption) (*GormStore, error) {
	o := gormStoreOptions{
		tableName: defaultGormTableName,
		timeout:   defaultGormOpTimeout,
		clock:     clock.New(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if !db.Migrator().HasTable(o.tableName) {
		if err := db.Table(o.tableName).AutoMigrate(&gormLock{}); err != nil {
			return nil, errors.Wrapf(err, "creating table %s", o.tableName)
		}
	}
	return &GormStore{
		db:        db,
		tableName: o.tableName,
		timeout:   o.timeout,
		clock:     o.clock,
	}, nil
}

func (s *GormStore) mapErr(err error, op, key string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(warperrors.ErrTimeout, "gorm %s %q", op, key)
	}
	return errors.Wrapf(err, "gorm %s %q", op, key)
}

func (s *GormStore) begin(ctx context.Context) (*gorm.DB, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return s.db.WithContext(cctx).Table(s.tableName), cancel, nil
}

func (s *GormStore) expiresAt(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixNano()
}

// Insert implements LockStore.Insert. An expired row for key is purged first
// so the primary key conflict only fires for live leases.
func (s *GormStore) Insert(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	db, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	now := s.clock.Now()
	var inserted bool
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Table(s.tableName).
			Where("key_id = ? AND expires_at > 0 AND expires_at <= ?", key, now.UnixNano()).
			Delete(&gormLock{}).Error; err != nil {
			return err
		}
		res := tx.Table(s.tableName).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&gormLock{Key: key, Value: value, ExpiresAt: s.expiresAt(now, ttl)})
		if res.Error != nil {
			return res.Error
		}
		inserted = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, s.mapErr(err, "insert", key)
	}
	return inserted, nil
}

// ReplaceIfEqual implements LockStore.ReplaceIfEqual with a conditional UPDATE.
func (s *GormStore) ReplaceIfEqual(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	db, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	now := s.clock.Now()
	res := db.Where("key_id = ? AND value = ? AND "+gormLiveCond, key, expected, now.UnixNano()).
		Updates(map[string]any{"value": value, "expires_at": s.expiresAt(now, ttl)})
	if res.Error != nil {
		return false, s.mapErr(res.Error, "replace", key)
	}
	return res.RowsAffected == 1, nil
}

// RemoveIfEqual implements LockStore.RemoveIfEqual with a conditional DELETE.
func (s *GormStore) RemoveIfEqual(ctx context.Context, key, expected string) (bool, error) {
	db, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	res := db.Where("key_id = ? AND value = ? AND "+gormLiveCond, key, expected, s.clock.Now().UnixNano()).
		Delete(&gormLock{})
	if res.Error != nil {
		return false, s.mapErr(res.Error, "remove", key)
	}
	return res.RowsAffected == 1, nil
}

// GetExpiration implements LockStore.GetExpiration.
func (s *GormStore) GetExpiration(ctx context.Context, key string) (time.Duration, bool, error) {
	db, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, false, err
	}
	defer cancel()
	now := s.clock.Now()
	var row gormLock
	err = db.Where("key_id = ? AND "+gormLiveCond, key, now.UnixNano()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, s.mapErr(err, "expiration", key)
	}
	if row.ExpiresAt == 0 {
		return 0, true, nil
	}
	return time.Unix(0, row.ExpiresAt).Sub(now), true, nil
}

// Exists implements LockStore.Exists.
func (s *GormStore) Exists(ctx context.Context, key string) (bool, error) {
	db, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	var n int64
	if err := db.Where("key_id = ? AND "+gormLiveCond, key, s.clock.Now().UnixNano()).Count(&n).Error; err != nil {
		return false, s.mapErr(err, "exists", key)
	}
	return n > 0, nil
}

// GetAllByPrefix implements LockStore.GetAllByPrefix.
func (s *GormStore) GetAllByPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	db, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	var rows []gormLock
	err = db.Where(`key_id LIKE ? ESCAPE '\' AND `+gormLiveCond, escapeLike(prefix)+"%", s.clock.Now().UnixNano()).
		Find(&rows).Error
	if err != nil {
		return nil, s.mapErr(err, "list", prefix)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

// GetCount implements LockStore.GetCount.
func (s *GormStore) GetCount(ctx context.Context, prefix string) (int64, error) {
	db, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	var n int64
	err = db.Where(`key_id LIKE ? ESCAPE '\' AND `+gormLiveCond, escapeLike(prefix)+"%", s.clock.Now().UnixNano()).
		Count(&n).Error
	if err != nil {
		return 0, s.mapErr(err, "count", prefix)
	}
	return n, nil
}

var likeReplacer = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeReplacer.Replace(s)
}

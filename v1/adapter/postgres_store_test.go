package adapter_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mirkobrombin/go-warden/v1/adapter"
)

// newPostgresStore connects to WARDEN_TEST_POSTGRES_DSN and creates
// throwaway tables for the test.
func newPostgresStore(t *testing.T) *adapter.PostgresStore {
	t.Helper()
	dsn := os.Getenv("WARDEN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("WARDEN_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	locks, counters := "locks_"+suffix, "counters_"+suffix
	t.Cleanup(func() {
		_, _ = pool.Exec(ctx, "DROP TABLE IF EXISTS "+locks+", "+counters)
		pool.Close()
	})
	s, err := adapter.NewPostgresStore(ctx, pool, adapter.WithPostgresTables(locks, counters))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	return s
}

// sleepUpTo waits for short durations only; the server clock cannot be faked.
func sleepUpTo(d time.Duration) {
	if d <= 2*time.Second {
		time.Sleep(d)
	}
}

func TestPostgresLockStore(t *testing.T) {
	testLockStore(t, newPostgresStore(t), sleepUpTo)
}

func TestPostgresCounterStore(t *testing.T) {
	testCounterStore(t, newPostgresStore(t), sleepUpTo, true)
}

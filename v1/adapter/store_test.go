package adapter_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mirkobrombin/go-warden/v1/adapter"
)

// advanceFunc moves the backend's notion of time forward.
type advanceFunc func(time.Duration)

// testLockStore exercises the LockStore contract shared by every backend.
func testLockStore(t *testing.T, s adapter.LockStore, advance advanceFunc) {
	t.Helper()
	ctx := context.Background()

	t.Run("InsertIsExclusive", func(t *testing.T) {
		ok, err := s.Insert(ctx, "lock:a", "id-1", time.Minute)
		if err != nil || !ok {
			t.Fatalf("insert: ok %v err %v", ok, err)
		}
		if ok, err := s.Insert(ctx, "lock:a", "id-2", time.Minute); err != nil || ok {
			t.Fatalf("second insert: expected refusal, ok %v err %v", ok, err)
		}
		if ok, err := s.Exists(ctx, "lock:a"); err != nil || !ok {
			t.Fatalf("exists: ok %v err %v", ok, err)
		}
	})

	t.Run("ReplaceIfEqual", func(t *testing.T) {
		if ok, err := s.ReplaceIfEqual(ctx, "lock:a", "id-2", "id-3", time.Minute); err != nil || ok {
			t.Fatalf("replace with stale value: ok %v err %v", ok, err)
		}
		if ok, err := s.ReplaceIfEqual(ctx, "lock:a", "id-1", "id-1", 2*time.Minute); err != nil || !ok {
			t.Fatalf("replace: ok %v err %v", ok, err)
		}
		ttl, ok, err := s.GetExpiration(ctx, "lock:a")
		if err != nil || !ok {
			t.Fatalf("expiration: ok %v err %v", ok, err)
		}
		if ttl <= time.Minute || ttl > 2*time.Minute {
			t.Fatalf("expected ttl extended to ~2m, got %v", ttl)
		}
		if ok, err := s.ReplaceIfEqual(ctx, "lock:missing", "x", "y", time.Minute); err != nil || ok {
			t.Fatalf("replace missing: ok %v err %v", ok, err)
		}
	})

	t.Run("RemoveIfEqual", func(t *testing.T) {
		if ok, err := s.RemoveIfEqual(ctx, "lock:a", "id-2"); err != nil || ok {
			t.Fatalf("remove with stale value: ok %v err %v", ok, err)
		}
		if ok, err := s.RemoveIfEqual(ctx, "lock:a", "id-1"); err != nil || !ok {
			t.Fatalf("remove: ok %v err %v", ok, err)
		}
		if ok, err := s.RemoveIfEqual(ctx, "lock:a", "id-1"); err != nil || ok {
			t.Fatalf("second remove: ok %v err %v", ok, err)
		}
		if ok, err := s.Exists(ctx, "lock:a"); err != nil || ok {
			t.Fatalf("exists after remove: ok %v err %v", ok, err)
		}
		if _, ok, err := s.GetExpiration(ctx, "lock:a"); err != nil || ok {
			t.Fatalf("expiration after remove: ok %v err %v", ok, err)
		}
	})

	t.Run("Persistent", func(t *testing.T) {
		if ok, err := s.Insert(ctx, "lock:forever", "id", 0); err != nil || !ok {
			t.Fatalf("insert: ok %v err %v", ok, err)
		}
		ttl, ok, err := s.GetExpiration(ctx, "lock:forever")
		if err != nil || !ok || ttl != 0 {
			t.Fatalf("expected persistent record, ttl %v ok %v err %v", ttl, ok, err)
		}
		advance(time.Hour)
		if ok, err := s.Exists(ctx, "lock:forever"); err != nil || !ok {
			t.Fatalf("persistent record vanished: ok %v err %v", ok, err)
		}
		if ok, err := s.RemoveIfEqual(ctx, "lock:forever", "id"); err != nil || !ok {
			t.Fatalf("remove: ok %v err %v", ok, err)
		}
	})

	t.Run("Expiry", func(t *testing.T) {
		if ok, err := s.Insert(ctx, "lock:short", "old", 100*time.Millisecond); err != nil || !ok {
			t.Fatalf("insert: ok %v err %v", ok, err)
		}
		advance(250 * time.Millisecond)
		if ok, err := s.Exists(ctx, "lock:short"); err != nil || ok {
			t.Fatalf("expected expiry, ok %v err %v", ok, err)
		}
		if ok, err := s.ReplaceIfEqual(ctx, "lock:short", "old", "old", time.Minute); err != nil || ok {
			t.Fatalf("renewing an expired record must fail, ok %v err %v", ok, err)
		}
		if ok, err := s.Insert(ctx, "lock:short", "new", time.Minute); err != nil || !ok {
			t.Fatalf("insert after expiry: ok %v err %v", ok, err)
		}
		if ok, err := s.RemoveIfEqual(ctx, "lock:short", "old"); err != nil || ok {
			t.Fatalf("stale remove touched new holder: ok %v err %v", ok, err)
		}
		if ok, err := s.RemoveIfEqual(ctx, "lock:short", "new"); err != nil || !ok {
			t.Fatalf("remove: ok %v err %v", ok, err)
		}
	})

	t.Run("Prefix", func(t *testing.T) {
		for k, v := range map[string]string{
			"p?_%:one": "1",
			"p?_%:two": "2",
			"pXY%:no":  "3",
			"other":    "4",
		} {
			if ok, err := s.Insert(ctx, k, v, time.Minute); err != nil || !ok {
				t.Fatalf("insert %s: ok %v err %v", k, ok, err)
			}
		}
		got, err := s.GetAllByPrefix(ctx, "p?_%:")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		want := map[string]string{"p?_%:one": "1", "p?_%:two": "2"}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("list mismatch (-want +got):\n%s", diff)
		}
		n, err := s.GetCount(ctx, "p?_%:")
		if err != nil || n != 2 {
			t.Fatalf("count: n %d err %v", n, err)
		}
		n, err = s.GetCount(ctx, "nothing:")
		if err != nil || n != 0 {
			t.Fatalf("empty count: n %d err %v", n, err)
		}
	})
}

// testCounterStore exercises the CounterStore contract.
func testCounterStore(t *testing.T, s adapter.CounterStore, advance advanceFunc, concurrent bool) {
	t.Helper()
	ctx := context.Background()

	t.Run("Increment", func(t *testing.T) {
		if n, err := s.GetHitCount(ctx, "throttle:x"); err != nil || n != 0 {
			t.Fatalf("initial count: n %d err %v", n, err)
		}
		for i := int64(1); i <= 3; i++ {
			n, err := s.Increment(ctx, "throttle:x", time.Second)
			if err != nil || n != i {
				t.Fatalf("increment %d: n %d err %v", i, n, err)
			}
		}
		if n, err := s.GetHitCount(ctx, "throttle:x"); err != nil || n != 3 {
			t.Fatalf("count: n %d err %v", n, err)
		}
	})

	t.Run("WindowReset", func(t *testing.T) {
		advance(1500 * time.Millisecond)
		if n, err := s.GetHitCount(ctx, "throttle:x"); err != nil || n != 0 {
			t.Fatalf("count after window: n %d err %v", n, err)
		}
		if n, err := s.Increment(ctx, "throttle:x", time.Second); err != nil || n != 1 {
			t.Fatalf("fresh window: n %d err %v", n, err)
		}
	})

	t.Run("LaterHitsKeepWindow", func(t *testing.T) {
		if _, err := s.Increment(ctx, "throttle:w", time.Second); err != nil {
			t.Fatalf("increment: %v", err)
		}
		advance(600 * time.Millisecond)
		if _, err := s.Increment(ctx, "throttle:w", time.Second); err != nil {
			t.Fatalf("increment: %v", err)
		}
		advance(600 * time.Millisecond)
		if n, err := s.GetHitCount(ctx, "throttle:w"); err != nil || n != 0 {
			t.Fatalf("window must not be extended by later hits: n %d err %v", n, err)
		}
	})

	if !concurrent {
		return
	}
	t.Run("Concurrent", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Increment(ctx, "throttle:c", time.Minute); err != nil {
					t.Errorf("increment: %v", err)
				}
			}()
		}
		wg.Wait()
		if n, err := s.GetHitCount(ctx, "throttle:c"); err != nil || n != 16 {
			t.Fatalf("count: n %d err %v", n, err)
		}
	})
}

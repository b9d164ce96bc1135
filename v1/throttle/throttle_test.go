package throttle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-warden/v1/adapter"
	"github.com/mirkobrombin/go-warden/v1/adapter/mocks"
	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
)

func newThrottle(t *testing.T, store adapter.CounterStore, opts ...Option) *Provider {
	t.Helper()
	p, err := New(store, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func testAllowDeny(t *testing.T, p *Provider) {
	t.Helper()
	ctx := context.Background()
	var allowed, denied atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			d, err := p.Increment(gctx, "x")
			if err != nil {
				return err
			}
			if d.Allowed {
				allowed.Add(1)
			} else {
				denied.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if allowed.Load() != 5 || denied.Load() != 3 {
		t.Fatalf("expected 5 allowed and 3 denied, got %d and %d", allowed.Load(), denied.Load())
	}
	if n, err := p.GetHitCount(ctx, "x"); err != nil || n != 8 {
		t.Fatalf("hit count: n %d err %v", n, err)
	}
}

func TestAllowDeny(t *testing.T) {
	p := newThrottle(t, adapter.NewInMemoryStore(), WithMaxHitsPerPeriod(5), WithPeriod(time.Minute))
	testAllowDeny(t, p)
}

func TestAllowDenyRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	p := newThrottle(t, adapter.NewRedisStore(client), WithMaxHitsPerPeriod(5), WithPeriod(time.Minute))
	testAllowDeny(t, p)
	if !mr.Exists("throttle:x") {
		t.Fatal("expected counter under the default prefix")
	}
	mr.FastForward(time.Minute)
	if d, err := p.Increment(context.Background(), "x"); err != nil || d.Count != 1 || !d.Allowed {
		t.Fatalf("expected fresh window, got %+v err %v", d, err)
	}
}

func TestWindowReset(t *testing.T) {
	mock := clock.NewMock()
	store := adapter.NewInMemoryStore(adapter.WithClock(mock))
	p := newThrottle(t, store, WithMaxHitsPerPeriod(2), WithPeriod(time.Second))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := p.Increment(ctx, "x"); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	if d, _ := p.Increment(ctx, "x"); d.Allowed || d.Count != 4 {
		t.Fatalf("expected denial past the limit, got %+v", d)
	}

	mock.Add(time.Second)
	if n, err := p.GetHitCount(ctx, "x"); err != nil || n != 0 {
		t.Fatalf("expected empty window, n %d err %v", n, err)
	}
	d, err := p.Increment(ctx, "x")
	if err != nil || d.Count != 1 || !d.Allowed {
		t.Fatalf("expected fresh window with count 1, got %+v err %v", d, err)
	}
}

func TestGetHitCountDoesNotCount(t *testing.T) {
	p := newThrottle(t, adapter.NewInMemoryStore())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if n, err := p.GetHitCount(ctx, "x"); err != nil || n != 0 {
			t.Fatalf("hit count: n %d err %v", n, err)
		}
	}
}

func TestInvalidConfiguration(t *testing.T) {
	store := adapter.NewInMemoryStore()
	for _, opts := range [][]Option{
		{WithMaxHitsPerPeriod(0)},
		{WithMaxHitsPerPeriod(-1)},
		{WithPeriod(0)},
		{WithPeriod(-time.Second)},
	} {
		if _, err := New(store, opts...); !errors.Is(err, warperrors.ErrInvalidThrottle) {
			t.Fatalf("expected ErrInvalidThrottle, got %v", err)
		}
	}
	p := newThrottle(t, store)
	if p.MaxHitsPerPeriod() != DefaultMaxHitsPerPeriod || p.Period() != DefaultPeriod {
		t.Fatalf("unexpected defaults %d/%v", p.MaxHitsPerPeriod(), p.Period())
	}
	if _, err := p.Increment(context.Background(), ""); !errors.Is(err, warperrors.ErrInvalidResource) {
		t.Fatalf("expected ErrInvalidResource, got %v", err)
	}
}

func TestStoreErrorsPropagate(t *testing.T) {
	ctl := gomock.NewController(t)
	store := mocks.NewMockCounterStore(ctl)
	p := newThrottle(t, store, WithPeriod(time.Minute))
	boom := errors.New("backend down")

	store.EXPECT().Increment(gomock.Any(), "throttle:x", time.Minute).Return(int64(0), boom)
	if _, err := p.Increment(context.Background(), "x"); !errors.Is(err, boom) {
		t.Fatalf("expected backend error, got %v", err)
	}
	store.EXPECT().GetHitCount(gomock.Any(), "throttle:x").Return(int64(0), boom)
	if _, err := p.GetHitCount(context.Background(), "x"); !errors.Is(err, boom) {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestWait(t *testing.T) {
	p := newThrottle(t, adapter.NewInMemoryStore(),
		WithMaxHitsPerPeriod(1), WithPeriod(200*time.Millisecond), WithPollInterval(20*time.Millisecond))
	ctx := context.Background()

	if ok, err := p.Wait(ctx, "x", 0); err != nil || !ok {
		t.Fatalf("first wait: ok %v err %v", ok, err)
	}
	if ok, err := p.Wait(ctx, "x", 0); err != nil || ok {
		t.Fatalf("single attempt over the limit: ok %v err %v", ok, err)
	}

	start := time.Now()
	ok, err := p.Wait(ctx, "x", 2*time.Second)
	if err != nil || !ok {
		t.Fatalf("wait for next window: ok %v err %v", ok, err)
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("waited %v for a 200ms window", d)
	}
}

func TestWaitTimeoutAndCancellation(t *testing.T) {
	p := newThrottle(t, adapter.NewInMemoryStore(),
		WithMaxHitsPerPeriod(1), WithPeriod(time.Hour), WithPollInterval(10*time.Millisecond))
	ctx := context.Background()
	if _, err := p.Increment(ctx, "x"); err != nil {
		t.Fatalf("increment: %v", err)
	}

	ok, err := p.Wait(ctx, "x", 100*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("expected timeout (false, nil), got ok %v err %v", ok, err)
	}

	cctx, cancel := context.WithCancel(ctx)
	time.AfterFunc(50*time.Millisecond, cancel)
	ok, err = p.Wait(cctx, "x", 5*time.Second)
	if ok || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got ok %v err %v", ok, err)
	}

	if _, err := p.Wait(ctx, "x", -time.Second); !errors.Is(err, warperrors.ErrInvalidTimeout) {
		t.Fatalf("expected ErrInvalidTimeout, got %v", err)
	}
}

package syncbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
)

func newRedisBus(t *testing.T) (*RedisBus, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewRedisBus(client)
	t.Cleanup(func() {
		_ = bus.Close()
		_ = client.Close()
		mr.Close()
	})
	return bus, client
}

func TestRedisBus(t *testing.T) {
	bus, _ := newRedisBus(t)
	testBusRoundTrip(t, bus)
	if m := bus.Metrics(); m.Published != 2 || m.Delivered != 3 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestRedisBusDropsDuplicatesAndGarbage(t *testing.T) {
	bus, client := newRedisBus(t)
	ctx := context.Background()
	ch, err := bus.Subscribe(ctx, "topic")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	evt := NewEvent("res", "id")
	if err := client.Publish(ctx, "topic", "garbage").Err(); err != nil {
		t.Fatalf("raw publish: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := bus.Publish(ctx, "topic", evt); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if got := recv(t, ch, time.Second); got.ID != evt.ID {
		t.Fatalf("unexpected event %+v", got)
	}
	select {
	case dup := <-ch:
		t.Fatalf("duplicate delivered: %+v", dup)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisBusClosed(t *testing.T) {
	bus, client := newRedisBus(t)
	ctx := context.Background()
	ch, err := bus.Subscribe(ctx, "topic")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = bus.Close()
	expectClosed(t, ch)
	if _, err := bus.Subscribe(ctx, "topic"); !errors.Is(err, warperrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}

	_ = client.Close()
	if err := bus.Publish(ctx, "topic", NewEvent("r", "")); !errors.Is(err, warperrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

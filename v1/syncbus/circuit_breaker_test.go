package syncbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type failingBus struct {
	*InMemoryBus
	err   error
	calls int
}

func (f *failingBus) Publish(ctx context.Context, topic string, evt Event) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return f.InMemoryBus.Publish(ctx, topic, evt)
}

func TestCircuitBreakerStateTransitions(t *testing.T) {
	fb := &failingBus{InMemoryBus: NewInMemoryBus()}
	mock := clock.NewMock()
	cb := NewCircuitBreaker(fb, 2, 50*time.Millisecond, WithBreakerClock(mock))
	ctx := context.Background()
	failErr := errors.New("fail")
	evt := NewEvent("r", "")

	if !cb.IsHealthy() {
		t.Fatal("expected healthy initially")
	}

	fb.err = failErr
	if err := cb.Publish(ctx, "t", evt); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if !cb.IsHealthy() {
		t.Fatal("expected healthy after 1 failure (threshold 2)")
	}
	if err := cb.Publish(ctx, "t", evt); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if cb.IsHealthy() {
		t.Fatal("expected open after threshold reached")
	}
	if err := cb.Publish(ctx, "t", evt); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if fb.calls != 2 {
		t.Fatalf("open breaker must not reach the bus, calls %d", fb.calls)
	}

	// A failed probe reopens the circuit.
	mock.Add(60 * time.Millisecond)
	if err := cb.Publish(ctx, "t", evt); err != failErr {
		t.Fatalf("expected probe failure, got %v", err)
	}
	if err := cb.Publish(ctx, "t", evt); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen after failed probe, got %v", err)
	}

	// A successful probe closes it.
	mock.Add(60 * time.Millisecond)
	fb.err = nil
	if err := cb.Publish(ctx, "t", evt); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !cb.IsHealthy() {
		t.Fatal("expected closed after successful probe")
	}
	if err := cb.Publish(ctx, "t", evt); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	fb := &failingBus{InMemoryBus: NewInMemoryBus(), err: context.Canceled}
	cb := NewCircuitBreaker(fb, 1, time.Minute)
	for i := 0; i < 3; i++ {
		if err := cb.Publish(context.Background(), "t", NewEvent("r", "")); err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	}
	if !cb.IsHealthy() {
		t.Fatal("cancellation must not open the circuit")
	}
}

func TestCircuitBreakerPassesSubscriptions(t *testing.T) {
	cb := NewCircuitBreaker(NewInMemoryBus(), 1, time.Minute)
	testBusRoundTrip(t, cb)
}

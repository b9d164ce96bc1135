package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mirkobrombin/go-warden/v1/adapter"
	"github.com/mirkobrombin/go-warden/v1/metrics"
	"github.com/mirkobrombin/go-warden/v1/syncbus"
)

type brokenBus struct {
	*syncbus.InMemoryBus
}

func (brokenBus) Publish(context.Context, string, syncbus.Event) error {
	return errors.New("bus unavailable")
}

func (brokenBus) Subscribe(context.Context, string) (<-chan syncbus.Event, error) {
	return nil, errors.New("bus unavailable")
}

func TestBrokenBusDoesNotAffectCorrectness(t *testing.T) {
	store := adapter.NewInMemoryStore()
	p := New(store, brokenBus{syncbus.NewInMemoryBus()})
	ctx := context.Background()
	before := testutil.ToFloat64(metrics.ReleaseNotifyFailedCounter)

	h, err := p.TryAcquire(ctx, "r", WithTTL(150*time.Millisecond))
	if err != nil || h == nil {
		t.Fatalf("acquire: h %v err %v", h, err)
	}
	// The waiter cannot subscribe and must fall back to polling.
	got, err := p.TryAcquire(ctx, "r", WithAcquireTimeout(3*time.Second))
	if err != nil || got == nil {
		t.Fatalf("waiter: h %v err %v", got, err)
	}
	if err := got.Release(ctx); err != nil {
		t.Fatalf("release must not report notification failures: %v", err)
	}
	_ = p.Close()
	if after := testutil.ToFloat64(metrics.ReleaseNotifyFailedCounter); after != before+1 {
		t.Fatalf("expected one failed notification, counter %v -> %v", before, after)
	}
}

func TestProviderSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	p := New(adapter.NewInMemoryStore(), nil, WithTracerProvider(tp))
	defer p.Close()
	ctx := context.Background()

	h, err := p.TryAcquire(ctx, "r")
	if err != nil || h == nil {
		t.Fatalf("acquire: h %v err %v", h, err)
	}
	if _, err := p.TryAcquire(ctx, "r", WithAcquireTimeout(0)); err != nil {
		t.Fatalf("try: %v", err)
	}
	if _, err := h.Renew(ctx, 0); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if err := h.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	spans := sr.Ended()
	var names []string
	acquired := map[bool]int{}
	for _, s := range spans {
		names = append(names, s.Name())
		for _, kv := range s.Attributes() {
			if kv.Key == attribute.Key("warden.acquired") {
				acquired[kv.Value.AsBool()]++
			}
		}
	}
	want := []string{"lock.TryAcquire", "lock.TryAcquire", "lock.Renew", "lock.Release"}
	if len(names) != len(want) {
		t.Fatalf("expected spans %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected spans %v, got %v", want, names)
		}
	}
	if acquired[true] != 1 || acquired[false] != 1 {
		t.Fatalf("unexpected acquired attributes %v", acquired)
	}
}

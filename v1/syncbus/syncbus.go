// Package syncbus carries lock release notifications between processes.
//
// Delivery is best effort: a subscriber may miss an event or see it twice,
// and callers are expected to fall back to polling.
package syncbus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
)

// DefaultTopic is the topic lock providers publish release events on.
const DefaultTopic = "warden.lock.released"

// subscriberBuffer is the capacity of each subscriber channel. Events that
// do not fit are dropped for that subscriber.
const subscriberBuffer = 16

var tracer = otel.Tracer("github.com/mirkobrombin/go-warden/v1/syncbus")

// Event announces that a lock on Resource held under LockID was released.
type Event struct {
	ID       string    `json:"id"`
	Resource string    `json:"resource"`
	LockID   string    `json:"lock_id,omitempty"`
	At       time.Time `json:"at"`
}

// NewEvent returns an Event with a fresh ID stamped at the current time.
func NewEvent(resource, lockID string) Event {
	return Event{
		ID:       uuid.NewString(),
		Resource: resource,
		LockID:   lockID,
		At:       time.Now().UTC(),
	}
}

func encodeEvent(evt Event) ([]byte, error) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	return json.Marshal(evt)
}

func decodeEvent(data []byte) (Event, bool) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil || evt.Resource == "" {
		return Event{}, false
	}
	return evt, true
}

// Bus provides a simple pub/sub mechanism used by warden to wake up waiters
// when a lock is released elsewhere.
type Bus interface {
	Publish(ctx context.Context, topic string, evt Event) error
	Subscribe(ctx context.Context, topic string) (<-chan Event, error)
	Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error
}

// Metrics reports how many events a bus published and handed to subscribers.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout is the subscriber registry shared by every Bus implementation.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	delivered atomic.Uint64
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string][]chan Event)}
}

func (f *fanout) add(topic string) chan Event {
	ch := make(chan Event, subscriberBuffer)
	f.mu.Lock()
	f.subs[topic] = append(f.subs[topic], ch)
	f.mu.Unlock()
	return ch
}

// remove closes ch and reports whether it was the last subscriber of topic.
func (f *fanout) remove(topic string, ch <-chan Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[topic]
	found := false
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if len(subs) == 0 {
		delete(f.subs, topic)
		return true
	}
	f.subs[topic] = subs
	return false
}

func (f *fanout) deliver(topic string, evt Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[topic] {
		select {
		case ch <- evt:
			f.delivered.Add(1)
		default:
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for topic, subs := range f.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(f.subs, topic)
	}
}

// unsubscribeOnDone detaches ch once ctx is cancelled.
func unsubscribeOnDone(ctx context.Context, b Bus, topic string, ch <-chan Event) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
}

// InMemoryBus is a local implementation of Bus for single process setups and
// tests.
type InMemoryBus struct {
	fan       *fanout
	published atomic.Uint64
}

var _ Bus = (*InMemoryBus)(nil)

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{fan: newFanout()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.published.Add(1)
	b.fan.deliver(topic, evt)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := b.fan.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(_ context.Context, topic string, ch <-chan Event) error {
	b.fan.remove(topic, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.fan.delivered.Load(),
	}
}

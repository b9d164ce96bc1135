package syncbus

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

const (
	defaultDedupSize = 1 << 14
	defaultDedupTTL  = time.Minute
)

// Deduper remembers recently seen event IDs so wire transports can drop
// redeliveries. It is bounded: under pressure old IDs are evicted and a
// duplicate may slip through, which only costs a spurious wake-up.
type Deduper struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewDeduper returns a Deduper holding up to size IDs for ttl each.
func NewDeduper(size int64, ttl time.Duration) (*Deduper, error) {
	if size <= 0 {
		size = defaultDedupSize
	}
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Deduper{cache: cache, ttl: ttl}, nil
}

func defaultDeduper() *Deduper {
	d, err := NewDeduper(defaultDedupSize, defaultDedupTTL)
	if err != nil {
		// Only reachable with an invalid static config.
		panic(err)
	}
	return d
}

// Seen reports whether id was already observed and records it otherwise.
// Empty IDs are never considered duplicates.
func (d *Deduper) Seen(id string) bool {
	if d == nil || id == "" {
		return false
	}
	if _, ok := d.cache.Get(id); ok {
		return true
	}
	d.cache.SetWithTTL(id, struct{}{}, 1, d.ttl)
	d.cache.Wait()
	return false
}

// Close releases the cache goroutines.
func (d *Deduper) Close() {
	if d != nil {
		d.cache.Close()
	}
}

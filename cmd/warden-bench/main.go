package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/presets"
)

var (
	concurrency = flag.Int("c", 50, "Number of concurrent clients")
	requests    = flag.Int("n", 100000, "Total number of acquisitions")
	resources   = flag.Int("r", 10, "Number of distinct resources to contend on")
	hold        = flag.Duration("hold", 0, "How long each lock is held")
	redisAddr   = flag.String("redis", "", "Redis address; in-memory when empty")
)

func main() {
	flag.Parse()

	log.Printf("Starting benchmark: %d acquisitions, %d concurrency, %d resources", *requests, *concurrency, *resources)

	var (
		w   *presets.Warden
		err error
	)
	if *redisAddr != "" {
		log.Printf("Initializing warden (Redis at %s)...", *redisAddr)
		w, err = presets.NewRedis(presets.RedisOptions{Addr: *redisAddr}, presets.Options{})
	} else {
		log.Println("Initializing warden (InMemory)...")
		w, err = presets.NewInMemory(presets.Options{})
	}
	if err != nil {
		log.Fatalf("Setup failed: %v", err)
	}
	defer w.Close()

	ctx := context.Background()
	var (
		wg          sync.WaitGroup
		ops         atomic.Int64
		timeouts    atomic.Int64
		errorsCount atomic.Int64
		waited      atomic.Int64
	)

	start := time.Now()
	perWorker := *requests / *concurrency
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				resource := fmt.Sprintf("bench:%d", (i+j)%*resources)
				h, err := w.Locks.TryAcquire(ctx, resource, lock.WithTTL(time.Minute), lock.WithAcquireTimeout(10*time.Second))
				ops.Add(1)
				switch {
				case err != nil:
					errorsCount.Add(1)
					continue
				case h == nil:
					timeouts.Add(1)
					continue
				}
				waited.Add(int64(h.Waited()))
				if *hold > 0 {
					time.Sleep(*hold)
				}
				if err := h.Release(ctx); err != nil {
					errorsCount.Add(1)
				}
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	n := ops.Load()
	acquired := n - timeouts.Load() - errorsCount.Load()
	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f acquisitions/s", float64(n)/elapsed.Seconds())
	if acquired > 0 {
		log.Printf("Avg wait: %v", time.Duration(waited.Load()/acquired))
	}
	if t := timeouts.Load(); t > 0 {
		log.Printf("Timeouts: %d", t)
	}
	if e := errorsCount.Load(); e > 0 {
		log.Printf("Errors: %d", e)
	}
}

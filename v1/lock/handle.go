package lock

import (
	"context"
	"time"
)

// Handle is proof of a successful acquisition. It is immutable; the lease
// itself lives only in the store.
type Handle struct {
	provider   *Provider
	resource   string
	lockID     string
	acquiredAt time.Time
	waited     time.Duration
}

// Resource returns the locked resource.
func (h *Handle) Resource() string { return h.resource }

// LockID returns the id the lock is held under.
func (h *Handle) LockID() string { return h.lockID }

// AcquiredAt returns when the lock was obtained.
func (h *Handle) AcquiredAt() time.Time { return h.acquiredAt }

// Waited returns how long the acquisition waited.
func (h *Handle) Waited() time.Duration { return h.waited }

// Renew extends the lease. It returns false once the lock was lost.
func (h *Handle) Renew(ctx context.Context, ttl time.Duration) (bool, error) {
	return h.provider.Renew(ctx, h.resource, h.lockID, ttl)
}

// Release frees the lock. Calling it more than once is safe.
func (h *Handle) Release(ctx context.Context) error {
	return h.provider.Release(ctx, h.resource, h.lockID)
}

// IsLocked reports whether the resource is still locked by anyone.
func (h *Handle) IsLocked(ctx context.Context) (bool, error) {
	return h.provider.IsLocked(ctx, h.resource)
}

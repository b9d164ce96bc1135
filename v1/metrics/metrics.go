// Package metrics exposes the Prometheus collectors updated by the lock and
// throttle providers.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockAcquiredCounter tracks successful lock acquisitions.
	LockAcquiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_lock_acquired_total",
		Help: "Total number of locks acquired",
	})
	// LockAcquireTimeoutCounter tracks acquisitions that gave up at their deadline.
	LockAcquireTimeoutCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_lock_acquire_timeouts_total",
		Help: "Total number of lock acquisitions that timed out",
	})
	// LockReleasedCounter tracks releases that removed a held lock.
	LockReleasedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_lock_released_total",
		Help: "Total number of locks released by their holder",
	})
	// LockRenewFailedCounter tracks renewals refused because the lock was lost.
	LockRenewFailedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_lock_renew_failed_total",
		Help: "Total number of lock renewals for locks no longer owned",
	})
	// LockWaitHistogram observes how long successful acquisitions waited.
	LockWaitHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "warden_lock_wait_seconds",
		Help:    "Time spent waiting before a lock was acquired",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})
	// ReleaseNotifyFailedCounter tracks release notifications the bus rejected.
	ReleaseNotifyFailedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_release_notify_failed_total",
		Help: "Total number of release notifications that could not be published",
	})
	// ThrottleAllowedCounter tracks hits admitted by the throttle.
	ThrottleAllowedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_throttle_allowed_total",
		Help: "Total number of throttled hits that were allowed",
	})
	// ThrottleDeniedCounter tracks hits over the limit.
	ThrottleDeniedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_throttle_denied_total",
		Help: "Total number of throttled hits that were denied",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterMetrics registers the warden collectors on the provided registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		LockAcquiredCounter,
		LockAcquireTimeoutCounter,
		LockReleasedCounter,
		LockRenewFailedCounter,
		LockWaitHistogram,
		ReleaseNotifyFailedCounter,
		ThrottleAllowedCounter,
		ThrottleDeniedCounter,
	)
}

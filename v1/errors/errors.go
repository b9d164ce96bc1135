// Package errors holds the sentinel errors shared by warden packages.
package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrInvalidResource is returned when an empty resource key is supplied.
	ErrInvalidResource = errors.New("warden: resource must not be empty")
	// ErrInvalidTTL is returned when a lease TTL is neither positive nor infinite.
	ErrInvalidTTL = errors.New("warden: lease ttl must be positive or infinite")
	// ErrInvalidTimeout is returned when an acquire timeout is negative and not infinite.
	ErrInvalidTimeout = errors.New("warden: acquire timeout must be zero, positive or infinite")
	// ErrInvalidThrottle is returned for non-positive throttling limits or periods.
	ErrInvalidThrottle = errors.New("warden: throttling limit and period must be positive")
	// ErrNotAcquired is returned by blocking acquisitions that gave up.
	ErrNotAcquired = errors.New("warden: lock not acquired")
	// ErrProviderClosed is returned when a closed provider is used.
	ErrProviderClosed = errors.New("warden: provider closed")
)

// Package lock provides a lease lock shared by any number of processes.
//
// A lock is a record in an adapter.LockStore keyed by resource and holding a
// lock id minted for each acquisition. Insert-if-absent decides the winner,
// renew and release are compare-and-set on the lock id, and the store TTL
// frees locks whose holder died. Releases are announced on a syncbus.Bus so
// blocked callers retry at once; when an announcement is lost they still
// retry on a jittered backoff, so the bus only ever affects latency.
//
// Waiters are not queued. Whoever wins the insert after a release holds the
// lock next.
package lock

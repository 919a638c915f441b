// ABOUTME: Store interface for the credential KV underlying sessions and challenges
// ABOUTME: Defines TTL-capable Get/Put/Delete plus CompareAndSwap for one-time consumption

package kv

import (
	"context"
	"errors"
	"time"
)

// Store errors
var (
	// ErrNotFound means the key does not exist or its TTL has elapsed
	ErrNotFound = errors.New("key not found")

	// ErrCASMismatch means the stored value did not match the expected value
	ErrCASMismatch = errors.New("compare-and-swap mismatch")

	// ErrUnavailable means the backing store could not be reached. Callers
	// must not treat this as "key absent" - an outage is not a logout.
	ErrUnavailable = errors.New("store unavailable")
)

// Store is a TTL-capable key-value store. All auth state (sessions,
// challenges, revocation tombstones, audit events, rate-limit windows)
// lives behind this interface so the gateway stays stateless.
type Store interface {
	// Get returns the value for key. Returns ErrNotFound if the key is
	// absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key. A ttl <= 0 means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// CompareAndSwap atomically replaces the value under key with next,
	// but only if the current value equals prev. Returns ErrNotFound if
	// the key is absent, ErrCASMismatch if the current value differs from
	// prev. This is the primitive behind exactly-once challenge consumption.
	CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) error

	// Close releases any resources held by the store
	Close() error
}

// ABOUTME: Package documentation for the kv credential store
// ABOUTME: Describes backend selection and consistency expectations

// Package kv provides the credential store used by every stateful part of
// the gateway: session records, refresh indexes, revocation tombstones,
// device rows, one-time challenges, audit events and rate-limit counters.
//
// Four backends implement the Store interface:
//
//   - memory: map behind a mutex, for tests and local development
//   - sqlite: single file via modernc.org/sqlite, expiring rows plus a
//     supplementary sweep
//   - bolt: go.etcd.io/bbolt single-node file store
//   - redis: redis/go-redis for distributed deployments, native TTL and
//     a Lua script for CompareAndSwap
//
// Consistency: Get/Put offer no read-after-write guarantee across distinct
// requests on a distributed backend. The only atomic primitive callers may
// rely on is CompareAndSwap, which every backend implements as a true
// conditional write.
//
// Backends wrap connectivity failures in ErrUnavailable so that callers can
// distinguish "key absent" from "store down". The gateway maps the latter
// to HTTP 500, never to 401.
package kv

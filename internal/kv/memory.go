// ABOUTME: In-memory Store implementation for tests and local development
// ABOUTME: Map behind a mutex with lazy TTL expiry and a periodic sweep

package kv

import (
	"bytes"
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore implements Store with an in-process map. It is safe for
// concurrent use but obviously does not survive restarts or scale across
// instances - production deployments use the sqlite, bolt or redis backends.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	cancel  context.CancelFunc
}

// NewMemoryStore creates an empty in-memory store and starts its sweep loop.
func NewMemoryStore() *MemoryStore {
	ctx, cancel := context.WithCancel(context.Background())
	s := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		cancel:  cancel,
	}
	go s.sweepLoop(ctx)
	return s
}

// Get returns the value for key, or ErrNotFound if absent or expired.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(time.Now()) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Put stores value under key with the given TTL.
func (s *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

// Delete removes key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// CompareAndSwap atomically replaces prev with next under key.
func (s *MemoryStore) CompareAndSwap(_ context.Context, key string, prev, next []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(time.Now()) {
		return ErrNotFound
	}
	if !bytes.Equal(e.value, prev) {
		return ErrCASMismatch
	}
	ne := &memoryEntry{value: append([]byte(nil), next...)}
	if ttl > 0 {
		ne.expiresAt = time.Now().Add(ttl)
	} else {
		ne.expiresAt = e.expiresAt
	}
	s.entries[key] = ne
	return nil
}

// Close stops the sweep loop.
func (s *MemoryStore) Close() error {
	s.cancel()
	return nil
}

func (s *MemoryStore) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			for k, e := range s.entries {
				if e.expired(now) {
					delete(s.entries, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

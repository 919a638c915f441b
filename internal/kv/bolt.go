// ABOUTME: bbolt implementation of the Store interface for single-node deployments
// ABOUTME: Values carry an expiry prefix, CAS runs inside a write transaction

package kv

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("kv")

// BoltStore implements Store on a bbolt file. Each value is framed as an
// 8-byte big-endian unix-nano expiry (0 = none) followed by the payload;
// expired entries are invisible to readers and removed by the sweep.
type BoltStore struct {
	db     *bolt.DB
	logger *slog.Logger
	cancel context.CancelFunc
}

// NewBoltStore opens (or creates) a bbolt store at the given path.
func NewBoltStore(path string) (*BoltStore, error) {
	logger := slog.Default().With("component", "kv.bolt")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &BoltStore{db: db, logger: logger, cancel: cancel}
	go s.sweepLoop(ctx)

	logger.Info("bolt kv store initialized", "path", path)
	return s, nil
}

func frameValue(value []byte, ttl time.Duration) []byte {
	framed := make([]byte, 8+len(value))
	if ttl > 0 {
		binary.BigEndian.PutUint64(framed, uint64(time.Now().Add(ttl).UnixNano()))
	}
	copy(framed[8:], value)
	return framed
}

// unframe splits a stored value into payload and liveness.
func unframe(framed []byte, now time.Time) (value []byte, live bool) {
	if len(framed) < 8 {
		return nil, false
	}
	exp := binary.BigEndian.Uint64(framed)
	if exp != 0 && now.UnixNano() >= int64(exp) {
		return nil, false
	}
	return framed[8:], true
}

// Get returns the value for key.
func (s *BoltStore) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		framed := tx.Bucket(boltBucket).Get([]byte(key))
		if framed == nil {
			return ErrNotFound
		}
		value, live := unframe(framed, time.Now())
		if !live {
			return ErrNotFound
		}
		out = append([]byte(nil), value...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Put stores value under key with the given TTL.
func (s *BoltStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), frameValue(value, ttl))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Delete removes key.
func (s *BoltStore) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// CompareAndSwap replaces prev with next inside a single write transaction.
func (s *BoltStore) CompareAndSwap(_ context.Context, key string, prev, next []byte, ttl time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		framed := b.Get([]byte(key))
		if framed == nil {
			return ErrNotFound
		}
		cur, live := unframe(framed, time.Now())
		if !live {
			return ErrNotFound
		}
		if !bytes.Equal(cur, prev) {
			return ErrCASMismatch
		}

		newFramed := frameValue(next, ttl)
		if ttl <= 0 {
			// Keep the existing expiry.
			copy(newFramed[:8], framed[:8])
		}
		return b.Put([]byte(key), newFramed)
	})
}

// Close stops the sweep and closes the database.
func (s *BoltStore) Close() error {
	s.cancel()
	return s.db.Close()
}

func (s *BoltStore) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var expired [][]byte
			now := time.Now()
			err := s.db.View(func(tx *bolt.Tx) error {
				return tx.Bucket(boltBucket).ForEach(func(k, v []byte) error {
					if _, live := unframe(v, now); !live {
						expired = append(expired, append([]byte(nil), k...))
					}
					return nil
				})
			})
			if err != nil {
				s.logger.Warn("kv sweep scan failed", "error", err)
				continue
			}
			if len(expired) == 0 {
				continue
			}
			err = s.db.Update(func(tx *bolt.Tx) error {
				b := tx.Bucket(boltBucket)
				for _, k := range expired {
					if v := b.Get(k); v != nil {
						if _, live := unframe(v, time.Now()); !live {
							if err := b.Delete(k); err != nil {
								return err
							}
						}
					}
				}
				return nil
			})
			if err != nil {
				s.logger.Warn("kv sweep delete failed", "error", err)
				continue
			}
			s.logger.Debug("kv sweep removed expired entries", "count", len(expired))
		}
	}
}

// ABOUTME: Tests for the audit event recorder
// ABOUTME: Verifies id/timestamp assignment, persistence and failure handling

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/edge-gateway/internal/kv"
)

// captureStore remembers the last Put for assertions.
type captureStore struct {
	kv.Store
	lastKey   string
	lastValue []byte
	lastTTL   time.Duration
	putErr    error
}

func (c *captureStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c.putErr != nil {
		return c.putErr
	}
	c.lastKey = key
	c.lastValue = value
	c.lastTTL = ttl
	return c.Store.Put(ctx, key, value, ttl)
}

func TestRecorder_Record(t *testing.T) {
	mem := kv.NewMemoryStore()
	defer mem.Close()
	cs := &captureStore{Store: mem}
	rec := NewRecorder(cs, time.Hour, nil)

	e := &Event{
		Subject:   "admin@example.com",
		ClientIP:  "203.0.113.9",
		Action:    ActionLoginSuccess,
		Success:   true,
		ErrorCode: "",
	}
	require.NoError(t, rec.Record(context.Background(), e))

	assert.NotEmpty(t, e.ID, "Record should assign an id")
	assert.False(t, e.Timestamp.IsZero(), "Record should assign a timestamp")
	assert.Equal(t, time.Hour, cs.lastTTL, "retention TTL should be applied")
	assert.Contains(t, cs.lastKey, "event:")
	assert.Contains(t, cs.lastKey, e.ID)

	var stored Event
	require.NoError(t, json.Unmarshal(cs.lastValue, &stored))
	assert.Equal(t, ActionLoginSuccess, stored.Action)
	assert.Equal(t, "admin@example.com", stored.Subject)
	assert.True(t, stored.Success)
}

func TestRecorder_DefaultRetention(t *testing.T) {
	mem := kv.NewMemoryStore()
	defer mem.Close()
	cs := &captureStore{Store: mem}
	rec := NewRecorder(cs, 0, nil)

	require.NoError(t, rec.Record(context.Background(), &Event{Action: ActionSessionRevoked}))
	assert.Equal(t, DefaultRetention, cs.lastTTL)
}

func TestRecorder_StoreFailure(t *testing.T) {
	mem := kv.NewMemoryStore()
	defer mem.Close()
	cs := &captureStore{Store: mem, putErr: kv.ErrUnavailable}
	rec := NewRecorder(cs, time.Hour, nil)

	err := rec.Record(context.Background(), &Event{Action: ActionLoginFailure})
	require.Error(t, err)
	assert.True(t, errors.Is(err, kv.ErrUnavailable))
}

func TestRecorder_PreservesExplicitID(t *testing.T) {
	mem := kv.NewMemoryStore()
	defer mem.Close()
	rec := NewRecorder(mem, time.Hour, nil)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := &Event{ID: "fixed-id", Timestamp: ts, Action: ActionDeviceEnrolled}
	require.NoError(t, rec.Record(context.Background(), e))

	assert.Equal(t, "fixed-id", e.ID)
	assert.Equal(t, ts, e.Timestamp)
}

// ABOUTME: Append-only security event log for authentication operations
// ABOUTME: Records who did what with which outcome, retained on a bounded TTL

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meridian/edge-gateway/internal/kv"
)

// Action identifies an auditable event.
type Action string

const (
	ActionLoginSuccess      Action = "login_success"
	ActionLoginFailure      Action = "login_failure"
	ActionTokenIssued       Action = "token_issued"
	ActionTokenRefreshed    Action = "token_refreshed"
	ActionSessionRevoked    Action = "session_revoked"
	ActionValidateFailure   Action = "validate_failure"
	ActionDeviceEnrolled    Action = "device_enrolled"
	ActionDeviceAuth        Action = "device_auth"
	ActionDeviceAuthFailure Action = "device_auth_failure"
	ActionDeviceRevoked     Action = "device_revoked"
	ActionRateLimited       Action = "rate_limited"
)

// Event is a single security event. Events are never mutated or deleted
// before their retention TTL elapses; the store's expiry is the only
// deletion path.
type Event struct {
	ID         string         `json:"id"`
	Subject    string         `json:"subject,omitempty"`
	DeviceID   string         `json:"device_id,omitempty"`
	ClientIP   string         `json:"client_ip,omitempty"`
	Action     Action         `json:"action"`
	TargetType string         `json:"target_type,omitempty"`
	TargetID   string         `json:"target_id,omitempty"`
	Success    bool           `json:"success"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// DefaultRetention bounds how long events stay in the store.
const DefaultRetention = 24 * time.Hour

// Recorder writes events to the credential store. Downstream tooling scans
// by the "event:" prefix; the recorder itself offers no query API.
type Recorder struct {
	store     kv.Store
	retention time.Duration
	logger    *slog.Logger
}

// NewRecorder creates a Recorder on the given store. A retention <= 0 uses
// DefaultRetention; a nil logger uses slog.Default.
func NewRecorder(store kv.Store, retention time.Duration, logger *slog.Logger) *Recorder {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:     store,
		retention: retention,
		logger:    logger.With("component", "audit"),
	}
}

// Record assigns id and timestamp if unset and appends the event. A failed
// write is logged but not fatal to the surrounding operation: audit is
// best-effort when the store itself is the failing party.
func (r *Recorder) Record(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}

	key := fmt.Sprintf("event:%s:%s", e.Timestamp.UTC().Format(time.RFC3339Nano), e.ID)
	if err := r.store.Put(ctx, key, data, r.retention); err != nil {
		r.logger.Warn("failed to append audit event",
			"action", e.Action,
			"subject", e.Subject,
			"error", err,
		)
		return fmt.Errorf("appending audit event: %w", err)
	}

	r.logger.Debug("audit event recorded",
		"id", e.ID,
		"action", e.Action,
		"subject", e.Subject,
		"success", e.Success,
	)
	return nil
}

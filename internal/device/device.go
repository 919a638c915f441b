// ABOUTME: Registered authenticator devices bound to subjects
// ABOUTME: KV-backed registry with status transitions and monotonic counters

package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meridian/edge-gateway/internal/kv"
)

// Registry errors
var (
	ErrNotFound       = errors.New("device not found")
	ErrNotEnrolled    = errors.New("device is not enrolled")
	ErrCounterRegress = errors.New("device counter regressed")
)

// Class describes what kind of authenticator a device is.
type Class string

const (
	ClassPlatform Class = "platform"
	ClassRoaming  Class = "roaming"
	ClassServer   Class = "server"
	ClassService  Class = "service"
)

// Status is the lifecycle state of a device. Revoked and compromised
// devices keep their rows for forensic review; they are never deleted.
type Status string

const (
	StatusEnrolled    Status = "enrolled"
	StatusRevoked     Status = "revoked"
	StatusCompromised Status = "compromised"
)

// Device is a registered authenticator.
type Device struct {
	ID           string            `json:"id"`
	Subject      string            `json:"subject"`
	Class        Class             `json:"class"`
	PublicKey    []byte            `json:"public_key"`
	PublicKeyAlg int64             `json:"public_key_alg"` // COSE algorithm identifier
	AAGUID       []byte            `json:"aaguid,omitempty"`
	Transports   []string          `json:"transports,omitempty"`
	Attestation  []byte            `json:"attestation,omitempty"`
	SignCount    uint32            `json:"sign_count"`
	Status       Status            `json:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func deviceKey(id string) string { return "device:" + id }

func subjectKey(subject string) string { return "devidx:" + subject }

// Registry persists devices in the credential store. Device rows carry no
// TTL: enrollment is durable until an operator revokes it.
type Registry struct {
	store  kv.Store
	logger *slog.Logger
}

// NewRegistry creates a Registry on the given store.
func NewRegistry(store kv.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  store,
		logger: logger.With("component", "device"),
	}
}

// Create registers a new device. The id is assigned if empty.
func (r *Registry) Create(ctx context.Context, d *Device) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = StatusEnrolled
	}

	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshaling device: %w", err)
	}
	if err := r.store.Put(ctx, deviceKey(d.ID), data, 0); err != nil {
		return fmt.Errorf("storing device: %w", err)
	}

	if err := r.appendSubjectIndex(ctx, d.Subject, d.ID); err != nil {
		// Roll back so a half-registered device cannot authenticate.
		_ = r.store.Delete(ctx, deviceKey(d.ID))
		return fmt.Errorf("indexing device: %w", err)
	}

	r.logger.Info("device registered",
		"device_id", d.ID,
		"subject", d.Subject,
		"class", d.Class,
	)
	return nil
}

// Get returns a device by id.
func (r *Registry) Get(ctx context.Context, id string) (*Device, error) {
	data, err := r.store.Get(ctx, deviceKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading device: %w", err)
	}

	var d Device
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("unmarshaling device: %w", err)
	}
	return &d, nil
}

// ListBySubject returns the devices enrolled for a subject.
func (r *Registry) ListBySubject(ctx context.Context, subject string) ([]*Device, error) {
	ids, err := r.subjectIndex(ctx, subject)
	if err != nil {
		return nil, err
	}

	devices := make([]*Device, 0, len(ids))
	for _, id := range ids {
		d, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// UpdateCounter persists a new signature counter. The new value must be
// strictly greater than the stored one; an equal or lower value indicates a
// cloned key and fails with ErrCounterRegress. The write is a CAS so two
// concurrent authentications cannot both claim the same counter window.
func (r *Registry) UpdateCounter(ctx context.Context, id string, newCount uint32) error {
	prev, err := r.store.Get(ctx, deviceKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("loading device: %w", err)
	}

	var d Device
	if err := json.Unmarshal(prev, &d); err != nil {
		return fmt.Errorf("unmarshaling device: %w", err)
	}

	if newCount <= d.SignCount && !(newCount == 0 && d.SignCount == 0) {
		return ErrCounterRegress
	}

	d.SignCount = newCount
	d.UpdatedAt = time.Now().UTC()
	next, err := json.Marshal(&d)
	if err != nil {
		return fmt.Errorf("marshaling device: %w", err)
	}

	if err := r.store.CompareAndSwap(ctx, deviceKey(id), prev, next, 0); err != nil {
		if errors.Is(err, kv.ErrCASMismatch) {
			// Lost the race to a concurrent authentication; treat it as a
			// replayed counter rather than retrying.
			return ErrCounterRegress
		}
		return fmt.Errorf("updating device counter: %w", err)
	}
	return nil
}

// SetStatus transitions a device's lifecycle state. The row is retained for
// audit regardless of the new status.
func (r *Registry) SetStatus(ctx context.Context, id string, status Status) error {
	prev, err := r.store.Get(ctx, deviceKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("loading device: %w", err)
	}

	var d Device
	if err := json.Unmarshal(prev, &d); err != nil {
		return fmt.Errorf("unmarshaling device: %w", err)
	}

	d.Status = status
	d.UpdatedAt = time.Now().UTC()
	next, err := json.Marshal(&d)
	if err != nil {
		return fmt.Errorf("marshaling device: %w", err)
	}

	if err := r.store.CompareAndSwap(ctx, deviceKey(id), prev, next, 0); err != nil {
		return fmt.Errorf("updating device status: %w", err)
	}

	r.logger.Info("device status changed", "device_id", id, "status", status)
	return nil
}

func (r *Registry) subjectIndex(ctx context.Context, subject string) ([]string, error) {
	data, err := r.store.Get(ctx, subjectKey(subject))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading device index: %w", err)
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("unmarshaling device index: %w", err)
	}
	return ids, nil
}

func (r *Registry) appendSubjectIndex(ctx context.Context, subject, id string) error {
	// CAS loop: the index is shared across enrollments for one subject.
	for attempt := 0; attempt < 5; attempt++ {
		prev, err := r.store.Get(ctx, subjectKey(subject))
		if errors.Is(err, kv.ErrNotFound) {
			data, merr := json.Marshal([]string{id})
			if merr != nil {
				return merr
			}
			if err := r.store.Put(ctx, subjectKey(subject), data, 0); err != nil {
				return err
			}
			return nil
		}
		if err != nil {
			return err
		}

		var ids []string
		if err := json.Unmarshal(prev, &ids); err != nil {
			return err
		}
		ids = append(ids, id)
		next, err := json.Marshal(ids)
		if err != nil {
			return err
		}

		err = r.store.CompareAndSwap(ctx, subjectKey(subject), prev, next, 0)
		if err == nil {
			return nil
		}
		if !errors.Is(err, kv.ErrCASMismatch) {
			return err
		}
	}
	return errors.New("device index contention")
}

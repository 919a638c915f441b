// ABOUTME: Session manager - the sole authority on whether a bearer credential is usable
// ABOUTME: Creates, validates, refreshes and revokes sessions backed by the credential store

package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meridian/edge-gateway/internal/audit"
	"github.com/meridian/edge-gateway/internal/identity"
	"github.com/meridian/edge-gateway/internal/kv"
	"github.com/meridian/edge-gateway/internal/token"
)

// Session errors
var (
	// ErrSessionNotFound covers logout, natural TTL expiry and tokens that
	// were superseded by a refresh.
	ErrSessionNotFound = errors.New("session not found")

	// ErrRevoked means the session or token was explicitly revoked.
	ErrRevoked = errors.New("session revoked")

	// ErrRefreshExpired means the refresh token's own lifetime elapsed.
	ErrRefreshExpired = errors.New("refresh token expired")
)

// Session is the persisted record for one authenticated principal-device
// pairing. Only token hashes are stored, never plaintext tokens.
type Session struct {
	ID               string            `json:"id"`
	Subject          string            `json:"subject"`
	DeviceID         string            `json:"device_id,omitempty"`
	Scope            []string          `json:"scope,omitempty"`
	IssuedAt         time.Time         `json:"issued_at"`
	ExpiresAt        time.Time         `json:"expires_at"`
	AccessTokenHash  string            `json:"access_token_hash"`
	AccessTokenKeyID string            `json:"access_token_key_id,omitempty"`
	RefreshTokenHash string            `json:"refresh_token_hash,omitempty"`
	RefreshExpiresAt time.Time         `json:"refresh_expires_at,omitempty"`
	BindingKeyHash   string            `json:"binding_key_hash,omitempty"`
	ClientIP         string            `json:"client_ip,omitempty"`
	UserAgent        string            `json:"user_agent,omitempty"`
	Revoked          bool              `json:"revoked"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// ClientContext carries the issuing context a session is bound to.
type ClientContext struct {
	IP        string
	UserAgent string
}

// Grant is returned exactly once at creation or refresh; the plaintext
// tokens are never retrievable again.
type Grant struct {
	SessionID    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	ExpiresIn    int64 // seconds until the access token expires
}

// Manager owns the session lifecycle: none -> active -> (refresh keeps
// active) -> revoked|expired, with both end states terminal.
type Manager struct {
	store      kv.Store
	codec      *token.Codec
	recorder   *audit.Recorder
	accessTTL  time.Duration
	refreshTTL time.Duration
	keyID      string
	logger     *slog.Logger
}

// NewManager creates a session manager. accessTTL bounds the signed access
// token (minutes to low hours); refreshTTL bounds the opaque refresh token
// and the session record itself (days).
func NewManager(store kv.Store, codec *token.Codec, recorder *audit.Recorder, accessTTL, refreshTTL time.Duration, keyID string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:      store,
		codec:      codec,
		recorder:   recorder,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		keyID:      keyID,
		logger:     logger.With("component", "session"),
	}
}

func sessionKey(id string) string { return "session:" + id }

func refreshKey(hash string) string { return "refresh:" + hash }

func revokedKey(hash string) string { return "revoked:" + hash }

// Create mints an access/refresh token pair for the subject and persists the
// session record. A failed store write fails the whole call - the client
// never receives tokens the store does not know about.
func (m *Manager) Create(ctx context.Context, subject, deviceID string, scope []string, client ClientContext) (*Grant, error) {
	sessionID := uuid.New().String()
	now := time.Now().UTC()

	accessToken, err := m.codec.Issue(subject, sessionID, deviceID, scope, m.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("issuing access token: %w", err)
	}

	refreshToken, err := generateOpaqueToken(32)
	if err != nil {
		return nil, fmt.Errorf("generating refresh token: %w", err)
	}

	sess := &Session{
		ID:               sessionID,
		Subject:          subject,
		DeviceID:         deviceID,
		Scope:            scope,
		IssuedAt:         now,
		ExpiresAt:        now.Add(m.accessTTL),
		AccessTokenHash:  token.Hash(accessToken),
		AccessTokenKeyID: m.keyID,
		RefreshTokenHash: token.Hash(refreshToken),
		RefreshExpiresAt: now.Add(m.refreshTTL),
		ClientIP:         client.IP,
		UserAgent:        client.UserAgent,
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshaling session: %w", err)
	}

	// The record outlives the access token by the refresh window.
	if err := m.store.Put(ctx, sessionKey(sessionID), data, m.refreshTTL); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}

	if err := m.store.Put(ctx, refreshKey(sess.RefreshTokenHash), []byte(sessionID), m.refreshTTL); err != nil {
		// Partial write: without the refresh index the session would be
		// usable with only one credential. Roll it back.
		_ = m.store.Delete(ctx, sessionKey(sessionID))
		return nil, fmt.Errorf("storing refresh index: %w", err)
	}

	_ = m.recorder.Record(ctx, &audit.Event{
		Subject:    subject,
		DeviceID:   deviceID,
		ClientIP:   client.IP,
		Action:     audit.ActionTokenIssued,
		TargetType: "session",
		TargetID:   sessionID,
		Success:    true,
		Detail: map[string]any{
			"expires_at": sess.ExpiresAt.Format(time.RFC3339),
			"scope":      scope,
		},
	})

	m.logger.Info("session created", "session_id", sessionID, "subject", subject, "device_id", deviceID)

	return &Grant{
		SessionID:    sessionID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    sess.ExpiresAt,
		ExpiresIn:    int64(m.accessTTL.Seconds()),
	}, nil
}

// Validate checks a bearer token end to end: signature and expiry via the
// codec, then the session record, the revoked flag and the revocation set.
// A store outage propagates as kv.ErrUnavailable and must not be read as
// "unauthenticated".
func (m *Manager) Validate(ctx context.Context, tokenString string) (*identity.Identity, error) {
	claims, err := m.codec.Verify(tokenString)
	if err != nil {
		return nil, err
	}

	hash := token.Hash(tokenString)

	// Tombstones catch tokens whose session record was already replaced.
	if _, err := m.store.Get(ctx, revokedKey(hash)); err == nil {
		return nil, ErrRevoked
	} else if !errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("checking revocation set: %w", err)
	}

	sess, err := m.get(ctx, claims.SessionID())
	if err != nil {
		return nil, err
	}

	if sess.Revoked {
		return nil, ErrRevoked
	}

	// A hash mismatch means this token was superseded by a refresh.
	if sess.AccessTokenHash != hash {
		return nil, ErrSessionNotFound
	}

	return &identity.Identity{
		Subject:   sess.Subject,
		SessionID: sess.ID,
		DeviceID:  sess.DeviceID,
		Scope:     sess.Scope,
	}, nil
}

// Refresh exchanges a refresh token for a new access token bound to the same
// session and device. The refresh token itself is not rotated.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*Grant, error) {
	hash := token.Hash(refreshToken)

	idData, err := m.store.Get(ctx, refreshKey(hash))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up refresh token: %w", err)
	}

	sessionID := string(idData)
	prev, err := m.store.Get(ctx, sessionKey(sessionID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(prev, &sess); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}

	if sess.Revoked {
		return nil, ErrRevoked
	}
	if sess.RefreshTokenHash != hash {
		return nil, ErrSessionNotFound
	}
	now := time.Now().UTC()
	if now.After(sess.RefreshExpiresAt) {
		return nil, ErrRefreshExpired
	}

	accessToken, err := m.codec.Issue(sess.Subject, sess.ID, sess.DeviceID, sess.Scope, m.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("issuing access token: %w", err)
	}

	sess.AccessTokenHash = token.Hash(accessToken)
	sess.ExpiresAt = now.Add(m.accessTTL)
	next, err := json.Marshal(&sess)
	if err != nil {
		return nil, fmt.Errorf("marshaling session: %w", err)
	}

	// CAS so a concurrent revoke is not silently overwritten.
	if err := m.store.CompareAndSwap(ctx, sessionKey(sessionID), prev, next, time.Until(sess.RefreshExpiresAt)); err != nil {
		if errors.Is(err, kv.ErrNotFound) || errors.Is(err, kv.ErrCASMismatch) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("updating session: %w", err)
	}

	_ = m.recorder.Record(ctx, &audit.Event{
		Subject:    sess.Subject,
		DeviceID:   sess.DeviceID,
		Action:     audit.ActionTokenRefreshed,
		TargetType: "session",
		TargetID:   sess.ID,
		Success:    true,
		Detail:     map[string]any{"expires_at": sess.ExpiresAt.Format(time.RFC3339)},
	})

	m.logger.Info("session refreshed", "session_id", sess.ID, "subject", sess.Subject)

	return &Grant{
		SessionID:   sess.ID,
		AccessToken: accessToken,
		ExpiresAt:   sess.ExpiresAt,
		ExpiresIn:   int64(m.accessTTL.Seconds()),
	}, nil
}

// Revoke terminates the session behind a bearer token and records a
// revocation tombstone so cached copies of the token fail validation before
// their stated expiry. Revoking an already-gone session is not an error.
func (m *Manager) Revoke(ctx context.Context, tokenString string) error {
	claims, err := m.codec.Verify(tokenString)
	if err != nil {
		// Expired or garbage tokens have nothing usable to revoke.
		return nil
	}

	hash := token.Hash(tokenString)
	remaining := time.Until(claims.ExpiresAt.Time)
	if remaining < time.Minute {
		remaining = time.Minute
	}
	if err := m.store.Put(ctx, revokedKey(hash), []byte("1"), remaining); err != nil {
		return fmt.Errorf("storing revocation: %w", err)
	}

	sess, err := m.get(ctx, claims.SessionID())
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	sess.Revoked = true
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	if err := m.store.Put(ctx, sessionKey(sess.ID), data, time.Until(sess.RefreshExpiresAt)); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}

	_ = m.recorder.Record(ctx, &audit.Event{
		Subject:    sess.Subject,
		DeviceID:   sess.DeviceID,
		Action:     audit.ActionSessionRevoked,
		TargetType: "session",
		TargetID:   sess.ID,
		Success:    true,
	})

	m.logger.Info("session revoked", "session_id", sess.ID, "subject", sess.Subject)
	return nil
}

func (m *Manager) get(ctx context.Context, id string) (*Session, error) {
	data, err := m.store.Get(ctx, sessionKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}
	return &sess, nil
}

// generateOpaqueToken returns n random bytes base64url-encoded.
func generateOpaqueToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

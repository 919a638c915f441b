// ABOUTME: Device ceremony endpoints - register and authenticate flows
// ABOUTME: Begin issues a one-time challenge; finish verifies the response

package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/meridian/edge-gateway/internal/ceremony"
	"github.com/meridian/edge-gateway/internal/device"
	"github.com/meridian/edge-gateway/internal/identity"
	"github.com/meridian/edge-gateway/internal/kv"
	"github.com/meridian/edge-gateway/internal/session"
)

type challengeResponse struct {
	ChallengeID string `json:"challengeId"`
	Challenge   string `json:"challenge"` // base64url
	ExpiresAt   string `json:"expiresAt"`
}

func newChallengeResponse(ch *ceremony.Challenge) challengeResponse {
	return challengeResponse{
		ChallengeID: ch.ID,
		Challenge:   base64.RawURLEncoding.EncodeToString(ch.Challenge),
		ExpiresAt:   ch.ExpiresAt.Format(time.RFC3339),
	}
}

// handleRegisterBegin starts device enrollment for the authenticated
// subject. requireAuth has already attached the identity.
func (s *Server) handleRegisterBegin(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	if id == nil {
		writeAuthRequired(w)
		return
	}

	ch, err := s.ceremony.Begin(r.Context(), id.Subject, ceremony.TypeRegistration)
	if err != nil {
		s.logger.Error("challenge issue failed", "subject", id.Subject, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, newChallengeResponse(ch))
}

type registerFinishRequest struct {
	ChallengeID       string   `json:"challengeId"`
	AttestationObject string   `json:"attestationObject"` // base64
	ClientDataJSON    string   `json:"clientDataJSON"`    // base64
	Class             string   `json:"class,omitempty"`
	Transports        []string `json:"transports,omitempty"`
}

func (s *Server) handleRegisterFinish(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	if id == nil {
		writeAuthRequired(w)
		return
	}

	var req registerFinishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChallengeID == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	attObj, err := decodeField(req.AttestationObject)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid attestationObject encoding")
		return
	}
	clientData, err := decodeField(req.ClientDataJSON)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid clientDataJSON encoding")
		return
	}

	d, err := s.ceremony.FinishRegistration(r.Context(), ceremony.FinishRegistrationParams{
		ChallengeID:       req.ChallengeID,
		AttestationObject: attObj,
		ClientDataJSON:    clientData,
		ExpectedOrigin:    s.cfg.Origin,
		Class:             device.Class(req.Class),
		Transports:        req.Transports,
	})
	if err != nil {
		s.writeCeremonyError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"device": map[string]any{
			"id":    d.ID,
			"class": d.Class,
		},
	})
}

type authenticateBeginRequest struct {
	Username string `json:"username"`
}

// handleAuthenticateBegin starts a device login. It is reachable without a
// session; the challenge subject is taken from the request and proven by
// the signature in the finish step.
func (s *Server) handleAuthenticateBegin(w http.ResponseWriter, r *http.Request) {
	var req authenticateBeginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}

	if !s.limiter.Allow(r.Context(), "device|"+req.Username+"|"+clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "too many attempts")
		return
	}

	ch, err := s.ceremony.Begin(r.Context(), req.Username, ceremony.TypeAuthentication)
	if err != nil {
		s.logger.Error("challenge issue failed", "subject", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Advertise enrolled credential ids so the client can pick an
	// authenticator. Unknown usernames get an empty list, not an error.
	devices, err := s.devices.ListBySubject(r.Context(), req.Username)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		s.logger.Warn("device listing failed", "subject", req.Username, "error", err)
	}
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		if d.Status == device.StatusEnrolled {
			ids = append(ids, d.ID)
		}
	}

	resp := struct {
		challengeResponse
		AllowCredentials []string `json:"allowCredentials"`
	}{newChallengeResponse(ch), ids}
	writeJSON(w, http.StatusOK, resp)
}

type authenticateFinishRequest struct {
	ChallengeID       string `json:"challengeId"`
	DeviceID          string `json:"deviceId"`
	AuthenticatorData string `json:"authenticatorData"` // base64
	ClientDataJSON    string `json:"clientDataJSON"`    // base64
	Signature         string `json:"signature"`         // base64
}

// handleAuthenticateFinish verifies the assertion and, on success, persists
// the new counter and issues a session bound to the device.
func (s *Server) handleAuthenticateFinish(w http.ResponseWriter, r *http.Request) {
	var req authenticateFinishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChallengeID == "" || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	authData, err := decodeField(req.AuthenticatorData)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid authenticatorData encoding")
		return
	}
	clientData, err := decodeField(req.ClientDataJSON)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid clientDataJSON encoding")
		return
	}
	sig, err := decodeField(req.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid signature encoding")
		return
	}

	d, err := s.devices.Get(r.Context(), req.DeviceID)
	if err != nil {
		if errors.Is(err, kv.ErrUnavailable) {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	counter, err := s.ceremony.FinishAuthentication(r.Context(), ceremony.FinishAuthenticationParams{
		ChallengeID:       req.ChallengeID,
		AuthenticatorData: authData,
		ClientDataJSON:    clientData,
		Signature:         sig,
		ExpectedOrigin:    s.cfg.Origin,
		Device:            d,
	})
	if err != nil {
		s.writeCeremonyError(w, r, err)
		return
	}

	if err := s.devices.UpdateCounter(r.Context(), d.ID, counter); err != nil {
		if errors.Is(err, device.ErrCounterRegress) {
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		s.logger.Error("counter update failed", "device_id", d.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	grant, err := s.sessions.Create(r.Context(), d.Subject, d.ID, s.cfg.Scope, session.ClientContext{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		s.logger.Error("session creation failed", "subject", d.Subject, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"token":        grant.AccessToken,
		"refreshToken": grant.RefreshToken,
		"user": userPayload{
			Username: d.Subject,
			Scope:    s.cfg.Scope,
		},
		"expiresAt": grant.ExpiresAt.Format(time.RFC3339),
	})
}

// writeCeremonyError maps ceremony failures to boundary responses. Every
// verification failure collapses to a generic 401; only store outages are
// surfaced as 500.
func (s *Server) writeCeremonyError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, kv.ErrUnavailable) {
		s.logger.Error("credential store unavailable", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("ceremony rejected", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusUnauthorized, "authentication failed")
}

// decodeField accepts base64url (WebAuthn JSON convention) with or without
// padding, falling back to standard base64.
func decodeField(s string) ([]byte, error) {
	trimmed := strings.TrimRight(s, "=")
	if b, err := base64.RawURLEncoding.DecodeString(trimmed); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

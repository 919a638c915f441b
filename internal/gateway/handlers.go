// ABOUTME: Auth endpoint handlers - login, validate, logout, refresh
// ABOUTME: Collapses all failure detail into generic 401s at the boundary

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/meridian/edge-gateway/internal/audit"
	"github.com/meridian/edge-gateway/internal/identity"
	"github.com/meridian/edge-gateway/internal/kv"
	"github.com/meridian/edge-gateway/internal/session"
)

// dummyHash keeps bcrypt timing constant when the username is unknown,
// preventing username enumeration through response latency.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

const genericLoginError = "Invalid username or password"

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userPayload struct {
	Username string   `json:"username"`
	Email    string   `json:"email,omitempty"`
	Scope    []string `json:"scope,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	ip := clientIP(r)
	if !s.limiter.Allow(r.Context(), req.Username+"|"+ip) {
		s.recordFailure(r.Context(), audit.ActionRateLimited, req.Username, ip, "rate_limited")
		writeError(w, http.StatusTooManyRequests, "too many attempts")
		return
	}

	if req.Username != s.cfg.AdminUsername {
		// Burn the same bcrypt cost as a real comparison.
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(req.Password))
		s.recordFailure(r.Context(), audit.ActionLoginFailure, req.Username, ip, "invalid_credentials")
		writeError(w, http.StatusUnauthorized, genericLoginError)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.AdminPasswordHash), []byte(req.Password)); err != nil {
		s.recordFailure(r.Context(), audit.ActionLoginFailure, req.Username, ip, "invalid_credentials")
		writeError(w, http.StatusUnauthorized, genericLoginError)
		return
	}

	grant, err := s.sessions.Create(r.Context(), req.Username, "", s.cfg.Scope, session.ClientContext{
		IP:        ip,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		s.logger.Error("session creation failed", "subject", req.Username, "error", err)
		s.recordFailure(r.Context(), audit.ActionLoginFailure, req.Username, ip, "store_unavailable")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"token":        grant.AccessToken,
		"refreshToken": grant.RefreshToken,
		"user": userPayload{
			Username: req.Username,
			Email:    s.cfg.AdminEmail,
			Scope:    s.cfg.Scope,
		},
		"expiresAt": grant.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	tok, errMsg := identity.ExtractBearer(r.Header.Get("Authorization"))
	if errMsg != "" {
		s.recordFailure(r.Context(), audit.ActionValidateFailure, "", clientIP(r), errMsg)
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	id, err := s.sessions.Validate(r.Context(), tok)
	if err != nil {
		if errors.Is(err, kv.ErrUnavailable) {
			s.logger.Error("credential store unavailable", "error", err)
			s.recordFailure(r.Context(), audit.ActionValidateFailure, "", clientIP(r), "store_unavailable")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.recordFailure(r.Context(), audit.ActionValidateFailure, "", clientIP(r), err.Error())
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid": true,
		"user": userPayload{
			Username: id.Subject,
			Scope:    id.Scope,
		},
		"session": map[string]string{
			"id":        id.SessionID,
			"device_id": id.DeviceID,
		},
	})
}

// handleLogout always succeeds: the client-visible effect (no usable token)
// is achieved whether the session existed, was already gone, or the store
// call failed.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if tok, errMsg := identity.ExtractBearer(r.Header.Get("Authorization")); errMsg == "" {
		if err := s.sessions.Revoke(r.Context(), tok); err != nil {
			s.logger.Warn("logout revocation failed", "error", err)
			s.recordFailure(r.Context(), audit.ActionSessionRevoked, "", clientIP(r), "store_unavailable")
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refreshToken is required")
		return
	}

	grant, err := s.sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, kv.ErrUnavailable) {
			s.logger.Error("credential store unavailable", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.recordFailure(r.Context(), audit.ActionValidateFailure, "", clientIP(r), err.Error())
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken": grant.AccessToken,
		"expiresIn":   grant.ExpiresIn,
	})
}

// requireAuth guards protected routes. A missing or malformed header fails
// without touching the credential store; a present token is validated in
// full. Success attaches the identity to the request context and the
// forwarded headers.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, errMsg := identity.ExtractBearer(r.Header.Get("Authorization"))
		if errMsg != "" {
			writeAuthRequired(w)
			return
		}

		id, err := s.sessions.Validate(r.Context(), tok)
		if err != nil {
			if errors.Is(err, kv.ErrUnavailable) {
				s.logger.Error("credential store unavailable", "error", err)
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			s.recordFailure(r.Context(), audit.ActionValidateFailure, "", clientIP(r), err.Error())
			writeAuthRequired(w)
			return
		}

		r.Header.Set(HeaderSubject, id.Subject)
		r.Header.Set(HeaderScope, strings.Join(id.Scope, " "))
		r.Header.Set(HeaderDevice, id.DeviceID)
		r.Header.Set(HeaderSession, id.SessionID)

		next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), id)))
	})
}

// forwardUpstream dispatches an authenticated request to the downstream
// business handler.
func (s *Server) forwardUpstream(w http.ResponseWriter, r *http.Request) {
	if s.upstream == nil {
		writeError(w, http.StatusBadGateway, "no upstream configured")
		return
	}
	s.upstream.ServeHTTP(w, r)
}

func (s *Server) recordFailure(ctx context.Context, action audit.Action, subject, ip, code string) {
	_ = s.recorder.Record(ctx, &audit.Event{
		Subject:   subject,
		ClientIP:  ip,
		Action:    action,
		Success:   false,
		ErrorCode: code,
	})
}

// ABOUTME: End-to-end tests for the gateway over httptest
// ABOUTME: Covers login, logout-reuse, expired tokens and protected routes

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/meridian/edge-gateway/internal/audit"
	"github.com/meridian/edge-gateway/internal/ceremony"
	"github.com/meridian/edge-gateway/internal/device"
	"github.com/meridian/edge-gateway/internal/identity"
	"github.com/meridian/edge-gateway/internal/kv"
	"github.com/meridian/edge-gateway/internal/ratelimit"
	"github.com/meridian/edge-gateway/internal/session"
	"github.com/meridian/edge-gateway/internal/token"
)

const (
	testSecret   = "gateway-test-secret-gateway-test"
	testUsername = "admin_1477"
	testPassword = "correct"
	testOrigin   = "https://admin.example.com"
)

// spyStore counts every store access so tests can assert a path never
// touched the credential store.
type spyStore struct {
	kv.Store
	calls atomic.Int64
}

func (s *spyStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.calls.Add(1)
	return s.Store.Get(ctx, key)
}

func (s *spyStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.calls.Add(1)
	return s.Store.Put(ctx, key, value, ttl)
}

func (s *spyStore) Delete(ctx context.Context, key string) error {
	s.calls.Add(1)
	return s.Store.Delete(ctx, key)
}

func (s *spyStore) CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) error {
	s.calls.Add(1)
	return s.Store.CompareAndSwap(ctx, key, prev, next, ttl)
}

type testEnv struct {
	server   *Server
	store    *spyStore
	codec    *token.Codec
	sessions *session.Manager
	upstream *upstreamSpy
}

// upstreamSpy records what the downstream business handler received.
type upstreamSpy struct {
	called  bool
	headers http.Header
	subject string
}

func (u *upstreamSpy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.called = true
	u.headers = r.Header.Clone()
	if id := identity.FromContext(r.Context()); id != nil {
		u.subject = id.Subject
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"orders":[]}`))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := &spyStore{Store: kv.NewMemoryStore()}
	t.Cleanup(func() { _ = store.Close() })

	codec, err := token.NewCodec([]byte(testSecret), "edge-gateway", "admin-api", "k1")
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	recorder := audit.NewRecorder(store, time.Hour, nil)
	registry := device.NewRegistry(store, nil)
	sessions := session.NewManager(store, codec, recorder, time.Hour, 30*24*time.Hour, "k1", nil)
	verifier := ceremony.NewVerifier(store, registry, recorder, time.Minute, nil)
	limiter := ratelimit.New(store, 20, time.Minute, nil)
	upstream := &upstreamSpy{}

	server := New(Options{
		Config: Config{
			AdminUsername:     testUsername,
			AdminPasswordHash: string(hash),
			AdminEmail:        "admin@example.com",
			Scope:             []string{"admin:read", "admin:write"},
			Origin:            testOrigin,
			RequestTimeout:    5 * time.Second,
		},
		Sessions: sessions,
		Devices:  registry,
		Ceremony: verifier,
		Limiter:  limiter,
		Recorder: recorder,
		Upstream: upstream,
	})

	return &testEnv{server: server, store: store, codec: codec, sessions: sessions, upstream: upstream}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "203.0.113.7:52000"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T) (accessToken, refreshToken string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/auth/login", map[string]string{
		"username": testUsername,
		"password": testPassword,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Success      bool   `json:"success"`
		Token        string `json:"token"`
		RefreshToken string `json:"refreshToken"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.Token)
	return resp.Token, resp.RefreshToken
}

func TestGateway_LoginIssuesToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/auth/login", map[string]string{
		"username": testUsername,
		"password": testPassword,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Success   bool   `json:"success"`
		Token     string `json:"token"`
		ExpiresAt string `json:"expiresAt"`
		User      struct {
			Username string   `json:"username"`
			Scope    []string `json:"scope"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, testUsername, resp.User.Username)

	claims, err := env.codec.Verify(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "edge-gateway", claims.Issuer)
	assert.Equal(t, testUsername, claims.Subject)
	assert.Contains(t, claims.Scope, "admin:read")

	// exp roughly one hour out
	until := time.Until(claims.ExpiresAt.Time)
	assert.Greater(t, until, 55*time.Minute)
	assert.LessOrEqual(t, until, time.Hour)
}

func TestGateway_LoginRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body map[string]string
		code int
	}{
		{"wrong password", map[string]string{"username": testUsername, "password": "wrong"}, http.StatusUnauthorized},
		{"unknown user", map[string]string{"username": "intruder", "password": testPassword}, http.StatusUnauthorized},
		{"missing password", map[string]string{"username": testUsername}, http.StatusBadRequest},
		{"missing username", map[string]string{"password": testPassword}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/auth/login", tt.body, nil)
			assert.Equal(t, tt.code, rec.Code)
			// The body never says which part was wrong
			assert.NotContains(t, rec.Body.String(), "user not found")
			assert.NotContains(t, rec.Body.String(), "wrong password")
		})
	}
}

func TestGateway_LoginRateLimited(t *testing.T) {
	env := newTestEnv(t)

	// A tight limiter for this test only
	env.server.limiter = ratelimit.New(env.store, 3, time.Minute, nil)

	body := map[string]string{"username": "guessing", "password": "nope"}
	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodPost, "/auth/login", body, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/auth/login", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGateway_ValidateRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	tok, _ := env.login(t)

	rec := env.do(t, http.MethodPost, "/auth/validate", nil, map[string]string{
		"Authorization": "Bearer " + tok,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Valid bool `json:"valid"`
		User  struct {
			Username string `json:"username"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Valid)
	assert.Equal(t, testUsername, resp.User.Username)
}

func TestGateway_LogoutThenReuse(t *testing.T) {
	env := newTestEnv(t)
	tok, _ := env.login(t)

	rec := env.do(t, http.MethodPost, "/auth/logout", nil, map[string]string{
		"Authorization": "Bearer " + tok,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":true`)

	// The token is still signed and unexpired, but the session is gone
	rec = env.do(t, http.MethodPost, "/auth/validate", nil, map[string]string{
		"Authorization": "Bearer " + tok,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGateway_LogoutAlwaysSucceeds(t *testing.T) {
	env := newTestEnv(t)

	// No token at all
	rec := env.do(t, http.MethodPost, "/auth/logout", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Garbage token
	rec = env.do(t, http.MethodPost, "/auth/logout", nil, map[string]string{
		"Authorization": "Bearer garbage",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":true`)
}

func TestGateway_ExpiredTokenRejected(t *testing.T) {
	env := newTestEnv(t)

	expired, err := env.codec.Issue(testUsername, "sess-1", "", []string{"admin:read"}, -time.Minute)
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/auth/validate", nil, map[string]string{
		"Authorization": "Bearer " + expired,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGateway_ProtectedRouteWithoutToken(t *testing.T) {
	env := newTestEnv(t)

	before := env.store.calls.Load()
	rec := env.do(t, http.MethodGet, "/api/admin/orders", nil, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Unauthorized", resp["error"])
	assert.Equal(t, "AUTH_REQUIRED", resp["code"])

	// The credential store must not have been consulted
	assert.Equal(t, before, env.store.calls.Load())
	assert.False(t, env.upstream.called)
}

func TestGateway_ProtectedRouteForwardsIdentity(t *testing.T) {
	env := newTestEnv(t)
	tok, _ := env.login(t)

	rec := env.do(t, http.MethodGet, "/api/admin/orders", nil, map[string]string{
		"Authorization": "Bearer " + tok,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	require.True(t, env.upstream.called)
	assert.Equal(t, testUsername, env.upstream.headers.Get(HeaderSubject))
	assert.Equal(t, "admin:read admin:write", env.upstream.headers.Get(HeaderScope))
	assert.NotEmpty(t, env.upstream.headers.Get(HeaderSession))
	assert.Equal(t, testUsername, env.upstream.subject)
}

func TestGateway_RefreshFlow(t *testing.T) {
	env := newTestEnv(t)
	tok, refresh := env.login(t)

	rec := env.do(t, http.MethodPost, "/auth/refresh", map[string]string{
		"refreshToken": refresh,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		AccessToken string `json:"accessToken"`
		ExpiresIn   int64  `json:"expiresIn"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, int64(3600), resp.ExpiresIn)
	assert.NotEqual(t, tok, resp.AccessToken)

	// Bad refresh token is a 401
	rec = env.do(t, http.MethodPost, "/auth/refresh", map[string]string{
		"refreshToken": "bogus",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGateway_CORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodOptions, "/auth/login", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, testOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestGateway_UnmatchedRouteIs404(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/totally/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	assert.False(t, env.upstream.called)
}

func TestGateway_Health(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

// outageStore serves session reads with an unavailable error while letting
// everything else hit the real store.
type outageStore struct {
	kv.Store
}

func (o *outageStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, kv.ErrUnavailable
}

func TestGateway_StoreOutageIs500Not401(t *testing.T) {
	env := newTestEnv(t)
	tok, _ := env.login(t)

	codec, err := token.NewCodec([]byte(testSecret), "edge-gateway", "admin-api", "k1")
	require.NoError(t, err)
	broken := session.NewManager(&outageStore{Store: env.store}, codec,
		audit.NewRecorder(env.store, time.Hour, nil), time.Hour, time.Hour, "k1", nil)
	env.server.sessions = broken

	rec := env.do(t, http.MethodPost, "/auth/validate", nil, map[string]string{
		"Authorization": "Bearer " + tok,
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code,
		"an unreachable store must never read as unauthenticated")

	rec = env.do(t, http.MethodGet, "/api/admin/orders", nil, map[string]string{
		"Authorization": "Bearer " + tok,
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, env.upstream.called)
}

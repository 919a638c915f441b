// ABOUTME: Edge gateway router - authenticates once, forwards trusted requests
// ABOUTME: Declarative chi route table over the auth endpoints and protected mounts

package gateway

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/meridian/edge-gateway/internal/audit"
	"github.com/meridian/edge-gateway/internal/ceremony"
	"github.com/meridian/edge-gateway/internal/device"
	"github.com/meridian/edge-gateway/internal/ratelimit"
	"github.com/meridian/edge-gateway/internal/session"
)

// Forwarded identity headers set on requests to the downstream handler.
const (
	HeaderSubject = "X-Auth-Subject"
	HeaderScope   = "X-Auth-Scope"
	HeaderDevice  = "X-Auth-Device"
	HeaderSession = "X-Auth-Session"
)

// Config holds the gateway's own settings; stores and managers come in
// through Options.
type Config struct {
	AdminUsername     string
	AdminPasswordHash string // bcrypt
	AdminEmail        string
	Scope             []string
	Origin            string // expected ceremony origin
	CORSOrigin        string
	RequestTimeout    time.Duration
}

// Options wires the gateway to its collaborators. Upstream is the downstream
// business handler mounted under /api/admin; it trusts the forwarded
// identity and performs no further authentication.
type Options struct {
	Config   Config
	Sessions *session.Manager
	Devices  *device.Registry
	Ceremony *ceremony.Verifier
	Limiter  *ratelimit.Limiter
	Recorder *audit.Recorder
	Upstream http.Handler
	Logger   *slog.Logger
}

// Server is the HTTP edge of the gateway.
type Server struct {
	cfg      Config
	sessions *session.Manager
	devices  *device.Registry
	ceremony *ceremony.Verifier
	limiter  *ratelimit.Limiter
	recorder *audit.Recorder
	upstream http.Handler
	logger   *slog.Logger
	router   chi.Router
}

// New builds the route table. Every route the gateway serves is declared
// here; anything unmatched is a JSON 404, never a pass-through.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      opts.Config,
		sessions: opts.Sessions,
		devices:  opts.Devices,
		ceremony: opts.Ceremony,
		limiter:  opts.Limiter,
		recorder: opts.Recorder,
		upstream: opts.Upstream,
		logger:   logger.With("component", "gateway"),
	}
	if s.cfg.RequestTimeout <= 0 {
		s.cfg.RequestTimeout = 5 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	r.Get("/health", s.handleHealth)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/validate", s.handleValidate)
		r.Post("/logout", s.handleLogout)
		r.Post("/refresh", s.handleRefresh)

		r.Route("/device", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(s.requireAuth)
				r.Post("/register/begin", s.handleRegisterBegin)
				r.Post("/register/finish", s.handleRegisterFinish)
			})
			r.Post("/authenticate/begin", s.handleAuthenticateBegin)
			r.Post("/authenticate/finish", s.handleAuthenticateFinish)
		})
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Handle("/*", http.HandlerFunc(s.forwardUpstream))
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// corsMiddleware stamps CORS headers on every response and short-circuits
// preflight requests.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	origin := s.cfg.CORSOrigin
	if origin == "" {
		origin = s.cfg.Origin
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// clientIP extracts the originating client address, preferring proxy
// headers over the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAuthRequired is the single shape every unauthenticated protected
// request gets, regardless of why authentication failed.
func writeAuthRequired(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error": "Unauthorized",
		"code":  "AUTH_REQUIRED",
	})
}

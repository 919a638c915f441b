// ABOUTME: Entry point for the edge-gateway auth server
// ABOUTME: Authenticates at the edge and forwards trusted requests upstream

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/meridian/edge-gateway/internal/audit"
	"github.com/meridian/edge-gateway/internal/ceremony"
	"github.com/meridian/edge-gateway/internal/config"
	"github.com/meridian/edge-gateway/internal/device"
	"github.com/meridian/edge-gateway/internal/gateway"
	"github.com/meridian/edge-gateway/internal/kv"
	"github.com/meridian/edge-gateway/internal/ratelimit"
	"github.com/meridian/edge-gateway/internal/session"
	"github.com/meridian/edge-gateway/internal/token"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
          _                             _
  ___  __| | __ _  ___        __ _  __ _| |_ _____      ____ _ _   _
 / _ \/ _' |/ _' |/ _ \_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
|  __/ (_| | (_| |  __/_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \___|\__,_|\__, |\___|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
            |___/            |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: EDGE_CONFIG env var > XDG_CONFIG_HOME/edge-gateway/config.yaml > ~/.config/edge-gateway/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("EDGE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "edge-gateway", "config.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: edge-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve   Start the gateway server")
		fmt.Println("  health  Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Store:    %s\n", cfg.Store.Backend)
	if cfg.Server.UpstreamURL != "" {
		green.Print("    ▶ ")
		fmt.Printf("Upstream: %s\n", cfg.Server.UpstreamURL)
	}
	fmt.Println()

	logger.Info("starting edge-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"store", cfg.Store.Backend,
	)

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}
	defer store.Close()

	codec, err := token.NewCodec([]byte(cfg.Auth.SigningSecret), cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.KeyID)
	if err != nil {
		return fmt.Errorf("creating token codec: %w", err)
	}

	recorder := audit.NewRecorder(store, cfg.Audit.Retention, logger)
	registry := device.NewRegistry(store, logger)
	sessions := session.NewManager(store, codec, recorder, cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL, cfg.Auth.KeyID, logger)
	verifier := ceremony.NewVerifier(store, registry, recorder, cfg.Ceremony.ChallengeTTL, logger)
	limiter := ratelimit.New(store, cfg.RateLimit.LoginLimit, cfg.RateLimit.Window, logger)

	upstream, err := buildUpstream(cfg.Server.UpstreamURL)
	if err != nil {
		return fmt.Errorf("configuring upstream: %w", err)
	}

	srv := gateway.New(gateway.Options{
		Config: gateway.Config{
			AdminUsername:     cfg.Auth.AdminUsername,
			AdminPasswordHash: cfg.Auth.AdminPasswordHash,
			AdminEmail:        cfg.Auth.AdminEmail,
			Scope:             cfg.Auth.Scope,
			Origin:            cfg.Ceremony.Origin,
			CORSOrigin:        cfg.Server.CORSOrigin,
			RequestTimeout:    cfg.Server.RequestTimeout,
		},
		Sessions: sessions,
		Devices:  registry,
		Ceremony: verifier,
		Limiter:  limiter,
		Recorder: recorder,
		Upstream: upstream,
		Logger:   logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// openStore builds the credential store backend named in config.
func openStore(ctx context.Context, cfg config.StoreConfig) (kv.Store, error) {
	switch cfg.Backend {
	case "memory":
		return kv.NewMemoryStore(), nil
	case "sqlite":
		return kv.NewSQLiteStore(cfg.Path)
	case "bolt":
		return kv.NewBoltStore(cfg.Path)
	case "redis":
		return kv.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// buildUpstream returns a reverse proxy to the configured business handler,
// or nil when no upstream is configured.
func buildUpstream(rawURL string) (http.Handler, error) {
	if rawURL == "" {
		return nil, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream url: %w", err)
	}
	return httputil.NewSingleHostReverseProxy(u), nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Make HTTP request to health endpoint with context
	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

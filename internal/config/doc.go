// Package config handles configuration loading for edge-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults. Secrets never have
// defaults: the signing secret and the admin credential pair must be present
// or startup fails.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  signing_secret: "${EDGE_SIGNING_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	auth:
//	  access_ttl: "1h"
//	  refresh_ttl: "720h"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8787"
//	  request_timeout: "5s"
//	  cors_origin: "https://admin.example.com"
//	  upstream_url: "http://localhost:3000"
//
// Credential store:
//
//	store:
//	  backend: "sqlite"   # memory, sqlite, bolt, redis
//	  path: "/var/lib/edge-gateway/store.db"
//	  redis_addr: "localhost:6379"
//
// Authentication:
//
//	auth:
//	  signing_secret: "${EDGE_SIGNING_SECRET}"   # Required
//	  admin_username: "${EDGE_ADMIN_USER}"       # Required
//	  admin_password_hash: "${EDGE_ADMIN_HASH}"  # Required, bcrypt
//	  admin_email: "admin@example.com"
//	  scope: ["admin:read", "admin:write"]
//	  access_ttl: "1h"
//	  refresh_ttl: "720h"
//
// Device ceremonies:
//
//	ceremony:
//	  origin: "https://admin.example.com"
//	  challenge_ttl: "5m"
//
// Rate limiting and audit retention:
//
//	rate_limit:
//	  login_limit: 10
//	  window: "1m"
//	audit:
//	  retention: "24h"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/edge-gateway/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

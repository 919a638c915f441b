// ABOUTME: Resolved identity for authenticated requests and its context plumbing
// ABOUTME: Provides WithIdentity/FromContext plus bearer-token extraction

package identity

import (
	"context"
	"strings"
)

// Identity holds what the gateway resolved about an authenticated request.
// It is attached once at the gateway boundary; downstream handlers trust it
// and perform no further authentication.
type Identity struct {
	Subject   string   // username or email of the principal
	SessionID string   // session backing this credential
	DeviceID  string   // bound device, empty for password-only sessions
	Scope     []string // granted scope strings
}

// HasScope returns true if the identity carries the given scope.
func (id *Identity) HasScope(scope string) bool {
	for _, s := range id.Scope {
		if s == scope {
			return true
		}
	}
	return false
}

// identityKey is the key type for storing Identity in context.Context.
type identityKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not
// present.
func FromContext(ctx context.Context) *Identity {
	val := ctx.Value(identityKey{})
	if val == nil {
		return nil
	}
	id, ok := val.(*Identity)
	if !ok {
		return nil
	}
	return id
}

// ExtractBearer extracts a bearer token from an Authorization header value.
// Returns the token and an error message (empty if successful). The message
// never reaches clients verbatim; it feeds audit detail.
func ExtractBearer(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	tok := strings.TrimPrefix(authHeader, "Bearer ")
	if tok == "" {
		return "", "empty token"
	}
	return tok, ""
}

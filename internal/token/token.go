// ABOUTME: Signed access-token codec for the gateway, HS256 via golang-jwt
// ABOUTME: Issues and verifies the full claim set and hashes tokens for storage

package token

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors. The gateway collapses all of these to a generic 401 at the
// HTTP boundary; the distinctions exist for audit records.
var (
	ErrMalformedToken = errors.New("malformed token")
	ErrBadSignature   = errors.New("bad token signature")
	ErrExpired        = errors.New("token expired")
	ErrInvalidToken   = errors.New("invalid token")
	ErrMissingClaim   = errors.New("missing required claim")
)

// Claims is the access-token claim set. The session id travels in the
// registered jti claim; device binding in did; an optional proof-of-possession
// key thumbprint in cnf.
type Claims struct {
	Scope        []string `json:"scope,omitempty"`
	DeviceID     string   `json:"did,omitempty"`
	Confirmation string   `json:"cnf,omitempty"`
	jwt.RegisteredClaims
}

// SessionID returns the session identifier carried in the jti claim.
func (c *Claims) SessionID() string {
	return c.ID
}

// Codec issues and verifies HS256-signed tokens. The signing method is
// pinned: a token presenting any other alg fails verification regardless of
// its signature.
type Codec struct {
	secret   []byte
	issuer   string
	audience string
	keyID    string
}

// NewCodec creates a codec with the given signing secret. The secret must be
// non-empty; configuration validation enforces that before this is reached.
func NewCodec(secret []byte, issuer, audience, keyID string) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("signing secret must not be empty")
	}
	return &Codec{
		secret:   secret,
		issuer:   issuer,
		audience: audience,
		keyID:    keyID,
	}, nil
}

// Issue mints a signed token for the given subject. The session id becomes
// the jti claim, ttl sets exp relative to now.
func (c *Codec) Issue(subject, sessionID, deviceID string, scope []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Scope:    scope,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{c.audience},
			ID:        sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if c.keyID != "" {
		tok.Header["kid"] = c.keyID
	}
	return tok.SignedString(c.secret)
}

// Verify validates signature and time claims and returns the decoded claims.
// Failures map onto the package sentinels: framing problems are
// ErrMalformedToken, HMAC mismatch (or a non-HS256 alg) is ErrBadSignature,
// an elapsed exp is ErrExpired.
func (c *Codec) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}

	if !tok.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: jti", ErrMissingClaim)
	}

	return claims, nil
}

// Hash returns the hex SHA-256 of a token. Only hashes are ever persisted;
// a compromised store must not yield usable bearer credentials.
func Hash(tokenString string) string {
	sum := sha256.Sum256([]byte(tokenString))
	return hex.EncodeToString(sum[:])
}

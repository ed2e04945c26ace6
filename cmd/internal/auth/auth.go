// Package auth verifies the access tokens presented by clients.
//
// Courier does not mint end-user credentials; an external identity provider
// does. Two token formats are accepted, selected by configuration:
//   - PASETO v4.public (Ed25519), claims: uid, optional username, optional sid.
//   - HS256 JWT, claims: {"user":{"id","username"}} or a plain "sub".
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrInvalidToken is returned when a token fails verification or carries no user id.
	ErrInvalidToken = errors.New("invalid token")

	// ErrMissingToken is returned when no credential was presented.
	ErrMissingToken = errors.New("missing token")

	// ErrConfig is returned for invalid verifier configuration.
	ErrConfig = errors.New("invalid auth config")
)

// Mode selects the token format.
type Mode string

const (
	ModePaseto Mode = "paseto"
	ModeJWT    Mode = "jwt"
)

// Identity is the authenticated principal extracted from a token.
type Identity struct {
	UserID    string
	Username  string
	SessionID string
	ExpiresAt time.Time
}

// Verifier validates a token at the given instant.
type Verifier interface {
	Verify(token string, now time.Time) (Identity, error)
}

// Config describes how tokens are verified.
type Config struct {
	Mode Mode

	// Issuer, when non-empty, must match the token's iss claim.
	Issuer string

	// PasetoPublicKeyHex is the hex Ed25519 public key (ModePaseto).
	PasetoPublicKeyHex string

	// JWTSecret is the shared HMAC secret (ModeJWT).
	JWTSecret string

	// ClockSkew tolerates small clock differences with the issuer.
	ClockSkew time.Duration
}

// NewVerifier builds the Verifier selected by cfg.Mode.
func NewVerifier(cfg Config) (Verifier, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode)))) {
	case ModePaseto, "":
		return NewPasetoVerifier(cfg.PasetoPublicKeyHex, cfg.Issuer, cfg.ClockSkew)
	case ModeJWT:
		return NewJWTVerifier(cfg.JWTSecret, cfg.Issuer, cfg.ClockSkew)
	default:
		return nil, ErrConfig
	}
}

// BearerToken extracts the token from "Authorization: Bearer <token>".
// Browsers cannot set headers on a WebSocket handshake, so when allowQuery is
// set the access_token query parameter is accepted as a fallback.
func BearerToken(r *http.Request, allowQuery bool) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw != "" {
		parts := strings.SplitN(raw, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return ""
		}
		return strings.TrimSpace(parts[1])
	}
	if allowQuery {
		return strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	return ""
}

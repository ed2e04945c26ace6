package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// jwtUser mirrors the identity provider's nested user object.
type jwtUser struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

type jwtClaims struct {
	User      *jwtUser `json:"user,omitempty"`
	SessionID string   `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret    []byte
	issuer    string
	clockSkew time.Duration
}

var _ Verifier = (*JWTVerifier)(nil)

// NewJWTVerifier builds an HS256 verifier. The secret must be at least 32 bytes.
func NewJWTVerifier(secret, issuer string, clockSkew time.Duration) (*JWTVerifier, error) {
	if len(secret) < 32 {
		return nil, ErrConfig
	}
	return &JWTVerifier{secret: []byte(secret), issuer: issuer, clockSkew: clockSkew}, nil
}

func (v *JWTVerifier) Verify(token string, now time.Time) (Identity, error) {
	if strings.TrimSpace(token) == "" {
		return Identity{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(v.clockSkew),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims jwtClaims
	tok, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !tok.Valid {
		return Identity{}, ErrInvalidToken
	}

	id := Identity{SessionID: claims.SessionID}
	if claims.User != nil {
		id.UserID = strings.TrimSpace(claims.User.ID)
		id.Username = claims.User.Username
	}
	if id.UserID == "" {
		id.UserID = strings.TrimSpace(claims.Subject)
	}
	if id.UserID == "" {
		return Identity{}, ErrInvalidToken
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// IssueJWT signs an HS256 token in the identity provider's format.
func IssueJWT(secret string, id Identity, issuer string, now time.Time, ttl time.Duration) (string, error) {
	if len(secret) < 32 {
		return "", ErrConfig
	}
	if id.UserID == "" {
		return "", errors.New("auth: empty user id")
	}
	claims := jwtClaims{
		User:      &jwtUser{ID: id.UserID, Username: id.Username},
		SessionID: id.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

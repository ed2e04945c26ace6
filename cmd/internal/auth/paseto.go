package auth

import (
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// PasetoVerifier verifies PASETO v4.public access tokens.
type PasetoVerifier struct {
	issuer    string
	clockSkew time.Duration
	public    paseto.V4AsymmetricPublicKey
}

var _ Verifier = (*PasetoVerifier)(nil)

// NewPasetoVerifier builds a verifier from a hex-encoded Ed25519 public key.
func NewPasetoVerifier(publicKeyHex, issuer string, clockSkew time.Duration) (*PasetoVerifier, error) {
	public, err := paseto.NewV4AsymmetricPublicKeyFromHex(strings.TrimSpace(publicKeyHex))
	if err != nil {
		return nil, ErrConfig
	}
	return &PasetoVerifier{
		issuer:    issuer,
		clockSkew: clockSkew,
		public:    public,
	}, nil
}

func (v *PasetoVerifier) Verify(token string, now time.Time) (Identity, error) {
	if strings.TrimSpace(token) == "" {
		return Identity{}, ErrMissingToken
	}

	// Validate slightly in the future so an issuer clock ahead of ours does not
	// fail "nbf".
	validNow := now.Add(v.clockSkew)

	// Fresh parser per call; rules accumulate on a shared one.
	p := paseto.NewParser()
	if v.issuer != "" {
		p.AddRule(paseto.IssuedBy(v.issuer))
	}
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(v.public, token, nil)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	uid, err := parsed.GetString("uid")
	if err != nil || strings.TrimSpace(uid) == "" {
		return Identity{}, ErrInvalidToken
	}
	username, _ := parsed.GetString("username")
	sid, _ := parsed.GetString("sid")
	exp, _ := parsed.GetExpiration()

	return Identity{
		UserID:    uid,
		Username:  username,
		SessionID: sid,
		ExpiresAt: exp,
	}, nil
}

// PasetoIssuer signs v4.public tokens. Production tokens come from the identity
// provider; the issuer serves tests and the smoke tool.
type PasetoIssuer struct {
	issuer string
	ttl    time.Duration
	secret paseto.V4AsymmetricSecretKey
}

// NewPasetoIssuer builds an issuer from a hex-encoded Ed25519 secret key.
// An empty key generates a fresh keypair.
func NewPasetoIssuer(secretKeyHex, issuer string, ttl time.Duration) (*PasetoIssuer, error) {
	var secret paseto.V4AsymmetricSecretKey
	if strings.TrimSpace(secretKeyHex) == "" {
		secret = paseto.NewV4AsymmetricSecretKey()
	} else {
		var err error
		secret, err = paseto.NewV4AsymmetricSecretKeyFromHex(strings.TrimSpace(secretKeyHex))
		if err != nil {
			return nil, ErrConfig
		}
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &PasetoIssuer{issuer: issuer, ttl: ttl, secret: secret}, nil
}

// PublicKeyHex is the verifier key matching this issuer.
func (i *PasetoIssuer) PublicKeyHex() string {
	return i.secret.Public().ExportHex()
}

// SecretKeyHex exports the signing key.
func (i *PasetoIssuer) SecretKeyHex() string {
	return i.secret.ExportHex()
}

// Issue signs a token for id at now.
func (i *PasetoIssuer) Issue(id Identity, now time.Time) (string, time.Time) {
	exp := now.Add(i.ttl)

	tok := paseto.NewToken()
	if i.issuer != "" {
		tok.SetIssuer(i.issuer)
	}
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)

	_ = tok.Set("uid", id.UserID)
	if id.Username != "" {
		_ = tok.Set("username", id.Username)
	}
	if id.SessionID != "" {
		_ = tok.Set("sid", id.SessionID)
	}

	return tok.V4Sign(i.secret, nil), exp
}

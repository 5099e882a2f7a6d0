package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Authenticator obtains tokens from the identity provider.
type Authenticator interface {
	PasswordGrant(ctx context.Context, creds Credentials) (*Token, error)
	RefreshGrant(ctx context.Context, creds Credentials, refreshToken string) (*Token, error)
}

// Credentials is an issuer's ATV login.
type Credentials struct {
	IssuerID string
	Username string
	Password []byte
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{IssuerID: %s, Username: %s, Password: [redacted]}", c.IssuerID, c.Username)
}

// Zero wipes the password.
func (c *Credentials) Zero() {
	for i := range c.Password {
		c.Password[i] = 0
	}
}

// Token is an access token with its refresh token. Tokens are replaced, never modified.
type Token struct {
	AccessToken      string
	ExpiresAt        time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// ValidFor reports whether the access token stays valid for more than skew after now.
func (t *Token) ValidFor(now time.Time, skew time.Duration) bool {
	return t != nil && t.AccessToken != "" && !t.ExpiresAt.IsZero() && t.ExpiresAt.Sub(now) > skew
}

func (t *Token) refreshableAt(now time.Time, skew time.Duration) bool {
	return t != nil && t.RefreshToken != "" && !t.RefreshExpiresAt.IsZero() && t.RefreshExpiresAt.Sub(now) > skew
}

func (t *Token) String() string {
	if t == nil {
		return "Token{}"
	}
	return fmt.Sprintf("Token{%s, expires %s}", Fingerprint(t.AccessToken), t.ExpiresAt.Format(time.RFC3339))
}

// Fingerprint identifies a token in logs without revealing it.
func Fingerprint(token string) string {
	if token == "" {
		return "none"
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}

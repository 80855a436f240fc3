package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrTokenMalformed indicates the token does not have the expected shape.
	ErrTokenMalformed = errors.New("token malformed")
	// ErrTokenSignature indicates the signature does not verify.
	ErrTokenSignature = errors.New("token signature invalid")
	// ErrTokenExpired indicates the token is past its expiry.
	ErrTokenExpired = errors.New("token expired")
)

// Signer mints and verifies HMAC-SHA256 signed access tokens. The wire form
// is base64url(claims JSON) + "." + base64url(signature).
type Signer struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

// NewSigner creates a token signer. Lifetime applies to minted tokens.
func NewSigner(secret string, lifetime time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, fmt.Errorf("signing secret is required")
	}
	if lifetime <= 0 {
		return nil, fmt.Errorf("token lifetime must be positive")
	}

	return &Signer{
		secret:   []byte(secret),
		lifetime: lifetime,
		now:      time.Now,
	}, nil
}

// WithNow allows tests to control the clock.
func (s *Signer) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Lifetime returns the configured token lifetime.
func (s *Signer) Lifetime() time.Duration {
	return s.lifetime
}

// Mint issues a signed token for the given user.
func (s *Signer) Mint(userID, email, role string) (string, Claims, error) {
	now := s.now().UTC()
	claims := Claims{
		UserID:    userID,
		Email:     email,
		Role:      role,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.lifetime),
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", Claims{}, fmt.Errorf("failed to marshal claims: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)
	token := encoded + "." + s.sign(encoded)

	return token, claims, nil
}

// Verify checks signature and expiry and returns the embedded claims.
func (s *Signer) Verify(token string) (Claims, error) {
	encoded, signature, found := strings.Cut(token, ".")
	if !found || encoded == "" || signature == "" {
		return Claims{}, ErrTokenMalformed
	}

	expected := s.sign(encoded)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return Claims{}, ErrTokenSignature
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Claims{}, ErrTokenMalformed
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, ErrTokenMalformed
	}

	if !s.now().UTC().Before(claims.ExpiresAt) {
		return Claims{}, ErrTokenExpired
	}

	return claims, nil
}

func (s *Signer) sign(encoded string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

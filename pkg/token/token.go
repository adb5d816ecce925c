// Package token signs opaque values into short-lived string tokens and
// verifies them back. Tokens are HMAC-signed JWTs; the signing key is derived
// from a process-wide secret plus a scope and a salt, so a token signed for
// one scope never verifies under another.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// VerificationError reports a token that failed signature, scope or age
// checks. Connection setup treats it as fatal.
type VerificationError struct {
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token verification failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("token verification failed: %s", e.Reason)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// Service signs and verifies scoped tokens with a shared secret.
type Service struct {
	secret []byte
}

// NewService builds a Service around the process-wide secret.
func NewService(secret []byte) (*Service, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: secret must not be empty")
	}
	return &Service{secret: secret}, nil
}

// key derives the per-scope signing key. scope and salt are length-prefixed
// so ("ab","c") and ("a","bc") derive different keys.
func (s *Service) key(scope, salt string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%d:%s%d:%s", len(scope), scope, len(salt), salt)
	return mac.Sum(nil)
}

// Sign wraps value into a token bound to scope and salt.
func (s *Service) Sign(scope string, value any, salt string) (string, error) {
	claims := jwt.MapClaims{
		"sub": scope,
		"iat": jwt.NewNumericDate(time.Now()),
		"v":   value,
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key(scope, salt))
	if err != nil {
		return "", fmt.Errorf("token: sign %s: %w", scope, err)
	}
	return tok, nil
}

// Verify checks the token signature and age and returns the embedded value.
// Tokens issued more than maxAge ago are rejected.
func (s *Service) Verify(scope, tok, salt string, maxAge time.Duration) (any, error) {
	parsed, err := jwt.Parse(tok,
		func(*jwt.Token) (any, error) { return s.key(scope, salt), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, &VerificationError{Reason: "bad signature or malformed token", Err: err}
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, &VerificationError{Reason: "unexpected claims shape"}
	}
	if sub, _ := claims["sub"].(string); sub != scope {
		return nil, &VerificationError{Reason: fmt.Sprintf("scope mismatch: want %q, got %q", scope, sub)}
	}
	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return nil, &VerificationError{Reason: "missing issued-at", Err: err}
	}
	if age := time.Since(iat.Time); age > maxAge {
		return nil, &VerificationError{Reason: fmt.Sprintf("token expired: age %v exceeds %v", age.Round(time.Second), maxAge)}
	}
	return claims["v"], nil
}

// VerifyMap is Verify for tokens whose value is a JSON object.
func (s *Service) VerifyMap(scope, tok, salt string, maxAge time.Duration) (map[string]any, error) {
	v, err := s.Verify(scope, tok, salt, maxAge)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return map[string]any{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &VerificationError{Reason: fmt.Sprintf("value is %T, not an object", v)}
	}
	return m, nil
}

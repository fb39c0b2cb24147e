package api

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const tokenIssuer = "overlord"

// ErrInvalidToken is returned for a bearer token that matches neither the
// configured hash nor a valid JWT.
var ErrInvalidToken = errors.New("invalid token")

// AuthConfig holds authentication configuration. With neither field set
// the control routes are open.
type AuthConfig struct {
	// TokenHash is the bcrypt hash of the static bearer token.
	TokenHash string
	// JWTSecret signs HS256 bearer tokens.
	JWTSecret string
}

// Enabled reports whether any credential is configured.
func (c AuthConfig) Enabled() bool {
	return c.TokenHash != "" || c.JWTSecret != ""
}

// Authenticator verifies bearer tokens.
type Authenticator struct {
	cfg AuthConfig
	// verified remembers static tokens that matched the hash, keyed by
	// digest, so bcrypt runs once per token.
	verified sync.Map
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	return &Authenticator{cfg: cfg}
}

// Enabled reports whether tokens are required.
func (a *Authenticator) Enabled() bool {
	return a.cfg.Enabled()
}

// Verify accepts a token matching the bcrypt hash or a valid HS256 JWT.
func (a *Authenticator) Verify(token string) error {
	if token == "" {
		return ErrInvalidToken
	}
	if a.cfg.TokenHash != "" {
		digest := sha256.Sum256([]byte(token))
		if _, ok := a.verified.Load(digest); ok {
			return nil
		}
		if bcrypt.CompareHashAndPassword([]byte(a.cfg.TokenHash), []byte(token)) == nil {
			a.verified.Store(digest, struct{}{})
			return nil
		}
	}
	if a.cfg.JWTSecret != "" {
		if _, err := ParseToken(a.cfg.JWTSecret, token); err == nil {
			return nil
		}
	}
	return ErrInvalidToken
}

// IssueToken signs a JWT for subject valid for ttl. A zero ttl issues a
// token without expiry; a negative ttl is rejected.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	if ttl < 0 {
		return "", fmt.Errorf("negative token ttl %s", ttl)
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:   tokenIssuer,
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates a JWT issued by IssueToken and returns its claims.
func ParseToken(secret, tokenStr string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// HashToken returns the bcrypt hash to configure as api.token_hash.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

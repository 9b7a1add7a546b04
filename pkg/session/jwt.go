package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// NewDevSecret generates a random 32-byte hex-encoded signing key for local
// development, grounded on the teacher's SessionManager.GenerateDevSecret.
func NewDevSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return hex.EncodeToString(b)
}

// TokenClaims are the claims embedded in a signed Mcp-Session-Id token,
// grounded on the teacher's SessionClaims/SessionManager (internal/auth/
// session.go), adapted from a cookie session JWT to a bearer session-id
// header so a forged or replayed id is rejected before session lookup.
type TokenClaims struct {
	SessionID    string `json:"sid"`
	AgentName    string `json:"agentName"`
	AgentVersion string `json:"agentVersion,omitempty"`
}

// TokenManager issues and validates self-signed session tokens using
// HMAC-SHA256, exactly as the teacher's SessionManager.
type TokenManager struct {
	signingKey []byte
	maxAge     time.Duration
}

func NewTokenManager(secret string, maxAge time.Duration) (*TokenManager, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("session signing key must be at least 32 bytes, got %d", len(secret))
	}
	return &TokenManager{signingKey: []byte(secret), maxAge: maxAge}, nil
}

// Issue creates a signed token carrying claims.
func (tm *TokenManager) Issue(claims TokenClaims) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: tm.signingKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	now := time.Now()
	registered := jwt.Claims{
		Subject:   claims.SessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(tm.maxAge)),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    "trustgate",
	}

	token, err := jwt.Signed(signer).Claims(registered).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

// Validate verifies signature and expiry and returns the claims.
func (tm *TokenManager) Validate(raw string) (*TokenClaims, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	var registered jwt.Claims
	var custom TokenClaims
	if err := tok.Claims(tm.signingKey, &registered, &custom); err != nil {
		return nil, fmt.Errorf("verifying token: %w", err)
	}

	if err := registered.ValidateWithLeeway(jwt.Expected{
		Issuer: "trustgate",
		Time:   time.Now(),
	}, 5*time.Second); err != nil {
		return nil, fmt.Errorf("validating claims: %w", err)
	}

	return &custom, nil
}

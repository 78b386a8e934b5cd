// Package auth proves who is calling the registry.
//
// AUTHENTICATION FLOW OVERVIEW:
//  1. Client asks GET /api/auth/challenge?address=0x.. for a one-time message
//  2. Client signs the message with the address's private key (EIP-191)
//  3. POST /api/auth/login recovers the signer from the signature; if it
//     matches the address, the server issues a JWT whose subject is the address
//  4. On later calls, middleware validates the JWT (cookie or bearer header)
//     and puts the address into the request context as the ledger caller
//
// GitHub linking (oauth.go) is optional and only attaches a login to an
// already-authenticated address. It never creates an identity on its own.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer = "issue-registry"

	// DefaultTokenTTL is how long a login lasts.
	DefaultTokenTTL = time.Hour
)

// TokenService handles JWT creation and validation with one HMAC secret.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a TokenService with the given secret.
// Example: JWT_SECRET=$(openssl rand -hex 32)
func NewTokenService(secret string) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	return &TokenService{secret: []byte(secret), ttl: DefaultTokenTTL}, nil
}

// TTL is the lifetime of tokens issued by Generate.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

// claims is the JWT payload. "sub" holds the caller's checksummed address.
type claims struct {
	jwt.RegisteredClaims
}

// Generate signs a token for addr valid for the service's TTL.
func (s *TokenService) Generate(addr common.Address) (string, error) {
	return s.GenerateWithDuration(addr, s.ttl)
}

// GenerateWithDuration creates a token with a custom expiry duration.
// Used in tests to mint already-expired tokens.
func (s *TokenService) GenerateWithDuration(addr common.Address, d time.Duration) (string, error) {
	now := time.Now()

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   addr.Hex(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d)),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}

	return signed, nil
}

// Validate parses and verifies a JWT string and returns the address it was
// issued to.
//
// VALIDATION CHECKS (performed by the jwt library):
//   - Signature is valid
//   - Token is not expired
//   - Issuer matches
//   - Algorithm is HS256 (prevents "alg: none" confusion attacks)
//
// On top of those, the subject must be a well-formed, non-zero address.
func (s *TokenService) Validate(tokenStr string) (common.Address, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return common.Address{}, fmt.Errorf("auth: token expired")
		}
		return common.Address{}, fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return common.Address{}, fmt.Errorf("auth: invalid token claims")
	}

	if !common.IsHexAddress(c.Subject) {
		return common.Address{}, fmt.Errorf("auth: token subject %q is not an address", c.Subject)
	}
	addr := common.HexToAddress(c.Subject)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("auth: token subject is the zero address")
	}

	return addr, nil
}

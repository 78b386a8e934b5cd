package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

const testSecret = "test-secret-at-least-16-chars!!"

// newTestTokenService uses a fixed secret so tests are deterministic.
func newTestTokenService(t *testing.T) *TokenService {
	t.Helper()
	ts, err := NewTokenService(testSecret)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return ts
}

// =========================================================================
// TOKEN SERVICE CONSTRUCTION TESTS
// =========================================================================

func TestNewTokenService_ShortSecret(t *testing.T) {
	_, err := NewTokenService("short")
	if err == nil {
		t.Fatal("NewTokenService() should reject secrets shorter than 16 chars")
	}
}

func TestNewTokenService_DefaultTTL(t *testing.T) {
	ts := newTestTokenService(t)
	if ts.TTL() != DefaultTokenTTL {
		t.Errorf("TTL() = %v, want %v", ts.TTL(), DefaultTokenTTL)
	}
}

// =========================================================================
// GENERATE / VALIDATE TESTS
// =========================================================================

func TestGenerate_DifferentAddressesGetDifferentTokens(t *testing.T) {
	ts := newTestTokenService(t)

	token1, _ := ts.Generate(alice)
	token2, _ := ts.Generate(bob)

	if strings.Count(token1, ".") != 2 {
		t.Errorf("Generate() token doesn't look like a JWT: %q", token1)
	}
	if token1 == token2 {
		t.Error("Generate() returned identical tokens for different addresses")
	}
}

func TestValidate_RoundTrip(t *testing.T) {
	ts := newTestTokenService(t)

	token, err := ts.Generate(alice)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	got, err := ts.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got != alice {
		t.Errorf("Validate() = %s, want %s", got.Hex(), alice.Hex())
	}
}

func TestValidate_Rejects(t *testing.T) {
	ts := newTestTokenService(t)
	other, _ := NewTokenService("wrong-secret-32-chars-long!!!!!!")

	expired, _ := ts.GenerateWithDuration(alice, -time.Second)
	valid, _ := ts.Generate(alice)
	foreign, _ := other.Generate(alice)

	// A correctly signed token whose subject is not an address.
	notAddress, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))

	// Right secret, wrong issuer.
	otherIssuer, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   alice.Hex(),
			Issuer:    "some-other-service",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))

	zero, _ := ts.Generate(common.Address{})

	cases := []struct {
		name  string
		token string
	}{
		{"expired", expired},
		{"tampered", valid[:len(valid)-3] + "xxx"},
		{"wrong secret", foreign},
		{"empty", ""},
		{"garbage", "not.a.jwt.token"},
		{"subject not an address", notAddress},
		{"wrong issuer", otherIssuer},
		{"zero address", zero},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ts.Validate(tc.token); err == nil {
				t.Fatal("Validate() should return an error")
			}
		})
	}
}

package auth

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// AdminKeyHeader carries the plaintext admin key on /admin routes.
const AdminKeyHeader = "X-Admin-Key"

// DefaultAdminKeyCost is the bcrypt work factor for HashAdminKey.
const DefaultAdminKeyCost = 12

// AdminKey verifies the operator key that guards admin routes. Only the
// bcrypt hash is configured; the plaintext never touches disk.
//
// Hash format:
//
//	$2a$12$<22-char salt><31-char hash>
type AdminKey struct {
	hash []byte
}

// NewAdminKey checks that hash is a bcrypt hash before accepting it.
func NewAdminKey(hash string) (*AdminKey, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("auth: admin key hash: %w", err)
	}
	return &AdminKey{hash: []byte(hash)}, nil
}

// HashAdminKey hashes plaintext for the admin_key_hash setting.
// Keys over 72 bytes are rejected: bcrypt would silently truncate them.
func HashAdminKey(plaintext string, cost int) (string, error) {
	if plaintext == "" {
		return "", errors.New("auth: admin key must not be empty")
	}
	if len(plaintext) > 72 {
		return "", fmt.Errorf("auth: admin key must be 72 bytes or fewer")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), cost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing admin key: %w", err)
	}
	return string(hashed), nil
}

// Verify is constant-time inside bcrypt.
func (k *AdminKey) Verify(plaintext string) error {
	err := bcrypt.CompareHashAndPassword(k.hash, []byte(plaintext))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return fmt.Errorf("auth: invalid admin key")
		}
		return fmt.Errorf("auth: comparing admin key hash: %w", err)
	}
	return nil
}

// RequireAdminKey guards a route group with the X-Admin-Key header. A nil key
// disables the group: every request gets 404, as if the routes did not exist.
func RequireAdminKey(key *AdminKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == nil {
				http.NotFound(w, r)
				return
			}

			provided := r.Header.Get(AdminKeyHeader)
			if provided == "" || key.Verify(provided) != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(`{"error":"unauthorized","message":"valid admin key required"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

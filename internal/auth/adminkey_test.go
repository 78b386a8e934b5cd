package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

// newTestAdminKey hashes at bcrypt.MinCost so tests run in milliseconds.
func newTestAdminKey(t *testing.T, plaintext string) *AdminKey {
	t.Helper()
	hash, err := HashAdminKey(plaintext, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashAdminKey() error = %v", err)
	}
	key, err := NewAdminKey(hash)
	if err != nil {
		t.Fatalf("NewAdminKey() error = %v", err)
	}
	return key
}

func TestHashAdminKey(t *testing.T) {
	hash1, err := HashAdminKey("operator-key", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashAdminKey() error = %v", err)
	}
	if !strings.HasPrefix(hash1, "$2") {
		t.Errorf("hash does not look like bcrypt: %q", hash1)
	}

	hash2, _ := HashAdminKey("operator-key", bcrypt.MinCost)
	if hash1 == hash2 {
		t.Error("two hashes of the same key are identical (salt must be random)")
	}

	if _, err := HashAdminKey(strings.Repeat("a", 73), bcrypt.MinCost); err == nil {
		t.Error("HashAdminKey() should reject keys over 72 bytes")
	}
	if _, err := HashAdminKey("", bcrypt.MinCost); err == nil {
		t.Error("HashAdminKey() should reject an empty key")
	}
}

func TestNewAdminKey_RejectsNonBcrypt(t *testing.T) {
	if _, err := NewAdminKey("not-a-valid-bcrypt-hash"); err == nil {
		t.Fatal("NewAdminKey() should reject a garbage hash")
	}
}

func TestAdminKey_Verify(t *testing.T) {
	key := newTestAdminKey(t, "correct-horse-battery-staple")

	if err := key.Verify("correct-horse-battery-staple"); err != nil {
		t.Errorf("Verify() with the right key: %v", err)
	}
	if err := key.Verify("wrong"); err == nil {
		t.Error("Verify() should fail for a wrong key")
	}
	if err := key.Verify(""); err == nil {
		t.Error("Verify() should fail for an empty key")
	}
}

func TestRequireAdminKey(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	key := newTestAdminKey(t, "operator-key")

	cases := []struct {
		name     string
		key      *AdminKey
		header   string
		wantCode int
	}{
		{"valid key", key, "operator-key", http.StatusOK},
		{"wrong key", key, "guess", http.StatusForbidden},
		{"missing header", key, "", http.StatusForbidden},
		{"admin routes disabled", nil, "operator-key", http.StatusNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/audit", nil)
			if tc.header != "" {
				req.Header.Set(AdminKeyHeader, tc.header)
			}
			rec := httptest.NewRecorder()

			RequireAdminKey(tc.key)(ok).ServeHTTP(rec, req)

			if rec.Code != tc.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantCode)
			}
		})
	}
}

package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethcentivize/issue-registry/internal/auth"
	"github.com/ethcentivize/issue-registry/internal/config"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const adminKey = "let-me-audit-please"

func testConfig(t *testing.T) config.Config {
	t.Helper()
	hash, err := auth.HashAdminKey(adminKey, bcrypt.MinCost)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.DBPath = ""
	cfg.JWTSecret = "server-test-secret-0123456789"
	cfg.AdminKeyHash = hash
	return cfg
}

func newTestServer(t *testing.T, cfg config.Config) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return ts
}

type user struct {
	key   *ecdsa.PrivateKey
	addr  common.Address
	token string
}

func login(t *testing.T, ts *httptest.Server) user {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	resp, err := http.Get(ts.URL + "/api/auth/challenge?address=" + addr.Hex())
	require.NoError(t, err)
	var ch struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ch))
	resp.Body.Close()

	sig, err := auth.SignMessage(key, ch.Message)
	require.NoError(t, err)
	body, _ := json.Marshal(map[string]string{"address": addr.Hex(), "signature": hexutil.Encode(sig)})

	resp, err = http.Post(ts.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return user{key: key, addr: addr, token: out.Token}
}

func do(t *testing.T, ts *httptest.Server, method, path, token, body string, headers ...string) (int, string) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestRewardLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, testConfig(t))
	alice := login(t, ts)
	bob := login(t, ts)

	status, body := do(t, ts, http.MethodPost, "/api/issues", alice.token,
		`{"kind":"Bug","assignee":"`+bob.addr.Hex()+`","description":"fix it","rewardAmount":500}`)
	require.Equal(t, http.StatusCreated, status, body)
	assert.JSONEq(t, `{"id":0}`, body)

	status, body = do(t, ts, http.MethodPost, "/api/issues/0/start", bob.token, "")
	require.Equal(t, http.StatusOK, status, body)

	status, body = do(t, ts, http.MethodPost, "/api/issues/0/credit", alice.token,
		`{"beneficiary":"`+bob.addr.Hex()+`"}`)
	require.Equal(t, http.StatusOK, status, body)
	assert.Contains(t, body, `"stage":"Closed"`)

	status, body = do(t, ts, http.MethodGet, "/api/balances/"+bob.addr.Hex(), "", "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Contains(t, body, `"balance":500`)

	status, body = do(t, ts, http.MethodPost, "/api/withdraw", bob.token, "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Contains(t, body, `"amount":500`)

	status, body = do(t, ts, http.MethodPost, "/api/withdraw", bob.token, "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, body, "nothing_to_withdraw")

	status, body = do(t, ts, http.MethodGet, "/admin/audit", "", "", "X-Admin-Key", adminKey)
	require.Equal(t, http.StatusOK, status, body)
	assert.Contains(t, body, `"balanced":true`)
	assert.Contains(t, body, `"paidOut":500`)

	status, body = do(t, ts, http.MethodGet, "/api/events?limit=10", "", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"kind":"IssueCreated"`)
}

func TestRoutesRequireAuth(t *testing.T) {
	ts := newTestServer(t, testConfig(t))

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/issues"},
		{http.MethodPost, "/api/issues/0/start"},
		{http.MethodPost, "/api/issues/0/assignee"},
		{http.MethodPost, "/api/issues/0/credit"},
		{http.MethodPost, "/api/withdraw"},
		{http.MethodGet, "/api/me"},
		{http.MethodGet, "/auth/github/login"},
	} {
		status, body := do(t, ts, tc.method, tc.path, "", "")
		assert.Equal(t, http.StatusUnauthorized, status, "%s %s", tc.method, tc.path)
		assert.Contains(t, body, "unauthenticated")
	}

	status, _ := do(t, ts, http.MethodGet, "/api/issues/count", "", "")
	assert.Equal(t, http.StatusOK, status)
}

func TestAdminRoutes(t *testing.T) {
	t.Run("wrong key", func(t *testing.T) {
		ts := newTestServer(t, testConfig(t))
		status, _ := do(t, ts, http.MethodGet, "/admin/audit", "", "", "X-Admin-Key", "guess")
		assert.Equal(t, http.StatusForbidden, status)
	})

	t.Run("disabled without a hash", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.AdminKeyHash = ""
		ts := newTestServer(t, cfg)
		status, _ := do(t, ts, http.MethodGet, "/admin/audit", "", "", "X-Admin-Key", adminKey)
		assert.Equal(t, http.StatusNotFound, status)
	})
}

func TestProbesAndMetrics(t *testing.T) {
	ts := newTestServer(t, testConfig(t))

	status, body := do(t, ts, http.MethodGet, "/livez", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, body)

	status, body = do(t, ts, http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ready"}`, body)

	do(t, ts, http.MethodGet, "/api/issues/count", "", "")
	status, body = do(t, ts, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `issue_registry_http_requests_total{method="GET",route="/api/issues/count",status="200"}`)
}

func TestMetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.MetricsEnabled = false
	ts := newTestServer(t, cfg)

	status, _ := do(t, ts, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCloseMarksNotReady(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(context.Background(), testConfig(t), logger)
	require.NoError(t, err)

	s.Close()
	s.Close()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSQLiteBackendPersists(t *testing.T) {
	cfg := testConfig(t)
	cfg.DBPath = filepath.Join(t.TempDir(), "registry.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	alice := login(t, ts)
	status, body := do(t, ts, http.MethodPost, "/api/issues", alice.token,
		`{"kind":"Feature","description":"dark mode","rewardAmount":42}`)
	require.Equal(t, http.StatusCreated, status, body)
	ts.Close()
	s.Close()

	// Reopen the same file.
	s, err = New(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer s.Close()
	ts = httptest.NewServer(s.Handler())
	defer ts.Close()

	status, body = do(t, ts, http.MethodGet, "/api/issues/0", "", "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Contains(t, body, "dark mode")
}

func TestNewRejectsBadOnchainConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Payout = config.PayoutConfig{Mode: config.PayoutOnchain, RPCURL: "http://127.0.0.1:1", PrivateKey: "not-hex", ChainID: 1337}

	_, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payout")
}

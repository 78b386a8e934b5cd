// Package client is a Go client for the issue registry HTTP API.
//
// Every method takes a context and returns the server's typed error on
// failure: the JSON error code is mapped back through apperror.FromCode, so
// callers can test with errors.Is(err, apperror.ErrAlreadyClosed) exactly as
// they would against the registry in-process.
package client

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethcentivize/issue-registry/internal/apperror"
	"github.com/ethcentivize/issue-registry/internal/auth"
	"github.com/ethcentivize/issue-registry/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const DefaultTimeout = 30 * time.Second

// Client talks to one registry server. Set a token with Login or SetToken
// before calling mutating methods.
type Client struct {
	baseURL    string
	token      string
	adminKey   string
	httpClient *http.Client
}

// New creates a client for baseURL (e.g. "http://localhost:8080"). timeout
// defaults to DefaultTimeout.
func New(baseURL string, timeout ...time.Duration) *Client {
	clientTimeout := DefaultTimeout
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: clientTimeout},
	}
}

func (c *Client) SetToken(token string) { c.token = token }
func (c *Client) Token() string { return c.token }
func (c *Client) SetAdminKey(key string) { c.adminKey = key }

// APIError is a non-2xx response. It unwraps to the apperror sentinel named
// by Code, when there is one.
type APIError struct {
	Status  int
	Code    string
	Message string
	Field   string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (%d): %s [%s]", e.Code, e.Status, e.Message, e.Field)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	return apperror.FromCode(e.Code)
}

// Session is the result of a successful Login.
type Session struct {
	Address   common.Address `json:"address"`
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expiresAt"`
}

// Login proves control of key's address: it fetches a challenge, signs it
// with personal_sign semantics and exchanges the signature for a token. The
// token is kept for later calls.
func (c *Client) Login(ctx context.Context, key *ecdsa.PrivateKey) (*Session, error) {
	addr := crypto.PubkeyToAddress(key.PublicKey)

	var ch struct {
		Message string `json:"message"`
	}
	q := url.Values{"address": {addr.Hex()}}
	if err := c.do(ctx, http.MethodGet, "/api/auth/challenge?"+q.Encode(), nil, &ch); err != nil {
		return nil, fmt.Errorf("challenge: %w", err)
	}

	sig, err := auth.SignMessage(key, ch.Message)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	body := map[string]string{"address": addr.Hex(), "signature": hexutil.Encode(sig)}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", body, &resp); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	c.token = resp.Token
	return &Session{Address: addr, Token: resp.Token, ExpiresAt: resp.ExpiresAt}, nil
}

func (c *Client) Me(ctx context.Context) (*model.Account, error) {
	var a model.Account
	if err := c.do(ctx, http.MethodGet, "/api/me", nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateIssueRequest mirrors the POST /api/issues body. A zero Assignee is
// sent as absent.
type CreateIssueRequest struct {
	Kind         model.Kind
	Assignee     common.Address
	Description  string
	RewardAmount *big.Int
	RepoOwner    string
	RepoName     string
}

func (c *Client) CreateIssue(ctx context.Context, req CreateIssueRequest) (uint64, error) {
	body := struct {
		Kind         model.Kind `json:"kind"`
		Assignee     string     `json:"assignee,omitempty"`
		Description  string     `json:"description"`
		RewardAmount *big.Int   `json:"rewardAmount"`
		RepoOwner    string     `json:"repoOwner,omitempty"`
		RepoName     string     `json:"repoName,omitempty"`
	}{
		Kind:         req.Kind,
		Description:  req.Description,
		RewardAmount: req.RewardAmount,
		RepoOwner:    req.RepoOwner,
		RepoName:     req.RepoName,
	}
	if req.Assignee != (common.Address{}) {
		body.Assignee = req.Assignee.Hex()
	}

	var resp struct {
		ID uint64 `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/issues", body, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

func (c *Client) GetIssue(ctx context.Context, id uint64) (*model.Issue, error) {
	var issue model.Issue
	if err := c.do(ctx, http.MethodGet, issuePath(id, ""), nil, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

func (c *Client) IssueCount(ctx context.Context) (uint64, error) {
	var resp struct {
		Count uint64 `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/issues/count", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// IssuePage is one page of GET /api/issues.
type IssuePage struct {
	Issues []model.Issue `json:"issues"`
	Offset int           `json:"offset"`
	Total  uint64        `json:"total"`
}

// ListIssues pages through issues in id order. limit 0 takes the server
// default.
func (c *Client) ListIssues(ctx context.Context, offset, limit int) (*IssuePage, error) {
	q := url.Values{"offset": {strconv.Itoa(offset)}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page IssuePage
	if err := c.do(ctx, http.MethodGet, "/api/issues?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) StartWork(ctx context.Context, id uint64) (*model.Issue, error) {
	return c.mutateIssue(ctx, id, "start", nil)
}

func (c *Client) Reassign(ctx context.Context, id uint64, assignee common.Address) (*model.Issue, error) {
	return c.mutateIssue(ctx, id, "assignee", map[string]string{"address": assignee.Hex()})
}

// CreditReward certifies the issue done and credits its reward to
// beneficiary.
func (c *Client) CreditReward(ctx context.Context, id uint64, beneficiary common.Address) (*model.Issue, error) {
	return c.mutateIssue(ctx, id, "credit", map[string]string{"beneficiary": beneficiary.Hex()})
}

func (c *Client) mutateIssue(ctx context.Context, id uint64, action string, body any) (*model.Issue, error) {
	var issue model.Issue
	if err := c.do(ctx, http.MethodPost, issuePath(id, action), body, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

func (c *Client) Withdraw(ctx context.Context) (*model.Withdrawal, error) {
	var w model.Withdrawal
	if err := c.do(ctx, http.MethodPost, "/api/withdraw", nil, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// Balance is an address's credit as GET /api/balances/{address} reports it.
type Balance struct {
	Address common.Address `json:"address"`
	Balance *big.Int       `json:"balance"`
	PaidOut *big.Int       `json:"paidOut"`
}

func (c *Client) Balance(ctx context.Context, addr common.Address) (*Balance, error) {
	var b Balance
	if err := c.do(ctx, http.MethodGet, "/api/balances/"+addr.Hex(), nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Events returns up to limit events with a sequence number after since.
func (c *Client) Events(ctx context.Context, since uint64, limit int) ([]model.Event, error) {
	q := url.Values{"since": {strconv.FormatUint(since, 10)}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var events []model.Event
	if err := c.do(ctx, http.MethodGet, "/api/events?"+q.Encode(), nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Audit needs an admin key (SetAdminKey).
func (c *Client) Audit(ctx context.Context) (*model.Audit, error) {
	var a model.Audit
	if err := c.do(ctx, http.MethodGet, "/admin/audit", nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func issuePath(id uint64, action string) string {
	p := "/api/issues/" + strconv.FormatUint(id, 10)
	if action != "" {
		p += "/" + action
	}
	return p
}

// do sends body (if non-nil) as JSON and decodes a 2xx response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.adminKey != "" {
		req.Header.Set(auth.AdminKeyHeader, c.adminKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Field   string `json:"field"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		// Not one of ours: a proxy page, a bare 404, a panic recovery.
		return &APIError{
			Status:  resp.StatusCode,
			Code:    "http_error",
			Message: strings.TrimSpace(string(raw)),
		}
	}
	return &APIError{
		Status:  resp.StatusCode,
		Code:    body.Error,
		Message: body.Message,
		Field:   body.Field,
	}
}

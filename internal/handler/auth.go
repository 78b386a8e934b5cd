package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethcentivize/issue-registry/internal/apperror"
	"github.com/ethcentivize/issue-registry/internal/auth"
	"github.com/ethcentivize/issue-registry/internal/service"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/xid"
)

const oauthStateCookie = "oauth_state"

// AuthHandler manages wallet login, the session cookie and GitHub linking.
//
//   - HandleChallenge      → hand out a message to sign
//   - HandleLogin          → check the signature, issue the JWT
//   - HandleLogout         → clear the JWT cookie
//   - HandleMe             → the caller's address and linked account
//   - HandleGitHubLogin    → redirect to GitHub to link an account
//   - HandleGitHubCallback → exchange the code, store the link
type AuthHandler struct {
	svc          *service.AuthService
	github       *auth.GitHubProvider // nil when GitHub linking is not configured
	tokenTTL     time.Duration
	secureCookie bool
	logger       *slog.Logger
}

func NewAuthHandler(
	svc *service.AuthService,
	github *auth.GitHubProvider,
	tokenTTL time.Duration,
	secureCookie bool,
	logger *slog.Logger,
) *AuthHandler {
	return &AuthHandler{
		svc:          svc,
		github:       github,
		tokenTTL:     tokenTTL,
		secureCookie: secureCookie,
		logger:       logger,
	}
}

type challengeResponse struct {
	Address string `json:"address"`
	Message string `json:"message"`
}

type loginRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"` // 0x-prefixed 65-byte personal_sign signature
}

type loginResponse struct {
	Token     string    `json:"token"`
	Address   string    `json:"address"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// HandleChallenge serves GET /api/auth/challenge?address=0x..
func (h *AuthHandler) HandleChallenge(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", r.URL.Query().Get("address"))
	if err != nil {
		writeError(w, err)
		return
	}

	msg, err := h.svc.Challenge(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, challengeResponse{Address: addr.Hex(), Message: msg})
}

// HandleLogin verifies the signed challenge and starts a session.
//
// HTTP: POST /api/auth/login {"address":"0x..","signature":"0x.."}
//
// The token is returned in the body (for the CLI's bearer header) and set as
// an HttpOnly cookie (for browsers). SameSite=Lax keeps the cookie off
// cross-site POSTs.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	addr, err := parseAddress("address", req.Address)
	if err != nil {
		writeError(w, err)
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		writeError(w, apperror.ValidationFailed("signature", "signature must be 0x-prefixed hex"))
		return
	}

	result, err := h.svc.Login(r.Context(), addr, sig)
	if err != nil {
		if apperror.Code(err) == "internal_error" {
			h.logger.Error("login failed", slog.String("address", addr.Hex()), slog.String("error", err.Error()))
		}
		writeError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    result.Token,
		Path:     "/",
		MaxAge:   int(h.tokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     result.Token,
		Address:   addr.Hex(),
		ExpiresAt: time.Now().Add(h.tokenTTL).UTC(),
	})
}

// HandleLogout clears the JWT cookie.
//
// HTTP: POST /api/auth/logout
//
// Since tokens are stateless, the token stays valid until it expires; this
// only makes the browser forget it.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleMe serves GET /api/me (RequireAuth)
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	addr, ok := auth.CallerFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthenticated())
		return
	}

	account, err := h.svc.Account(r.Context(), addr)
	if err != nil {
		h.logger.Error("HandleMe: loading account failed",
			slog.String("address", addr.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// HandleGitHubLogin redirects the signed-in caller to GitHub.
//
// HTTP: GET /auth/github/login (RequireAuth)
//
// CSRF PROTECTION VIA STATE:
// A random state goes into a short-lived HttpOnly cookie and into the
// authorization URL. The callback only proceeds if the two match.
func (h *AuthHandler) HandleGitHubLogin(w http.ResponseWriter, r *http.Request) {
	if h.github == nil {
		http.NotFound(w, r)
		return
	}

	state := xid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.github.AuthURL(state), http.StatusTemporaryRedirect)
}

// HandleGitHubCallback links the GitHub account to the caller.
//
// HTTP: GET /auth/github/callback?code=xxx&state=yyy (RequireAuth)
func (h *AuthHandler) HandleGitHubCallback(w http.ResponseWriter, r *http.Request) {
	if h.github == nil {
		http.NotFound(w, r)
		return
	}
	addr, ok := auth.CallerFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthenticated())
		return
	}

	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value == "" || r.URL.Query().Get("state") != stateCookie.Value {
		h.logger.Warn("github callback: state mismatch", slog.String("address", addr.Hex()))
		writeError(w, apperror.ValidationFailed("state", "invalid OAuth state"))
		return
	}

	// Single-use.
	http.SetCookie(w, &http.Cookie{Name: oauthStateCookie, Value: "", Path: "/", MaxAge: -1})

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		h.logger.Info("github callback: user denied authorization", slog.String("error", errParam))
		http.Redirect(w, r, "/?github=denied", http.StatusSeeOther)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, apperror.ValidationFailed("code", "missing OAuth code"))
		return
	}

	ghUser, err := h.github.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Error("github callback: exchange failed", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}

	if _, err := h.svc.LinkGitHub(r.Context(), addr, ghUser); err != nil {
		if !errors.Is(err, apperror.ErrInvalidState) {
			h.logger.Error("github callback: linking failed", slog.String("error", err.Error()))
		}
		writeError(w, err)
		return
	}

	http.Redirect(w, r, "/?github=linked", http.StatusSeeOther)
}

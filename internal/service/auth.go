// Package service holds the authentication business logic.
//
// AuthService sits between the HTTP handlers and the auth utilities:
//
//	AuthHandler (HTTP) → AuthService (business rules) → AccountRepository
//	                   ↘ Challenges (signed nonce)  ↘ TokenService (JWT)
//
// Registry operations do not go through this package; handlers call the
// registry facade directly with the caller already in the context.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethcentivize/issue-registry/internal/apperror"
	"github.com/ethcentivize/issue-registry/internal/auth"
	"github.com/ethcentivize/issue-registry/internal/model"
	"github.com/ethcentivize/issue-registry/internal/repository"
	"github.com/ethereum/go-ethereum/common"
)

type AuthService struct {
	accounts   repository.AccountRepository
	tokens     *auth.TokenService
	challenges *auth.Challenges
	logger     *slog.Logger
}

func NewAuthService(
	accounts repository.AccountRepository,
	tokens *auth.TokenService,
	challenges *auth.Challenges,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		accounts:   accounts,
		tokens:     tokens,
		challenges: challenges,
		logger:     logger,
	}
}

// AuthResult bundles the account and the issued JWT so the handler can set
// the cookie and respond in one step.
type AuthResult struct {
	Account *model.Account
	Token   string
}

// Challenge returns the message addr must sign to log in.
func (s *AuthService) Challenge(addr common.Address) (string, error) {
	if addr == (common.Address{}) {
		return "", apperror.ValidationFailed("address", "address must be a non-zero address")
	}
	return s.challenges.Issue(addr), nil
}

// Login verifies addr's signature over its pending challenge and issues a
// token. The first login creates the account record.
func (s *AuthService) Login(ctx context.Context, addr common.Address, signature []byte) (*AuthResult, error) {
	if addr == (common.Address{}) {
		return nil, apperror.ValidationFailed("address", "address must be a non-zero address")
	}

	if err := s.challenges.Verify(addr, signature); err != nil {
		s.logger.Info("login rejected",
			slog.String("address", addr.Hex()),
			slog.String("error", err.Error()),
		)
		return nil, &apperror.AppError{
			Err:     apperror.ErrUnauthenticated,
			Message: "signature does not prove ownership of the address; request a new challenge",
		}
	}

	account, err := s.accounts.GetByAddress(ctx, addr)
	if errors.Is(err, apperror.ErrNotFound) {
		// Only create. Upserting an existing row would wipe its GitHub link.
		account = &model.Account{Address: addr}
		err = s.accounts.Upsert(ctx, account)
	}
	if err != nil {
		return nil, fmt.Errorf("service/auth: loading account %s: %w", addr.Hex(), err)
	}

	token, err := s.tokens.Generate(addr)
	if err != nil {
		return nil, fmt.Errorf("service/auth: generating token for %s: %w", addr.Hex(), err)
	}

	s.logger.Info("caller authenticated", slog.String("address", addr.Hex()))
	return &AuthResult{Account: account, Token: token}, nil
}

// Account returns addr's profile. An address that authenticated before the
// account store existed (or with a bearer token only) gets a bare profile.
func (s *AuthService) Account(ctx context.Context, addr common.Address) (*model.Account, error) {
	account, err := s.accounts.GetByAddress(ctx, addr)
	if errors.Is(err, apperror.ErrNotFound) {
		return &model.Account{Address: addr}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("service/auth: fetching account %s: %w", addr.Hex(), err)
	}
	return account, nil
}

// LinkGitHub attaches a GitHub identity to addr. A GitHub account already
// linked to a different address is rejected with InvalidState.
func (s *AuthService) LinkGitHub(ctx context.Context, addr common.Address, ghUser *auth.GitHubUser) (*model.Account, error) {
	if ghUser == nil {
		return nil, fmt.Errorf("service/auth: GitHub user must not be nil")
	}

	account := &model.Account{
		Address:     addr,
		GitHubID:    ghUser.ID,
		GitHubLogin: ghUser.Login,
		AvatarURL:   ghUser.AvatarURL,
	}
	if err := s.accounts.Upsert(ctx, account); err != nil {
		if errors.Is(err, apperror.ErrInvalidState) {
			return nil, err
		}
		return nil, fmt.Errorf("service/auth: linking GitHub %d to %s: %w", ghUser.ID, addr.Hex(), err)
	}

	s.logger.Info("github account linked",
		slog.String("address", addr.Hex()),
		slog.String("login", ghUser.Login),
	)
	return account, nil
}

package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ethcentivize/issue-registry/internal/apperror"
	"github.com/ethcentivize/issue-registry/internal/model"
	"github.com/ethcentivize/issue-registry/internal/repository"
	"github.com/ethereum/go-ethereum/common"
)

var _ repository.AccountRepository = (*Accounts)(nil)

// Accounts is an in-memory AccountRepository. The zero value is ready to use.
type Accounts struct {
	mu        sync.RWMutex
	byAddress map[common.Address]model.Account
}

func (a *Accounts) Upsert(ctx context.Context, account *model.Account) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.byAddress == nil {
		a.byAddress = map[common.Address]model.Account{}
	}

	// GitHub ids are unique across accounts, matching the SQL backend.
	if account.GitHubID != 0 {
		for addr, other := range a.byAddress {
			if addr != account.Address && other.GitHubID == account.GitHubID {
				return apperror.InvalidState("github account is already linked to another address")
			}
		}
	}

	now := time.Now()
	if existing, ok := a.byAddress[account.Address]; ok {
		account.CreatedAt = existing.CreatedAt
	} else {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	a.byAddress[account.Address] = *account
	return nil
}

func (a *Accounts) GetByAddress(ctx context.Context, addr common.Address) (*model.Account, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	account, ok := a.byAddress[addr]
	if !ok {
		return nil, apperror.NotFound("account", addr.Hex())
	}
	return &account, nil
}

func (a *Accounts) GetByGitHubID(ctx context.Context, githubID int64) (*model.Account, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, account := range a.byAddress {
		if account.GitHubID == githubID {
			return &account, nil
		}
	}
	return nil, apperror.NotFound("account", strconv.FormatInt(githubID, 10))
}

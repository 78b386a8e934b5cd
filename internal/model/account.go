package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Account is an off-ledger profile keyed by ledger address.
//
// WHY IS THIS NOT LEDGER STATE?
// Accounts never move funds. They only record which GitHub login an address
// proved ownership of, which the repo-owner certifier policy consults. Keeping
// them outside the call frame means a GitHub link can be written without
// serializing against reward operations.
//
// GitHubID is GitHub's numeric user id. It is UNIQUE in storage, so one GitHub
// account maps to at most one address. Zero means "not linked".
type Account struct {
	Address     common.Address `json:"address"`
	GitHubID    int64          `json:"githubId,omitempty"`
	GitHubLogin string         `json:"githubLogin,omitempty"`
	AvatarURL   string         `json:"avatarUrl,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Linked reports whether the account has a GitHub identity attached.
func (a *Account) Linked() bool {
	return a.GitHubID != 0
}

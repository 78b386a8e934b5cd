package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Credit is one beneficiary's entry in the credit ledger.
//
// Balance is credited but not yet withdrawn. PaidOut is everything withdrawn
// so far. An entry is created on first credit and is zeroed, never deleted, on
// withdraw.
type Credit struct {
	Beneficiary common.Address `json:"beneficiary"`
	Balance     *big.Int       `json:"balance"`
	PaidOut     *big.Int       `json:"paidOut"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// NewCredit returns an empty entry for addr.
func NewCredit(addr common.Address) *Credit {
	return &Credit{
		Beneficiary: addr,
		Balance:     new(big.Int),
		PaidOut:     new(big.Int),
	}
}

func (c *Credit) Clone() *Credit {
	return &Credit{
		Beneficiary: c.Beneficiary,
		Balance:     new(big.Int).Set(c.Balance),
		PaidOut:     new(big.Int).Set(c.PaidOut),
		UpdatedAt:   c.UpdatedAt,
	}
}

// Withdrawal is the result of a successful withdraw.
type Withdrawal struct {
	Beneficiary common.Address `json:"beneficiary"`
	Amount      *big.Int       `json:"amount"`
	Reference   string         `json:"reference"` // transaction hash or book entry id
}

// Audit summarizes the escrow sum invariant:
//
//	Outstanding + PaidOut == ClosedRewards
type Audit struct {
	Outstanding   *big.Int `json:"outstanding"`
	PaidOut       *big.Int `json:"paidOut"`
	ClosedRewards *big.Int `json:"closedRewards"`
	ClosedIssues  uint64   `json:"closedIssues"`
	Balanced      bool     `json:"balanced"`
}

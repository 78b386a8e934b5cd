// Package payout moves withdrawn rewards out of the registry.
//
// The registry calls a Transferer from inside the withdraw call frame, after
// the beneficiary's balance has already been zeroed. A Transferer error
// aborts that frame and restores the balance, so an implementation must
// report failure only when no funds moved.
package payout

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Transferer sends amount wei to the given address and returns a reference for
// the transfer (a transaction hash, or a book entry id).
//
// ctx carries the open call frame. A Transferer that calls back into the
// registry must use this ctx, not a fresh one.
type Transferer interface {
	Transfer(ctx context.Context, to common.Address, amount *big.Int) (string, error)
}

// TransferFunc adapts an ordinary function to a Transferer.
type TransferFunc func(ctx context.Context, to common.Address, amount *big.Int) (string, error)

func (f TransferFunc) Transfer(ctx context.Context, to common.Address, amount *big.Int) (string, error) {
	return f(ctx, to, amount)
}

package registry

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethcentivize/issue-registry/internal/apperror"
	"github.com/ethcentivize/issue-registry/internal/ledger"
	"github.com/ethcentivize/issue-registry/internal/metrics"
	"github.com/ethcentivize/issue-registry/internal/model"
	"github.com/ethcentivize/issue-registry/internal/payout"
	"github.com/ethcentivize/issue-registry/internal/repository"
	"github.com/ethereum/go-ethereum/common"
)

// escrow is the credit ledger. Credits are added when an issue closes and
// leave only through withdraw.
type escrow struct {
	transfer payout.Transferer
	metrics  *metrics.Metrics
}

func (e *escrow) credit(ctx context.Context, call *ledger.Call, issue *model.Issue, beneficiary common.Address) error {
	entry, err := call.State.GetCredit(ctx, beneficiary)
	if err != nil {
		return err
	}
	entry.Balance.Add(entry.Balance, issue.RewardAmount)
	entry.UpdatedAt = call.At
	if err := call.State.PutCredit(ctx, entry); err != nil {
		return err
	}

	return call.Emit(ctx, &model.Event{
		Kind:    model.EventRewardCredited,
		IssueID: &issue.ID,
		Subject: beneficiary,
		Amount:  issue.RewardAmount,
	})
}

// withdraw pays the caller's whole balance.
//
// ORDER MATTERS:
//  1. zero the balance and add it to PaidOut
//  2. record the event
//  3. only then call the transfer
//
// By the time the transfer runs, the ledger already says "paid". A transfer
// that re-enters withdraw with the same ctx joins this frame, reads a zero
// balance and fails with NothingToWithdraw. A transfer error fails the frame,
// which discards steps 1 and 2.
func (e *escrow) withdraw(ctx context.Context, call *ledger.Call) (*model.Withdrawal, error) {
	entry, err := call.State.GetCredit(ctx, call.Caller)
	if err != nil {
		return nil, err
	}
	if entry.Balance.Sign() == 0 {
		return nil, apperror.NothingToWithdraw(call.Caller.Hex())
	}

	amount := new(big.Int).Set(entry.Balance)
	entry.Balance.SetInt64(0)
	entry.PaidOut.Add(entry.PaidOut, amount)
	entry.UpdatedAt = call.At
	if err := call.State.PutCredit(ctx, entry); err != nil {
		return nil, err
	}

	err = call.Emit(ctx, &model.Event{
		Kind:    model.EventRewardWithdrawn,
		Subject: call.Caller,
		Amount:  amount,
	})
	if err != nil {
		return nil, err
	}

	ref, err := e.transfer.Transfer(ctx, call.Caller, new(big.Int).Set(amount))
	e.metrics.ObservePayout(err == nil)
	if err != nil {
		return nil, fmt.Errorf("registry: paying out %s wei to %s: %w", amount, call.Caller.Hex(), err)
	}

	return &model.Withdrawal{
		Beneficiary: call.Caller,
		Amount:      amount,
		Reference:   ref,
	}, nil
}

func (e *escrow) credits(ctx context.Context, st repository.State, addr common.Address) (*model.Credit, error) {
	return st.GetCredit(ctx, addr)
}

// audit recomputes both sides of the sum invariant from scratch.
func (e *escrow) audit(ctx context.Context, st repository.State) (*model.Audit, error) {
	a := &model.Audit{
		Outstanding:   new(big.Int),
		PaidOut:       new(big.Int),
		ClosedRewards: new(big.Int),
	}

	credits, err := st.ListCredits(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range credits {
		a.Outstanding.Add(a.Outstanding, c.Balance)
		a.PaidOut.Add(a.PaidOut, c.PaidOut)
	}

	issues, err := st.ListIssues(ctx, repository.ListOptions{})
	if err != nil {
		return nil, err
	}
	for _, issue := range issues {
		if !issue.IsOpen() {
			a.ClosedRewards.Add(a.ClosedRewards, issue.RewardAmount)
			a.ClosedIssues++
		}
	}

	total := new(big.Int).Add(a.Outstanding, a.PaidOut)
	a.Balanced = total.Cmp(a.ClosedRewards) == 0
	return a, nil
}

// Package registry is the issue registry's single public entry point.
//
// Registry composes three parts, each in its own file:
//
//	issues.go  - issue records and their Open → Closed lifecycle
//	policy.go  - who may perform each mutating operation
//	escrow.go  - the credit ledger and withdraw
//
// Every mutating operation runs inside one ledger call frame: look up the
// issue, ask the policy, then mutate. Any failure on the way aborts the frame
// with no state change. The caller's identity comes from the context (see
// ledger.WithCaller); the HTTP layer puts it there after authentication.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"math/big"

	"github.com/ethcentivize/issue-registry/internal/apperror"
	"github.com/ethcentivize/issue-registry/internal/ledger"
	"github.com/ethcentivize/issue-registry/internal/metrics"
	"github.com/ethcentivize/issue-registry/internal/model"
	"github.com/ethcentivize/issue-registry/internal/payout"
	"github.com/ethcentivize/issue-registry/internal/repository"
	"github.com/ethereum/go-ethereum/common"
)

// Operation names, used for logs, metrics and ledger frames.
const (
	OpCreateIssue  = "create_issue"
	OpStartWork    = "start_work"
	OpReassign     = "reassign"
	OpCreditReward = "credit_reward"
	OpWithdraw     = "withdraw"
)

type Registry struct {
	ledger   *ledger.Context
	accounts repository.AccountRepository
	policy   *AccessPolicy
	issues   issueStore
	escrow   *escrow
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New wires a registry. accounts may be nil when the policy never needs a
// GitHub login; m may be nil to disable metrics.
func New(
	lc *ledger.Context,
	accounts repository.AccountRepository,
	policy *AccessPolicy,
	transfer payout.Transferer,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Registry {
	return &Registry{
		ledger:   lc,
		accounts: accounts,
		policy:   policy,
		escrow:   &escrow{transfer: transfer, metrics: m},
		metrics:  m,
		logger:   logger,
	}
}

// Policy returns the access policy the registry enforces.
func (r *Registry) Policy() *AccessPolicy {
	return r.policy
}

// =========================================================================
// ISSUES
// =========================================================================

// CreateIssue posts a new Open issue created by the caller and returns its id.
func (r *Registry) CreateIssue(ctx context.Context, in CreateIssueInput) (uint64, error) {
	var issue *model.Issue
	err := r.execute(ctx, OpCreateIssue, func(ctx context.Context, call *ledger.Call, caller Principal) error {
		if err := in.Validate(); err != nil {
			return err
		}
		if err := r.policy.CanCreate(caller); err != nil {
			return err
		}

		var err error
		issue, err = r.issues.create(ctx, call, in)
		return err
	})
	if err != nil {
		return 0, err
	}

	r.logger.Info("issue created",
		slog.Uint64("id", issue.ID),
		slog.String("kind", issue.Kind.String()),
		slog.String("creator", issue.Creator.Hex()),
		slog.String("assignee", issue.Assignee.Hex()),
		slog.String("reward", issue.RewardAmount.String()),
	)
	return issue.ID, nil
}

// GetIssue returns NotFound for an id that was never assigned.
func (r *Registry) GetIssue(ctx context.Context, id uint64) (*model.Issue, error) {
	var issue *model.Issue
	err := r.ledger.Read(ctx, func(ctx context.Context, st repository.State) error {
		var err error
		issue, err = r.issues.get(ctx, st, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return issue, nil
}

func (r *Registry) IssueCount(ctx context.Context) (uint64, error) {
	var n uint64
	err := r.ledger.Read(ctx, func(ctx context.Context, st repository.State) error {
		var err error
		n, err = st.IssueCount(ctx)
		return err
	})
	return n, err
}

// ListIssues returns issues in ascending id order. limit 0 means
// DefaultListLimit; larger values are capped at MaxListLimit.
func (r *Registry) ListIssues(ctx context.Context, offset, limit int) ([]model.Issue, error) {
	if offset < 0 {
		return nil, apperror.ValidationFailed("offset", "offset must not be negative")
	}

	var issues []model.Issue
	err := r.ledger.Read(ctx, func(ctx context.Context, st repository.State) error {
		var err error
		issues, err = st.ListIssues(ctx, repository.ListOptions{Offset: offset, Limit: clampLimit(limit)})
		return err
	})
	return issues, err
}

// StartWork marks that the assignee has begun. It fails Unauthorized for
// anyone but the assignee and InvalidState once the issue is closed.
func (r *Registry) StartWork(ctx context.Context, id uint64) error {
	var caller Principal
	err := r.execute(ctx, OpStartWork, func(ctx context.Context, call *ledger.Call, p Principal) error {
		caller = p
		issue, err := r.issues.get(ctx, call.State, id)
		if err != nil {
			return err
		}
		if err := r.policy.CanStartWork(p, issue); err != nil {
			return err
		}
		return r.issues.startWork(ctx, call, issue)
	})
	if err != nil {
		return err
	}

	r.logger.Info("work started",
		slog.Uint64("id", id),
		slog.String("assignee", caller.Address.Hex()),
	)
	return nil
}

// Reassign changes who may start work on an Open issue. Creator only.
func (r *Registry) Reassign(ctx context.Context, id uint64, assignee common.Address) error {
	var previous common.Address
	err := r.execute(ctx, OpReassign, func(ctx context.Context, call *ledger.Call, caller Principal) error {
		issue, err := r.issues.get(ctx, call.State, id)
		if err != nil {
			return err
		}
		if err := r.policy.CanReassign(caller, issue); err != nil {
			return err
		}
		previous = issue.Assignee
		return r.issues.reassign(ctx, call, issue, assignee)
	})
	if err != nil {
		return err
	}

	r.logger.Info("issue reassigned",
		slog.Uint64("id", id),
		slog.String("from", previous.Hex()),
		slog.String("to", assignee.Hex()),
	)
	return nil
}

// =========================================================================
// ESCROW
// =========================================================================

// CreditReward closes the issue and credits its reward to beneficiary in one
// step. Checks run in a fixed order: NotFound, AlreadyClosed, Unauthorized.
func (r *Registry) CreditReward(ctx context.Context, id uint64, beneficiary common.Address) error {
	var (
		certifier common.Address
		amount    *big.Int
	)
	err := r.execute(ctx, OpCreditReward, func(ctx context.Context, call *ledger.Call, caller Principal) error {
		if beneficiary == (common.Address{}) {
			return apperror.ValidationFailed("beneficiary", "beneficiary must be a non-zero address")
		}

		issue, err := r.issues.get(ctx, call.State, id)
		if err != nil {
			return err
		}
		if !issue.IsOpen() {
			return apperror.AlreadyClosed(id)
		}
		if err := r.policy.CanCertify(caller, issue); err != nil {
			return err
		}

		if err := r.issues.close(ctx, call, issue, beneficiary); err != nil {
			return err
		}
		certifier, amount = caller.Address, issue.RewardAmount
		return r.escrow.credit(ctx, call, issue, beneficiary)
	})
	if err != nil {
		return err
	}

	r.logger.Info("reward credited",
		slog.Uint64("id", id),
		slog.String("beneficiary", beneficiary.Hex()),
		slog.String("amount", amount.String()),
		slog.String("certifier", certifier.Hex()),
	)
	return nil
}

// Withdraw pays out the caller's whole credited balance.
func (r *Registry) Withdraw(ctx context.Context) (*model.Withdrawal, error) {
	var w *model.Withdrawal
	err := r.execute(ctx, OpWithdraw, func(ctx context.Context, call *ledger.Call, caller Principal) error {
		var err error
		w, err = r.escrow.withdraw(ctx, call)
		return err
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("reward withdrawn",
		slog.String("beneficiary", w.Beneficiary.Hex()),
		slog.String("amount", w.Amount.String()),
		slog.String("reference", w.Reference),
	)
	return w, nil
}

// BalanceOf returns the credited, unwithdrawn amount for addr; zero if none.
func (r *Registry) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	credit, err := r.Credit(ctx, addr)
	if err != nil {
		return nil, err
	}
	return credit.Balance, nil
}

// Credit returns addr's full ledger entry, including what was already paid.
func (r *Registry) Credit(ctx context.Context, addr common.Address) (*model.Credit, error) {
	var credit *model.Credit
	err := r.ledger.Read(ctx, func(ctx context.Context, st repository.State) error {
		var err error
		credit, err = r.escrow.credits(ctx, st, addr)
		return err
	})
	return credit, err
}

// Audit checks the sum invariant. An unbalanced result is logged as an error
// but still returned; it is the caller's finding, not a failure to audit.
func (r *Registry) Audit(ctx context.Context) (*model.Audit, error) {
	var a *model.Audit
	err := r.ledger.Read(ctx, func(ctx context.Context, st repository.State) error {
		var err error
		a, err = r.escrow.audit(ctx, st)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !a.Balanced {
		r.logger.Error("escrow sum invariant violated",
			slog.String("outstanding", a.Outstanding.String()),
			slog.String("paid_out", a.PaidOut.String()),
			slog.String("closed_rewards", a.ClosedRewards.String()),
		)
	}
	return a, nil
}

// Events returns up to limit events with seq greater than since.
func (r *Registry) Events(ctx context.Context, since uint64, limit int) ([]model.Event, error) {
	var events []model.Event
	err := r.ledger.Read(ctx, func(ctx context.Context, st repository.State) error {
		var err error
		events, err = st.ListEvents(ctx, since, clampLimit(limit))
		return err
	})
	return events, err
}

// =========================================================================
// PLUMBING
// =========================================================================

// execute resolves the caller, runs fn in a call frame and records the
// outcome.
func (r *Registry) execute(ctx context.Context, op string, fn func(ctx context.Context, call *ledger.Call, caller Principal) error) error {
	err := r.executeFrame(ctx, op, fn)
	r.record(op, err)
	return err
}

func (r *Registry) executeFrame(ctx context.Context, op string, fn func(ctx context.Context, call *ledger.Call, caller Principal) error) error {
	caller, err := r.principal(ctx)
	if err != nil {
		return err
	}
	return r.ledger.Execute(ctx, op, func(ctx context.Context, call *ledger.Call) error {
		return fn(ctx, call, caller)
	})
}

// principal builds the caller's Principal. The GitHub login lookup happens
// here, outside any frame: the SQL account store shares the ledger's single
// connection, so it cannot be queried while a frame holds it. A re-entrant
// call inside a frame therefore sees no login.
func (r *Registry) principal(ctx context.Context) (Principal, error) {
	addr, ok := ledger.CallerFrom(ctx)
	if !ok {
		return Principal{}, apperror.Unauthenticated()
	}
	p := Principal{Address: addr}

	if !r.policy.NeedsGitHubLogin() || r.accounts == nil || r.ledger.InFrame(ctx) {
		return p, nil
	}

	account, err := r.accounts.GetByAddress(ctx, addr)
	switch {
	case err == nil:
		p.GitHubLogin = account.GitHubLogin
	case errors.Is(err, apperror.ErrNotFound):
		// Never signed in through the API; no login to offer.
	default:
		return Principal{}, err
	}
	return p, nil
}

func (r *Registry) record(op string, err error) {
	if err == nil {
		r.metrics.ObserveOperation(op, "ok")
		return
	}

	code := apperror.Code(err)
	r.metrics.ObserveOperation(op, code)
	if code == "internal_error" {
		r.logger.Error("registry operation failed",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		return
	}
	r.logger.Info("registry operation rejected",
		slog.String("op", op),
		slog.String("code", code),
		slog.String("error", err.Error()),
	)
}

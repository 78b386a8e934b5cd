package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethcentivize/issue-registry/internal/apperror"
	"github.com/ethcentivize/issue-registry/internal/ledger"
	"github.com/ethcentivize/issue-registry/internal/metrics"
	"github.com/ethcentivize/issue-registry/internal/model"
	"github.com/ethcentivize/issue-registry/internal/payout"
	"github.com/ethcentivize/issue-registry/internal/repository"
	"github.com/ethcentivize/issue-registry/internal/repository/memory"
	"github.com/ethcentivize/issue-registry/internal/repository/sqlite"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	creator  = common.HexToAddress("0x00000000000000000000000000000000000c4ea7")
	assignee = common.HexToAddress("0x000000000000000000000000000000000000a551")
	stranger = common.HexToAddress("0x0000000000000000000000000000000000057a9e")
	admin    = common.HexToAddress("0x00000000000000000000000000000000000ad814")
)

type fixture struct {
	reg      *Registry
	book     *payout.Book
	accounts repository.AccountRepository
	metrics  *metrics.Metrics
}

type options struct {
	certifier CertifierPolicy
	transfer  payout.Transferer
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFixture builds a registry on the named backend. Unless overridden, it
// uses the creator policy and a book-entry payout.
func newFixture(t *testing.T, backend string, opts options) *fixture {
	t.Helper()

	var (
		store    repository.Store
		accounts repository.AccountRepository
	)
	switch backend {
	case "memory":
		store, accounts = memory.New(), &memory.Accounts{}
	case "sqlite":
		db, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		store, accounts = db, db
	default:
		t.Fatalf("unknown backend %q", backend)
	}

	if opts.certifier == "" {
		opts.certifier = CertifyCreator
	}
	policy, err := NewAccessPolicy(opts.certifier, []common.Address{admin})
	require.NoError(t, err)

	book := payout.NewBook()
	transfer := opts.transfer
	if transfer == nil {
		transfer = book
	}

	m := metrics.New()
	lc := ledger.New(store, discardLogger())
	return &fixture{
		reg:      New(lc, accounts, policy, transfer, m, discardLogger()),
		book:     book,
		accounts: accounts,
		metrics:  m,
	}
}

// backends runs fn against every store implementation.
func backends(t *testing.T, fn func(t *testing.T, backend string)) {
	for _, backend := range []string{"memory", "sqlite"} {
		t.Run(backend, func(t *testing.T) { fn(t, backend) })
	}
}

func as(addr common.Address) context.Context {
	return ledger.WithCaller(context.Background(), addr)
}

func bugInput(reward int64) CreateIssueInput {
	return CreateIssueInput{
		Kind:         model.KindBug,
		Assignee:     assignee,
		Description:  "login button does nothing",
		RewardAmount: big.NewInt(reward),
		RepoOwner:    "octo",
		RepoName:     "app",
	}
}

func (f *fixture) create(t *testing.T, reward int64) uint64 {
	t.Helper()
	id, err := f.reg.CreateIssue(as(creator), bugInput(reward))
	require.NoError(t, err)
	return id
}

func (f *fixture) balance(t *testing.T, addr common.Address) int64 {
	t.Helper()
	b, err := f.reg.BalanceOf(context.Background(), addr)
	require.NoError(t, err)
	return b.Int64()
}

func (f *fixture) requireBalanced(t *testing.T) *model.Audit {
	t.Helper()
	a, err := f.reg.Audit(context.Background())
	require.NoError(t, err)
	require.True(t, a.Balanced, "outstanding %s + paid %s != closed %s", a.Outstanding, a.PaidOut, a.ClosedRewards)
	return a
}

// =========================================================================
// CREATE
// =========================================================================

func TestCreateIssue_ContiguousIDsFromZero(t *testing.T) {
	backends(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, options{})

		first := f.create(t, 100)
		second := f.create(t, 200)
		assert.Equal(t, uint64(0), first)
		assert.Equal(t, uint64(1), second)

		n, err := f.reg.IssueCount(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(2), n)
	})
}

func TestCreateIssue_StoresFields(t *testing.T) {
	backends(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, options{})
		id := f.create(t, 500)

		issue, err := f.reg.GetIssue(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.KindBug, issue.Kind)
		assert.Equal(t, creator, issue.Creator)
		assert.Equal(t, assignee, issue.Assignee)
		assert.Equal(t, "login button does nothing", issue.Description)
		assert.Equal(t, int64(500), issue.RewardAmount.Int64())
		assert.Equal(t, "octo", issue.RepoOwner)
		assert.Equal(t, "app", issue.RepoName)
		assert.Equal(t, model.StageOpen, issue.Stage)
		assert.Nil(t, issue.Beneficiary)
		assert.False(t, issue.CreatedAt.IsZero())
	})
}

func TestCreateIssue_InvalidRewardCreatesNothing(t *testing.T) {
	tests := []struct {
		name   string
		reward *big.Int
	}{
		{"zero", big.NewInt(0)},
		{"negative", big.NewInt(-5)},
		{"missing", nil},
	}

	backends(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, options{})
		f.create(t, 1)

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				in := bugInput(0)
				in.RewardAmount = tt.reward

				_, err := f.reg.CreateIssue(as(creator), in)
				assert.ErrorIs(t, err, apperror.ErrInvalidReward)

				n, err := f.reg.IssueCount(context.Background())
				require.NoError(t, err)
				assert.Equal(t, uint64(1), n, "issueCount must be unchanged")
			})
		}

		// The rejected attempts did not burn ids.
		assert.Equal(t, uint64(1), f.create(t, 1))
	})
}

func TestCreateIssue_Validation(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(in *CreateIssueInput)
		wantField string
	}{
		{"unknown kind", func(in *CreateIssueInput) { in.Kind = model.Kind(9) }, "kind"},
		{"description too long", func(in *CreateIssueInput) { in.Description = strings.Repeat("x", MaxDescriptionBytes+1) }, "description"},
		{"repo owner too long", func(in *CreateIssueInput) { in.RepoOwner = strings.Repeat("o", MaxRepoFieldBytes+1) }, "repoOwner"},
		{"repo name too long", func(in *CreateIssueInput) { in.RepoName = strings.Repeat("n", MaxRepoFieldBytes+1) }, "repoName"},
	}

	f := newFixture(t, "memory", options{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := bugInput(10)
			tt.mutate(&in)

			_, err := f.reg.CreateIssue(as(creator), in)
			require.ErrorIs(t, err, apperror.ErrValidation)

			var appErr *apperror.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, tt.wantField, appErr.Field)
		})
	}

	// Exactly at the limits is fine.
	in := bugInput(10)
	in.Description = strings.Repeat("x", MaxDescriptionBytes)
	in.RepoOwner = strings.Repeat("o", MaxRepoFieldBytes)
	_, err := f.reg.CreateIssue(as(creator), in)
	assert.NoError(t, err)
}

func TestCreateIssue_RequiresCaller(t *testing.T) {
	f := newFixture(t, "memory", options{})

	_, err := f.reg.CreateIssue(context.Background(), bugInput(10))
	assert.ErrorIs(t, err, apperror.ErrUnauthenticated)
}

func TestGetIssue_NotFound(t *testing.T) {
	backends(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, options{})
		f.create(t, 10)

		_, err := f.reg.GetIssue(context.Background(), 1)
		assert.ErrorIs(t, err, apperror.ErrNotFound)
	})
}

func TestListIssues_Paging(t *testing.T) {
	f := newFixture(t, "memory", options{})
	for i := 0; i < 25; i++ {
		f.create(t, int64(i+1))
	}
	ctx := context.Background()

	page, err := f.reg.ListIssues(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, page, DefaultListLimit)
	assert.Equal(t, uint64(0), page[0].ID)

	page, err = f.reg.ListIssues(ctx, 20, 1000)
	require.NoError(t, err)
	require.Len(t, page, 5)
	assert.Equal(t, uint64(20), page[0].ID)
	assert.Equal(t, uint64(24), page[4].ID)

	_, err = f.reg.ListIssues(ctx, -1, 10)
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

// =========================================================================
// START WORK & REASSIGN
// =========================================================================

func TestStartWork(t *testing.T) {
	backends(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, options{})
		id := f.create(t, 100)
		ctx := context.Background()

		t.Run("non-assignee is unauthorized and nothing changes", func(t *testing.T) {
			err := f.reg.StartWork(as(stranger), id)
			assert.ErrorIs(t, err, apperror.ErrUnauthorized)

			issue, err := f.reg.GetIssue(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, model.StageOpen, issue.Stage)
			assert.Nil(t, issue.WorkStartedAt)
		})

		t.Run("assignee starts work once", func(t *testing.T) {
			require.NoError(t, f.reg.StartWork(as(assignee), id))
			require.NoError(t, f.reg.StartWork(as(assignee), id), "repeat is a no-op")

			issue, err := f.reg.GetIssue(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, model.StageOpen, issue.Stage, "startWork never changes the stage")
			assert.NotNil(t, issue.WorkStartedAt)

			events, err := f.reg.Events(ctx, 0, 0)
			require.NoError(t, err)
			started := 0
			for _, e := range events {
				if e.Kind == model.EventWorkStarted {
					started++
				}
			}
			assert.Equal(t, 1, started)
		})

		t.Run("closed issue is invalid state", func(t *testing.T) {
			require.NoError(t, f.reg.CreditReward(as(creator), id, assignee))
			assert.ErrorIs(t, f.reg.StartWork(as(assignee), id), apperror.ErrInvalidState)
		})

		t.Run("unknown issue", func(t *testing.T) {
			assert.ErrorIs(t, f.reg.StartWork(as(assignee), 99), apperror.ErrNotFound)
		})
	})
}

func TestReassign(t *testing.T) {
	backends(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, options{})
		id := f.create(t, 100)

		assert.ErrorIs(t, f.reg.Reassign(as(assignee), id, stranger), apperror.ErrUnauthorized)

		require.NoError(t, f.reg.Reassign(as(creator), id, stranger))
		assert.ErrorIs(t, f.reg.StartWork(as(assignee), id), apperror.ErrUnauthorized, "old assignee lost access")
		assert.NoError(t, f.reg.StartWork(as(stranger), id))

		require.NoError(t, f.reg.CreditReward(as(creator), id, stranger))
		assert.ErrorIs(t, f.reg.Reassign(as(creator), id, assignee), apperror.ErrInvalidState)
	})
}

// =========================================================================
// CREDIT
// =========================================================================

// The Bug/500 walkthrough: credit, balance, withdraw, second credit fails.
func TestBugRewardLifecycle(t *testing.T) {
	backends(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, options{})
		id := f.create(t, 500)

		require.NoError(t, f.reg.CreditReward(as(creator), id, assignee))
		assert.Equal(t, int64(500), f.balance(t, assignee))

		w, err := f.reg.Withdraw(as(assignee))
		require.NoError(t, err)
		assert.Equal(t, int64(500), w.Amount.Int64())
		assert.NotEmpty(t, w.Reference)
		assert.Equal(t, int64(0), f.balance(t, assignee))

		err = f.reg.CreditReward(as(creator), id, assignee)
		assert.ErrorIs(t, err, apperror.ErrAlreadyClosed)
		assert.Equal(t, int64(0), f.balance(t, assignee), "second credit must not apply")

		issue, err := f.reg.GetIssue(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.StageClosed, issue.Stage)
		require.NotNil(t, issue.Beneficiary)
		assert.Equal(t, assignee, *issue.Beneficiary)
		assert.NotNil(t, issue.ClosedAt)

		f.requireBalanced(t)
	})
}

func TestCreditReward_CheckOrder(t *testing.T) {
	backends(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, options{})
		open := f.create(t, 10)
		closed := f.create(t, 20)
		require.NoError(t, f.reg.CreditReward(as(creator), closed, assignee))

		tests := []struct {
			name        string
			caller      common.Address
			id          uint64
			beneficiary common.Address
			want        error
		}{
			{"missing issue beats authorization", stranger, 99, assignee, apperror.ErrNotFound},
			{"closed issue beats authorization", stranger, closed, assignee, apperror.ErrAlreadyClosed},
			{"stranger on open issue", stranger, open, assignee, apperror.ErrUnauthorized},
			{"assignee certifying own work", assignee, open, assignee, apperror.ErrUnauthorized},
			{"zero beneficiary", creator, open, common.Address{}, apperror.ErrValidation},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := f.reg.CreditReward(as(tt.caller), tt.id, tt.beneficiary)
				assert.ErrorIs(t, err, tt.want)
			})
		}

		issue, err := f.reg.GetIssue(context.Background(), open)
		require.NoError(t, err)
		assert.Equal(t, model.StageOpen, issue.Stage, "failed credits leave the issue open")
		assert.Equal(t, int64(20), f.balance(t, assignee))
	})
}

func TestCreditReward_ConcurrentCallsSucceedOnce(t *testing.T) {
	backends(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, options{})
		id := f.create(t, 300)

		const workers = 16
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			closedErr int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := f.reg.CreditReward(as(creator), id, assignee)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case errors.Is(err, apperror.ErrAlreadyClosed):
					closedErr++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
		assert.Equal(t, workers-1, closedErr)
		assert.Equal(t, int64(300), f.balance(t, assignee))
		f.requireBalanced(t)
	})
}

func TestCertifierPolicies(t *testing.T) {
	tests := []struct {
		policy  CertifierPolicy
		caller  common.Address
		login   string // GitHub login linked to caller, if any
		wantErr error
	}{
		{CertifyCreator, creator, "", nil},
		{CertifyCreator, stranger, "", apperror.ErrUnauthorized},
		{CertifyCreator, admin, "", apperror.ErrUnauthorized},

		{CertifyRepoOwner, stranger, "Octo", nil},
		{CertifyRepoOwner, stranger, "someone-else", apperror.ErrUnauthorized},
		{CertifyRepoOwner, stranger, "", apperror.ErrUnauthorized},
		{CertifyRepoOwner, creator, "", apperror.ErrUnauthorized},
		{CertifyRepoOwner, assignee, "octo", apperror.ErrUnauthorized},

		{CertifyAdmin, admin, "", nil},
		{CertifyAdmin, creator, "", apperror.ErrUnauthorized},

		{CertifyAny, stranger, "", nil},
		{CertifyAny, assignee, "", apperror.ErrUnauthorized},
	}

	for _, tt := range tests {
		name := string(tt.policy) + "/" + tt.caller.Hex()[36:]
		if tt.login != "" {
			name += "/" + tt.login
		}
		t.Run(name, func(t *testing.T) {
			backends(t, func(t *testing.T, backend string) {
				f := newFixture(t, backend, options{certifier: tt.policy})
				id := f.create(t, 50)

				if tt.login != "" {
					err := f.accounts.Upsert(context.Background(), &model.Account{
						Address:     tt.caller,
						GitHubID:    1,
						GitHubLogin: tt.login,
					})
					require.NoError(t, err)
				}

				err := f.reg.CreditReward(as(tt.caller), id, assignee)
				if tt.wantErr == nil {
					require.NoError(t, err)
					assert.Equal(t, int64(50), f.balance(t, assignee))
					return
				}
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, int64(0), f.balance(t, assignee))
			})
		})
	}
}

// A creator who assigned the issue to themselves may still certify it.
func TestCreditReward_CreatorAssigneeMayCertify(t *testing.T) {
	f := newFixture(t, "memory", options{})
	in := bugInput(40)
	in.Assignee = creator

	id, err := f.reg.CreateIssue(as(creator), in)
	require.NoError(t, err)
	require.NoError(t, f.reg.CreditReward(as(creator), id, creator))
	assert.Equal(t, int64(40), f.balance(t, creator))
}

func TestNewAccessPolicy(t *testing.T) {
	_, err := NewAccessPolicy("bogus", nil)
	assert.Error(t, err)

	_, err = NewAccessPolicy(CertifyAdmin, nil)
	assert.Error(t, err, "admin policy without admins can never certify")

	p, err := NewAccessPolicy("", nil)
	require.NoError(t, err)
	assert.Equal(t, CertifyCreator, p.Certifier())

	got, err := ParseCertifierPolicy(" Repo-Owner ")
	require.NoError(t, err)
	assert.Equal(t, CertifyRepoOwner, got)
}

// =========================================================================
// WITHDRAW
// =========================================================================

func TestWithdraw_DrainsThenNothingToWithdraw(t *testing.T) {
	backends(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, options{})
		for _, reward := range []int64{100, 250} {
			id := f.create(t, reward)
			require.NoError(t, f.reg.CreditReward(as(creator), id, assignee))
		}

		w, err := f.reg.Withdraw(as(assignee))
		require.NoError(t, err)
		assert.Equal(t, int64(350), w.Amount.Int64())
		assert.Equal(t, int64(350), f.book.PaidTo(assignee).Int64())

		_, err = f.reg.Withdraw(as(assignee))
		assert.ErrorIs(t, err, apperror.ErrNothingToWithdraw)
		assert.Equal(t, int64(350), f.book.PaidTo(assignee).Int64(), "no further payout")

		credit, err := f.reg.Credit(context.Background(), assignee)
		require.NoError(t, err)
		assert.Zero(t, credit.Balance.Sign())
		assert.Equal(t, int64(350), credit.PaidOut.Int64())

		a := f.requireBalanced(t)
		assert.Equal(t, uint64(2), a.ClosedIssues)
	})
}

func TestWithdraw_NeverCredited(t *testing.T) {
	f := newFixture(t, "memory", options{})

	_, err := f.reg.Withdraw(as(stranger))
	assert.ErrorIs(t, err, apperror.ErrNothingToWithdraw)
	assert.Empty(t, f.book.Entries())
}

func TestWithdraw_FailedTransferRestoresBalance(t *testing.T) {
	backends(t, func(t *testing.T, backend string) {
		failing := payout.TransferFunc(func(context.Context, common.Address, *big.Int) (string, error) {
			return "", errors.New("rpc unavailable")
		})
		f := newFixture(t, backend, options{transfer: failing})
		id := f.create(t, 75)
		require.NoError(t, f.reg.CreditReward(as(creator), id, assignee))

		_, err := f.reg.Withdraw(as(assignee))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rpc unavailable")
		assert.Equal(t, "internal_error", apperror.Code(err))

		credit, err := f.reg.Credit(context.Background(), assignee)
		require.NoError(t, err)
		assert.Equal(t, int64(75), credit.Balance.Int64(), "balance restored")
		assert.Zero(t, credit.PaidOut.Sign())

		events, err := f.reg.Events(context.Background(), 0, 0)
		require.NoError(t, err)
		for _, e := range events {
			assert.NotEqual(t, model.EventRewardWithdrawn, e.Kind)
		}
		f.requireBalanced(t)
	})
}

// A transport that calls back into Withdraw with the frame's ctx sees the
// already-zeroed balance. Funds leave exactly once.
func TestWithdraw_ReentrantTransferPaysOnce(t *testing.T) {
	backends(t, func(t *testing.T, backend string) {
		var (
			reg      *Registry
			inner    error
			payments []*big.Int
		)
		transfer := payout.TransferFunc(func(ctx context.Context, to common.Address, amount *big.Int) (string, error) {
			if len(payments) == 0 {
				// Try to drain again before the first payment lands.
				_, inner = reg.Withdraw(ctx)
			}
			payments = append(payments, new(big.Int).Set(amount))
			return "ref", nil
		})

		f := newFixture(t, backend, options{transfer: transfer})
		reg = f.reg
		id := f.create(t, 500)
		require.NoError(t, f.reg.CreditReward(as(creator), id, assignee))

		w, err := f.reg.Withdraw(as(assignee))
		require.NoError(t, err)
		assert.Equal(t, int64(500), w.Amount.Int64())

		assert.ErrorIs(t, inner, apperror.ErrNothingToWithdraw)
		require.Len(t, payments, 1)
		assert.Equal(t, int64(500), payments[0].Int64())

		credit, err := f.reg.Credit(context.Background(), assignee)
		require.NoError(t, err)
		assert.Zero(t, credit.Balance.Sign())
		assert.Equal(t, int64(500), credit.PaidOut.Int64())
		f.requireBalanced(t)
	})
}

// If the transport propagates the re-entrant failure, the whole withdraw
// aborts and the balance stays put.
func TestWithdraw_ReentrantFailurePropagates(t *testing.T) {
	backends(t, func(t *testing.T, backend string) {
		var reg *Registry
		transfer := payout.TransferFunc(func(ctx context.Context, to common.Address, amount *big.Int) (string, error) {
			if _, err := reg.Withdraw(ctx); err != nil {
				return "", err
			}
			return "ref", nil
		})

		f := newFixture(t, backend, options{transfer: transfer})
		reg = f.reg
		id := f.create(t, 60)
		require.NoError(t, f.reg.CreditReward(as(creator), id, assignee))

		_, err := f.reg.Withdraw(as(assignee))
		assert.ErrorIs(t, err, apperror.ErrNothingToWithdraw)
		assert.Equal(t, int64(60), f.balance(t, assignee))
		f.requireBalanced(t)
	})
}

// =========================================================================
// LEDGER-WIDE PROPERTIES
// =========================================================================

func TestSumInvariantAcrossMixedOperations(t *testing.T) {
	backends(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, options{})
		beneficiaries := []common.Address{assignee, stranger, admin}

		for i := 0; i < 9; i++ {
			id := f.create(t, int64(10*(i+1)))
			if i%3 == 2 {
				continue // leave some open
			}
			require.NoError(t, f.reg.CreditReward(as(creator), id, beneficiaries[i%len(beneficiaries)]))
			f.requireBalanced(t)

			if i%2 == 0 {
				_, err := f.reg.Withdraw(as(beneficiaries[i%len(beneficiaries)]))
				require.NoError(t, err)
				f.requireBalanced(t)
			}
		}

		a := f.requireBalanced(t)
		// Closed: ids 0,1,3,4,6,7 → rewards 10+20+40+50+70+80.
		assert.Equal(t, int64(270), a.ClosedRewards.Int64())
		assert.Equal(t, uint64(6), a.ClosedIssues)
	})
}

func TestEventFeed(t *testing.T) {
	backends(t, func(t *testing.T, backend string) {
		f := newFixture(t, backend, options{})
		ctx := context.Background()

		id := f.create(t, 500)
		require.NoError(t, f.reg.Reassign(as(creator), id, stranger))
		require.NoError(t, f.reg.StartWork(as(stranger), id))
		require.NoError(t, f.reg.CreditReward(as(creator), id, stranger))
		_, err := f.reg.Withdraw(as(stranger))
		require.NoError(t, err)

		// Rejected calls leave no events.
		_, _ = f.reg.Withdraw(as(stranger))
		_ = f.reg.StartWork(as(assignee), id)

		events, err := f.reg.Events(ctx, 0, 0)
		require.NoError(t, err)

		want := []model.EventKind{
			model.EventIssueCreated,
			model.EventAssigneeChanged,
			model.EventWorkStarted,
			model.EventRewardCredited,
			model.EventRewardWithdrawn,
		}
		require.Len(t, events, len(want))
		for i, e := range events {
			assert.Equal(t, want[i], e.Kind)
			assert.Equal(t, uint64(i+1), e.Seq)
			assert.NotEmpty(t, e.CallID)
		}

		assert.Equal(t, creator, events[0].Actor)
		assert.Equal(t, stranger, events[1].Subject)
		assert.Equal(t, stranger, events[3].Subject)
		assert.Equal(t, int64(500), events[3].Amount.Int64())
		assert.Equal(t, stranger, events[4].Actor)
		assert.Nil(t, events[4].IssueID)

		tail, err := f.reg.Events(ctx, 3, 1)
		require.NoError(t, err)
		require.Len(t, tail, 1)
		assert.Equal(t, model.EventRewardCredited, tail[0].Kind)
	})
}

func TestBalanceOf_UnknownIsZero(t *testing.T) {
	f := newFixture(t, "memory", options{})
	assert.Equal(t, int64(0), f.balance(t, stranger))
}

func TestOperationsAreCounted(t *testing.T) {
	f := newFixture(t, "memory", options{})
	f.create(t, 10)
	_, _ = f.reg.Withdraw(as(stranger))

	rec := httptest.NewRecorder()
	f.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	text := rec.Body.String()

	assert.Contains(t, text, `issue_registry_ledger_operations_total{op="create_issue",result="ok"} 1`)
	assert.Contains(t, text, `issue_registry_ledger_operations_total{op="withdraw",result="nothing_to_withdraw"} 1`)
}

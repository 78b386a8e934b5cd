// Package repotest holds a conformance suite for repository.Store
// implementations. Each backend's tests call TestStore with a constructor so
// both backends are held to exactly the same behaviour.
package repotest

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethcentivize/issue-registry/internal/apperror"
	"github.com/ethcentivize/issue-registry/internal/model"
	"github.com/ethcentivize/issue-registry/internal/repository"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

var errAbort = errors.New("abort")

// TestStore runs the suite. newStore must return an empty store; the suite
// closes it.
func TestStore(t *testing.T, newStore func(t *testing.T) repository.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s repository.Store)
	}{
		{"IssueIDsAreDenseFromZero", testDenseIDs},
		{"ErrorRollsBackEveryWrite", testRollback},
		{"ReadsSeeOwnWrites", testReadYourWrites},
		{"ViewRejectsWrites", testViewRejectsWrites},
		{"AmountsBeyond64Bits", testBigAmounts},
		{"UnknownCreditIsZero", testUnknownCredit},
		{"ListIssuesPages", testListIssues},
		{"UpdateMissingIssue", testUpdateMissing},
		{"ReturnedValuesAreCopies", testCopies},
		{"EventsSinceAndLimit", testEvents},
		{"IssueBookkeepingRoundTrips", testBookkeeping},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

func newIssue(reward int64) *model.Issue {
	return &model.Issue{
		Kind:         model.KindBug,
		Creator:      alice,
		Assignee:     bob,
		Description:  "crash on save",
		RewardAmount: big.NewInt(reward),
		RepoOwner:    "octo",
		RepoName:     "app",
		Stage:        model.StageOpen,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
}

func insert(t *testing.T, s repository.Store, issue *model.Issue) uint64 {
	t.Helper()
	err := s.Atomically(context.Background(), func(st repository.State) error {
		return st.InsertIssue(context.Background(), issue)
	})
	require.NoError(t, err)
	return issue.ID
}

func testDenseIDs(t *testing.T, s repository.Store) {
	for want := uint64(0); want < 5; want++ {
		got := insert(t, s, newIssue(int64(want+1)))
		assert.Equal(t, want, got)
	}

	err := s.View(context.Background(), func(st repository.State) error {
		n, err := st.IssueCount(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(5), n)
		return nil
	})
	require.NoError(t, err)
}

func testRollback(t *testing.T, s repository.Store) {
	ctx := context.Background()
	insert(t, s, newIssue(10))

	err := s.Atomically(ctx, func(st repository.State) error {
		require.NoError(t, st.InsertIssue(ctx, newIssue(20)))

		credit := model.NewCredit(bob)
		credit.Balance.SetInt64(20)
		require.NoError(t, st.PutCredit(ctx, credit))

		require.NoError(t, st.AppendEvent(ctx, &model.Event{CallID: "c1", Kind: model.EventIssueCreated, Actor: alice}))
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	err = s.View(ctx, func(st repository.State) error {
		n, err := st.IssueCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), n, "aborted insert must not persist")

		credit, err := st.GetCredit(ctx, bob)
		require.NoError(t, err)
		assert.Zero(t, credit.Balance.Sign(), "aborted credit must not persist")

		events, err := st.ListEvents(ctx, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, events, "aborted event must not persist")
		return nil
	})
	require.NoError(t, err)

	// The aborted id is not burned.
	assert.Equal(t, uint64(1), insert(t, s, newIssue(30)))
}

func testReadYourWrites(t *testing.T, s repository.Store) {
	ctx := context.Background()
	id := insert(t, s, newIssue(10))

	err := s.Atomically(ctx, func(st repository.State) error {
		issue, err := st.GetIssue(ctx, id)
		require.NoError(t, err)
		issue.Stage = model.StageClosed
		require.NoError(t, st.UpdateIssue(ctx, issue))

		again, err := st.GetIssue(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StageClosed, again.Stage)

		credit := model.NewCredit(bob)
		credit.Balance.SetInt64(10)
		require.NoError(t, st.PutCredit(ctx, credit))

		got, err := st.GetCredit(ctx, bob)
		require.NoError(t, err)
		assert.Equal(t, int64(10), got.Balance.Int64())
		return nil
	})
	require.NoError(t, err)
}

func testViewRejectsWrites(t *testing.T, s repository.Store) {
	ctx := context.Background()

	err := s.View(ctx, func(st repository.State) error {
		return st.InsertIssue(ctx, newIssue(1))
	})
	require.Error(t, err)

	err = s.View(ctx, func(st repository.State) error {
		return st.PutCredit(ctx, model.NewCredit(bob))
	})
	require.Error(t, err)

	err = s.View(ctx, func(st repository.State) error {
		return st.AppendEvent(ctx, &model.Event{Kind: model.EventWorkStarted, Actor: bob})
	})
	require.Error(t, err)
}

func testBigAmounts(t *testing.T, s repository.Store) {
	ctx := context.Background()

	// 1000 ether in wei does not fit in an int64.
	huge, ok := new(big.Int).SetString("1000000000000000000000", 10)
	require.True(t, ok)

	issue := newIssue(1)
	issue.RewardAmount = new(big.Int).Set(huge)
	id := insert(t, s, issue)

	err := s.Atomically(ctx, func(st repository.State) error {
		credit := model.NewCredit(bob)
		credit.Balance.Set(huge)
		credit.PaidOut.Mul(huge, big.NewInt(3))
		return st.PutCredit(ctx, credit)
	})
	require.NoError(t, err)

	err = s.View(ctx, func(st repository.State) error {
		got, err := st.GetIssue(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, huge.Cmp(got.RewardAmount), "reward = %s, want %s", got.RewardAmount, huge)

		credit, err := st.GetCredit(ctx, bob)
		require.NoError(t, err)
		assert.Zero(t, huge.Cmp(credit.Balance))
		assert.Equal(t, "3000000000000000000000", credit.PaidOut.String())
		return nil
	})
	require.NoError(t, err)
}

func testUnknownCredit(t *testing.T, s repository.Store) {
	ctx := context.Background()
	err := s.View(ctx, func(st repository.State) error {
		credit, err := st.GetCredit(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, alice, credit.Beneficiary)
		assert.Zero(t, credit.Balance.Sign())
		assert.Zero(t, credit.PaidOut.Sign())

		credits, err := st.ListCredits(ctx)
		require.NoError(t, err)
		assert.Empty(t, credits, "reading must not create an entry")
		return nil
	})
	require.NoError(t, err)
}

func testListIssues(t *testing.T, s repository.Store) {
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		insert(t, s, newIssue(int64(i)))
	}

	tests := []struct {
		name    string
		opts    repository.ListOptions
		wantIDs []uint64
	}{
		{"all", repository.ListOptions{}, []uint64{0, 1, 2, 3, 4}},
		{"first page", repository.ListOptions{Limit: 2}, []uint64{0, 1}},
		{"second page", repository.ListOptions{Limit: 2, Offset: 2}, []uint64{2, 3}},
		{"partial last page", repository.ListOptions{Limit: 2, Offset: 4}, []uint64{4}},
		{"past the end", repository.ListOptions{Limit: 2, Offset: 9}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.View(ctx, func(st repository.State) error {
				issues, err := st.ListIssues(ctx, tt.opts)
				require.NoError(t, err)

				var ids []uint64
				for _, issue := range issues {
					ids = append(ids, issue.ID)
				}
				assert.Equal(t, tt.wantIDs, ids)
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func testUpdateMissing(t *testing.T, s repository.Store) {
	ctx := context.Background()
	err := s.Atomically(ctx, func(st repository.State) error {
		issue := newIssue(1)
		issue.ID = 42
		return st.UpdateIssue(ctx, issue)
	})
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	err = s.View(ctx, func(st repository.State) error {
		_, err := st.GetIssue(ctx, 42)
		return err
	})
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func testCopies(t *testing.T, s repository.Store) {
	ctx := context.Background()
	issue := newIssue(10)
	id := insert(t, s, issue)

	// Mutating the caller's value after insert must not reach the store.
	issue.RewardAmount.SetInt64(999)

	err := s.View(ctx, func(st repository.State) error {
		got, err := st.GetIssue(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(10), got.RewardAmount.Int64())

		got.RewardAmount.SetInt64(777)
		again, err := st.GetIssue(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(10), again.RewardAmount.Int64())
		return nil
	})
	require.NoError(t, err)
}

func testEvents(t *testing.T, s repository.Store) {
	ctx := context.Background()
	id := insert(t, s, newIssue(5))

	err := s.Atomically(ctx, func(st repository.State) error {
		for i := 0; i < 4; i++ {
			e := &model.Event{
				CallID:  "call",
				Kind:    model.EventRewardCredited,
				IssueID: &id,
				Actor:   alice,
				Subject: bob,
				Amount:  big.NewInt(int64(i)),
			}
			require.NoError(t, st.AppendEvent(ctx, e))
			assert.Equal(t, uint64(i+1), e.Seq)
		}
		return nil
	})
	require.NoError(t, err)

	err = s.View(ctx, func(st repository.State) error {
		events, err := st.ListEvents(ctx, 1, 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, uint64(2), events[0].Seq)
		assert.Equal(t, uint64(3), events[1].Seq)
		assert.Equal(t, bob, events[0].Subject)
		require.NotNil(t, events[0].IssueID)
		assert.Equal(t, id, *events[0].IssueID)
		assert.Equal(t, int64(1), events[0].Amount.Int64())

		rest, err := st.ListEvents(ctx, 4, 10)
		require.NoError(t, err)
		assert.Empty(t, rest)
		return nil
	})
	require.NoError(t, err)
}

func testBookkeeping(t *testing.T, s repository.Store) {
	ctx := context.Background()
	id := insert(t, s, newIssue(7))

	closedAt := time.Now().UTC().Truncate(time.Second)
	err := s.Atomically(ctx, func(st repository.State) error {
		issue, err := st.GetIssue(ctx, id)
		require.NoError(t, err)
		issue.Stage = model.StageClosed
		issue.Beneficiary = &bob
		issue.ClosedAt = &closedAt
		issue.WorkStartedAt = &closedAt
		issue.Assignee = alice
		return st.UpdateIssue(ctx, issue)
	})
	require.NoError(t, err)

	err = s.View(ctx, func(st repository.State) error {
		got, err := st.GetIssue(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StageClosed, got.Stage)
		assert.Equal(t, alice, got.Assignee)
		require.NotNil(t, got.Beneficiary)
		assert.Equal(t, bob, *got.Beneficiary)
		require.NotNil(t, got.ClosedAt)
		assert.True(t, closedAt.Equal(*got.ClosedAt), "closedAt = %v, want %v", *got.ClosedAt, closedAt)
		require.NotNil(t, got.WorkStartedAt)
		assert.Equal(t, model.KindBug, got.Kind)
		assert.Equal(t, "octo", got.RepoOwner)
		return nil
	})
	require.NoError(t, err)
}

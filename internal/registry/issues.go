package registry

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethcentivize/issue-registry/internal/apperror"
	"github.com/ethcentivize/issue-registry/internal/ledger"
	"github.com/ethcentivize/issue-registry/internal/model"
	"github.com/ethcentivize/issue-registry/internal/repository"
	"github.com/ethereum/go-ethereum/common"
)

const (
	MaxDescriptionBytes = 10_000
	MaxRepoFieldBytes   = 200

	DefaultListLimit = 20
	MaxListLimit     = 100
)

// CreateIssueInput is everything a caller supplies to post an issue. The
// creator is the caller.
type CreateIssueInput struct {
	Kind         model.Kind
	Assignee     common.Address // may be zero: nobody can start work until reassigned
	Description  string
	RewardAmount *big.Int
	RepoOwner    string
	RepoName     string
}

// Validate checks the reward first, so a zero reward is always reported as
// InvalidReward whatever else is wrong.
func (in CreateIssueInput) Validate() error {
	if in.RewardAmount == nil || in.RewardAmount.Sign() <= 0 {
		return apperror.InvalidReward("reward must be greater than zero")
	}
	if !in.Kind.Valid() {
		return apperror.ValidationFailed("kind", fmt.Sprintf("unknown issue kind %d", uint8(in.Kind)))
	}
	if len(in.Description) > MaxDescriptionBytes {
		return apperror.ValidationFailed("description",
			fmt.Sprintf("description must be at most %d bytes", MaxDescriptionBytes))
	}
	if len(in.RepoOwner) > MaxRepoFieldBytes {
		return apperror.ValidationFailed("repoOwner",
			fmt.Sprintf("repo owner must be at most %d bytes", MaxRepoFieldBytes))
	}
	if len(in.RepoName) > MaxRepoFieldBytes {
		return apperror.ValidationFailed("repoName",
			fmt.Sprintf("repo name must be at most %d bytes", MaxRepoFieldBytes))
	}
	return nil
}

// clampLimit applies the list defaults: 0 means DefaultListLimit and anything
// above MaxListLimit is capped.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return min(limit, MaxListLimit)
}

// issueStore owns issue records and their lifecycle. Every method runs
// inside a call frame and writes only through it.
type issueStore struct{}

func (issueStore) create(ctx context.Context, call *ledger.Call, in CreateIssueInput) (*model.Issue, error) {
	issue := &model.Issue{
		Kind:         in.Kind,
		Creator:      call.Caller,
		Assignee:     in.Assignee,
		Description:  in.Description,
		RewardAmount: new(big.Int).Set(in.RewardAmount),
		RepoOwner:    in.RepoOwner,
		RepoName:     in.RepoName,
		Stage:        model.StageOpen,
		CreatedAt:    call.At,
	}
	if err := call.State.InsertIssue(ctx, issue); err != nil {
		return nil, err
	}

	err := call.Emit(ctx, &model.Event{
		Kind:    model.EventIssueCreated,
		IssueID: &issue.ID,
		Subject: issue.Assignee,
		Amount:  issue.RewardAmount,
	})
	if err != nil {
		return nil, err
	}
	return issue, nil
}

func (issueStore) get(ctx context.Context, st repository.State, id uint64) (*model.Issue, error) {
	return st.GetIssue(ctx, id)
}

// startWork is advisory: it never changes the stage. The first call records
// when work started; later calls succeed without effect.
func (issueStore) startWork(ctx context.Context, call *ledger.Call, issue *model.Issue) error {
	if !issue.IsOpen() {
		return apperror.InvalidState(fmt.Sprintf("issue %d is closed", issue.ID))
	}
	if issue.WorkStartedAt != nil {
		return nil
	}

	at := call.At
	issue.WorkStartedAt = &at
	if err := call.State.UpdateIssue(ctx, issue); err != nil {
		return err
	}
	return call.Emit(ctx, &model.Event{
		Kind:    model.EventWorkStarted,
		IssueID: &issue.ID,
		Subject: issue.Assignee,
	})
}

func (issueStore) reassign(ctx context.Context, call *ledger.Call, issue *model.Issue, assignee common.Address) error {
	if !issue.IsOpen() {
		return apperror.InvalidState(fmt.Sprintf("issue %d is closed", issue.ID))
	}
	if issue.Assignee == assignee {
		return nil
	}

	issue.Assignee = assignee
	// A new assignee has not started yet.
	issue.WorkStartedAt = nil
	if err := call.State.UpdateIssue(ctx, issue); err != nil {
		return err
	}
	return call.Emit(ctx, &model.Event{
		Kind:    model.EventAssigneeChanged,
		IssueID: &issue.ID,
		Subject: assignee,
	})
}

// close is the Open → Closed transition. It re-checks the stage itself so a
// second close can never succeed, whoever calls it.
func (issueStore) close(ctx context.Context, call *ledger.Call, issue *model.Issue, beneficiary common.Address) error {
	if !issue.IsOpen() {
		return apperror.AlreadyClosed(issue.ID)
	}

	at := call.At
	issue.Stage = model.StageClosed
	issue.Beneficiary = &beneficiary
	issue.ClosedAt = &at
	return call.State.UpdateIssue(ctx, issue)
}

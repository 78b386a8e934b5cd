// Package repository declares the persistence contracts the registry is built
// on. Two backends implement them: repository/sqlite for durable state and
// repository/memory for tests and ephemeral runs.
package repository

import (
	"context"

	"github.com/ethcentivize/issue-registry/internal/model"
	"github.com/ethereum/go-ethereum/common"
)

type ListOptions struct {
	Limit  int
	Offset int
}

// State is the ledger state visible inside one call frame. Reads observe the
// frame's own earlier writes. Values returned are copies: mutate them and
// write them back.
type State interface {
	IssueCount(ctx context.Context) (uint64, error)
	// InsertIssue assigns issue.ID (the current count) and stores it.
	InsertIssue(ctx context.Context, issue *model.Issue) error
	GetIssue(ctx context.Context, id uint64) (*model.Issue, error)
	ListIssues(ctx context.Context, opts ListOptions) ([]model.Issue, error)
	UpdateIssue(ctx context.Context, issue *model.Issue) error

	// GetCredit returns a zero entry, not an error, for an unknown address.
	GetCredit(ctx context.Context, addr common.Address) (*model.Credit, error)
	PutCredit(ctx context.Context, credit *model.Credit) error
	ListCredits(ctx context.Context) ([]model.Credit, error)

	// AppendEvent assigns event.Seq.
	AppendEvent(ctx context.Context, event *model.Event) error
	ListEvents(ctx context.Context, since uint64, limit int) ([]model.Event, error)
}

// Store runs functions against State atomically.
//
// Atomically applies every write fn makes, or none of them if fn returns an
// error. Calls are serialized. View runs fn against a consistent snapshot and
// rejects writes.
type Store interface {
	Atomically(ctx context.Context, fn func(State) error) error
	View(ctx context.Context, fn func(State) error) error
	Close() error
}

// AccountRepository stores off-ledger account profiles.
type AccountRepository interface {
	// Upsert inserts or updates the account keyed by account.Address and
	// fills in its timestamps.
	Upsert(ctx context.Context, account *model.Account) error
	GetByAddress(ctx context.Context, addr common.Address) (*model.Account, error)
	GetByGitHubID(ctx context.Context, githubID int64) (*model.Account, error)
}

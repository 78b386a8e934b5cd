// Package memory implements the repository interfaces in process memory.
//
// HOW ATOMICITY WORKS HERE:
// The store keeps one immutable snapshot of the ledger. A call copies the
// snapshot's containers (not the records in them), applies its writes to the
// copy, and publishes the copy only if the call succeeds. Records are never
// modified in place; every write stores a fresh clone. An old snapshot is
// therefore never disturbed, which lets View hand it to readers without a lock.
//
// Writers are serialized by writeMu. Readers never block.
package memory

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/ethcentivize/issue-registry/internal/apperror"
	"github.com/ethcentivize/issue-registry/internal/model"
	"github.com/ethcentivize/issue-registry/internal/repository"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/atomic"
)

var _ repository.Store = (*Store)(nil)

var errReadOnly = errors.New("memory: write attempted in read-only view")

// Store is an in-memory ledger. The zero value is not usable; call New.
type Store struct {
	writeMu sync.Mutex
	current atomic.Pointer[state]
}

func New() *Store {
	s := &Store{}
	s.current.Store(&state{credits: map[common.Address]*model.Credit{}})
	return s
}

func (s *Store) Atomically(ctx context.Context, fn func(repository.State) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	next := s.current.Load().clone()
	if err := fn(next); err != nil {
		return err
	}
	s.current.Store(next)
	return nil
}

func (s *Store) View(ctx context.Context, fn func(repository.State) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := *s.current.Load()
	snapshot.readOnly = true
	return fn(&snapshot)
}

// Close is a no-op; it exists to satisfy repository.Store.
func (s *Store) Close() error {
	return nil
}

type state struct {
	issues   []*model.Issue
	credits  map[common.Address]*model.Credit
	events   []*model.Event
	readOnly bool
}

func (st *state) clone() *state {
	credits := make(map[common.Address]*model.Credit, len(st.credits))
	for k, v := range st.credits {
		credits[k] = v
	}
	return &state{
		issues:  slices.Clone(st.issues),
		credits: credits,
		events:  slices.Clone(st.events),
	}
}

func (st *state) IssueCount(ctx context.Context) (uint64, error) {
	return uint64(len(st.issues)), nil
}

func (st *state) InsertIssue(ctx context.Context, issue *model.Issue) error {
	if st.readOnly {
		return errReadOnly
	}
	issue.ID = uint64(len(st.issues))
	st.issues = append(st.issues, issue.Clone())
	return nil
}

func (st *state) GetIssue(ctx context.Context, id uint64) (*model.Issue, error) {
	if id >= uint64(len(st.issues)) {
		return nil, apperror.NotFound("issue", strconv.FormatUint(id, 10))
	}
	return st.issues[id].Clone(), nil
}

func (st *state) ListIssues(ctx context.Context, opts repository.ListOptions) ([]model.Issue, error) {
	start := min(max(opts.Offset, 0), len(st.issues))
	end := len(st.issues)
	if opts.Limit > 0 {
		end = min(start+opts.Limit, end)
	}

	issues := make([]model.Issue, 0, end-start)
	for _, issue := range st.issues[start:end] {
		issues = append(issues, *issue.Clone())
	}
	return issues, nil
}

func (st *state) UpdateIssue(ctx context.Context, issue *model.Issue) error {
	if st.readOnly {
		return errReadOnly
	}
	if issue.ID >= uint64(len(st.issues)) {
		return apperror.NotFound("issue", strconv.FormatUint(issue.ID, 10))
	}
	st.issues[issue.ID] = issue.Clone()
	return nil
}

func (st *state) GetCredit(ctx context.Context, addr common.Address) (*model.Credit, error) {
	if c, ok := st.credits[addr]; ok {
		return c.Clone(), nil
	}
	return model.NewCredit(addr), nil
}

func (st *state) PutCredit(ctx context.Context, credit *model.Credit) error {
	if st.readOnly {
		return errReadOnly
	}
	st.credits[credit.Beneficiary] = credit.Clone()
	return nil
}

func (st *state) ListCredits(ctx context.Context) ([]model.Credit, error) {
	credits := make([]model.Credit, 0, len(st.credits))
	for _, c := range st.credits {
		credits = append(credits, *c.Clone())
	}
	slices.SortFunc(credits, func(a, b model.Credit) int {
		return bytes.Compare(a.Beneficiary[:], b.Beneficiary[:])
	})
	return credits, nil
}

func (st *state) AppendEvent(ctx context.Context, event *model.Event) error {
	if st.readOnly {
		return errReadOnly
	}
	event.Seq = uint64(len(st.events)) + 1
	if event.At.IsZero() {
		event.At = time.Now()
	}
	st.events = append(st.events, event.Clone())
	return nil
}

func (st *state) ListEvents(ctx context.Context, since uint64, limit int) ([]model.Event, error) {
	// Seq n lives at index n-1, so events after `since` start at index since.
	start := int(min(since, uint64(len(st.events))))
	end := len(st.events)
	if limit > 0 {
		end = min(start+limit, end)
	}

	events := make([]model.Event, 0, end-start)
	for _, e := range st.events[start:end] {
		events = append(events, *e.Clone())
	}
	return events, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethcentivize/issue-registry/internal/apperror"
	"github.com/ethcentivize/issue-registry/internal/model"
	"github.com/ethcentivize/issue-registry/internal/repository"
	"github.com/ethereum/go-ethereum/common"
)

var _ repository.State = (*ledgerState)(nil)

var errReadOnly = errors.New("sqlite: write attempted in read-only view")

// ledgerState is the repository.State of one transaction.
type ledgerState struct {
	tx       *sql.Tx
	readOnly bool
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows, so one scan
// function serves single lookups and list queries.
type rowScanner interface {
	Scan(dest ...any) error
}

const issueColumns = `id, kind, creator, assignee, description, reward_amount,
	repo_owner, repo_name, stage, beneficiary, created_at, work_started_at, closed_at`

func (s *ledgerState) IssueCount(ctx context.Context) (uint64, error) {
	var n uint64
	if err := s.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM issues`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: counting issues: %w", err)
	}
	return n, nil
}

func (s *ledgerState) InsertIssue(ctx context.Context, issue *model.Issue) error {
	if s.readOnly {
		return errReadOnly
	}

	// Ids are dense: the next id is the current row count. Rows are never
	// deleted, so COUNT(*) and MAX(id)+1 agree.
	id, err := s.IssueCount(ctx)
	if err != nil {
		return err
	}
	issue.ID = id

	_, err = s.tx.ExecContext(ctx,
		`INSERT INTO issues (`+issueColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		issue.ID,
		issue.Kind,
		issue.Creator.Hex(),
		issue.Assignee.Hex(),
		issue.Description,
		amountText(issue.RewardAmount),
		issue.RepoOwner,
		issue.RepoName,
		issue.Stage,
		nullAddress(issue.Beneficiary),
		issue.CreatedAt,
		nullTime(issue.WorkStartedAt),
		nullTime(issue.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: inserting issue %d: %w", issue.ID, err)
	}
	return nil
}

func (s *ledgerState) GetIssue(ctx context.Context, id uint64) (*model.Issue, error) {
	row := s.tx.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE id = ?`, id)

	issue, err := scanIssue(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("issue", strconv.FormatUint(id, 10))
		}
		return nil, fmt.Errorf("sqlite: getting issue %d: %w", id, err)
	}
	return issue, nil
}

func (s *ledgerState) ListIssues(ctx context.Context, opts repository.ListOptions) ([]model.Issue, error) {
	// SQLite treats a negative LIMIT as "no limit".
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.tx.QueryContext(ctx,
		`SELECT `+issueColumns+` FROM issues ORDER BY id ASC LIMIT ? OFFSET ?`,
		limit, max(opts.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing issues: %w", err)
	}
	defer rows.Close()

	issues := []model.Issue{}
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning issue row: %w", err)
		}
		issues = append(issues, *issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating issue rows: %w", err)
	}
	return issues, nil
}

func (s *ledgerState) UpdateIssue(ctx context.Context, issue *model.Issue) error {
	if s.readOnly {
		return errReadOnly
	}

	// Only the mutable columns are written; the rest are fixed at creation.
	result, err := s.tx.ExecContext(ctx,
		`UPDATE issues
		 SET assignee = ?, stage = ?, beneficiary = ?, work_started_at = ?, closed_at = ?
		 WHERE id = ?`,
		issue.Assignee.Hex(),
		issue.Stage,
		nullAddress(issue.Beneficiary),
		nullTime(issue.WorkStartedAt),
		nullTime(issue.ClosedAt),
		issue.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: updating issue %d: %w", issue.ID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if n == 0 {
		return apperror.NotFound("issue", strconv.FormatUint(issue.ID, 10))
	}
	return nil
}

func (s *ledgerState) GetCredit(ctx context.Context, addr common.Address) (*model.Credit, error) {
	row := s.tx.QueryRowContext(ctx,
		`SELECT beneficiary, balance, paid_out, updated_at FROM credits WHERE beneficiary = ?`,
		addr.Hex())

	credit, err := scanCredit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.NewCredit(addr), nil
		}
		return nil, fmt.Errorf("sqlite: getting credit for %s: %w", addr.Hex(), err)
	}
	return credit, nil
}

func (s *ledgerState) PutCredit(ctx context.Context, credit *model.Credit) error {
	if s.readOnly {
		return errReadOnly
	}
	if credit.UpdatedAt.IsZero() {
		credit.UpdatedAt = time.Now()
	}

	_, err := s.tx.ExecContext(ctx,
		`INSERT INTO credits (beneficiary, balance, paid_out, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(beneficiary) DO UPDATE SET
			balance = excluded.balance,
			paid_out = excluded.paid_out,
			updated_at = excluded.updated_at`,
		credit.Beneficiary.Hex(),
		amountText(credit.Balance),
		amountText(credit.PaidOut),
		credit.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: writing credit for %s: %w", credit.Beneficiary.Hex(), err)
	}
	return nil
}

func (s *ledgerState) ListCredits(ctx context.Context) ([]model.Credit, error) {
	rows, err := s.tx.QueryContext(ctx,
		`SELECT beneficiary, balance, paid_out, updated_at FROM credits ORDER BY beneficiary ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing credits: %w", err)
	}
	defer rows.Close()

	credits := []model.Credit{}
	for rows.Next() {
		credit, err := scanCredit(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning credit row: %w", err)
		}
		credits = append(credits, *credit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating credit rows: %w", err)
	}
	return credits, nil
}

func (s *ledgerState) AppendEvent(ctx context.Context, event *model.Event) error {
	if s.readOnly {
		return errReadOnly
	}

	var last uint64
	if err := s.tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&last); err != nil {
		return fmt.Errorf("sqlite: reading last event seq: %w", err)
	}
	event.Seq = last + 1
	if event.At.IsZero() {
		event.At = time.Now()
	}

	var issueID sql.NullInt64
	if event.IssueID != nil {
		issueID = sql.NullInt64{Int64: int64(*event.IssueID), Valid: true}
	}
	var amount sql.NullString
	if event.Amount != nil {
		amount = sql.NullString{String: event.Amount.String(), Valid: true}
	}

	_, err := s.tx.ExecContext(ctx,
		`INSERT INTO events (seq, call_id, kind, issue_id, actor, subject, amount, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Seq,
		event.CallID,
		string(event.Kind),
		issueID,
		event.Actor.Hex(),
		event.Subject.Hex(),
		amount,
		event.At,
	)
	if err != nil {
		return fmt.Errorf("sqlite: appending %s event: %w", event.Kind, err)
	}
	return nil
}

func (s *ledgerState) ListEvents(ctx context.Context, since uint64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.tx.QueryContext(ctx,
		`SELECT seq, call_id, kind, issue_id, actor, subject, amount, at
		 FROM events WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
		since, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing events: %w", err)
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		var (
			e       model.Event
			kind    string
			issueID sql.NullInt64
			actor   string
			subject string
			amount  sql.NullString
		)
		if err := rows.Scan(&e.Seq, &e.CallID, &kind, &issueID, &actor, &subject, &amount, &e.At); err != nil {
			return nil, fmt.Errorf("sqlite: scanning event row: %w", err)
		}
		e.Kind = model.EventKind(kind)
		e.Actor = common.HexToAddress(actor)
		e.Subject = common.HexToAddress(subject)
		if issueID.Valid {
			id := uint64(issueID.Int64)
			e.IssueID = &id
		}
		if amount.Valid {
			if e.Amount, err = parseAmount(amount.String); err != nil {
				return nil, err
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating event rows: %w", err)
	}
	return events, nil
}

func scanIssue(row rowScanner) (*model.Issue, error) {
	var (
		issue         model.Issue
		creator       string
		assignee      string
		reward        string
		beneficiary   sql.NullString
		workStartedAt sql.NullTime
		closedAt      sql.NullTime
	)
	err := row.Scan(
		&issue.ID,
		&issue.Kind,
		&creator,
		&assignee,
		&issue.Description,
		&reward,
		&issue.RepoOwner,
		&issue.RepoName,
		&issue.Stage,
		&beneficiary,
		&issue.CreatedAt,
		&workStartedAt,
		&closedAt,
	)
	if err != nil {
		return nil, err
	}

	issue.Creator = common.HexToAddress(creator)
	issue.Assignee = common.HexToAddress(assignee)
	if issue.RewardAmount, err = parseAmount(reward); err != nil {
		return nil, err
	}
	if beneficiary.Valid {
		addr := common.HexToAddress(beneficiary.String)
		issue.Beneficiary = &addr
	}
	if workStartedAt.Valid {
		issue.WorkStartedAt = &workStartedAt.Time
	}
	if closedAt.Valid {
		issue.ClosedAt = &closedAt.Time
	}
	return &issue, nil
}

func scanCredit(row rowScanner) (*model.Credit, error) {
	var (
		credit      model.Credit
		beneficiary string
		balance     string
		paidOut     string
	)
	if err := row.Scan(&beneficiary, &balance, &paidOut, &credit.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	credit.Beneficiary = common.HexToAddress(beneficiary)
	if credit.Balance, err = parseAmount(balance); err != nil {
		return nil, err
	}
	if credit.PaidOut, err = parseAmount(paidOut); err != nil {
		return nil, err
	}
	return &credit, nil
}

func amountText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("sqlite: malformed amount %q", s)
	}
	return v, nil
}

func nullAddress(addr *common.Address) sql.NullString {
	if addr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: addr.Hex(), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

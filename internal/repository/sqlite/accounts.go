package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethcentivize/issue-registry/internal/apperror"
	"github.com/ethcentivize/issue-registry/internal/model"
	"github.com/ethcentivize/issue-registry/internal/repository"
	"github.com/ethereum/go-ethereum/common"
)

// compile-time check that *DB implements repository.AccountRepository
var _ repository.AccountRepository = (*DB)(nil)

// Upsert inserts or updates the account keyed by its address.
//
// Accounts live outside the ledger, so these methods use db.conn directly.
// That means they must never be called from inside Atomically or View (see
// the package doc); the registry resolves accounts before opening a call.
//
// ON CONFLICT ... DO UPDATE keeps the row (and its created_at) and rewrites
// only the profile columns. A github_id that already belongs to another
// address violates the UNIQUE constraint and is reported as InvalidState.
func (db *DB) Upsert(ctx context.Context, account *model.Account) error {
	now := time.Now()

	var githubID sql.NullInt64
	if account.GitHubID != 0 {
		githubID = sql.NullInt64{Int64: account.GitHubID, Valid: true}
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO accounts (address, github_id, github_login, avatar_url, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET
			github_id = excluded.github_id,
			github_login = excluded.github_login,
			avatar_url = excluded.avatar_url,
			updated_at = excluded.updated_at`,
		account.Address.Hex(),
		githubID,
		account.GitHubLogin,
		account.AvatarURL,
		now,
		now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return apperror.InvalidState("github account is already linked to another address")
		}
		return fmt.Errorf("sqlite: upserting account %s: %w", account.Address.Hex(), err)
	}

	// Read back the canonical timestamps (created_at survives updates).
	stored, err := db.GetByAddress(ctx, account.Address)
	if err != nil {
		return err
	}
	account.CreatedAt = stored.CreatedAt
	account.UpdatedAt = stored.UpdatedAt
	return nil
}

// GetByAddress returns apperror.ErrNotFound if the address never signed in.
func (db *DB) GetByAddress(ctx context.Context, addr common.Address) (*model.Account, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT address, github_id, github_login, avatar_url, created_at, updated_at
		 FROM accounts WHERE address = ?`,
		addr.Hex(),
	)

	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("account", addr.Hex())
		}
		return nil, fmt.Errorf("sqlite: getting account %s: %w", addr.Hex(), err)
	}
	return account, nil
}

func (db *DB) GetByGitHubID(ctx context.Context, githubID int64) (*model.Account, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT address, github_id, github_login, avatar_url, created_at, updated_at
		 FROM accounts WHERE github_id = ?`,
		githubID,
	)

	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("account", strconv.FormatInt(githubID, 10))
		}
		return nil, fmt.Errorf("sqlite: getting account by github id %d: %w", githubID, err)
	}
	return account, nil
}

func scanAccount(row rowScanner) (*model.Account, error) {
	var (
		account  model.Account
		address  string
		githubID sql.NullInt64
	)
	err := row.Scan(
		&address,
		&githubID,
		&account.GitHubLogin,
		&account.AvatarURL,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	account.Address = common.HexToAddress(address)
	account.GitHubID = githubID.Int64
	return &account, nil
}

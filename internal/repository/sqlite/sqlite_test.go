package sqlite

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethcentivize/issue-registry/internal/model"
	"github.com/ethcentivize/issue-registry/internal/repository"
	"github.com/ethcentivize/issue-registry/internal/repository/repotest"
	"github.com/ethereum/go-ethereum/common"
)

// newTestDB returns a fresh in-memory database. ":memory:" works with the
// pool because New pins it to a single connection.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStoreConformance(t *testing.T) {
	repotest.TestStore(t, func(t *testing.T) repository.Store {
		return newTestDB(t)
	})
}

// =========================================================================
// DURABILITY TESTS
// =========================================================================

func TestLedgerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	ctx := context.Background()
	bob := common.HexToAddress("0x0000000000000000000000000000000000000b0b")

	db, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = db.Atomically(ctx, func(st repository.State) error {
		issue := &model.Issue{
			Kind:         model.KindFeature,
			Assignee:     bob,
			RewardAmount: big.NewInt(500),
			CreatedAt:    time.Now(),
		}
		if err := st.InsertIssue(ctx, issue); err != nil {
			return err
		}
		credit := model.NewCredit(bob)
		credit.Balance.SetInt64(500)
		return st.PutCredit(ctx, credit)
	})
	if err != nil {
		t.Fatalf("Atomically() error = %v", err)
	}
	db.Close()

	// Reopening runs migrations again; they must be idempotent.
	db, err = New(path)
	if err != nil {
		t.Fatalf("New() (reopen) error = %v", err)
	}
	defer db.Close()

	err = db.View(ctx, func(st repository.State) error {
		n, err := st.IssueCount(ctx)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("IssueCount() = %d, want 1", n)
		}
		credit, err := st.GetCredit(ctx, bob)
		if err != nil {
			return err
		}
		if credit.Balance.Int64() != 500 {
			t.Errorf("Balance = %s, want 500", credit.Balance)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}
}

// A panicking call must release the single connection; otherwise the next
// call would block forever.
func TestPanicRollsBackAndReleasesConnection(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		db.Atomically(ctx, func(st repository.State) error {
			st.InsertIssue(ctx, &model.Issue{RewardAmount: big.NewInt(1), CreatedAt: time.Now()})
			panic("boom")
		})
	}()

	done := make(chan error, 1)
	go func() {
		done <- db.View(ctx, func(st repository.State) error {
			n, err := st.IssueCount(ctx)
			if err == nil && n != 0 {
				t.Errorf("IssueCount() = %d after panic, want 0", n)
			}
			return err
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("View() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("View() blocked: connection not released after panic")
	}
}

func TestAddColumnIfNotExists_Idempotent(t *testing.T) {
	db := newTestDB(t)

	// migrate already added avatar_url; a second attempt must be a no-op.
	if err := db.addColumnIfNotExists("accounts", "avatar_url", "TEXT NOT NULL DEFAULT ''"); err != nil {
		t.Fatalf("addColumnIfNotExists() error = %v", err)
	}
}

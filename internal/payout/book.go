package payout

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/xid"
)

var _ Transferer = (*Book)(nil)

// Entry is one payout recorded by a Book.
type Entry struct {
	Ref    string
	To     common.Address
	Amount *big.Int
	At     time.Time
}

// Book is a book-entry Transferer: it records payouts in memory instead of
// moving funds. It backs the default "book" payout mode and tests.
type Book struct {
	mu      sync.Mutex
	entries []Entry
}

func NewBook() *Book {
	return &Book{}
}

func (b *Book) Transfer(ctx context.Context, to common.Address, amount *big.Int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ref := "book:" + xid.New().String()
	b.entries = append(b.entries, Entry{
		Ref:    ref,
		To:     to,
		Amount: new(big.Int).Set(amount),
		At:     time.Now(),
	})
	return ref, nil
}

// PaidTo returns the total recorded for addr.
func (b *Book) PaidTo(addr common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := new(big.Int)
	for _, e := range b.entries {
		if e.To == addr {
			total.Add(total, e.Amount)
		}
	}
	return total
}

// Entries returns a copy of every recorded payout in order.
func (b *Book) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Entry, len(b.entries))
	for i, e := range b.entries {
		e.Amount = new(big.Int).Set(e.Amount)
		out[i] = e
	}
	return out
}

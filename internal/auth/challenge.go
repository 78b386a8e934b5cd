package auth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/xid"
)

// DefaultChallengeTTL bounds how long a client may take to sign.
const DefaultChallengeTTL = 5 * time.Minute

var (
	ErrNoChallenge       = errors.New("auth: no pending challenge for address")
	ErrSignatureMismatch = errors.New("auth: signature does not match address")
)

// Challenges hands out one-time login messages and checks their signatures.
//
// Each address has at most one pending challenge. Asking again replaces it,
// and any verification attempt consumes it, so a captured signature can
// never be replayed and a wrong one cannot be retried against the same nonce.
type Challenges struct {
	mu      sync.Mutex
	pending map[common.Address]challenge
	ttl     time.Duration
	now     func() time.Time
}

type challenge struct {
	message string
	expires time.Time
}

func NewChallenges(ttl time.Duration) *Challenges {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &Challenges{
		pending: make(map[common.Address]challenge),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Issue returns a fresh message for addr to sign.
func (c *Challenges) Issue(addr common.Address) string {
	now := c.now()
	msg := ChallengeMessage(addr, xid.New().String())

	c.mu.Lock()
	defer c.mu.Unlock()

	for a, ch := range c.pending {
		if now.After(ch.expires) {
			delete(c.pending, a)
		}
	}
	c.pending[addr] = challenge{message: msg, expires: now.Add(c.ttl)}
	return msg
}

// Verify consumes addr's pending challenge and checks that signature is an
// EIP-191 personal_sign of it by addr.
func (c *Challenges) Verify(addr common.Address, signature []byte) error {
	c.mu.Lock()
	ch, ok := c.pending[addr]
	delete(c.pending, addr)
	c.mu.Unlock()

	if !ok || c.now().After(ch.expires) {
		return ErrNoChallenge
	}

	signer, err := RecoverSigner(ch.message, signature)
	if err != nil {
		return err
	}
	if signer != addr {
		return ErrSignatureMismatch
	}
	return nil
}

// ChallengeMessage is the text a wallet shows the user before signing.
func ChallengeMessage(addr common.Address, nonce string) string {
	return fmt.Sprintf("Sign in to issue-registry\n\nAddress: %s\nNonce: %s", addr.Hex(), nonce)
}

// SignMessage produces the 65-byte [R || S || V] personal_sign signature a
// wallet would, with V in {27, 28}.
func SignMessage(key *ecdsa.PrivateKey, message string) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return nil, fmt.Errorf("auth: signing message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverSigner returns the address whose key produced signature over
// message. V may be 0/1 or 27/28.
func RecoverSigner(message string, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("auth: signature must be %d bytes, got %d", crypto.SignatureLength, len(signature))
	}

	sig := make([]byte, len(signature))
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pubkey, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("auth: recovering signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pubkey), nil
}

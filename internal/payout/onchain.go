package payout

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// transferGas is the intrinsic gas of a plain value transfer.
const transferGas = 21000

// Client is the part of an Ethereum RPC client the on-chain transferer uses.
// *ethclient.Client and the simulated backend's client both satisfy it.
type Client interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

var (
	_ Client     = (*ethclient.Client)(nil)
	_ Transferer = (*Onchain)(nil)
)

// Onchain pays out by sending a value transaction from a hot wallet.
//
// Transfer returns once the node accepts the transaction; it does not wait for
// inclusion. Sends are serialized so pending nonces are taken in order.
type Onchain struct {
	client Client
	opts   *bind.TransactOpts
	logger *slog.Logger

	mu sync.Mutex
}

func NewOnchain(client Client, key *ecdsa.PrivateKey, chainID *big.Int, logger *slog.Logger) (*Onchain, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("payout: creating transactor: %w", err)
	}
	return &Onchain{client: client, opts: opts, logger: logger}, nil
}

// Dial connects to rpcURL and returns a transferer paying from hexKey. The
// returned close function releases the RPC connection.
func Dial(ctx context.Context, rpcURL, hexKey string, chainID int64, logger *slog.Logger) (*Onchain, func(), error) {
	if rpcURL == "" {
		return nil, nil, errors.New("payout: rpc url is required for onchain mode")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, nil, fmt.Errorf("payout: parsing private key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("payout: dialing %s: %w", rpcURL, err)
	}

	o, err := NewOnchain(client, key, big.NewInt(chainID), logger)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return o, client.Close, nil
}

// From is the paying address.
func (o *Onchain) From() common.Address {
	return o.opts.From
}

func (o *Onchain) Transfer(ctx context.Context, to common.Address, amount *big.Int) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	nonce, err := o.client.PendingNonceAt(ctx, o.opts.From)
	if err != nil {
		return "", fmt.Errorf("payout: fetching nonce: %w", err)
	}
	gasPrice, err := o.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("payout: suggesting gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int).Set(amount),
		Gas:      transferGas,
		GasPrice: gasPrice,
	})
	signed, err := o.opts.Signer(o.opts.From, tx)
	if err != nil {
		return "", fmt.Errorf("payout: signing transfer: %w", err)
	}

	if err := o.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("payout: sending transfer: %w", err)
	}

	hash := signed.Hash().Hex()
	o.logger.Info("payout sent",
		slog.String("tx", hash),
		slog.String("to", to.Hex()),
		slog.String("amount", amount.String()),
		slog.Uint64("nonce", nonce),
	)
	return hash, nil
}

package ledger

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrReverted is returned when a mined transaction has a failed receipt.
	ErrReverted = errors.New("ledger: transaction reverted")
	// ErrConfirmationTimeout is returned when a receipt did not appear in time.
	// The transaction may still be mined later.
	ErrConfirmationTimeout = errors.New("ledger: confirmation timeout")
)

// TxOptions customise a submission.
type TxOptions struct {
	// GasPrice overrides the node suggestion. Required.
	GasPrice *big.Int
	// Nonce pins the signer nonce, used to replace a previously broadcast
	// transaction instead of queueing a second one.
	Nonce *uint64
}

// Submission describes a signed transaction handed to the network. Hash and
// Nonce are populated as soon as the transaction is signed, even when the
// broadcast itself fails.
type Submission struct {
	Hash     common.Hash
	Nonce    uint64
	GasPrice *big.Int
	Signed   bool
}

// TokenLedger is the subset of the reward token contract and its node that
// the distribution engine consumes. Amounts are in on-chain base units.
type TokenLedger interface {
	// Signer returns the externally owned account that pays out rewards.
	Signer() common.Address
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	Transfer(ctx context.Context, to common.Address, amount *big.Int, opts TxOptions) (Submission, error)
	DistributeTokens(ctx context.Context, recipients []common.Address, amounts []*big.Int, opts TxOptions) (Submission, error)
	// WaitMined blocks until the receipt is available or ctx is done.
	WaitMined(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error)
	// Paused reports the contract's pause flag.
	Paused(ctx context.Context) (bool, error)
}

// FuncLedger adapts callback functions to the TokenLedger interface.
type FuncLedger struct {
	SignerAddress        common.Address
	BalanceOfFunc        func(ctx context.Context, account common.Address) (*big.Int, error)
	SuggestGasPriceFunc  func(ctx context.Context) (*big.Int, error)
	TransferFunc         func(ctx context.Context, to common.Address, amount *big.Int, opts TxOptions) (Submission, error)
	DistributeTokensFunc func(ctx context.Context, recipients []common.Address, amounts []*big.Int, opts TxOptions) (Submission, error)
	WaitMinedFunc        func(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error)
	PausedFunc           func(ctx context.Context) (bool, error)
}

var errNotConfigured = errors.New("ledger: callback not configured")

// Signer returns the configured signer address.
func (f FuncLedger) Signer() common.Address { return f.SignerAddress }

// BalanceOf delegates to the configured callback.
func (f FuncLedger) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	if f.BalanceOfFunc == nil {
		return nil, errNotConfigured
	}
	return f.BalanceOfFunc(ctx, account)
}

// SuggestGasPrice delegates to the configured callback.
func (f FuncLedger) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if f.SuggestGasPriceFunc == nil {
		return big.NewInt(1), nil
	}
	return f.SuggestGasPriceFunc(ctx)
}

// Transfer delegates to the configured callback.
func (f FuncLedger) Transfer(ctx context.Context, to common.Address, amount *big.Int, opts TxOptions) (Submission, error) {
	if f.TransferFunc == nil {
		return Submission{}, errNotConfigured
	}
	return f.TransferFunc(ctx, to, amount, opts)
}

// DistributeTokens delegates to the configured callback.
func (f FuncLedger) DistributeTokens(ctx context.Context, recipients []common.Address, amounts []*big.Int, opts TxOptions) (Submission, error) {
	if f.DistributeTokensFunc == nil {
		return Submission{}, errNotConfigured
	}
	return f.DistributeTokensFunc(ctx, recipients, amounts, opts)
}

// WaitMined delegates to the configured callback.
func (f FuncLedger) WaitMined(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	if f.WaitMinedFunc == nil {
		return &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, TxHash: hash}, nil
	}
	return f.WaitMinedFunc(ctx, hash)
}

// Paused delegates to the configured callback.
func (f FuncLedger) Paused(ctx context.Context) (bool, error) {
	if f.PausedFunc == nil {
		return false, nil
	}
	return f.PausedFunc(ctx)
}

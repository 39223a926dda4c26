// Package ledgertest provides an in-memory token ledger with scripted
// failures for exercising the distribution engine.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"vendorvote/services/rewardd/ledger"
)

// Step scripts the outcome of one submission. The zero Step delivers the
// transfer and mines a successful receipt.
type Step struct {
	// SendErr is returned from Transfer/DistributeTokens.
	SendErr error
	// Deliver applies the transfer on chain even though SendErr is set.
	Deliver bool
	// Revert mines the transaction with a failed receipt.
	Revert bool
	// WaitErr is returned from WaitMined for this submission.
	WaitErr error
	// BreakReads makes every non-signer BalanceOf call fail from now on.
	BreakReads error
	// Hold leaves the transaction in the mempool until Mine is called. It
	// takes the next nonce and WaitMined reports a confirmation timeout.
	Hold bool
}

// Call records one submission seen by the chain.
type Call struct {
	Method     string
	Recipients []common.Address
	Amounts    []*big.Int
	Nonce      uint64
	GasPrice   *big.Int
	Hash       common.Hash
	Delivered  bool
}

// Chain is a single-signer token ledger held in memory.
type Chain struct {
	mu        sync.Mutex
	signer    common.Address
	balances  map[common.Address]*big.Int
	gasPrice  *big.Int
	paused    bool
	nonce     uint64
	script    []Step
	calls     []Call
	receipts  map[common.Hash]*gethtypes.Receipt
	waitErrs  map[common.Hash]error
	readErr   error
	pending   map[common.Hash]struct{}
	held      map[uint64]heldTx
	maxFlight int
}

type heldTx struct {
	call       int
	recipients []common.Address
	amounts    []*big.Int
}

var _ ledger.TokenLedger = (*Chain)(nil)

// NewChain funds signer with supply base units.
func NewChain(signer common.Address, supply *big.Int) *Chain {
	c := &Chain{
		signer:   signer,
		balances: make(map[common.Address]*big.Int),
		gasPrice: big.NewInt(1_000_000_000),
		receipts: make(map[common.Hash]*gethtypes.Receipt),
		waitErrs: make(map[common.Hash]error),
		pending:  make(map[common.Hash]struct{}),
		held:     make(map[uint64]heldTx),
	}
	c.balances[signer] = new(big.Int).Set(supply)
	return c
}

// Script appends scripted outcomes consumed by subsequent submissions.
func (c *Chain) Script(steps ...Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = append(c.script, steps...)
}

// SetBalance overrides the balance of account.
func (c *Chain) SetBalance(account common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[account] = new(big.Int).Set(amount)
}

// SetPaused toggles the contract pause flag.
func (c *Chain) SetPaused(paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = paused
}

// SetGasPrice changes the suggested gas price.
func (c *Chain) SetGasPrice(price *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gasPrice = new(big.Int).Set(price)
}

// RestoreReads undoes a previous BreakReads.
func (c *Chain) RestoreReads() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErr = nil
}

// Mine includes every held transaction in nonce order.
func (c *Chain) Mine() {
	c.mu.Lock()
	defer c.mu.Unlock()
	nonces := make([]uint64, 0, len(c.held))
	for nonce := range c.held {
		nonces = append(nonces, nonce)
	}
	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	for _, nonce := range nonces {
		tx := c.held[nonce]
		delete(c.held, nonce)
		hash := c.calls[tx.call].Hash
		status := gethtypes.ReceiptStatusFailed
		if c.applyLocked(tx.recipients, tx.amounts) {
			status = gethtypes.ReceiptStatusSuccessful
			c.calls[tx.call].Delivered = true
		}
		c.receipts[hash] = &gethtypes.Receipt{Status: status, TxHash: hash}
	}
}

// Supersede mines an unrelated signer transaction at every held nonce, so
// the held transactions can never be included.
func (c *Chain) Supersede() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.held = make(map[uint64]heldTx)
}

// Balance returns the current balance of account.
func (c *Chain) Balance(account common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balanceLocked(account)
}

// Calls returns every submission seen so far.
func (c *Chain) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// Delivered counts submissions applied on chain.
func (c *Chain) Delivered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.Delivered {
			n++
		}
	}
	return n
}

// MaxConcurrent reports the highest number of submissions broadcast before
// the previous one was awaited.
func (c *Chain) MaxConcurrent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxFlight
}

// Signer returns the funded account.
func (c *Chain) Signer() common.Address { return c.signer }

// BalanceOf returns the balance of account.
func (c *Chain) BalanceOf(_ context.Context, account common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil && account != c.signer {
		return nil, c.readErr
	}
	return c.balanceLocked(account), nil
}

// SuggestGasPrice returns the configured gas price.
func (c *Chain) SuggestGasPrice(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.gasPrice), nil
}

// Paused reports the contract pause flag.
func (c *Chain) Paused(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused, nil
}

// Transfer submits a single transfer.
func (c *Chain) Transfer(ctx context.Context, to common.Address, amount *big.Int, opts ledger.TxOptions) (ledger.Submission, error) {
	return c.submit(ctx, "transfer", []common.Address{to}, []*big.Int{amount}, opts)
}

// DistributeTokens submits a batch transfer.
func (c *Chain) DistributeTokens(ctx context.Context, recipients []common.Address, amounts []*big.Int, opts ledger.TxOptions) (ledger.Submission, error) {
	if len(recipients) != len(amounts) {
		return ledger.Submission{}, fmt.Errorf("ledgertest: %d recipients for %d amounts", len(recipients), len(amounts))
	}
	return c.submit(ctx, "distributeTokens", recipients, amounts, opts)
}

// WaitMined returns the receipt recorded for hash.
func (c *Chain) WaitMined(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, hash)
	if err, ok := c.waitErrs[hash]; ok {
		return nil, err
	}
	receipt, ok := c.receipts[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrConfirmationTimeout, hash.Hex())
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", ledger.ErrReverted, hash.Hex())
	}
	return receipt, nil
}

func (c *Chain) submit(_ context.Context, method string, recipients []common.Address, amounts []*big.Int, opts ledger.TxOptions) (ledger.Submission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if opts.GasPrice == nil {
		return ledger.Submission{}, errors.New("ledgertest: gas price required")
	}
	nonce := c.nonce
	if opts.Nonce != nil {
		nonce = *opts.Nonce
		if _, waiting := c.held[nonce]; nonce < c.nonce && !waiting {
			return ledger.Submission{}, errors.New("nonce too low")
		}
	}
	step := Step{}
	if len(c.script) > 0 {
		step = c.script[0]
		c.script = c.script[1:]
	}
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("%s:%d:%s:%d", method, nonce, opts.GasPrice, len(c.calls))))
	call := Call{
		Method:     method,
		Recipients: append([]common.Address(nil), recipients...),
		Amounts:    cloneAmounts(amounts),
		Nonce:      nonce,
		GasPrice:   new(big.Int).Set(opts.GasPrice),
		Hash:       hash,
	}
	sub := ledger.Submission{Hash: hash, Nonce: nonce, GasPrice: new(big.Int).Set(opts.GasPrice), Signed: true}
	if step.BreakReads != nil {
		c.readErr = step.BreakReads
	}
	if step.WaitErr != nil {
		c.waitErrs[hash] = step.WaitErr
	}

	deliver := step.SendErr == nil || step.Deliver
	if !deliver {
		c.calls = append(c.calls, call)
		return sub, step.SendErr
	}
	if step.SendErr == nil {
		c.pending[hash] = struct{}{}
		if len(c.pending) > c.maxFlight {
			c.maxFlight = len(c.pending)
		}
	}
	// A transaction at a held nonce replaces the held one.
	delete(c.held, nonce)
	if nonce+1 > c.nonce {
		c.nonce = nonce + 1
	}
	if step.Hold {
		c.held[nonce] = heldTx{
			call:       len(c.calls),
			recipients: call.Recipients,
			amounts:    call.Amounts,
		}
		c.calls = append(c.calls, call)
		return sub, step.SendErr
	}
	status := gethtypes.ReceiptStatusSuccessful
	if step.Revert || !c.applyLocked(recipients, amounts) {
		status = gethtypes.ReceiptStatusFailed
	} else {
		call.Delivered = true
	}
	c.receipts[hash] = &gethtypes.Receipt{Status: status, TxHash: hash}
	c.calls = append(c.calls, call)
	return sub, step.SendErr
}

func (c *Chain) applyLocked(recipients []common.Address, amounts []*big.Int) bool {
	total := new(big.Int)
	for _, amount := range amounts {
		total.Add(total, amount)
	}
	signerBalance := c.balanceLocked(c.signer)
	if signerBalance.Cmp(total) < 0 {
		return false
	}
	c.balances[c.signer] = signerBalance.Sub(signerBalance, total)
	for i, to := range recipients {
		c.balances[to] = new(big.Int).Add(c.balanceLocked(to), amounts[i])
	}
	return true
}

func (c *Chain) balanceLocked(account common.Address) *big.Int {
	if balance, ok := c.balances[account]; ok {
		return new(big.Int).Set(balance)
	}
	return new(big.Int)
}

func cloneAmounts(amounts []*big.Int) []*big.Int {
	out := make([]*big.Int, len(amounts))
	for i, amount := range amounts {
		out[i] = new(big.Int).Set(amount)
	}
	return out
}

package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const tokenABIJSON = `[
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"distributeTokens","stateMutability":"nonpayable","inputs":[{"name":"recipients","type":"address[]"},{"name":"amounts","type":"uint256[]"}],"outputs":[]},
 {"type":"function","name":"paused","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]}
]`

var tokenABI = mustParseABI(tokenABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("ledger: parse token abi: %v", err))
	}
	return parsed
}

// EVMClient defines the subset of the Ethereum RPC used by the ledger.
type EVMClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// EVMConfig configures the on-chain reward token.
type EVMConfig struct {
	ChainID      *big.Int
	Token        common.Address
	GasLimit     uint64
	PollInterval time.Duration
}

// EVMLedger implements TokenLedger against an ERC-20 style reward token.
type EVMLedger struct {
	client   EVMClient
	key      *ecdsa.PrivateKey
	from     common.Address
	token    common.Address
	signer   gethtypes.Signer
	gasLimit uint64
	poll     time.Duration
}

// DialEVMClient initialises an EVM RPC client for the provided endpoint.
func DialEVMClient(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// NewEVMLedger constructs a ledger signing with key.
func NewEVMLedger(client EVMClient, key *ecdsa.PrivateKey, cfg EVMConfig) (*EVMLedger, error) {
	if client == nil {
		return nil, fmt.Errorf("ledger: evm client required")
	}
	if key == nil {
		return nil, fmt.Errorf("ledger: signer key required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("ledger: chain id required")
	}
	if cfg.Token == (common.Address{}) {
		return nil, fmt.Errorf("ledger: token address required")
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &EVMLedger{
		client:   client,
		key:      key,
		from:     gethcrypto.PubkeyToAddress(key.PublicKey),
		token:    cfg.Token,
		signer:   gethtypes.LatestSignerForChainID(cfg.ChainID),
		gasLimit: cfg.GasLimit,
		poll:     poll,
	}, nil
}

// Signer returns the payout account.
func (l *EVMLedger) Signer() common.Address { return l.from }

// BalanceOf reads the token balance of account.
func (l *EVMLedger) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	out, err := l.call(ctx, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	values, err := tokenABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unpack balanceOf: unexpected %d values", len(values))
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack balanceOf: unexpected type %T", values[0])
	}
	return balance, nil
}

// Paused reads the contract pause flag.
func (l *EVMLedger) Paused(ctx context.Context) (bool, error) {
	out, err := l.call(ctx, "paused")
	if err != nil {
		return false, err
	}
	values, err := tokenABI.Unpack("paused", out)
	if err != nil {
		return false, fmt.Errorf("unpack paused: %w", err)
	}
	if len(values) != 1 {
		return false, fmt.Errorf("unpack paused: unexpected %d values", len(values))
	}
	paused, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("unpack paused: unexpected type %T", values[0])
	}
	return paused, nil
}

// SuggestGasPrice returns the node's current gas price.
func (l *EVMLedger) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	return price, nil
}

// Transfer sends amount base units to to.
func (l *EVMLedger) Transfer(ctx context.Context, to common.Address, amount *big.Int, opts TxOptions) (Submission, error) {
	data, err := tokenABI.Pack("transfer", to, amount)
	if err != nil {
		return Submission{}, fmt.Errorf("pack transfer: %w", err)
	}
	return l.send(ctx, data, opts)
}

// DistributeTokens pays every recipient its paired amount in one transaction.
func (l *EVMLedger) DistributeTokens(ctx context.Context, recipients []common.Address, amounts []*big.Int, opts TxOptions) (Submission, error) {
	if len(recipients) != len(amounts) {
		return Submission{}, fmt.Errorf("ledger: %d recipients for %d amounts", len(recipients), len(amounts))
	}
	data, err := tokenABI.Pack("distributeTokens", recipients, amounts)
	if err != nil {
		return Submission{}, fmt.Errorf("pack distributeTokens: %w", err)
	}
	return l.send(ctx, data, opts)
}

// WaitMined polls for the receipt of hash until ctx expires.
func (l *EVMLedger) WaitMined(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		receipt, err := l.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
			}
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s", ErrConfirmationTimeout, hash.Hex())
			}
			return nil, fmt.Errorf("fetch receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrConfirmationTimeout, hash.Hex())
		case <-ticker.C:
		}
	}
}

func (l *EVMLedger) call(ctx context.Context, method string, args ...any) ([]byte, error) {
	data, err := tokenABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	token := l.token
	out, err := l.client.CallContract(ctx, ethereum.CallMsg{From: l.from, To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return out, nil
}

func (l *EVMLedger) send(ctx context.Context, data []byte, opts TxOptions) (Submission, error) {
	gasPrice := opts.GasPrice
	if gasPrice == nil {
		suggested, err := l.SuggestGasPrice(ctx)
		if err != nil {
			return Submission{}, err
		}
		gasPrice = suggested
	}
	var nonce uint64
	if opts.Nonce != nil {
		nonce = *opts.Nonce
	} else {
		pending, err := l.client.PendingNonceAt(ctx, l.from)
		if err != nil {
			return Submission{}, fmt.Errorf("pending nonce: %w", err)
		}
		nonce = pending
	}
	token := l.token
	gas := l.gasLimit
	if gas == 0 {
		estimated, err := l.client.EstimateGas(ctx, ethereum.CallMsg{From: l.from, To: &token, GasPrice: gasPrice, Data: data})
		if err != nil {
			return Submission{}, fmt.Errorf("estimate gas: %w", err)
		}
		gas = estimated + estimated/5
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &token,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, l.signer, l.key)
	if err != nil {
		return Submission{}, fmt.Errorf("sign transaction: %w", err)
	}
	sub := Submission{Hash: signed.Hash(), Nonce: nonce, GasPrice: new(big.Int).Set(gasPrice), Signed: true}
	if err := l.client.SendTransaction(ctx, signed); err != nil {
		return sub, fmt.Errorf("send transaction: %w", err)
	}
	return sub, nil
}

package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

type fakeRPC struct {
	nonce     uint64
	gasPrice  *big.Int
	balance   *big.Int
	paused    bool
	sent      []*gethtypes.Transaction
	receipts  map[common.Hash]*gethtypes.Receipt
	sendErr   error
	nonceHits int
}

func (f *fakeRPC) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	method, err := tokenABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "balanceOf":
		return method.Outputs.Pack(f.balance)
	case "paused":
		return method.Outputs.Pack(f.paused)
	}
	return nil, errors.New("unexpected call")
}

func (f *fakeRPC) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.nonceHits++
	return f.nonce, nil
}

func (f *fakeRPC) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeRPC) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 50_000, nil
}

func (f *fakeRPC) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.sent = append(f.sent, tx)
	return f.sendErr
}

func (f *fakeRPC) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	if receipt, ok := f.receipts[hash]; ok {
		return receipt, nil
	}
	return nil, ethereum.NotFound
}

func newTestLedger(t *testing.T, rpc *fakeRPC) *EVMLedger {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	l, err := NewEVMLedger(rpc, key, EVMConfig{
		ChainID:      big.NewInt(1337),
		Token:        common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	return l
}

func TestEVMLedgerTransferSignsForChain(t *testing.T) {
	rpc := &fakeRPC{nonce: 7, gasPrice: big.NewInt(10), receipts: map[common.Hash]*gethtypes.Receipt{}}
	l := newTestLedger(t, rpc)
	to := common.HexToAddress(lowerAddr)

	sub, err := l.Transfer(context.Background(), to, big.NewInt(15), TxOptions{GasPrice: big.NewInt(12)})
	require.NoError(t, err)
	require.True(t, sub.Signed)
	require.EqualValues(t, 7, sub.Nonce)
	require.Len(t, rpc.sent, 1)

	tx := rpc.sent[0]
	require.Equal(t, sub.Hash, tx.Hash())
	require.EqualValues(t, 12, tx.GasPrice().Int64())
	require.EqualValues(t, 60_000, tx.Gas())
	from, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(1337)), tx)
	require.NoError(t, err)
	require.Equal(t, l.Signer(), from)

	method, err := tokenABI.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	require.Equal(t, "transfer", method.Name)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	require.Equal(t, to, args[0])
	require.EqualValues(t, 15, args[1].(*big.Int).Int64())
}

func TestEVMLedgerPinnedNonceSkipsLookup(t *testing.T) {
	rpc := &fakeRPC{nonce: 9, gasPrice: big.NewInt(10), sendErr: errors.New("replacement transaction underpriced")}
	l := newTestLedger(t, rpc)
	nonce := uint64(4)

	sub, err := l.DistributeTokens(context.Background(),
		[]common.Address{common.HexToAddress(lowerAddr)},
		[]*big.Int{big.NewInt(1)},
		TxOptions{GasPrice: big.NewInt(11), Nonce: &nonce})
	require.Error(t, err)
	require.True(t, sub.Signed, "hash must be known even when the broadcast fails")
	require.EqualValues(t, 4, sub.Nonce)
	require.Zero(t, rpc.nonceHits)
}

func TestEVMLedgerReads(t *testing.T) {
	rpc := &fakeRPC{gasPrice: big.NewInt(1), balance: big.NewInt(4200), paused: true}
	l := newTestLedger(t, rpc)

	balance, err := l.BalanceOf(context.Background(), common.HexToAddress(lowerAddr))
	require.NoError(t, err)
	require.EqualValues(t, 4200, balance.Int64())

	paused, err := l.Paused(context.Background())
	require.NoError(t, err)
	require.True(t, paused)
}

func TestEVMLedgerWaitMined(t *testing.T) {
	ok := common.HexToHash("0x01")
	reverted := common.HexToHash("0x02")
	rpc := &fakeRPC{gasPrice: big.NewInt(1), receipts: map[common.Hash]*gethtypes.Receipt{
		ok:       {Status: gethtypes.ReceiptStatusSuccessful, TxHash: ok},
		reverted: {Status: gethtypes.ReceiptStatusFailed, TxHash: reverted},
	}}
	l := newTestLedger(t, rpc)

	receipt, err := l.WaitMined(context.Background(), ok)
	require.NoError(t, err)
	require.Equal(t, ok, receipt.TxHash)

	_, err = l.WaitMined(context.Background(), reverted)
	require.ErrorIs(t, err, ErrReverted)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.WaitMined(ctx, common.HexToHash("0x03"))
	require.ErrorIs(t, err, ErrConfirmationTimeout)
}

func TestParseHexKey(t *testing.T) {
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	raw := "0x" + common.Bytes2Hex(gethcrypto.FromECDSA(key))
	parsed, err := ParseHexKey(raw)
	require.NoError(t, err)
	require.Equal(t, gethcrypto.PubkeyToAddress(key.PublicKey), gethcrypto.PubkeyToAddress(parsed.PublicKey))

	_, err = ParseHexKey("  ")
	require.Error(t, err)
}
